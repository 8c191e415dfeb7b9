// Package lexicon resolves a single recognized word to a sign clip stem.
//
// Resolution tries, in order: the word itself, the word with one inflectional
// suffix removed, and finally the closest stem in the word's bucket by
// normalized edit similarity. The first hit wins.
package lexicon

import (
	"sort"
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/antzucaro/matchr"
	"github.com/loqalabs/loqa-sign/internal/inventory"
	"golang.org/x/text/language"
)

const defaultCutoff = 0.6

// DefaultSuffixes is the Turkish inflection table used when none is configured.
var DefaultSuffixes = []string{"e", "im", "in", "um", "sin", "siniz", "ler", "lar", "dir", "dır", "dur", "mız", "tik", "mek", "mekte"}

// Kind classifies how a word was matched.
type Kind string

const (
	KindExact Kind = "exact"
	KindStem  Kind = "stem"
	KindFuzzy Kind = "fuzzy"
	KindNone  Kind = "none"
)

// Match is the resolution result for one word.
type Match struct {
	Word       string  `json:"word"`
	Bucket     string  `json:"bucket,omitempty"`
	Stem       string  `json:"stem,omitempty"`
	Kind       Kind    `json:"kind"`
	Similarity float64 `json:"similarity,omitempty"`
}

func (m Match) Found() bool { return m.Kind != KindNone }

// Inventory is the read side of the clip index the resolver needs.
type Inventory interface {
	Lookup(bucketKey string) inventory.Bucket
	Exists(bucketKey, stem string) bool
}

// Option is a functional option for configuring a [Resolver].
type Option func(*Resolver)

// WithCutoff sets the minimum similarity a fuzzy candidate needs. Default: 0.6.
func WithCutoff(cutoff float64) Option {
	return func(r *Resolver) {
		if cutoff > 0 && cutoff <= 1 {
			r.cutoff = cutoff
		}
	}
}

// WithSuffixes replaces the suffix table.
func WithSuffixes(suffixes []string) Option {
	return func(r *Resolver) {
		if len(suffixes) > 0 {
			r.suffixes = orderSuffixes(suffixes)
		}
	}
}

// WithLanguage sets the language used to lowercase bucket keys. Default: Turkish.
func WithLanguage(tag language.Tag) Option {
	return func(r *Resolver) {
		r.lang = tag
	}
}

// Resolver is read-only after construction and safe for concurrent use.
type Resolver struct {
	inv      Inventory
	cutoff   float64
	suffixes []string
	lang     language.Tag
}

func New(inv Inventory, opts ...Option) *Resolver {
	r := &Resolver{
		inv:    inv,
		cutoff: defaultCutoff,
		lang:   language.Turkish,
	}
	for _, o := range opts {
		o(r)
	}
	if r.suffixes == nil {
		r.suffixes = orderSuffixes(DefaultSuffixes)
	}
	return r
}

// Resolve never fails; words without a clip come back with KindNone.
func (r *Resolver) Resolve(word string) Match {
	none := Match{Word: word, Kind: KindNone}
	first, _ := utf8.DecodeRuneInString(word)
	if word == "" || !unicode.IsLetter(first) {
		return none
	}

	key := inventory.BucketKey(word, r.lang)
	none.Bucket = key
	if r.inv.Exists(key, word) {
		return Match{Word: word, Bucket: key, Stem: word, Kind: KindExact, Similarity: 1}
	}

	root := r.StripSuffix(word)
	if root != word && r.inv.Exists(key, root) {
		return Match{Word: word, Bucket: key, Stem: root, Kind: KindStem, Similarity: 1}
	}

	bucket := r.inv.Lookup(key)
	if bucket.Len() == 0 {
		return none
	}

	best, score := closest(root, bucket.Stems())
	if best == "" || score < r.cutoff {
		return none
	}
	return Match{Word: word, Bucket: key, Stem: best, Kind: KindFuzzy, Similarity: score}
}

// StripSuffix removes the longest matching suffix, once. At least one rune of
// the word is always kept.
func (r *Resolver) StripSuffix(word string) string {
	for _, suffix := range r.suffixes {
		if len(word) > len(suffix) && strings.HasSuffix(word, suffix) {
			return strings.TrimSuffix(word, suffix)
		}
	}
	return word
}

// Similarity is 1 - levenshtein(a, b) / max(len(a), len(b)), counted in runes.
func Similarity(a, b string) float64 {
	la, lb := utf8.RuneCountInString(a), utf8.RuneCountInString(b)
	longest := max(la, lb)
	if longest == 0 {
		return 1
	}
	return 1 - float64(matchr.Levenshtein(a, b))/float64(longest)
}

// closest returns the most similar candidate; ties keep the earlier candidate.
func closest(word string, candidates []string) (string, float64) {
	var (
		best  string
		score = -1.0
	)
	for _, c := range candidates {
		if s := Similarity(word, c); s > score {
			best, score = c, s
		}
	}
	return best, score
}

// orderSuffixes sorts longest first by rune count; equal lengths keep table order.
func orderSuffixes(suffixes []string) []string {
	out := make([]string, 0, len(suffixes))
	seen := make(map[string]struct{}, len(suffixes))
	for _, s := range suffixes {
		s = strings.TrimSpace(s)
		if s == "" {
			continue
		}
		if _, dup := seen[s]; dup {
			continue
		}
		seen[s] = struct{}{}
		out = append(out, s)
	}
	sort.SliceStable(out, func(i, j int) bool {
		return utf8.RuneCountInString(out[i]) > utf8.RuneCountInString(out[j])
	})
	return out
}
