// Package inventory indexes the available sign clips by the first letter of their stem.
package inventory

import (
	"context"
	"log/slog"
	"sync"
	"unicode/utf8"

	"golang.org/x/sync/errgroup"
	"golang.org/x/text/cases"
	"golang.org/x/text/language"
)

// Bucket is the ordered set of stems stored under one bucket key.
type Bucket struct {
	stems []string
	set   map[string]struct{}
}

func NewBucket(stems ...string) Bucket {
	b := Bucket{stems: make([]string, 0, len(stems)), set: make(map[string]struct{}, len(stems))}
	for _, s := range stems {
		if _, dup := b.set[s]; dup {
			continue
		}
		b.set[s] = struct{}{}
		b.stems = append(b.stems, s)
	}
	return b
}

func (b Bucket) Contains(stem string) bool {
	_, ok := b.set[stem]
	return ok
}

// Stems returns the bucket's stems in listing order. The slice must not be modified.
func (b Bucket) Stems() []string { return b.stems }

func (b Bucket) Len() int { return len(b.stems) }

type Options struct {
	Lazy        bool
	Concurrency int
	Language    language.Tag
}

// Index is safe for concurrent readers. Refresh replaces the bucket map atomically.
type Index struct {
	src  Source
	opts Options
	log  *slog.Logger

	mu      sync.RWMutex
	buckets map[string]Bucket
}

// Load builds an index from src. Eager indexes scan every bucket up front.
func Load(ctx context.Context, src Source, opts Options, log *slog.Logger) (*Index, error) {
	if opts.Concurrency <= 0 {
		opts.Concurrency = 1
	}
	if opts.Language == language.Und {
		opts.Language = language.Turkish
	}
	ix := &Index{
		src:     src,
		opts:    opts,
		log:     log.With(slog.String("component", "inventory")),
		buckets: make(map[string]Bucket),
	}
	if err := ix.Refresh(ctx); err != nil {
		return nil, err
	}
	return ix, nil
}

// Refresh rescans the source. Lazy indexes only drop their cached buckets.
func (ix *Index) Refresh(ctx context.Context) error {
	if ix.opts.Lazy {
		ix.mu.Lock()
		ix.buckets = make(map[string]Bucket)
		ix.mu.Unlock()
		return nil
	}

	keys, err := ix.src.Buckets()
	if err != nil {
		return err
	}
	fresh := make(map[string]Bucket, len(keys))
	var freshMu sync.Mutex

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(ix.opts.Concurrency)
	for _, key := range keys {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			b, ok := ix.scan(key)
			if !ok {
				return nil
			}
			freshMu.Lock()
			fresh[key] = b
			freshMu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	stems := 0
	for _, b := range fresh {
		stems += b.Len()
	}
	ix.mu.Lock()
	ix.buckets = fresh
	ix.mu.Unlock()
	ix.log.Info("inventory indexed", slog.Int("buckets", len(fresh)), slog.Int("stems", stems))
	return nil
}

// Lookup returns the stems of a bucket. Absent or unreadable buckets are empty.
func (ix *Index) Lookup(key string) Bucket {
	ix.mu.RLock()
	b, ok := ix.buckets[key]
	ix.mu.RUnlock()
	if ok || !ix.opts.Lazy {
		return b
	}

	b, ok = ix.scan(key)
	if !ok {
		return Bucket{}
	}
	ix.mu.Lock()
	if cached, exists := ix.buckets[key]; exists {
		b = cached
	} else {
		ix.buckets[key] = b
	}
	ix.mu.Unlock()
	return b
}

// Exists reports whether a clip for stem is indexed under key.
func (ix *Index) Exists(key, stem string) bool {
	return ix.Lookup(key).Contains(stem)
}

func (ix *Index) Read(key, stem string) ([]byte, error) {
	return ix.src.Read(key, stem)
}

// scan lists one bucket, keeping only stems that begin with the bucket letter.
func (ix *Index) scan(key string) (Bucket, bool) {
	stems, err := ix.src.List(key)
	if err != nil {
		ix.log.Debug("bucket unavailable", slog.String("bucket", key), slog.String("error", err.Error()))
		return Bucket{}, false
	}
	kept := make([]string, 0, len(stems))
	for _, s := range stems {
		if BucketKey(s, ix.opts.Language) != key {
			ix.log.Debug("stem outside its bucket skipped", slog.String("bucket", key), slog.String("stem", s))
			continue
		}
		kept = append(kept, s)
	}
	return NewBucket(kept...), true
}

// BucketKey returns the lowercased first letter of word, or "" for an empty word.
func BucketKey(word string, tag language.Tag) string {
	r, size := utf8.DecodeRuneInString(word)
	if size == 0 || r == utf8.RuneError {
		return ""
	}
	return cases.Lower(tag).String(word[:size])
}

// Size reports cached bucket and stem counts.
func (ix *Index) Size() (buckets, stems int) {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	for _, b := range ix.buckets {
		stems += b.Len()
	}
	return len(ix.buckets), stems
}
