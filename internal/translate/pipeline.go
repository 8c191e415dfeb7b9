// Package translate turns recognized text into an ordered list of staged sign clips.
package translate

import (
	"context"
	"log/slog"
	"strings"
	"time"
	"unicode"

	"github.com/loqalabs/loqa-sign/internal/lexicon"
	"github.com/loqalabs/loqa-sign/internal/staging"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/text/cases"
	"golang.org/x/text/language"
)

const instrumentationName = "github.com/loqalabs/loqa-sign/translate"

type Resolver interface {
	Resolve(word string) lexicon.Match
}

type ClipReader interface {
	Read(bucket, stem string) ([]byte, error)
}

type Stager interface {
	Stage(sessionID, word string, data []byte) (staging.Clip, error)
}

// Clip is one presentation-ready sign, in utterance order.
type Clip struct {
	Word string       `json:"word"`
	Stem string       `json:"stem"`
	Kind lexicon.Kind `json:"kind"`
	URL  string       `json:"url"`
	Path string       `json:"-"`
}

// Result is the outcome of translating one utterance. Matches and Clips keep
// source word order; Missing lists words that produced no clip.
type Result struct {
	Text    string          `json:"text"`
	Words   []string        `json:"words"`
	Matches []lexicon.Match `json:"matches"`
	Clips   []Clip          `json:"clips"`
	Missing []string        `json:"missing,omitempty"`
}

type Pipeline struct {
	resolver Resolver
	clips    ClipReader
	stager   Stager
	lang     language.Tag
	log      *slog.Logger
	tracer   trace.Tracer
	resolved metric.Int64Counter
	latency  metric.Float64Histogram
}

func New(resolver Resolver, clips ClipReader, stager Stager, lang language.Tag, logger *slog.Logger) *Pipeline {
	p := &Pipeline{
		resolver: resolver,
		clips:    clips,
		stager:   stager,
		lang:     lang,
		log:      logger.With(slog.String("component", "translate")),
		tracer:   otel.Tracer(instrumentationName),
	}
	if err := p.initMetrics(); err != nil {
		p.log.Warn("failed to initialize metrics", slog.String("error", err.Error()))
	}
	return p
}

func (p *Pipeline) initMetrics() error {
	meter := otel.Meter(instrumentationName)
	var err error
	p.resolved, err = meter.Int64Counter("sign.words.resolved",
		metric.WithDescription("Words resolved against the clip inventory, by match kind"))
	if err != nil {
		return err
	}
	p.latency, err = meter.Float64Histogram("sign.translate.duration",
		metric.WithDescription("Time spent translating one utterance"),
		metric.WithUnit("s"))
	return err
}

// Translate resolves every word independently. A word that cannot be
// resolved, read or staged is reported in Missing and never stops the rest
// of the utterance. The only error is context cancellation.
func (p *Pipeline) Translate(ctx context.Context, sessionID, text string) (Result, error) {
	ctx, span := p.tracer.Start(ctx, "translate.utterance", trace.WithAttributes(attribute.String("session.id", sessionID)))
	defer span.End()
	start := time.Now()

	words := Tokenize(text, p.lang)
	res := Result{
		Text:    text,
		Words:   words,
		Matches: make([]lexicon.Match, 0, len(words)),
		Clips:   make([]Clip, 0, len(words)),
	}
	staged := make(map[string]Clip, len(words))

	for _, word := range words {
		if err := ctx.Err(); err != nil {
			span.SetStatus(codes.Error, err.Error())
			return res, err
		}

		m := p.resolver.Resolve(word)
		p.count(ctx, m.Kind)
		if !m.Found() {
			p.log.Info("clip not found", slog.String("session_id", sessionID), slog.String("word", word))
			res.Missing = append(res.Missing, word)
			continue
		}
		res.Matches = append(res.Matches, m)

		if clip, ok := staged[word]; ok {
			res.Clips = append(res.Clips, clip)
			continue
		}
		clip, err := p.stage(sessionID, m)
		if err != nil {
			p.log.Warn("clip staging failed",
				slog.String("session_id", sessionID),
				slog.String("word", word),
				slog.String("stem", m.Stem),
				slog.String("error", err.Error()))
			res.Missing = append(res.Missing, word)
			continue
		}
		p.log.Debug("clip staged", slog.String("word", word), slog.String("stem", m.Stem), slog.String("kind", string(m.Kind)))
		staged[word] = clip
		res.Clips = append(res.Clips, clip)
	}

	span.SetAttributes(
		attribute.Int("words", len(words)),
		attribute.Int("clips", len(res.Clips)),
		attribute.Int("missing", len(res.Missing)),
	)
	if p.latency != nil {
		p.latency.Record(ctx, time.Since(start).Seconds())
	}
	return res, nil
}

func (p *Pipeline) stage(sessionID string, m lexicon.Match) (Clip, error) {
	data, err := p.clips.Read(m.Bucket, m.Stem)
	if err != nil {
		return Clip{}, err
	}
	sc, err := p.stager.Stage(sessionID, m.Word, data)
	if err != nil {
		return Clip{}, err
	}
	return Clip{Word: m.Word, Stem: m.Stem, Kind: m.Kind, URL: sc.URL, Path: sc.Path}, nil
}

func (p *Pipeline) count(ctx context.Context, kind lexicon.Kind) {
	if p.resolved == nil {
		return
	}
	p.resolved.Add(ctx, 1, metric.WithAttributes(attribute.String("kind", string(kind))))
}

// Tokenize lowercases text and splits it into words, dropping punctuation and symbols.
func Tokenize(text string, lang language.Tag) []string {
	lowered := cases.Lower(lang).String(text)
	fields := strings.Fields(lowered)
	words := make([]string, 0, len(fields))
	for _, f := range fields {
		w := strings.Map(func(r rune) rune {
			if unicode.IsPunct(r) || unicode.IsSymbol(r) {
				return -1
			}
			return r
		}, f)
		if w != "" {
			words = append(words, w)
		}
	}
	return words
}
