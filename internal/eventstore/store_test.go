package eventstore

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/loqalabs/loqa-sign/internal/config"
	"github.com/loqalabs/loqa-sign/internal/presentation"
)

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

func openStore(t *testing.T, cfg config.EventStoreConfig) *Store {
	t.Helper()
	if cfg.Path == "" {
		cfg.Path = filepath.Join(t.TempDir(), "sessions.db")
	}
	es, err := Open(context.Background(), cfg, newLogger())
	if err != nil {
		t.Fatalf("open event store: %v", err)
	}
	t.Cleanup(func() { _ = es.Close() })
	return es
}

func TestOpenEphemeral(t *testing.T) {
	es := openStore(t, config.EventStoreConfig{RetentionMode: "ephemeral"})
	if es.db != nil {
		t.Fatal("ephemeral store must not open a database")
	}
	if err := es.Emit(context.Background(), presentation.Event{SessionID: "s1", Type: presentation.Listening}); err != nil {
		t.Fatalf("ephemeral emit should be a no-op: %v", err)
	}
	events, err := es.ListSessionEvents(context.Background(), "s1", 10)
	if err != nil || len(events) != 0 {
		t.Fatalf("expected nothing journaled, got %v %v", events, err)
	}
}

func TestEmitAndList(t *testing.T) {
	es := openStore(t, config.EventStoreConfig{RetentionMode: "session"})
	ctx := context.Background()

	emitted := []presentation.Event{
		{SessionID: "s1", Sequence: 1, Type: presentation.Listening},
		{SessionID: "s1", Sequence: 2, Type: presentation.TextRecognized, Text: "merhaba dünya"},
		{SessionID: "s1", Sequence: 3, Type: presentation.ResultsReady,
			Clips:   []presentation.Clip{{Word: "merhaba", Stem: "merhaba", Kind: "exact", URL: "/clips/s1/merhaba.gif"}},
			Missing: []string{"dünya"}},
	}
	for _, evt := range emitted {
		if err := es.Emit(ctx, evt); err != nil {
			t.Fatalf("emit %s: %v", evt.Type, err)
		}
	}

	events, err := es.ListSessionEvents(ctx, "s1", 10)
	if err != nil {
		t.Fatalf("list events: %v", err)
	}
	if len(events) != 3 {
		t.Fatalf("expected 3 events, got %d", len(events))
	}
	for i, e := range events {
		if e.Sequence != uint64(i+1) || e.Type != string(emitted[i].Type) {
			t.Fatalf("event %d out of order: %+v", i, e)
		}
		if e.CreatedAt.IsZero() {
			t.Fatalf("event %d has no timestamp", i)
		}
	}
	var decoded presentation.Event
	if err := json.Unmarshal(events[2].Payload, &decoded); err != nil {
		t.Fatalf("decode payload: %v", err)
	}
	if len(decoded.Clips) != 1 || decoded.Clips[0].URL != "/clips/s1/merhaba.gif" {
		t.Fatalf("unexpected payload %+v", decoded)
	}
}

func TestMissingWordsReport(t *testing.T) {
	es := openStore(t, config.EventStoreConfig{RetentionMode: "persistent"})
	ctx := context.Background()
	for i, missing := range [][]string{{"zaman", "yarın"}, {"zaman"}, {}} {
		evt := presentation.Event{SessionID: "s1", Sequence: uint64(i + 1), Type: presentation.ResultsReady, Missing: missing}
		if err := es.Emit(ctx, evt); err != nil {
			t.Fatalf("emit: %v", err)
		}
	}
	// Missing words on other event types are not counted.
	if err := es.Emit(ctx, presentation.Event{SessionID: "s1", Sequence: 4, Type: presentation.PromptContinue, Missing: []string{"zaman"}}); err != nil {
		t.Fatalf("emit: %v", err)
	}

	words, err := es.MissingWords(ctx, 10)
	if err != nil {
		t.Fatalf("missing words: %v", err)
	}
	if len(words) != 2 {
		t.Fatalf("expected 2 words, got %+v", words)
	}
	if words[0].Word != "zaman" || words[0].Occurrences != 2 {
		t.Fatalf("expected zaman twice first, got %+v", words[0])
	}
	if words[1].Word != "yarın" || words[1].Occurrences != 1 {
		t.Fatalf("unexpected second word %+v", words[1])
	}
}

func TestPruneByDaysAndSessions(t *testing.T) {
	es := openStore(t, config.EventStoreConfig{RetentionMode: "persistent", RetentionDays: 1, MaxSessions: 1})
	ctx := context.Background()

	old := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	if err := es.Emit(ctx, presentation.Event{SessionID: "old-session", Sequence: 1, Type: presentation.Listening, Timestamp: old}); err != nil {
		t.Fatalf("emit: %v", err)
	}
	recent := time.Date(2025, 1, 3, 0, 0, 0, 0, time.UTC)
	if err := es.Emit(ctx, presentation.Event{SessionID: "new-session", Sequence: 1, Type: presentation.Listening, Timestamp: recent}); err != nil {
		t.Fatalf("emit: %v", err)
	}

	es.clock = func() time.Time { return recent }
	if err := es.Prune(ctx); err != nil {
		t.Fatalf("prune: %v", err)
	}

	events, err := es.ListSessionEvents(ctx, "old-session", 10)
	if err != nil {
		t.Fatalf("list events: %v", err)
	}
	if len(events) != 0 {
		t.Fatalf("expected old session pruned, got %d events", len(events))
	}
	events, err = es.ListSessionEvents(ctx, "new-session", 10)
	if err != nil || len(events) != 1 {
		t.Fatalf("expected new session kept, got %d events (%v)", len(events), err)
	}
}
