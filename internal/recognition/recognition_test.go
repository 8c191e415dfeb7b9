package recognition

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/loqalabs/loqa-sign/internal/config"
	"github.com/loqalabs/loqa-sign/internal/natsserver"
	"github.com/loqalabs/loqa-sign/internal/protocol"
	"github.com/nats-io/nats.go"
)

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

func TestScriptedCyclesPhrases(t *testing.T) {
	s := NewScripted("merhaba", "", "kitap okumak")
	ctx := context.Background()
	want := []struct {
		text string
		err  error
	}{
		{"merhaba", nil},
		{"", ErrNoSpeech},
		{"kitap okumak", nil},
		{"merhaba", nil},
	}
	for i, w := range want {
		got, err := s.Listen(ctx, "s1", time.Second)
		if !errors.Is(err, w.err) || got != w.text {
			t.Fatalf("listen %d: got (%q, %v) want (%q, %v)", i, got, err, w.text, w.err)
		}
	}
}

func TestScriptedEmptyMeansNoSpeech(t *testing.T) {
	if _, err := NewScripted().Listen(context.Background(), "s1", time.Second); !errors.Is(err, ErrNoSpeech) {
		t.Fatalf("expected ErrNoSpeech, got %v", err)
	}
}

func TestVerdict(t *testing.T) {
	if _, err := verdict("  ", ""); !errors.Is(err, ErrNoSpeech) {
		t.Fatalf("blank text should be no speech, got %v", err)
	}
	if _, err := verdict("", "no_speech"); !errors.Is(err, ErrNoSpeech) {
		t.Fatalf("no_speech code should be no speech, got %v", err)
	}
	if _, err := verdict("", "quota exceeded"); !errors.Is(err, ErrServiceUnavailable) {
		t.Fatalf("reported error should be unavailable, got %v", err)
	}
	if text, err := verdict("merhaba", ""); err != nil || text != "merhaba" {
		t.Fatalf("unexpected verdict (%q, %v)", text, err)
	}
}

func writeScript(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "listen.sh")
	if err := os.WriteFile(path, []byte("#!/bin/sh\n"+body+"\n"), 0o755); err != nil {
		t.Fatalf("write script: %v", err)
	}
	return path
}

func TestExecListen(t *testing.T) {
	script := writeScript(t, `echo '{"text": "merhaba dünya"}'`)
	src, err := NewExecSource("sh "+script, "tr-TR")
	if err != nil {
		t.Fatalf("new exec: %v", err)
	}
	text, err := src.Listen(context.Background(), "s1", time.Second)
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	if text != "merhaba dünya" {
		t.Fatalf("unexpected text %q", text)
	}
}

func TestExecFailureIsUnavailable(t *testing.T) {
	script := writeScript(t, `echo "microphone missing" >&2; exit 3`)
	src, err := NewExecSource("sh "+script, "tr-TR")
	if err != nil {
		t.Fatalf("new exec: %v", err)
	}
	if _, err := src.Listen(context.Background(), "s1", time.Second); !errors.Is(err, ErrServiceUnavailable) {
		t.Fatalf("expected ErrServiceUnavailable, got %v", err)
	}
}

func TestExecReportsNoSpeech(t *testing.T) {
	script := writeScript(t, `echo '{"text": "", "error": "no_speech"}'`)
	src, err := NewExecSource("sh "+script, "")
	if err != nil {
		t.Fatalf("new exec: %v", err)
	}
	if _, err := src.Listen(context.Background(), "s1", time.Second); !errors.Is(err, ErrNoSpeech) {
		t.Fatalf("expected ErrNoSpeech, got %v", err)
	}
}

func TestNewExecRejectsEmptyCommand(t *testing.T) {
	if _, err := NewExecSource("  ", "tr-TR"); err == nil {
		t.Fatal("expected error for empty command")
	}
}

func startBus(t *testing.T) *nats.Conn {
	t.Helper()
	srv, err := natsserver.Start(config.BusConfig{Embedded: true, Host: "127.0.0.1", Port: -1}, newLogger())
	if err != nil {
		t.Fatalf("start nats: %v", err)
	}
	t.Cleanup(srv.Shutdown)
	nc, err := nats.Connect(srv.ClientURL())
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	t.Cleanup(nc.Close)
	return nc
}

// fakeEdge answers every listen request with the given transcript.
func fakeEdge(t *testing.T, nc *nats.Conn, reply protocol.Transcript) {
	t.Helper()
	_, err := nc.Subscribe(protocol.SubjectListenPrefix+".*", func(msg *nats.Msg) {
		var req protocol.ListenRequest
		if err := json.Unmarshal(msg.Data, &req); err != nil {
			t.Errorf("decode listen request: %v", err)
			return
		}
		partial := protocol.Transcript{SessionID: req.SessionID, Text: "mer", Partial: true}
		data, _ := json.Marshal(partial)
		_ = nc.Publish(protocol.TranscriptFinalSubject(req.SessionID), data)

		reply.SessionID = req.SessionID
		data, _ = json.Marshal(reply)
		_ = nc.Publish(protocol.TranscriptFinalSubject(req.SessionID), data)
	})
	if err != nil {
		t.Fatalf("subscribe listen: %v", err)
	}
	if err := nc.Flush(); err != nil {
		t.Fatalf("flush: %v", err)
	}
}

func TestBusListenReturnsFinalTranscript(t *testing.T) {
	nc := startBus(t)
	fakeEdge(t, nc, protocol.Transcript{Text: "merhaba"})
	src := NewBusSource(nc, "tr-TR", newLogger())
	text, err := src.Listen(context.Background(), "s1", time.Second)
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	if text != "merhaba" {
		t.Fatalf("expected final transcript, got %q", text)
	}
}

func TestBusListenMapsTranscriptErrors(t *testing.T) {
	nc := startBus(t)
	fakeEdge(t, nc, protocol.Transcript{Error: "recognizer offline"})
	src := NewBusSource(nc, "tr-TR", newLogger())
	if _, err := src.Listen(context.Background(), "s1", time.Second); !errors.Is(err, ErrServiceUnavailable) {
		t.Fatalf("expected ErrServiceUnavailable, got %v", err)
	}
}

func TestBusListenTimesOutAsNoSpeech(t *testing.T) {
	nc := startBus(t)
	src := NewBusSource(nc, "tr-TR", newLogger(), WithGrace(0))
	start := time.Now()
	if _, err := src.Listen(context.Background(), "s1", 100*time.Millisecond); !errors.Is(err, ErrNoSpeech) {
		t.Fatalf("expected ErrNoSpeech, got %v", err)
	}
	if elapsed := time.Since(start); elapsed > 5*time.Second {
		t.Fatalf("listen should be bounded by its timeout, took %s", elapsed)
	}
}
