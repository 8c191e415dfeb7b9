package stt

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/loqalabs/loqa-sign/internal/bus"
	"github.com/loqalabs/loqa-sign/internal/config"
	"github.com/loqalabs/loqa-sign/internal/natsserver"
	"github.com/loqalabs/loqa-sign/internal/protocol"
	"github.com/nats-io/nats.go"
)

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

func startService(t *testing.T, rec Recognizer) *bus.Client {
	t.Helper()
	srv, err := natsserver.Start(config.BusConfig{Embedded: true, Host: "127.0.0.1", Port: -1}, newLogger())
	if err != nil {
		t.Fatalf("start nats: %v", err)
	}
	t.Cleanup(srv.Shutdown)
	client, err := bus.Connect(context.Background(), config.BusConfig{Servers: []string{srv.ClientURL()}, ConnectTimeout: 2000}, newLogger())
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	t.Cleanup(client.Close)

	svc := NewService(context.Background(), config.STTConfig{Enabled: true, Mode: "mock", SampleRate: 16000, Channels: 1}, client, rec, newLogger())
	if err := svc.Start(); err != nil {
		t.Fatalf("start service: %v", err)
	}
	t.Cleanup(svc.Close)
	if !svc.Healthy() {
		t.Fatal("service should be healthy after start")
	}
	return client
}

func nextTranscript(t *testing.T, sub *nats.Subscription) protocol.Transcript {
	t.Helper()
	msg, err := sub.NextMsg(3 * time.Second)
	if err != nil {
		t.Fatalf("no transcript: %v", err)
	}
	var tr protocol.Transcript
	if err := json.Unmarshal(msg.Data, &tr); err != nil {
		t.Fatalf("decode transcript: %v", err)
	}
	return tr
}

func TestServiceTranscribesOnFinalFrame(t *testing.T) {
	client := startService(t, NewMockRecognizer("kitap okumak"))
	sub, err := client.Conn().SubscribeSync(protocol.TranscriptFinalSubject("s1"))
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	frames := []protocol.AudioFrame{
		{SessionID: "s1", Sequence: 0, PCM: []byte{1, 0, 2, 0}},
		{SessionID: "s1", Sequence: 1, PCM: []byte{3, 0}, Final: true},
	}
	for _, f := range frames {
		if err := client.PublishJSON(protocol.AudioFrameSubject("s1"), f); err != nil {
			t.Fatalf("publish frame: %v", err)
		}
	}
	tr := nextTranscript(t, sub)
	if tr.Text != "kitap okumak" || tr.Error != "" || tr.SessionID != "s1" {
		t.Fatalf("unexpected transcript %+v", tr)
	}
}

func TestServicePublishesEmptyTranscriptWhenWindowCloses(t *testing.T) {
	client := startService(t, NewMockRecognizer())
	sub, err := client.Conn().SubscribeSync(protocol.TranscriptFinalSubject("s2"))
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	req := protocol.ListenRequest{SessionID: "s2", TimeoutMS: 50}
	if err := client.PublishJSON(protocol.ListenSubject("s2"), req); err != nil {
		t.Fatalf("publish listen: %v", err)
	}
	tr := nextTranscript(t, sub)
	if tr.Text != "" || tr.Error != "" {
		t.Fatalf("expected empty transcript, got %+v", tr)
	}
}

func TestServiceSilenceIsNoSpeech(t *testing.T) {
	client := startService(t, NewMockRecognizer())
	sub, err := client.Conn().SubscribeSync(protocol.TranscriptFinalSubject("s3"))
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	frame := protocol.AudioFrame{SessionID: "s3", PCM: make([]byte, 64), Final: true}
	if err := client.PublishJSON(protocol.AudioFrameSubject("s3"), frame); err != nil {
		t.Fatalf("publish frame: %v", err)
	}
	if tr := nextTranscript(t, sub); tr.Text != "" {
		t.Fatalf("silence should not produce text, got %q", tr.Text)
	}
}

func TestExecRecognizer(t *testing.T) {
	dir := t.TempDir()
	script := filepath.Join(dir, "transcribe.sh")
	body := "#!/bin/sh\nwhile [ $# -gt 0 ]; do\n  if [ \"$1\" = \"--audio\" ]; then test -s \"$2\" || exit 4; fi\n  shift\ndone\necho '{\"text\": \" merhaba \", \"confidence\": 0.9}'\n"
	if err := os.WriteFile(script, []byte(body), 0o755); err != nil {
		t.Fatalf("write script: %v", err)
	}
	rec, err := NewExecRecognizer(config.STTConfig{Command: "sh " + script, Language: "tr-TR"})
	if err != nil {
		t.Fatalf("new recognizer: %v", err)
	}
	res, err := rec.Transcribe(context.Background(), []byte{1, 0, 2, 0}, 16000, 1)
	if err != nil {
		t.Fatalf("transcribe: %v", err)
	}
	if res.Text != "merhaba" || res.Confidence != 0.9 {
		t.Fatalf("unexpected result %+v", res)
	}
}

func TestWritePCMRejectsOddPayload(t *testing.T) {
	f, err := os.CreateTemp(t.TempDir(), "*.wav")
	if err != nil {
		t.Fatalf("temp: %v", err)
	}
	defer f.Close()
	if err := writePCMToWav(f, []byte{1, 2, 3}, 16000, 1); err == nil {
		t.Fatal("expected alignment error")
	}
}

func TestNewRecognizerRejectsUnknownMode(t *testing.T) {
	if _, err := NewRecognizer(context.Background(), config.STTConfig{Mode: "whisper"}); err == nil {
		t.Fatal("expected error for unknown mode")
	}
}
