package runtime

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
	"github.com/loqalabs/loqa-sign/internal/inventory"
	"github.com/loqalabs/loqa-sign/internal/presentation"
	"github.com/loqalabs/loqa-sign/internal/protocol"
	"github.com/nats-io/nats.go"
)

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

func testConfig(t *testing.T) config.Config {
	t.Helper()
	dir := t.TempDir()
	root := filepath.Join(dir, "img")
	if err := os.MkdirAll(filepath.Join(root, "m"), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(root, "m", "merhaba.gif"), []byte("GIF89a"), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg := config.Default()
	cfg.Environment = "test"
	cfg.HTTP.Port = 0
	cfg.Telemetry.PrometheusBind = "127.0.0.1:0"
	cfg.Bus.Port = -1
	cfg.Bus.StoreDir = ""
	cfg.EventStore.Path = filepath.Join(dir, "sessions.db")
	cfg.Inventory.Root = root
	cfg.Staging.Directory = filepath.Join(dir, "staged")
	cfg.Sinks.Websocket = false
	cfg.Recognition.MockPhrases = []string{"merhaba"}
	return cfg
}

func TestRuntimeDrivesSessionsOverBus(t *testing.T) {
	cfg := testConfig(t)
	rt := New(cfg, newLogger())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- rt.Start(ctx) }()
	defer func() {
		cancel()
		select {
		case err := <-done:
			if err != nil {
				t.Errorf("runtime returned %v", err)
			}
		case <-time.After(10 * time.Second):
			t.Error("runtime did not stop")
		}
	}()

	deadline := time.Now().Add(5 * time.Second)
	for !rt.ready.Load() {
		if time.Now().After(deadline) {
			t.Fatal("runtime never became ready")
		}
		time.Sleep(10 * time.Millisecond)
	}

	nc, err := nats.Connect(rt.nats.ClientURL())
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	defer nc.Close()

	results, err := nc.SubscribeSync(protocol.EventSubject("s1", string(presentation.ResultsReady)))
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	payload, _ := json.Marshal(protocol.SessionCommand{SessionID: "s1"})
	msg, err := nc.Request(protocol.SubjectSessionStart, payload, 2*time.Second)
	if err != nil {
		t.Fatalf("start request: %v", err)
	}
	var reply struct {
		Status bool   `json:"status"`
		Error  string `json:"error"`
	}
	if err := json.Unmarshal(msg.Data, &reply); err != nil || !reply.Status {
		t.Fatalf("unexpected reply %s (%v)", msg.Data, err)
	}

	evtMsg, err := results.NextMsg(5 * time.Second)
	if err != nil {
		t.Fatalf("no results_ready event: %v", err)
	}
	var evt presentation.Event
	if err := json.Unmarshal(evtMsg.Data, &evt); err != nil {
		t.Fatalf("decode event: %v", err)
	}
	if len(evt.Clips) != 1 || evt.Clips[0].Stem != "merhaba" || evt.Clips[0].URL != "/clips/s1/merhaba.gif" {
		t.Fatalf("unexpected clips %+v", evt.Clips)
	}
	if _, err := os.Stat(filepath.Join(cfg.Staging.Directory, "s1", "merhaba.gif")); err != nil {
		t.Fatalf("clip was not staged: %v", err)
	}

	msg, err = nc.Request(protocol.SubjectSessionContinue, []byte(`{"session_id":"nobody"}`), 2*time.Second)
	if err != nil {
		t.Fatalf("continue request: %v", err)
	}
	if err := json.Unmarshal(msg.Data, &reply); err != nil || reply.Status || reply.Error == "" {
		t.Fatalf("expected rejected continue, got %s", msg.Data)
	}
}

func TestRuntimeFailsOnMissingInventory(t *testing.T) {
	cfg := testConfig(t)
	cfg.Inventory.Root = filepath.Join(t.TempDir(), "absent")

	err := New(cfg, newLogger()).Start(context.Background())
	if !errors.Is(err, inventory.ErrRootUnavailable) {
		t.Fatalf("expected ErrRootUnavailable, got %v", err)
	}
}
