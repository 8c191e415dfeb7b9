package staging

import (
	"bytes"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
)

func TestStageRoundTrip(t *testing.T) {
	s, err := New(t.TempDir(), "/clips", ".gif")
	if err != nil {
		t.Fatalf("new stager: %v", err)
	}
	want := []byte("GIF89a-merhaba")
	clip, err := s.Stage("session-1", "merhaba", want)
	if err != nil {
		t.Fatalf("stage: %v", err)
	}
	if clip.URL != "/clips/session-1/merhaba.gif" {
		t.Fatalf("unexpected url %q", clip.URL)
	}
	got, err := os.ReadFile(s.Path("session-1", "merhaba"))
	if err != nil {
		t.Fatalf("read staged clip: %v", err)
	}
	if !bytes.Equal(got, want) {
		t.Fatalf("staged bytes differ: %q", got)
	}
	leftovers, _ := filepath.Glob(filepath.Join(s.Root(), "session-1", ".stage-*"))
	if len(leftovers) != 0 {
		t.Fatalf("temp files left behind: %v", leftovers)
	}
}

func TestStageEscapesURL(t *testing.T) {
	s, err := New(t.TempDir(), "/clips/", ".gif")
	if err != nil {
		t.Fatalf("new stager: %v", err)
	}
	if got := s.URL("abc", "koşmak"); got != "/clips/abc/ko%C5%9Fmak.gif" {
		t.Fatalf("unexpected url %q", got)
	}
}

func TestStageRejectsBadNames(t *testing.T) {
	s, err := New(t.TempDir(), "/clips", ".gif")
	if err != nil {
		t.Fatalf("new stager: %v", err)
	}
	if _, err := s.Stage("../escape", "merhaba", nil); !errors.Is(err, ErrInvalidSession) {
		t.Fatalf("expected ErrInvalidSession, got %v", err)
	}
	if _, err := s.Stage("s1", "../etc", nil); !errors.Is(err, ErrInvalidWord) {
		t.Fatalf("expected ErrInvalidWord, got %v", err)
	}
}

func TestSessionsDoNotOverwriteEachOther(t *testing.T) {
	s, err := New(t.TempDir(), "/clips", ".gif")
	if err != nil {
		t.Fatalf("new stager: %v", err)
	}
	var wg sync.WaitGroup
	for _, id := range []string{"a", "b", "c", "d"} {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 20; i++ {
				if _, err := s.Stage(id, "merhaba", []byte("clip-"+id)); err != nil {
					t.Errorf("stage %s: %v", id, err)
					return
				}
			}
		}()
	}
	wg.Wait()
	for _, id := range []string{"a", "b", "c", "d"} {
		got, err := os.ReadFile(s.Path(id, "merhaba"))
		if err != nil {
			t.Fatalf("read %s: %v", id, err)
		}
		if string(got) != "clip-"+id {
			t.Fatalf("session %s clip overwritten: %q", id, got)
		}
	}
}

func TestPurgeAndClear(t *testing.T) {
	s, err := New(t.TempDir(), "/clips", ".gif")
	if err != nil {
		t.Fatalf("new stager: %v", err)
	}
	for _, id := range []string{"one", "two"} {
		if _, err := s.Stage(id, "ev", []byte(id)); err != nil {
			t.Fatalf("stage: %v", err)
		}
	}
	if err := s.Purge("one"); err != nil {
		t.Fatalf("purge: %v", err)
	}
	if _, err := os.Stat(s.Path("one", "ev")); !os.IsNotExist(err) {
		t.Fatalf("expected purged clip to be gone, got %v", err)
	}
	if _, err := os.Stat(s.Path("two", "ev")); err != nil {
		t.Fatalf("purge must not touch other sessions: %v", err)
	}
	if err := s.Clear(); err != nil {
		t.Fatalf("clear: %v", err)
	}
	entries, _ := os.ReadDir(s.Root())
	if len(entries) != 0 {
		t.Fatalf("expected empty staging root, got %d entries", len(entries))
	}
}
