// Package staging copies matched clips into a per-session directory that the
// HTTP layer serves to presentation clients.
package staging

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"regexp"
	"strings"
)

var (
	ErrInvalidSession = errors.New("invalid session id")
	ErrInvalidWord    = errors.New("invalid word")
)

var sessionPattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9_.-]{0,127}$`)

// Clip is a staged, presentation-ready clip.
type Clip struct {
	Path string
	URL  string
}

type Stager struct {
	root      string
	urlPrefix string
	ext       string
}

func New(root, urlPrefix, ext string) (*Stager, error) {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("create staging dir: %w", err)
	}
	if ext == "" {
		ext = ".gif"
	}
	return &Stager{root: root, urlPrefix: strings.TrimSuffix(urlPrefix, "/"), ext: ext}, nil
}

func (s *Stager) Root() string { return s.root }

// Stage writes data for word under the session's namespace. The file is
// written to a temporary name first so readers never see a partial clip.
func (s *Stager) Stage(sessionID, word string, data []byte) (Clip, error) {
	if !sessionPattern.MatchString(sessionID) {
		return Clip{}, fmt.Errorf("%w: %q", ErrInvalidSession, sessionID)
	}
	if word == "" || word == "." || word == ".." || strings.ContainsAny(word, `/\`) {
		return Clip{}, fmt.Errorf("%w: %q", ErrInvalidWord, word)
	}

	dir := filepath.Join(s.root, sessionID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return Clip{}, fmt.Errorf("create session dir: %w", err)
	}
	tmp, err := os.CreateTemp(dir, ".stage-*")
	if err != nil {
		return Clip{}, fmt.Errorf("create temp clip: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return Clip{}, fmt.Errorf("write clip: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return Clip{}, fmt.Errorf("close clip: %w", err)
	}
	name := word + s.ext
	target := filepath.Join(dir, name)
	if err := os.Rename(tmp.Name(), target); err != nil {
		return Clip{}, fmt.Errorf("publish clip: %w", err)
	}
	return Clip{Path: target, URL: s.URL(sessionID, word)}, nil
}

// URL is the address a presentation client uses to fetch the clip for word.
func (s *Stager) URL(sessionID, word string) string {
	return path.Join(s.urlPrefix, url.PathEscape(sessionID), url.PathEscape(word+s.ext))
}

// Path maps a staged clip back to its file.
func (s *Stager) Path(sessionID, word string) string {
	return filepath.Join(s.root, sessionID, word+s.ext)
}

// Purge removes everything staged for one session.
func (s *Stager) Purge(sessionID string) error {
	if !sessionPattern.MatchString(sessionID) {
		return fmt.Errorf("%w: %q", ErrInvalidSession, sessionID)
	}
	return os.RemoveAll(filepath.Join(s.root, sessionID))
}

// Clear removes every staged clip of every session.
func (s *Stager) Clear() error {
	entries, err := os.ReadDir(s.root)
	if err != nil {
		return err
	}
	var errs []error
	for _, e := range entries {
		if err := os.RemoveAll(filepath.Join(s.root, e.Name())); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func ValidSessionID(id string) bool { return sessionPattern.MatchString(id) }
