package inventory

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// ErrRootUnavailable reports that the inventory root cannot be used at all.
var ErrRootUnavailable = errors.New("inventory root unavailable")

// ErrClipNotFound is returned by Read when no clip exists for a bucket/stem pair.
var ErrClipNotFound = errors.New("clip not found")

// Source is the clip source of truth.
type Source interface {
	Buckets() ([]string, error)
	List(bucket string) ([]string, error)
	Read(bucket, stem string) ([]byte, error)
}

// DirSource reads clips from a <root>/<bucket>/<stem><ext> directory tree.
type DirSource struct {
	root string
	ext  string
}

func NewDirSource(root, ext string) (*DirSource, error) {
	info, err := os.Stat(root)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrRootUnavailable, err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("%w: %s is not a directory", ErrRootUnavailable, root)
	}
	if _, err := os.ReadDir(root); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrRootUnavailable, err)
	}
	if ext == "" {
		ext = ".gif"
	}
	return &DirSource{root: root, ext: ext}, nil
}

func (d *DirSource) Root() string { return d.root }

func (d *DirSource) Buckets() ([]string, error) {
	entries, err := os.ReadDir(d.root)
	if err != nil {
		return nil, err
	}
	var buckets []string
	for _, e := range entries {
		if e.IsDir() && !strings.HasPrefix(e.Name(), ".") {
			buckets = append(buckets, e.Name())
		}
	}
	return buckets, nil
}

// List returns the stems in a bucket in directory listing order (sorted by file name).
func (d *DirSource) List(bucket string) ([]string, error) {
	if !safeName(bucket) {
		return nil, fmt.Errorf("invalid bucket %q", bucket)
	}
	entries, err := os.ReadDir(filepath.Join(d.root, bucket))
	if err != nil {
		return nil, err
	}
	stems := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		name := e.Name()
		if !strings.EqualFold(filepath.Ext(name), d.ext) {
			continue
		}
		stems = append(stems, strings.TrimSuffix(name, filepath.Ext(name)))
	}
	return stems, nil
}

func (d *DirSource) Read(bucket, stem string) ([]byte, error) {
	if !safeName(bucket) || !safeName(stem) {
		return nil, fmt.Errorf("%w: %s/%s", ErrClipNotFound, bucket, stem)
	}
	data, err := os.ReadFile(filepath.Join(d.root, bucket, stem+d.ext))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s/%s", ErrClipNotFound, bucket, stem)
		}
		return nil, err
	}
	return data, nil
}

func safeName(name string) bool {
	if name == "" || name == "." || name == ".." {
		return false
	}
	return !strings.ContainsAny(name, `/\`)
}
