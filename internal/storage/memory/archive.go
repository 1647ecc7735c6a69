// Package memory keeps archived page markup in-process, for tests and dry runs.
package memory

import (
	"context"
	"fmt"
	"io"
	"sort"
	"strings"
	"sync"
)

// Object is one archived page.
type Object struct {
	ContentType string
	Data        []byte
}

// Archive stores page markup in a map and returns memory:// URIs.
type Archive struct {
	mu      sync.RWMutex
	objects map[string]Object
}

// NewArchive creates an empty in-memory archive.
func NewArchive() *Archive {
	return &Archive{objects: make(map[string]Object)}
}

// PutObject stores a copy of data under path.
func (a *Archive) PutObject(_ context.Context, path string, contentType string, data io.Reader) (string, error) {
	if strings.TrimSpace(path) == "" {
		return "", fmt.Errorf("path is required")
	}
	byteData, err := io.ReadAll(data)
	if err != nil {
		return "", fmt.Errorf("read object %s: %w", path, err)
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	a.objects[path] = Object{ContentType: contentType, Data: byteData}
	return "memory://" + path, nil
}

// Get returns the object stored under path.
func (a *Archive) Get(path string) (Object, bool) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	obj, ok := a.objects[path]
	return obj, ok
}

// Paths lists stored paths in sorted order.
func (a *Archive) Paths() []string {
	a.mu.RLock()
	defer a.mu.RUnlock()
	out := make([]string, 0, len(a.objects))
	for p := range a.objects {
		out = append(out, p)
	}
	sort.Strings(out)
	return out
}
