package memory

import (
	"bytes"
	"context"
	"io"
	"sort"
	"sync"
)

// ObjectStore keeps uploaded blobs in memory, keyed by path.
type ObjectStore struct {
	mu      sync.Mutex
	objects map[string][]byte
}

func NewObjectStore() *ObjectStore {
	return &ObjectStore{objects: make(map[string][]byte)}
}

func (o *ObjectStore) Put(_ context.Context, path string, body io.Reader, _ int64, _ string) error {
	var buf bytes.Buffer
	if _, err := io.Copy(&buf, body); err != nil {
		return err
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	o.objects[path] = buf.Bytes()
	return nil
}

func (o *ObjectStore) Delete(_ context.Context, path string) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	delete(o.objects, path)
	return nil
}

func (o *ObjectStore) Paths() []string {
	o.mu.Lock()
	defer o.mu.Unlock()
	paths := make([]string, 0, len(o.objects))
	for p := range o.objects {
		paths = append(paths, p)
	}
	sort.Strings(paths)
	return paths
}
