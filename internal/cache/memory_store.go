package cache

import (
	"bytes"
	"context"
	"errors"
	"net/http"
	"sort"
	"sync"

	"github.com/any-hub/appshell/internal/fetch"
)

// NewMemoryStorage 返回进程内的 Storage，进程退出即丢失。
func NewMemoryStorage() Storage {
	return &memoryStorage{stores: make(map[string]*memoryStore)}
}

type memoryStorage struct {
	mu     sync.RWMutex
	stores map[string]*memoryStore
}

type memoryEntry struct {
	key    RequestKey
	status int
	header http.Header
	typ    fetch.Type
	url    string
	body   []byte
}

func (s *memoryStorage) Driver() string {
	return DriverMemory
}

func (s *memoryStorage) Open(ctx context.Context, name string) (Store, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := ValidateName(name); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	store, ok := s.stores[name]
	if !ok {
		store = &memoryStore{name: name, entries: make(map[RequestKey]memoryEntry)}
		s.stores[name] = store
	}
	return store, nil
}

func (s *memoryStorage) Has(ctx context.Context, name string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.stores[name]
	return ok, nil
}

func (s *memoryStorage) Keys(ctx context.Context) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	names := make([]string, 0, len(s.stores))
	for name := range s.stores {
		names = append(names, name)
	}
	sort.Strings(names)
	return names, nil
}

func (s *memoryStorage) Delete(ctx context.Context, name string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	store, ok := s.stores[name]
	if !ok {
		return false, nil
	}
	delete(s.stores, name)
	store.clear()
	return true, nil
}

type memoryStore struct {
	name string

	mu      sync.RWMutex
	entries map[RequestKey]memoryEntry
}

func (s *memoryStore) Name() string {
	return s.name
}

func (s *memoryStore) Match(ctx context.Context, key RequestKey) (*fetch.Response, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	entry, ok := s.entries[key]
	s.mu.RUnlock()
	if !ok {
		return nil, ErrNotFound
	}
	return fetch.NewBytesResponse(entry.status, entry.header.Clone(), entry.typ, entry.url, entry.body), nil
}

func (s *memoryStore) Put(ctx context.Context, key RequestKey, resp *fetch.Response) error {
	if resp == nil {
		return errors.New("response required")
	}
	body, err := resp.Body()
	if err != nil {
		return err
	}
	defer body.Close()

	var buf bytes.Buffer
	if _, err := copyWithContext(ctx, &buf, body); err != nil {
		return err
	}

	entry := memoryEntry{
		key:    key,
		status: resp.Status,
		header: storableHeader(resp.Header),
		typ:    resp.Type,
		url:    resp.URL,
		body:   buf.Bytes(),
	}
	s.mu.Lock()
	s.entries[key] = entry
	s.mu.Unlock()
	return nil
}

func (s *memoryStore) Delete(ctx context.Context, key RequestKey) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.entries[key]
	delete(s.entries, key)
	return ok, nil
}

func (s *memoryStore) Keys(ctx context.Context) ([]RequestKey, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	keys := make([]RequestKey, 0, len(s.entries))
	for key := range s.entries {
		keys = append(keys, key)
	}
	s.mu.RUnlock()
	sortKeys(keys)
	return keys, nil
}

func (s *memoryStore) clear() {
	s.mu.Lock()
	s.entries = make(map[RequestKey]memoryEntry)
	s.mu.Unlock()
}
