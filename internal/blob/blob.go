// Package blob 存放会话附件的二进制内容，只关心“按名字存、取、删”。
package blob

import (
	"context"
	"errors"
	"sync"
	"time"
)

var ErrNotFound = errors.New("blob not found")

// Info 是对象的元数据。
type Info struct {
	Name         string
	Size         int64
	ContentType  string
	OriginalName string
	ModTime      time.Time
}

type Store interface {
	Put(ctx context.Context, info Info, data []byte) (*Info, error)
	Get(ctx context.Context, name string) ([]byte, *Info, error)
	Delete(ctx context.Context, name string) error
}

// MemoryStore 是进程内实现，用于开发环境和测试。
type MemoryStore struct {
	mu    sync.RWMutex
	items map[string]memoryItem
}

type memoryItem struct {
	info Info
	data []byte
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{items: make(map[string]memoryItem)}
}

func (s *MemoryStore) Put(_ context.Context, info Info, data []byte) (*Info, error) {
	buf := make([]byte, len(data))
	copy(buf, data)
	info.Size = int64(len(buf))
	info.ModTime = time.Now()

	s.mu.Lock()
	s.items[info.Name] = memoryItem{info: info, data: buf}
	s.mu.Unlock()

	out := info
	return &out, nil
}

func (s *MemoryStore) Get(_ context.Context, name string) ([]byte, *Info, error) {
	s.mu.RLock()
	item, ok := s.items[name]
	s.mu.RUnlock()
	if !ok {
		return nil, nil, ErrNotFound
	}
	info := item.info
	return item.data, &info, nil
}

func (s *MemoryStore) Delete(_ context.Context, name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.items[name]; !ok {
		return ErrNotFound
	}
	delete(s.items, name)
	return nil
}

// Len 返回当前对象数量。
func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.items)
}
