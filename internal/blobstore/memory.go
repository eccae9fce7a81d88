package blobstore

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"
)

type memoryObject struct {
	data        []byte
	contentType string
	at          time.Time
}

type memoryStore struct {
	prefix string
	now    func() time.Time

	mu      sync.RWMutex
	objects map[string]memoryObject
}

func (m *memoryStore) Put(_ context.Context, key string, payload []byte, contentType string) error {
	k, err := objectKey(m.prefix, key)
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.objects[k]; ok {
		return fmt.Errorf("%w: %s", ErrExists, k)
	}
	m.objects[k] = memoryObject{
		data:        append([]byte(nil), payload...),
		contentType: strings.TrimSpace(contentType),
		at:          m.now().UTC(),
	}
	return nil
}

func (m *memoryStore) Get(_ context.Context, key string) (Object, error) {
	k, err := objectKey(m.prefix, key)
	if err != nil {
		return Object{}, err
	}
	m.mu.RLock()
	obj, ok := m.objects[k]
	m.mu.RUnlock()
	if !ok {
		return Object{}, fmt.Errorf("%w: %s", ErrNotFound, k)
	}
	return Object{
		Key:          strings.TrimPrefix(key, "/"),
		Data:         append([]byte(nil), obj.data...),
		ContentType:  obj.contentType,
		LastModified: obj.at,
	}, nil
}

func (m *memoryStore) Exists(_ context.Context, key string) (bool, error) {
	k, err := objectKey(m.prefix, key)
	if err != nil {
		return false, err
	}
	m.mu.RLock()
	_, ok := m.objects[k]
	m.mu.RUnlock()
	return ok, nil
}
