// Copyright (C) 2024 IATI.
// See LICENSE for copying information.

// Package pipelinetest provides in-memory doubles of the state store and the
// blob store for service tests.
package pipelinetest

import (
	"context"
	"sort"
	"strings"
	"sync"

	"github.com/IATI/refresher/pipeline"
	"github.com/IATI/refresher/pipeline/objectstore"
)

// Blob is one stored object.
type Blob struct {
	Data []byte
	Tags map[string]string
}

// Store is an in-memory pipeline.BlobStore.
type Store struct {
	mu         sync.Mutex
	containers map[string]map[string]Blob
}

var _ pipeline.BlobStore = (*Store)(nil)

// NewStore returns an empty in-memory blob store.
func NewStore() *Store {
	return &Store{containers: make(map[string]map[string]Blob)}
}

func (s *Store) container(name string) map[string]Blob {
	if s.containers[name] == nil {
		s.containers[name] = make(map[string]Blob)
	}
	return s.containers[name]
}

// Put seeds a blob directly.
func (s *Store) Put(container, key string, data []byte, tags map[string]string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.container(container)[key] = Blob{Data: data, Tags: tags}
}

// Keys returns the sorted keys of a container.
func (s *Store) Keys(container string) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	var keys []string
	for key := range s.container(container) {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}

// Blob returns a stored blob and whether it exists.
func (s *Store) Blob(container, key string) (Blob, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	blob, ok := s.container(container)[key]
	return blob, ok
}

// Upload implements pipeline.BlobStore.
func (s *Store) Upload(ctx context.Context, container, key string, data []byte, tags map[string]string) error {
	s.Put(container, key, data, tags)
	return nil
}

// Download implements pipeline.BlobStore.
func (s *Store) Download(ctx context.Context, container, key string) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	blob, ok := s.container(container)[key]
	if !ok {
		return nil, objectstore.ErrNotFound.New("%s/%s", container, key)
	}
	return blob.Data, nil
}

// Copy implements pipeline.BlobStore.
func (s *Store) Copy(ctx context.Context, srcContainer, srcKey, dstContainer, dstKey string, tags map[string]string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	blob, ok := s.container(srcContainer)[srcKey]
	if !ok {
		return objectstore.ErrNotFound.New("%s/%s", srcContainer, srcKey)
	}
	s.container(dstContainer)[dstKey] = Blob{Data: blob.Data, Tags: tags}
	return nil
}

// Delete implements pipeline.BlobStore.
func (s *Store) Delete(ctx context.Context, container string, keys []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, key := range keys {
		delete(s.container(container), key)
	}
	return nil
}

// ListPrefix implements pipeline.BlobStore.
func (s *Store) ListPrefix(ctx context.Context, container, prefix string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var keys []string
	for key := range s.container(container) {
		if strings.HasPrefix(key, prefix) {
			keys = append(keys, key)
		}
	}
	sort.Strings(keys)
	return keys, nil
}

// FindByTag implements pipeline.BlobStore.
func (s *Store) FindByTag(ctx context.Context, container, prefix, tagKey, tagValue string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var keys []string
	for key, blob := range s.container(container) {
		if strings.HasPrefix(key, prefix) && blob.Tags[tagKey] == tagValue {
			keys = append(keys, key)
		}
	}
	sort.Strings(keys)
	return keys, nil
}
