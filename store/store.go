// Package store is the in-memory document store behind the memory
// persistence driver. Values are kept JSON encoded together with their Go
// type, and every key can carry tags and properties that are queried to find
// executions and stages by status.
package store

import (
	"encoding/json"
	"reflect"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/morrisxyang/xreflect"

	"github.com/davidroman0O/orca/errors"
)

// KVStore is safe for concurrent use. Stored values never share memory with
// the caller.
type KVStore struct {
	mu   sync.RWMutex
	data map[string]record
	now  func() time.Time
}

// NewKVStore returns an empty store
func NewKVStore() *KVStore {
	return &KVStore{data: make(map[string]record), now: time.Now}
}

// Put writes value under key. Metadata already attached to key is kept.
func (s *KVStore) Put(key string, value any) error {
	_, err := s.write(key, value, nil, false)
	return err
}

// PutWithMetadata writes value under key and replaces its metadata
func (s *KVStore) PutWithMetadata(key string, value any, metadata *Metadata) error {
	_, err := s.write(key, value, metadata, false)
	return err
}

// PutIfAbsent writes only when key is unused and reports whether it did.
// Concurrent callers racing on one key see exactly one winner.
func (s *KVStore) PutIfAbsent(key string, value any, metadata *Metadata) (bool, error) {
	return s.write(key, value, metadata, true)
}

func (s *KVStore) write(key string, value any, metadata *Metadata, onlyNew bool) (bool, error) {
	if key == "" {
		return false, ErrEmptyKey
	}
	blob, err := json.Marshal(value)
	if err != nil {
		return false, errors.Wrap(err, errors.ErrInvalidInput, "encode "+key)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	existing, exists := s.data[key]
	if exists && onlyNew {
		return false, nil
	}

	rec := record{typ: reflect.TypeOf(value), blob: blob, meta: metadata.Clone()}
	switch {
	case rec.meta != nil:
		rec.meta.stamp(s.now(), true)
	case exists && existing.meta != nil:
		rec.meta = existing.meta
		rec.meta.stamp(s.now(), false)
	}
	s.data[key] = rec
	return true, nil
}

// Get decodes the value stored under key. T must be the type it was stored with.
func Get[T any](s *KVStore, key string) (T, error) {
	var out T
	if key == "" {
		return out, ErrEmptyKey
	}

	s.mu.RLock()
	rec, ok := s.data[key]
	s.mu.RUnlock()
	if !ok {
		return out, errors.WithContext(ErrNotFound, map[string]interface{}{"key": key})
	}

	if want := reflect.TypeOf((*T)(nil)).Elem(); rec.typ != want {
		return out, errors.WithContext(ErrTypeMismatch, map[string]interface{}{
			"key": key, "want": want.String(), "stored": rec.typ.String(),
		})
	}
	if err := json.Unmarshal(rec.blob, &out); err != nil {
		return out, errors.Wrap(err, errors.ErrInvalidInput, "decode "+key)
	}
	return out, nil
}

// UpdateFields sets struct fields of the value under key, addressed by
// dotted paths. Paths are applied in sorted order and nothing is written
// unless all of them succeed.
func (s *KVStore) UpdateFields(key string, fields map[string]interface{}) error {
	if key == "" {
		return ErrEmptyKey
	}
	if len(fields) == 0 {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.data[key]
	if !ok {
		return errors.WithContext(ErrNotFound, map[string]interface{}{"key": key})
	}

	base := rec.typ
	if base.Kind() == reflect.Ptr {
		base = base.Elem()
	}
	target := reflect.New(base).Interface()
	if err := json.Unmarshal(rec.blob, target); err != nil {
		return errors.Wrap(err, errors.ErrInvalidInput, "decode "+key)
	}

	paths := make([]string, 0, len(fields))
	for path := range fields {
		paths = append(paths, path)
	}
	sort.Strings(paths)
	for _, path := range paths {
		if path == "" {
			return errors.New(errors.ErrInvalidInput, "empty field path")
		}
		if err := xreflect.SetEmbedField(target, path, fields[path]); err != nil {
			return errors.WithContext(errors.Wrap(err, errors.ErrInvalidInput, "set field "+path),
				map[string]interface{}{"key": key})
		}
	}

	blob, err := json.Marshal(target)
	if err != nil {
		return errors.Wrap(err, errors.ErrInvalidInput, "encode "+key)
	}
	rec.blob = blob
	if rec.meta != nil {
		rec.meta.stamp(s.now(), false)
	}
	s.data[key] = rec
	return nil
}

// Has reports whether key is stored
func (s *KVStore) Has(key string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.data[key]
	return ok
}

// Delete removes key and reports whether it existed
func (s *KVStore) Delete(key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.data[key]; !ok {
		return false
	}
	delete(s.data, key)
	return true
}

// ListKeys returns the keys starting with prefix, sorted
func (s *KVStore) ListKeys(prefix string) []string {
	return s.filter(func(key string, _ record) bool {
		return strings.HasPrefix(key, prefix)
	})
}

// GetMetadata returns a copy of the metadata of key. A key stored without
// metadata reports an empty set.
func (s *KVStore) GetMetadata(key string) (*Metadata, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, ok := s.data[key]
	if !ok {
		return nil, errors.WithContext(ErrNotFound, map[string]interface{}{"key": key})
	}
	if rec.meta == nil {
		return NewMetadata(), nil
	}
	return rec.meta.Clone(), nil
}

// SetProperty sets one property of key
func (s *KVStore) SetProperty(key, name string, value interface{}) error {
	return s.editMetadata(key, func(m *Metadata) { m.SetProperty(name, value) })
}

// AddTag tags key
func (s *KVStore) AddTag(key, tag string) error {
	return s.editMetadata(key, func(m *Metadata) { m.AddTag(tag) })
}

// RemoveTag untags key
func (s *KVStore) RemoveTag(key, tag string) error {
	return s.editMetadata(key, func(m *Metadata) { m.RemoveTag(tag) })
}

func (s *KVStore) editMetadata(key string, edit func(*Metadata)) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.data[key]
	if !ok {
		return errors.WithContext(ErrNotFound, map[string]interface{}{"key": key})
	}
	if rec.meta == nil {
		rec.meta = NewMetadata()
		rec.meta.stamp(s.now(), true)
	}
	edit(rec.meta)
	rec.meta.stamp(s.now(), false)
	s.data[key] = rec
	return nil
}

// FindKeysByTag returns the keys carrying tag, sorted
func (s *KVStore) FindKeysByTag(tag string) []string {
	return s.filter(func(_ string, rec record) bool {
		return rec.meta != nil && rec.meta.HasTag(tag)
	})
}

// FindKeysByProperty returns the keys whose property name equals value, sorted
func (s *KVStore) FindKeysByProperty(name string, value interface{}) []string {
	return s.filter(func(_ string, rec record) bool {
		if rec.meta == nil {
			return false
		}
		v, ok := rec.meta.Properties[name]
		return ok && reflect.DeepEqual(v, value)
	})
}

func (s *KVStore) filter(match func(string, record) bool) []string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	keys := make([]string, 0)
	for k, rec := range s.data {
		if match(k, rec) {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	return keys
}
