package store

import (
	"reflect"
	"sort"
	"time"

	"github.com/davidroman0O/orca/errors"
)

type record struct {
	typ  reflect.Type
	blob []byte
	meta *Metadata
}

var (
	ErrNotFound     = errors.New(errors.ErrNotFound, "key not found")
	ErrTypeMismatch = errors.New(errors.ErrInvalidInput, "stored value has a different type")
	ErrEmptyKey     = errors.New(errors.ErrInvalidInput, "key cannot be empty")
)

// Metadata is attached to a key next to its value. Tags are kept sorted.
type Metadata struct {
	Tags       []string               `json:"tags,omitempty"`
	Properties map[string]interface{} `json:"properties,omitempty"`
	CreatedAt  time.Time              `json:"createdAt"`
	UpdatedAt  time.Time              `json:"updatedAt"`
}

// NewMetadata returns an empty set. The store stamps it when written.
func NewMetadata() *Metadata {
	return &Metadata{Properties: make(map[string]interface{})}
}

func (m *Metadata) stamp(now time.Time, created bool) {
	if created || m.CreatedAt.IsZero() {
		m.CreatedAt = now
	}
	m.UpdatedAt = now
}

// AddTag is a no-op for a tag already present
func (m *Metadata) AddTag(tag string) {
	i := sort.SearchStrings(m.Tags, tag)
	if i < len(m.Tags) && m.Tags[i] == tag {
		return
	}
	m.Tags = append(m.Tags, "")
	copy(m.Tags[i+1:], m.Tags[i:])
	m.Tags[i] = tag
}

func (m *Metadata) RemoveTag(tag string) {
	i := sort.SearchStrings(m.Tags, tag)
	if i < len(m.Tags) && m.Tags[i] == tag {
		m.Tags = append(m.Tags[:i], m.Tags[i+1:]...)
	}
}

func (m *Metadata) HasTag(tag string) bool {
	i := sort.SearchStrings(m.Tags, tag)
	return i < len(m.Tags) && m.Tags[i] == tag
}

func (m *Metadata) SetProperty(name string, value interface{}) {
	if m.Properties == nil {
		m.Properties = make(map[string]interface{})
	}
	m.Properties[name] = value
}

// Clone copies the tag list and the property map. A nil receiver yields nil.
func (m *Metadata) Clone() *Metadata {
	if m == nil {
		return nil
	}
	out := &Metadata{
		Tags:       append([]string(nil), m.Tags...),
		Properties: make(map[string]interface{}, len(m.Properties)),
		CreatedAt:  m.CreatedAt,
		UpdatedAt:  m.UpdatedAt,
	}
	for k, v := range m.Properties {
		out.Properties[k] = v
	}
	return out
}

func (m *Metadata) GetProperty(name string) (interface{}, bool) {
	v, ok := m.Properties[name]
	return v, ok
}
