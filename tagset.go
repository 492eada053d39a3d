package tagbatch

import (
	"path/filepath"
	"slices"
	"sort"
	"strings"
)

// Reserved keys are derived from the file path and never stored with the tags.
const (
	KeyFilename = "__filename"
	KeyPath     = "__path"
	KeyFolder   = "__folder"
	KeyExt      = "__ext"
	KeyAll      = "__all"
)

// TagSet is the metadata record for one file. Keys are lower case; a single
// valued tag is a one element slice.
type TagSet map[string][]string

// Changes maps tag keys to new values. An empty value deletes the tag.
type Changes map[string][]string

// Deletes reports whether values clear a tag.
func Deletes(values []string) bool {
	for _, value := range values {
		if value != "" {
			return false
		}
	}
	return true
}

func NewTagSet(path string) TagSet {
	tags := TagSet{}
	tags.SetFilename(path)
	return tags
}

func normalizeKey(key string) string {
	return strings.ToLower(strings.TrimSpace(key))
}

func IsReserved(key string) bool {
	return strings.HasPrefix(key, "__")
}

// SetFilename updates every derived path field from an absolute file path.
func (t TagSet) SetFilename(path string) {
	if abs, err := filepath.Abs(path); err == nil {
		path = abs
	}
	t[KeyFilename] = []string{path}
	t[KeyPath] = []string{filepath.Base(path)}
	t[KeyFolder] = []string{filepath.Dir(path)}
	t[KeyExt] = []string{strings.TrimPrefix(filepath.Ext(path), ".")}
}

func (t TagSet) Filename() string {
	return t.Get(KeyFilename)
}

func (t TagSet) Folder() string {
	return t.Get(KeyFolder)
}

func (t TagSet) Ext() string {
	return t.Get(KeyExt)
}

func (t TagSet) Has(key string) bool {
	_, ok := t[normalizeKey(key)]
	return ok
}

// Get returns the value of key, joining multiple values with ", ".
func (t TagSet) Get(key string) string {
	return strings.Join(t[normalizeKey(key)], ", ")
}

func (t TagSet) Values(key string) []string {
	return t[normalizeKey(key)]
}

func (t TagSet) Set(key string, values ...string) {
	t[normalizeKey(key)] = values
}

func (t TagSet) Delete(key string) {
	delete(t, normalizeKey(key))
}

func (t TagSet) Clone() TagSet {
	clone := make(TagSet, len(t))
	for key, values := range t {
		clone[key] = slices.Clone(values)
	}
	return clone
}

func (t TagSet) Equal(other TagSet) bool {
	if len(t) != len(other) {
		return false
	}
	for key, values := range t {
		otherValues, ok := other[key]
		if !ok || !slices.Equal(values, otherValues) {
			return false
		}
	}
	return true
}

// Keys returns the sorted tag keys, reserved keys excluded.
func (t TagSet) Keys() []string {
	keys := make([]string, 0, len(t))
	for key := range t {
		if !IsReserved(key) {
			keys = append(keys, key)
		}
	}
	sort.Strings(keys)
	return keys
}

// Fields returns a copy holding only the non-reserved keys.
func (t TagSet) Fields() TagSet {
	fields := make(TagSet, len(t))
	for key, values := range t {
		if !IsReserved(key) {
			fields[key] = slices.Clone(values)
		}
	}
	return fields
}

// Merge returns a copy of t with changes applied. Reserved keys in changes are
// ignored; renames go through SetFilename.
func (t TagSet) Merge(changes Changes) TagSet {
	merged := t.Clone()
	for key, values := range changes {
		key = normalizeKey(key)
		if IsReserved(key) {
			continue
		}
		if Deletes(values) {
			delete(merged, key)
			continue
		}
		merged[key] = slices.Clone(values)
	}
	return merged
}
