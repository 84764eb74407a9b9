// Package index implements FieldIndex, the exact-match secondary index
// that answers CREATE_INDEX{field} and QUERY_INDEX{field,value}.
package index

import (
	"errors"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/vzdtic/raftkv/pkg/kv"
)

// ErrFieldNotIndexed is returned by Query for a field no CREATE_INDEX has
// named yet.
var ErrFieldNotIndexed = errors.New("index: field not indexed")

// FieldIndex is a kv.IndexObserver maintaining field-value -> key-set
// postings over the Map-valued fields named by CREATE_INDEX. It mirrors
// every key's current value internally so that a CREATE_INDEX arriving
// after data already exists can backfill postings for that field
// immediately, without reaching back into the state machine.
type FieldIndex struct {
	mu       sync.RWMutex
	fields   map[string]struct{}
	postings map[string]map[string]map[string]struct{} // field -> value -> keys
	mirror   map[string]kv.Value
}

// New creates an empty FieldIndex.
func New() *FieldIndex {
	return &FieldIndex{
		fields:   make(map[string]struct{}),
		postings: make(map[string]map[string]map[string]struct{}),
		mirror:   make(map[string]kv.Value),
	}
}

// OnApply implements kv.IndexObserver.
func (f *FieldIndex) OnApply(key string, value *kv.Value, tombstone bool, index uint64) {
	if field, ok := strings.CutPrefix(key, kv.CreateIndexControlPrefix); ok {
		f.createIndex(field)
		return
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	old, hadOld := f.mirror[key]
	if hadOld {
		f.removePostingsLocked(key, old)
		delete(f.mirror, key)
	}
	if tombstone || value == nil {
		return
	}
	f.mirror[key] = *value
	f.addPostingsLocked(key, *value)
}

func (f *FieldIndex) createIndex(field string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.fields[field]; ok {
		return
	}
	f.fields[field] = struct{}{}
	if f.postings[field] == nil {
		f.postings[field] = make(map[string]map[string]struct{})
	}
	for key, v := range f.mirror {
		f.indexFieldLocked(field, key, v)
	}
}

func (f *FieldIndex) addPostingsLocked(key string, v kv.Value) {
	for field := range f.fields {
		f.indexFieldLocked(field, key, v)
	}
}

func (f *FieldIndex) indexFieldLocked(field, key string, v kv.Value) {
	if v.Kind != kv.KindMap {
		return
	}
	fv, ok := v.Map[field]
	if !ok {
		return
	}
	sv := scalarString(fv)
	if sv == "" {
		return
	}
	if f.postings[field][sv] == nil {
		f.postings[field][sv] = make(map[string]struct{})
	}
	f.postings[field][sv][key] = struct{}{}
}

func (f *FieldIndex) removePostingsLocked(key string, v kv.Value) {
	if v.Kind != kv.KindMap {
		return
	}
	for field := range f.fields {
		fv, ok := v.Map[field]
		if !ok {
			continue
		}
		sv := scalarString(fv)
		if set, ok := f.postings[field][sv]; ok {
			delete(set, key)
		}
	}
}

func scalarString(v kv.Value) string {
	switch v.Kind {
	case kv.KindString:
		return v.Str
	case kv.KindInteger:
		return strconv.FormatInt(v.Int, 10)
	default:
		return ""
	}
}

// Query answers QUERY_INDEX{field,value}: the sorted set of keys whose
// field equals value.
func (f *FieldIndex) Query(field, value string) ([]string, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()

	if _, ok := f.fields[field]; !ok {
		return nil, ErrFieldNotIndexed
	}
	set := f.postings[field][value]
	keys := make([]string, 0, len(set))
	for k := range set {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys, nil
}
