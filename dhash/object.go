package dhash

import "github.com/chordring/chorddht/chord"

// Store is the local object map of §4.6: identifier to blob, no
// versioning, Insert overwrites.
type Store struct {
	objects map[string]*Object
}

// NewStore returns an empty object store.
func NewStore() *Store {
	return &Store{objects: make(map[string]*Object)}
}

func key(id chord.Identifier) string { return string(id) }

// Put stores o, overwriting any existing object with the same id.
func (s *Store) Put(o *Object) { s.objects[key(o.ID)] = o }

// Get returns the object for id, if present.
func (s *Store) Get(id chord.Identifier) (*Object, bool) {
	o, ok := s.objects[key(id)]
	return o, ok
}

// Delete removes the object for id, if present.
func (s *Store) Delete(id chord.Identifier) { delete(s.objects, key(id)) }

// Each calls fn for every stored object. fn must not mutate the store.
func (s *Store) Each(fn func(*Object)) {
	for _, o := range s.objects {
		fn(o)
	}
}

// Len returns the number of stored objects.
func (s *Store) Len() int { return len(s.objects) }
