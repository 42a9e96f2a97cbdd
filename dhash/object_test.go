package dhash

import (
	"testing"

	"github.com/chordring/chorddht/chord"
	"github.com/stretchr/testify/require"
)

func TestStorePutGetDelete(t *testing.T) {
	s := NewStore()
	id := chord.HashSHA1([]byte("obj-1"))

	_, ok := s.Get(id)
	require.False(t, ok)

	s.Put(&Object{ID: id, Data: []byte("hello")})
	got, ok := s.Get(id)
	require.True(t, ok)
	require.Equal(t, []byte("hello"), got.Data)
	require.Equal(t, 1, s.Len())

	s.Delete(id)
	_, ok = s.Get(id)
	require.False(t, ok)
	require.Equal(t, 0, s.Len())
}

func TestStorePutOverwrites(t *testing.T) {
	s := NewStore()
	id := chord.HashSHA1([]byte("obj-2"))

	s.Put(&Object{ID: id, Data: []byte("v1")})
	s.Put(&Object{ID: id, Data: []byte("v2")})

	got, ok := s.Get(id)
	require.True(t, ok)
	require.Equal(t, []byte("v2"), got.Data)
	require.Equal(t, 1, s.Len())
}

func TestStoreEachVisitsAll(t *testing.T) {
	s := NewStore()
	s.Put(&Object{ID: chord.HashSHA1([]byte("a")), Data: []byte("a")})
	s.Put(&Object{ID: chord.HashSHA1([]byte("b")), Data: []byte("b")})

	seen := 0
	s.Each(func(o *Object) { seen++ })
	require.Equal(t, 2, seen)
}
