// Copyright 2020 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Package object defines the object model shared by the loose and
// pack formats: object types, ids, the canonical "<type> <size>\x00"
// header, and the store lookup used to resolve delta bases.
package object

import (
	"bytes"
	"encoding/hex"
	"fmt"
	"strconv"
	"sync"

	"github.com/grailbio/gitcrypt/digest"
	"github.com/grailbio/gitcrypt/errors"
)

// Type is an object type, as encoded in pack entries.
type Type uint8

const (
	Bad      Type = 0
	Commit   Type = 1
	Tree     Type = 2
	Blob     Type = 3
	Tag      Type = 4
	OfsDelta Type = 6
	RefDelta Type = 7
)

var typeNames = map[Type]string{
	Commit:   "commit",
	Tree:     "tree",
	Blob:     "blob",
	Tag:      "tag",
	OfsDelta: "ofs-delta",
	RefDelta: "ref-delta",
}

func (t Type) String() string {
	if name, ok := typeNames[t]; ok {
		return name
	}
	return fmt.Sprintf("type(%d)", uint8(t))
}

// Valid tells whether t may appear in a pack entry.
func (t Type) Valid() bool {
	_, ok := typeNames[t]
	return ok
}

// IsDelta tells whether t is a delta type.
func (t Type) IsDelta() bool { return t == OfsDelta || t == RefDelta }

// ParseType returns the base type named s.
func ParseType(s string) (Type, error) {
	for t, name := range typeNames {
		if name == s && !t.IsDelta() {
			return t, nil
		}
	}
	return Bad, errors.E(errors.Format, fmt.Sprintf("unknown object type %q", s))
}

// ID is the raw digest of an object.
type ID []byte

func (id ID) String() string { return hex.EncodeToString(id) }

// ParseID parses a hexadecimal object id.
func ParseID(s string) (ID, error) {
	b, err := hex.DecodeString(s)
	if err != nil || len(b) == 0 {
		return nil, errors.E(errors.Invalid, fmt.Sprintf("bad object id %q", s))
	}
	return ID(b), nil
}

// HeaderFor returns the canonical header of an object of type t and
// the provided size.
func HeaderFor(t Type, size int64) []byte {
	return []byte(fmt.Sprintf("%s %d\x00", t, size))
}

// MaxHeaderSize bounds the canonical header: the longest type name,
// a space, 20 decimal digits, and a NUL.
const MaxHeaderSize = 6 + 1 + 20 + 1

// ParseHeader parses a canonical header at the beginning of b. It
// returns the type, the declared size, and the header length.
func ParseHeader(b []byte) (Type, int64, int, error) {
	end := bytes.IndexByte(b, 0)
	if end < 0 {
		return Bad, 0, 0, errors.E(errors.Format, "object header is not terminated")
	}
	sp := bytes.IndexByte(b[:end], ' ')
	if sp < 0 {
		return Bad, 0, 0, errors.E(errors.Format, fmt.Sprintf("bad object header %q", b[:end]))
	}
	t, err := ParseType(string(b[:sp]))
	if err != nil {
		return Bad, 0, 0, err
	}
	size, err := strconv.ParseInt(string(b[sp+1:end]), 10, 64)
	if err != nil || size < 0 {
		return Bad, 0, 0, errors.E(errors.Format, fmt.Sprintf("bad object size %q", b[sp+1:end]))
	}
	return t, size, end + 1, nil
}

// Compute returns the id of an object of type t with the provided
// contents.
func Compute(d digest.Digester, t Type, data []byte) ID {
	w := d.NewWriter()
	w.Write(HeaderFor(t, int64(len(data))))
	w.Write(data)
	return ID(w.Digest().Bytes())
}

// Store is the object database as seen by the stream readers.
type Store interface {
	// Lookup tells whether the object exists and returns its type.
	Lookup(id ID) (Type, bool)
}

// MapStore is an in-memory Store. It is safe for concurrent use.
type MapStore struct {
	mu sync.Mutex
	m  map[string]Type
}

// NewMapStore returns an empty MapStore.
func NewMapStore() *MapStore {
	return &MapStore{m: make(map[string]Type)}
}

// Add records an object.
func (s *MapStore) Add(id ID, t Type) {
	s.mu.Lock()
	s.m[string(id)] = t
	s.mu.Unlock()
}

// Lookup implements Store.
func (s *MapStore) Lookup(id ID) (Type, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.m[string(id)]
	return t, ok
}

// Len returns the number of objects in the store.
func (s *MapStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.m)
}
