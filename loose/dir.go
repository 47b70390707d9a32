// Copyright 2020 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package loose

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"

	"github.com/grailbio/gitcrypt/cryptor"
	"github.com/grailbio/gitcrypt/digest"
	"github.com/grailbio/gitcrypt/errors"
	"github.com/grailbio/gitcrypt/log"
	"github.com/grailbio/gitcrypt/object"
	"github.com/natefinch/atomic"
)

// Dir is a directory of loose objects, laid out as objects/xx/yyyy...
// by the hex id of each object. Dir implements object.Store.
type Dir struct {
	root     string
	opts     cryptor.Options
	level    int
	digester digest.Digester
}

var _ object.Store = (*Dir)(nil)

// NewDir returns a Dir rooted at root. New objects are encrypted
// according to opts and compressed at the provided zlib level.
func NewDir(root string, opts cryptor.Options, level int) *Dir {
	return &Dir{root: root, opts: opts, level: level, digester: digest.Default}
}

// Path returns the path of object id.
func (d *Dir) Path(id object.ID) string {
	hex := id.String()
	if len(hex) < 3 {
		return filepath.Join(d.root, hex)
	}
	return filepath.Join(d.root, hex[:2], hex[2:])
}

// Put stores an object and returns its id. An object that is already
// present is not rewritten.
func (d *Dir) Put(t object.Type, data []byte) (object.ID, error) {
	id := object.Compute(d.digester, t, data)
	path := d.Path(id)
	if _, err := os.Stat(path); err == nil {
		log.Debug.Printf("loose: %v already present", id)
		return id, nil
	}
	var buf bytes.Buffer
	if err := Write(&buf, d.opts, d.level, t, data); err != nil {
		return nil, err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0777); err != nil {
		return nil, errors.E("creating object directory", err)
	}
	if err := atomic.WriteFile(path, &buf); err != nil {
		return nil, errors.E(fmt.Sprintf("writing %s", path), err)
	}
	return id, nil
}

// Get reads object id. It returns an Integrity error if the contents
// do not hash to id.
func (d *Dir) Get(id object.ID) (t object.Type, data []byte, err error) {
	f, err := os.Open(d.Path(id))
	if err != nil {
		return object.Bad, nil, errors.E(fmt.Sprintf("object %v", id), err)
	}
	defer errors.CleanUp(f.Close, &err)
	if t, data, err = Read(f, d.opts); err != nil {
		return object.Bad, nil, errors.E(fmt.Sprintf("object %v", id), err)
	}
	if got := object.Compute(d.digester, t, data); !bytes.Equal(got, id) {
		return object.Bad, nil, errors.E(errors.Integrity, fmt.Sprintf("object %v: contents hash to %v", id, got))
	}
	return t, data, nil
}

// Lookup implements object.Store. Only the object's header is
// decoded.
func (d *Dir) Lookup(id object.ID) (object.Type, bool) {
	f, err := os.Open(d.Path(id))
	if err != nil {
		return object.Bad, false
	}
	defer f.Close()
	t, _, err := ReadHeader(f, d.opts)
	if err != nil {
		log.Debug.Printf("loose: %v: %v", id, err)
		return object.Bad, false
	}
	return t, true
}
