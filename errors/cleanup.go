// Copyright 2020 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package errors

import (
	"fmt"
	"sync"
)

// CleanUp is defer-able syntactic sugar that calls f and reports an error, if any,
// to *err. Pass the caller's named return error. Example usage:
//
//	func readPack(filename string) (_ packstream.Result, err error) {
//		f, err := os.Open(filename)
//		if err != nil { ... }
//		defer errors.CleanUp(f.Close, &err)
//		...
//	}
//
// If the caller returns with its own error, any error from cleanUp is appended
// to the message rather than replacing the original cause.
func CleanUp(cleanUp func() error, dst *error) {
	err := cleanUp()
	if err == nil {
		return
	}
	if *dst == nil {
		*dst = err
		return
	}
	*dst = E(*dst, fmt.Sprintf("second error in Close: %v", err))
}

// Once captures at most one error. Errors are safely set across
// multiple goroutines. A zero Once is ready to use.
type Once struct {
	mu  sync.Mutex
	err error
}

// Err returns the first non-nil error passed to Set.
func (e *Once) Err() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.err
}

// Set sets this instance's error to err. Only the first error
// is set; subsequent calls are ignored.
func (e *Once) Set(err error) {
	if err == nil {
		return
	}
	e.mu.Lock()
	if e.err == nil {
		e.err = err
	}
	e.mu.Unlock()
}
