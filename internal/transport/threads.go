// Copyright (c) 2024 LSP Server Contributors
// SPDX-License-Identifier: MIT

package transport

import (
	"errors"
	"fmt"
	"io"
	"runtime/debug"
	"sync"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

// PanicError carries a panic recovered in an I/O goroutine. Join re-panics
// with it so a crash in the reader or writer is never swallowed.
type PanicError struct {
	Goroutine string
	Value     any
	Stack     []byte
}

func (e *PanicError) Error() string {
	return fmt.Sprintf("%s goroutine panicked: %v", e.Goroutine, e.Value)
}

// IOThreads is the handle on the reader and writer goroutines of a stream
// transport.
type IOThreads struct {
	group      errgroup.Group
	readerDone chan struct{}
	writerDone chan struct{}
	closers    []io.Closer
	log        zerolog.Logger

	mu       sync.Mutex
	panicked *PanicError

	joinOnce sync.Once
	joinErr  error
}

func newIOThreads(log zerolog.Logger, closers []io.Closer) *IOThreads {
	return &IOThreads{
		readerDone: make(chan struct{}),
		writerDone: make(chan struct{}),
		closers:    closers,
		log:        log,
	}
}

// spawn runs fn on its own goroutine. done is closed when fn returns or
// panics; a panic is recorded and reported as the goroutine's error.
func (th *IOThreads) spawn(name string, done chan struct{}, fn func() error) {
	th.group.Go(func() (err error) {
		defer close(done)
		defer func() {
			if r := recover(); r != nil {
				pe := &PanicError{Goroutine: name, Value: r, Stack: debug.Stack()}
				th.log.Error().Str("goroutine", name).Interface("panic", r).Msg("I/O goroutine panicked")
				th.mu.Lock()
				if th.panicked == nil {
					th.panicked = pe
				}
				th.mu.Unlock()
				err = pe
			}
		}()
		return fn()
	})
}

// ReaderDone is closed once the reader goroutine exited
func (th *IOThreads) ReaderDone() <-chan struct{} {
	return th.readerDone
}

// WriterDone is closed once the writer goroutine exited
func (th *IOThreads) WriterDone() <-chan struct{} {
	return th.writerDone
}

// Join waits for both goroutines and returns the first I/O error. The
// registered closers run once the writer has drained, which also unblocks a
// reader parked on a socket read. A panic in either goroutine is re-raised
// here. Join may be called more than once; later calls return the same
// result.
func (th *IOThreads) Join() error {
	th.joinOnce.Do(func() {
		<-th.writerDone
		closeErr := th.runClosers()
		waitErr := th.group.Wait()
		th.joinErr = errors.Join(waitErr, closeErr)
	})

	th.mu.Lock()
	pe := th.panicked
	th.mu.Unlock()
	if pe != nil {
		panic(pe)
	}
	return th.joinErr
}

func (th *IOThreads) runClosers() error {
	var errs []error
	for _, c := range th.closers {
		if err := c.Close(); err != nil && !isClosedErr(err) {
			errs = append(errs, err)
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("failed to release transport resources: %w", errors.Join(errs...))
	}
	return nil
}
