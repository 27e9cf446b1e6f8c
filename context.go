package graphstore

import (
	"context"
	"errors"
	"sync/atomic"

	"github.com/nlstn/go-graphstore/internal/serial"
)

type contextKind string

const (
	kindMain   contextKind = "main"
	kindWriter contextKind = "writer"
)

// Context is a unit of work bound to one serial execution line. Every
// operation on a Context runs as a task on its line, so tasks of one Context
// never run concurrently while different Contexts proceed in parallel.
type Context struct {
	store *Store
	name  string
	kind  contextKind
	line  *serial.Line

	// objects is the identity map; only tasks on line touch it.
	objects map[ObjectID]*managedObject

	closed atomic.Bool
}

func newContext(s *Store, name string, kind contextKind) *Context {
	return &Context{
		store:   s,
		name:    name,
		kind:    kind,
		line:    serial.NewLine(name, s.log),
		objects: make(map[ObjectID]*managedObject),
	}
}

// Name returns the Context name.
func (c *Context) Name() string {
	return c.name
}

// IsMain reports whether c is the store's main Context.
func (c *Context) IsMain() bool {
	return c.kind == kindMain
}

// Future is the pending result of work submitted to a Context.
type Future struct {
	task *serial.Task
	err  error
	done chan struct{}
}

func failedFuture(err error) *Future {
	done := make(chan struct{})
	close(done)
	return &Future{err: err, done: done}
}

// Done is closed once the work has finished.
func (f *Future) Done() <-chan struct{} {
	if f.task != nil {
		return f.task.Done()
	}
	return f.done
}

// Wait blocks until the work has finished or ctx is done. A canceled wait does
// not cancel work that has already started.
func (f *Future) Wait(ctx context.Context) error {
	if f.task == nil {
		return f.err
	}
	return f.task.Wait(ctx)
}

// Err returns the result of finished work, or nil while it is still pending.
func (f *Future) Err() error {
	if f.task == nil {
		return f.err
	}
	return f.task.Err()
}

// Perform submits fn to the Context's line. The Session handed to fn is valid
// only until fn returns. If ctx is done before fn starts, fn does not run.
func (c *Context) Perform(ctx context.Context, fn func(*Session) error) *Future {
	if fn == nil {
		return failedFuture(errors.New("graphstore: task function is required"))
	}
	if c.closed.Load() {
		return failedFuture(ErrContextClosed)
	}
	task, err := c.line.Submit(ctx, func(taskCtx context.Context) error {
		if err := c.store.usable(taskCtx); err != nil {
			return err
		}
		return c.run(taskCtx, fn)
	})
	if err != nil {
		if errors.Is(err, serial.ErrLineClosed) {
			err = ErrContextClosed
		}
		return failedFuture(err)
	}
	return &Future{task: task}
}

// PerformAndWait runs fn on the Context's line and waits for it. Called from
// inside a task of the same Context it runs fn inline.
func (c *Context) PerformAndWait(ctx context.Context, fn func(*Session) error) error {
	if serial.OnLine(ctx, c.line) {
		if fn == nil {
			return errors.New("graphstore: task function is required")
		}
		return c.run(ctx, fn)
	}
	return c.Perform(ctx, fn).Wait(ctx)
}

func (c *Context) run(ctx context.Context, fn func(*Session) error) error {
	s := &Session{ctx: ctx, c: c}
	defer s.closed.Store(true)
	return fn(s)
}

// Query returns the refs of entity objects matching p, as seen by c.
func (c *Context) Query(ctx context.Context, entity string, p *Predicate) ([]Ref, error) {
	var refs []Ref
	err := c.PerformAndWait(ctx, func(s *Session) error {
		var err error
		refs, err = s.Query(entity, p)
		return err
	})
	return refs, err
}

// Objects returns snapshots of entity objects matching p, as seen by c.
func (c *Context) Objects(ctx context.Context, entity string, p *Predicate) ([]*Object, error) {
	var objects []*Object
	err := c.PerformAndWait(ctx, func(s *Session) error {
		refs, err := s.Query(entity, p)
		if err != nil {
			return err
		}
		objects = make([]*Object, 0, len(refs))
		for _, ref := range refs {
			o, err := s.Object(ref)
			if err != nil {
				return err
			}
			objects = append(objects, o)
		}
		return nil
	})
	return objects, err
}

// Commit persists the Context's staged changes.
func (c *Context) Commit(ctx context.Context) error {
	return c.PerformAndWait(ctx, func(s *Session) error {
		return s.Commit()
	})
}

// Reset discards staged changes and the Context's registered objects.
func (c *Context) Reset(ctx context.Context) error {
	return c.PerformAndWait(ctx, func(s *Session) error {
		s.Reset()
		return nil
	})
}

// BatchDelete deletes entity rows matching p directly in the store.
func (c *Context) BatchDelete(ctx context.Context, entity string, p *Predicate) (int64, error) {
	var n int64
	err := c.PerformAndWait(ctx, func(s *Session) error {
		var err error
		n, err = s.BatchDelete(entity, p)
		return err
	})
	return n, err
}

// Close stops the Context after its queued work has run. Staged changes that
// were never committed are discarded. The main Context is closed by
// Store.Close only.
func (c *Context) Close(ctx context.Context) error {
	if c.kind == kindMain {
		return errors.New("graphstore: the main context is closed with its store")
	}
	c.store.unregister(c)
	return c.closeLine(ctx)
}

func (c *Context) closeLine(ctx context.Context) error {
	c.closed.Store(true)
	return c.line.Close(ctx)
}
