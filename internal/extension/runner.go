// Package extension runs ordered extension factories with progressive
// composition and deterministic failure unwinding. The same engine backs
// workspace-level extensions and per-document extensions.
//
// Each factory may return nil (not installed) or an Extension carrying
// optional exports, readiness, teardown, and purge hooks. Factory N runs
// with the accumulated exports and composite readiness of factories
// 0..N-1. Any factory error destroys, in strict reverse order, every
// extension already started in this run plus any carried over from a
// prior composition stage; teardown errors are logged, never allowed to
// mask the original error.
package extension

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/driftdoc/driftdoc/internal/crdt"
)

// Extension is what an installed factory hands back. Every field is
// optional.
type Extension struct {
	// Exports is shared by reference with every subsequently-run factory
	// and with the final consumer. The framework never mutates it after
	// the factory returns.
	Exports any

	// WhenReady blocks until the extension is usable (a persistence load,
	// a sync handshake). It runs on its own goroutine; a non-nil error
	// fails the whole composition.
	WhenReady func(ctx context.Context) error

	// Destroy releases the extension's resources.
	Destroy func() error

	// Purge permanently erases whatever the extension persisted for its
	// document. Only document purge invokes it; Destroy still runs after.
	Purge func() error
}

// FactoryContext is what a factory sees while it runs.
type FactoryContext struct {
	// Doc is the document this composition is attached to.
	Doc *crdt.Doc

	// Exports holds prior factories' exports keyed by registration key.
	Exports map[string]any

	// Await resolves once every prior extension's readiness resolves.
	Await func(ctx context.Context) error
}

// Factory builds one extension. Returning (nil, nil) means "not
// installed" and is skipped without ceremony.
type Factory func(ctx context.Context, fc *FactoryContext) (*Extension, error)

// Registration is one ordered, immutable extension declaration.
// Order is significant: registration order is execution order and the
// reverse is teardown order.
type Registration struct {
	Key  string
	Tags []string
	New  Factory
}

// TagsMatch implements document-scoped tag filtering: a registration with
// no tags fires for every target; one with tags fires only if its tags
// intersect the target's.
func TagsMatch(regTags, targetTags []string) bool {
	if len(regTags) == 0 {
		return true
	}
	for _, rt := range regTags {
		for _, tt := range targetTags {
			if rt == tt {
				return true
			}
		}
	}
	return false
}

type readiness struct {
	done chan struct{}
	err  error
}

func newReadiness() *readiness {
	return &readiness{done: make(chan struct{})}
}

// settled readiness for extensions without a WhenReady hook.
func settledReadiness() *readiness {
	r := newReadiness()
	close(r.done)
	return r
}

type entry struct {
	key       string
	ext       *Extension
	ready     *readiness
	destroyed bool
}

// Stack is a composed, ordered set of installed extensions.
type Stack struct {
	log *slog.Logger

	mu      sync.Mutex
	entries []*entry
	exports map[string]any
}

// NewStack creates an empty stack, the base for a first composition stage.
func NewStack(log *slog.Logger) *Stack {
	if log == nil {
		log = slog.Default()
	}
	return &Stack{log: log, exports: make(map[string]any)}
}

// Run executes regs in order against doc, extending base (a prior
// composition stage, or NewStack for the first). On a factory error the
// entire stack, this run's extensions and base's alike, is destroyed in
// reverse order and the factory's error is returned.
func Run(ctx context.Context, doc *crdt.Doc, regs []Registration, base *Stack) (*Stack, error) {
	s := base
	for _, reg := range regs {
		fc := &FactoryContext{
			Doc:     doc,
			Exports: s.exports,
			Await:   s.awaitUpTo(len(s.entries)),
		}
		ext, err := reg.New(ctx, fc)
		if err != nil {
			s.unwind(fmt.Errorf("extension %q: %w", reg.Key, err))
			return nil, fmt.Errorf("extension %q: %w", reg.Key, err)
		}
		if ext == nil {
			continue
		}
		s.install(reg.Key, ext)
	}
	return s, nil
}

func (s *Stack) install(key string, ext *Extension) {
	e := &entry{key: key, ext: ext}
	if ext.WhenReady == nil {
		e.ready = settledReadiness()
	} else {
		e.ready = newReadiness()
		go func(r *readiness, ready func(context.Context) error) {
			r.err = ready(context.Background())
			close(r.done)
		}(e.ready, ext.WhenReady)
	}

	s.mu.Lock()
	s.entries = append(s.entries, e)
	if ext.Exports != nil {
		s.exports[key] = ext.Exports
	}
	s.mu.Unlock()
}

// Exports returns the accumulated exports map, keyed by registration key.
// Shared by reference; callers must not mutate it.
func (s *Stack) Exports() map[string]any {
	return s.exports
}

// Len returns the number of installed extensions.
func (s *Stack) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

// awaitUpTo builds the composite readiness of entries[0:n].
func (s *Stack) awaitUpTo(n int) func(ctx context.Context) error {
	return func(ctx context.Context) error {
		s.mu.Lock()
		if n > len(s.entries) {
			// The stack was torn down under us; nothing left to await.
			n = len(s.entries)
		}
		slice := make([]*entry, n)
		copy(slice, s.entries[:n])
		s.mu.Unlock()
		return awaitEntries(ctx, slice)
	}
}

func awaitEntries(ctx context.Context, entries []*entry) error {
	for _, e := range entries {
		select {
		case <-e.ready.done:
			if e.ready.err != nil {
				return fmt.Errorf("extension %q not ready: %w", e.key, e.ready.err)
			}
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

// Await resolves once every installed extension reports ready. A
// readiness failure triggers the same reverse-order teardown a factory
// error does, and the failure is returned.
func (s *Stack) Await(ctx context.Context) error {
	s.mu.Lock()
	entries := make([]*entry, len(s.entries))
	copy(entries, s.entries)
	s.mu.Unlock()

	if err := awaitEntries(ctx, entries); err != nil {
		if ctx.Err() == nil {
			s.unwind(err)
		}
		return err
	}
	return nil
}

// Destroy tears every extension down in strict reverse registration
// order. Teardown errors are collected and joined; Destroy is idempotent.
func (s *Stack) Destroy() error {
	return s.destroy(nil)
}

// unwind is teardown after a failure: errors are logged but the original
// error stays the story.
func (s *Stack) unwind(cause error) {
	if err := s.destroy(cause); err != nil {
		s.log.Error("extension teardown reported errors",
			slog.Any("cause", cause),
			slog.Any("teardown", err))
	}
}

func (s *Stack) destroy(cause error) error {
	s.mu.Lock()
	entries := make([]*entry, len(s.entries))
	copy(entries, s.entries)
	s.mu.Unlock()

	var errs []error
	for i := len(entries) - 1; i >= 0; i-- {
		e := entries[i]
		if e.destroyed || e.ext.Destroy == nil {
			e.destroyed = true
			continue
		}
		e.destroyed = true
		if err := e.ext.Destroy(); err != nil {
			errs = append(errs, fmt.Errorf("destroy %q: %w", e.key, err))
		}
	}

	s.mu.Lock()
	s.entries = nil
	s.mu.Unlock()

	return errors.Join(errs...)
}

// Purge runs every extension's purge hook in reverse registration order.
// Used for permanent document erasure before Destroy.
func (s *Stack) Purge() error {
	s.mu.Lock()
	entries := make([]*entry, len(s.entries))
	copy(entries, s.entries)
	s.mu.Unlock()

	var errs []error
	for i := len(entries) - 1; i >= 0; i-- {
		e := entries[i]
		if e.ext.Purge == nil {
			continue
		}
		if err := e.ext.Purge(); err != nil {
			errs = append(errs, fmt.Errorf("purge %q: %w", e.key, err))
		}
	}
	return errors.Join(errs...)
}
