package binding

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/driftdoc/driftdoc/internal/crdt"
	"github.com/driftdoc/driftdoc/internal/extension"
	"github.com/driftdoc/driftdoc/internal/kvlww"
)

type fixture struct {
	owner *crdt.Doc
	store *kvlww.Store
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	owner := crdt.NewDoc()
	t.Cleanup(owner.Close)
	return &fixture{owner: owner, store: kvlww.New(owner, "table/notes")}
}

func (f *fixture) setRow(id, guid string) {
	f.store.Set(id, json.RawMessage(fmt.Sprintf(`{"id":%q,"contentGuid":%q}`, id, guid)))
}

func (f *fixture) config() Config {
	return Config{
		OwnerDoc:        f.owner,
		Store:           f.store,
		GuidColumn:      "contentGuid",
		UpdatedAtColumn: "updatedAt",
		Tags:            []string{"notes"},
	}
}

func (f *fixture) binder(t *testing.T, regs []extension.Registration) *Binder {
	t.Helper()
	cfg := f.config()
	cfg.Registry = regs
	b := New(cfg)
	t.Cleanup(func() { _ = b.Destroy() })
	return b
}

func TestOpenRunsMatchingRegistrations(t *testing.T) {
	f := newFixture(t)
	b := f.binder(t, []extension.Registration{
		{Key: "match", Tags: []string{"notes"}, New: exportFactory("a")},
		{Key: "other", Tags: []string{"tasks"}, New: exportFactory("b")},
		{Key: "untagged", New: exportFactory("c")},
	})

	h, err := b.Open(context.Background(), "g1")
	require.NoError(t, err)

	exports := h.Exports()
	assert.Equal(t, "a", exports["match"])
	assert.Equal(t, "c", exports["untagged"])
	assert.NotContains(t, exports, "other")
	assert.Equal(t, "g1", h.Guid())
}

func exportFactory(v string) extension.Factory {
	return func(context.Context, *extension.FactoryContext) (*extension.Extension, error) {
		return &extension.Extension{Exports: v}, nil
	}
}

func TestOpenSharesInFlight(t *testing.T) {
	f := newFixture(t)

	release := make(chan struct{})
	var factoryRuns int
	var mu sync.Mutex
	b := f.binder(t, []extension.Registration{{
		Key: "slow",
		New: func(context.Context, *extension.FactoryContext) (*extension.Extension, error) {
			mu.Lock()
			factoryRuns++
			mu.Unlock()
			<-release
			return &extension.Extension{}, nil
		},
	}})

	type result struct {
		h   *Handle
		err error
	}
	results := make(chan result, 2)
	for i := 0; i < 2; i++ {
		go func() {
			h, err := b.Open(context.Background(), "g1")
			results <- result{h, err}
		}()
	}

	require.Eventually(t, func() bool { return b.IsOpen("g1") }, time.Second, time.Millisecond)
	close(release)

	a := <-results
	c := <-results
	require.NoError(t, a.err)
	require.NoError(t, c.err)
	assert.Same(t, a.h, c.h)

	mu.Lock()
	assert.Equal(t, 1, factoryRuns)
	mu.Unlock()
}

func TestOpenFailureForgotten(t *testing.T) {
	f := newFixture(t)

	boom := errors.New("no disk")
	var attempts int
	b := f.binder(t, []extension.Registration{{
		Key: "flaky",
		New: func(context.Context, *extension.FactoryContext) (*extension.Extension, error) {
			attempts++
			if attempts == 1 {
				return nil, boom
			}
			return &extension.Extension{}, nil
		},
	}})

	_, err := b.Open(context.Background(), "g1")
	require.ErrorIs(t, err, boom)
	assert.False(t, b.IsOpen("g1"))

	h, err := b.Open(context.Background(), "g1")
	require.NoError(t, err)
	assert.NotNil(t, h)
	assert.Equal(t, 2, attempts)
}

func TestCloseTearsDown(t *testing.T) {
	f := newFixture(t)

	var destroyed int
	b := f.binder(t, []extension.Registration{{
		Key: "res",
		New: func(context.Context, *extension.FactoryContext) (*extension.Extension, error) {
			return &extension.Extension{
				Destroy: func() error { destroyed++; return nil },
			}, nil
		},
	}})

	h, err := b.Open(context.Background(), "g1")
	require.NoError(t, err)

	require.NoError(t, b.Close("g1"))
	assert.Equal(t, 1, destroyed)
	assert.True(t, h.Doc().Closed())
	assert.False(t, b.IsOpen("g1"))

	require.NoError(t, b.Close("g1"))
	assert.Equal(t, 1, destroyed)
}

func TestCloseDuringOpenAbandons(t *testing.T) {
	f := newFixture(t)

	release := make(chan struct{})
	var destroyed int
	var mu sync.Mutex
	b := f.binder(t, []extension.Registration{{
		Key: "slow",
		New: func(context.Context, *extension.FactoryContext) (*extension.Extension, error) {
			<-release
			return &extension.Extension{
				Destroy: func() error {
					mu.Lock()
					destroyed++
					mu.Unlock()
					return nil
				},
			}, nil
		},
	}})

	errCh := make(chan error, 1)
	go func() {
		_, err := b.Open(context.Background(), "g1")
		errCh <- err
	}()

	require.Eventually(t, func() bool { return b.IsOpen("g1") }, time.Second, time.Millisecond)
	require.NoError(t, b.Close("g1"))
	close(release)

	require.ErrorIs(t, <-errCh, ErrAbandoned)
	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return destroyed == 1
	}, time.Second, time.Millisecond)
}

func TestRowDeleteCascadesClose(t *testing.T) {
	f := newFixture(t)

	var opens, destroys int
	b := f.binder(t, []extension.Registration{{
		Key: "res",
		New: func(context.Context, *extension.FactoryContext) (*extension.Extension, error) {
			opens++
			return &extension.Extension{
				Destroy: func() error { destroys++; return nil },
				Purge:   func() error { t.Fatal("cascade must close, not purge"); return nil },
			}, nil
		},
	}})

	f.setRow("n1", "g1")
	_, err := b.Open(context.Background(), "g1")
	require.NoError(t, err)

	f.store.Delete("n1")
	assert.False(t, b.IsOpen("g1"))
	assert.Equal(t, 1, destroys)

	// Opening the same guid again builds a fresh instance, never a stale one.
	h2, err := b.Open(context.Background(), "g1")
	require.NoError(t, err)
	assert.NotNil(t, h2)
	assert.Equal(t, 2, opens)
}

func TestLocalEditBumpsUpdatedAt(t *testing.T) {
	f := newFixture(t)

	now := time.UnixMilli(1700000000000)
	cfg := f.config()
	cfg.Now = func() time.Time { return now }
	b := New(cfg)
	t.Cleanup(func() { _ = b.Destroy() })

	f.setRow("n1", "g1")
	h, err := b.Open(context.Background(), "g1")
	require.NoError(t, err)

	var bumpEvents int
	f.store.Observe(func(ev kvlww.Event) {
		if _, ok := ev.Origin.(BumpOrigin); ok {
			bumpEvents++
		}
	})

	h.Doc().Seq("body").Push(json.RawMessage(`"edit"`))

	raw, ok := f.store.Get("n1")
	require.True(t, ok)
	var row map[string]any
	require.NoError(t, json.Unmarshal(raw, &row))
	assert.Equal(t, float64(1700000000000), row["updatedAt"])
	assert.Equal(t, 1, bumpEvents)
}

func TestRemoteUpdateDoesNotBump(t *testing.T) {
	f := newFixture(t)

	b := New(f.config())
	t.Cleanup(func() { _ = b.Destroy() })

	f.setRow("n1", "g1")
	h, err := b.Open(context.Background(), "g1")
	require.NoError(t, err)

	peer := crdt.NewDoc()
	defer peer.Close()
	var delta []byte
	peer.OnUpdate(func(u crdt.Update) { delta = u.Delta })
	peer.Seq("body").Push(json.RawMessage(`"remote edit"`))
	require.NotNil(t, delta)

	require.NoError(t, h.Doc().ApplyUpdate(delta, nil))

	raw, ok := f.store.Get("n1")
	require.True(t, ok)
	var row map[string]any
	require.NoError(t, json.Unmarshal(raw, &row))
	assert.NotContains(t, row, "updatedAt")
}

func TestBumpDisabledWithoutColumn(t *testing.T) {
	f := newFixture(t)

	cfg := f.config()
	cfg.UpdatedAtColumn = ""
	b := New(cfg)
	t.Cleanup(func() { _ = b.Destroy() })

	f.setRow("n1", "g1")
	h, err := b.Open(context.Background(), "g1")
	require.NoError(t, err)

	h.Doc().Seq("body").Push(json.RawMessage(`"edit"`))

	raw, _ := f.store.Get("n1")
	var row map[string]any
	require.NoError(t, json.Unmarshal(raw, &row))
	assert.NotContains(t, row, "updatedAt")
}

func TestPurge(t *testing.T) {
	f := newFixture(t)

	var order []string
	b := f.binder(t, []extension.Registration{{
		Key: "store",
		New: func(context.Context, *extension.FactoryContext) (*extension.Extension, error) {
			return &extension.Extension{
				Purge:   func() error { order = append(order, "purge"); return nil },
				Destroy: func() error { order = append(order, "destroy"); return nil },
			}, nil
		},
	}})

	f.setRow("n1", "g1")
	_, err := b.Open(context.Background(), "g1")
	require.NoError(t, err)

	require.NoError(t, b.Purge(context.Background(), "g1"))
	assert.Equal(t, []string{"purge", "destroy"}, order)
	assert.False(t, b.IsOpen("g1"))

	// Purging a closed document opens it first so its extensions can
	// reach their persisted state.
	order = nil
	require.NoError(t, b.Purge(context.Background(), "g1"))
	assert.Equal(t, []string{"purge", "destroy"}, order)
}

func TestDestroy(t *testing.T) {
	f := newFixture(t)

	var destroys int
	b := f.binder(t, []extension.Registration{{
		Key: "res",
		New: func(context.Context, *extension.FactoryContext) (*extension.Extension, error) {
			return &extension.Extension{
				Destroy: func() error { destroys++; return nil },
			}, nil
		},
	}})

	_, err := b.Open(context.Background(), "g1")
	require.NoError(t, err)
	_, err = b.Open(context.Background(), "g2")
	require.NoError(t, err)

	require.NoError(t, b.Destroy())
	assert.Equal(t, 2, destroys)

	_, err = b.Open(context.Background(), "g3")
	assert.Error(t, err)

	require.NoError(t, b.Destroy())
}

func TestGuidIndexFollowsRowMoves(t *testing.T) {
	f := newFixture(t)

	cfg := f.config()
	cfg.Now = func() time.Time { return time.UnixMilli(42) }
	b := New(cfg)
	t.Cleanup(func() { _ = b.Destroy() })

	f.setRow("n1", "g1")
	h, err := b.Open(context.Background(), "g1")
	require.NoError(t, err)

	// The row's guid moves to another document; edits of the old one no
	// longer touch the row.
	f.setRow("n1", "g2")
	h.Doc().Seq("body").Push(json.RawMessage(`"edit"`))

	raw, _ := f.store.Get("n1")
	var row map[string]any
	require.NoError(t, json.Unmarshal(raw, &row))
	assert.NotContains(t, row, "updatedAt")
}
