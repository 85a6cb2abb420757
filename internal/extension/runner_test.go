package extension

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/driftdoc/driftdoc/internal/crdt"
)

func testDoc() *crdt.Doc { return crdt.NewDocWithActor("test-actor") }

func noopFactory(mark *bool) Factory {
	return func(ctx context.Context, fc *FactoryContext) (*Extension, error) {
		*mark = true
		return &Extension{}, nil
	}
}

func TestRun_InstallsInOrder(t *testing.T) {
	var order []string
	reg := func(key string) Registration {
		return Registration{Key: key, New: func(ctx context.Context, fc *FactoryContext) (*Extension, error) {
			order = append(order, key)
			return &Extension{}, nil
		}}
	}

	s, err := Run(context.Background(), testDoc(), []Registration{reg("a"), reg("b"), reg("c")}, NewStack(nil))
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b", "c"}, order)
	assert.Equal(t, 3, s.Len())
}

func TestRun_NilExtensionMeansNotInstalled(t *testing.T) {
	skip := Registration{Key: "skip", New: func(ctx context.Context, fc *FactoryContext) (*Extension, error) {
		return nil, nil
	}}

	s, err := Run(context.Background(), testDoc(), []Registration{skip}, NewStack(nil))
	require.NoError(t, err)
	assert.Equal(t, 0, s.Len())
}

func TestRun_FactorySeesPriorExports(t *testing.T) {
	first := Registration{Key: "first", New: func(ctx context.Context, fc *FactoryContext) (*Extension, error) {
		return &Extension{Exports: "hello"}, nil
	}}

	var seen any
	var sawOwnKeyEarly bool
	second := Registration{Key: "second", New: func(ctx context.Context, fc *FactoryContext) (*Extension, error) {
		seen = fc.Exports["first"]
		_, sawOwnKeyEarly = fc.Exports["second"]
		return &Extension{Exports: 42}, nil
	}}

	s, err := Run(context.Background(), testDoc(), []Registration{first, second}, NewStack(nil))
	require.NoError(t, err)
	assert.Equal(t, "hello", seen)
	assert.False(t, sawOwnKeyEarly, "factory N must only observe registrations 0..N-1")
	assert.Equal(t, 42, s.Exports()["second"])
}

// Factory #3 of 5 fails: #2 then #1 are torn down in that order, #4 and
// #5 never run.
func TestRun_FactoryErrorUnwindsLIFO(t *testing.T) {
	var destroyed []string
	ok := func(key string) Registration {
		return Registration{Key: key, New: func(ctx context.Context, fc *FactoryContext) (*Extension, error) {
			return &Extension{Destroy: func() error {
				destroyed = append(destroyed, key)
				return nil
			}}, nil
		}}
	}
	boom := errors.New("factory exploded")
	failing := Registration{Key: "three", New: func(ctx context.Context, fc *FactoryContext) (*Extension, error) {
		return nil, boom
	}}
	ranLater := false

	_, err := Run(context.Background(), testDoc(), []Registration{
		ok("one"), ok("two"), failing, noopReg("four", &ranLater), noopReg("five", &ranLater),
	}, NewStack(nil))

	require.ErrorIs(t, err, boom)
	assert.Equal(t, []string{"two", "one"}, destroyed)
	assert.False(t, ranLater, "factories after the failure must never run")
}

func noopReg(key string, mark *bool) Registration {
	return Registration{Key: key, New: noopFactory(mark)}
}

func TestRun_UnwindsCarriedStageToo(t *testing.T) {
	var destroyed []string
	ok := func(key string) Registration {
		return Registration{Key: key, New: func(ctx context.Context, fc *FactoryContext) (*Extension, error) {
			return &Extension{Destroy: func() error {
				destroyed = append(destroyed, key)
				return nil
			}}, nil
		}}
	}

	base, err := Run(context.Background(), testDoc(), []Registration{ok("ws-1"), ok("ws-2")}, NewStack(nil))
	require.NoError(t, err)

	failing := Registration{Key: "doc-1", New: func(ctx context.Context, fc *FactoryContext) (*Extension, error) {
		return nil, errors.New("nope")
	}}
	_, err = Run(context.Background(), testDoc(), []Registration{failing}, base)

	require.Error(t, err)
	assert.Equal(t, []string{"ws-2", "ws-1"}, destroyed, "carried-over extensions unwind too")
}

func TestRun_TeardownErrorDoesNotMaskOriginal(t *testing.T) {
	badDestroy := Registration{Key: "fragile", New: func(ctx context.Context, fc *FactoryContext) (*Extension, error) {
		return &Extension{Destroy: func() error { return errors.New("teardown also failed") }}, nil
	}}
	boom := errors.New("the real problem")
	failing := Registration{Key: "boom", New: func(ctx context.Context, fc *FactoryContext) (*Extension, error) {
		return nil, boom
	}}

	_, err := Run(context.Background(), testDoc(), []Registration{badDestroy, failing}, NewStack(nil))
	require.ErrorIs(t, err, boom)
	assert.NotContains(t, err.Error(), "teardown also failed")
}

func TestAwait_JoinsReadiness(t *testing.T) {
	release := make(chan struct{})
	slow := Registration{Key: "slow", New: func(ctx context.Context, fc *FactoryContext) (*Extension, error) {
		return &Extension{WhenReady: func(ctx context.Context) error {
			<-release
			return nil
		}}, nil
	}}

	s, err := Run(context.Background(), testDoc(), []Registration{slow}, NewStack(nil))
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() { done <- s.Await(context.Background()) }()

	select {
	case <-done:
		t.Fatal("Await resolved before readiness")
	case <-time.After(20 * time.Millisecond):
	}

	close(release)
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("Await never resolved")
	}
}

func TestAwait_ReadinessFailureTearsDownLIFO(t *testing.T) {
	var destroyed []string
	ok := func(key string) Registration {
		return Registration{Key: key, New: func(ctx context.Context, fc *FactoryContext) (*Extension, error) {
			return &Extension{Destroy: func() error {
				destroyed = append(destroyed, key)
				return nil
			}}, nil
		}}
	}
	notReady := Registration{Key: "flaky", New: func(ctx context.Context, fc *FactoryContext) (*Extension, error) {
		return &Extension{
			WhenReady: func(ctx context.Context) error { return errors.New("handshake refused") },
			Destroy: func() error {
				destroyed = append(destroyed, "flaky")
				return nil
			},
		}, nil
	}}

	s, err := Run(context.Background(), testDoc(), []Registration{ok("a"), ok("b"), notReady}, NewStack(nil))
	require.NoError(t, err)

	err = s.Await(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "handshake refused")
	assert.Equal(t, []string{"flaky", "b", "a"}, destroyed)
}

func TestFactoryContext_AwaitCoversPriorOnly(t *testing.T) {
	first := Registration{Key: "ready-fast", New: func(ctx context.Context, fc *FactoryContext) (*Extension, error) {
		return &Extension{WhenReady: func(ctx context.Context) error { return nil }}, nil
	}}

	release := make(chan struct{})
	t.Cleanup(func() { close(release) })

	var awaitErr error
	second := Registration{Key: "waits", New: func(ctx context.Context, fc *FactoryContext) (*Extension, error) {
		awaitErr = fc.Await(ctx)
		// This extension's own pending readiness must not matter to the
		// Await it already performed.
		return &Extension{WhenReady: func(ctx context.Context) error {
			<-release
			return nil
		}}, nil
	}}

	_, err := Run(context.Background(), testDoc(), []Registration{first, second}, NewStack(nil))
	require.NoError(t, err)
	assert.NoError(t, awaitErr)
}

func TestDestroy_Idempotent(t *testing.T) {
	count := 0
	reg := Registration{Key: "once", New: func(ctx context.Context, fc *FactoryContext) (*Extension, error) {
		return &Extension{Destroy: func() error { count++; return nil }}, nil
	}}

	s, err := Run(context.Background(), testDoc(), []Registration{reg}, NewStack(nil))
	require.NoError(t, err)

	require.NoError(t, s.Destroy())
	require.NoError(t, s.Destroy())
	assert.Equal(t, 1, count)
}

func TestPurge_ReverseOrder(t *testing.T) {
	var purged []string
	reg := func(key string) Registration {
		return Registration{Key: key, New: func(ctx context.Context, fc *FactoryContext) (*Extension, error) {
			return &Extension{Purge: func() error {
				purged = append(purged, key)
				return nil
			}}, nil
		}}
	}

	s, err := Run(context.Background(), testDoc(), []Registration{reg("a"), reg("b")}, NewStack(nil))
	require.NoError(t, err)
	require.NoError(t, s.Purge())
	assert.Equal(t, []string{"b", "a"}, purged)
}

func TestTagsMatch(t *testing.T) {
	tests := []struct {
		name     string
		reg, tgt []string
		want     bool
	}{
		{"no tags fires always", nil, []string{"audio"}, true},
		{"no tags fires on untagged too", nil, nil, true},
		{"intersection fires", []string{"audio", "video"}, []string{"video"}, true},
		{"disjoint does not", []string{"audio"}, []string{"text"}, false},
		{"tagged never fires on untagged target", []string{"audio"}, nil, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, TagsMatch(tt.reg, tt.tgt))
		})
	}
}
