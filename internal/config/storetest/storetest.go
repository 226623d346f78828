// Package storetest provides a shared conformance test suite for
// config.Store implementations. Each backend (memory, file) wires this
// suite to verify it satisfies the full Store contract.
package storetest

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"scriptqueue/internal/config"
)

// TestStore runs the full conformance suite against a Store
// implementation. newStore must return a fresh, empty store for each
// sub-test.
func TestStore(t *testing.T, newStore func(t *testing.T) config.Store) {
	t.Run("LoadEmpty", func(t *testing.T) {
		s := newStore(t)
		cfg, err := s.Load(context.Background())
		require.NoError(t, err)
		require.Nil(t, cfg)
	})

	t.Run("SaveThenLoad", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()

		want := &config.Config{
			ScriptRoots: config.ScriptRoots{Standard: "/opt/scripts/standard", External: "/opt/scripts/external"},
			Queue: config.QueueSettings{
				MaxHistory:     400,
				IndexMin:       1000,
				IndexMax:       999999999,
				PauseOnFailure: true,
			},
			Bus: config.RemoteBusConfig{
				Brokers:        []string{"tcp://localhost:1883"},
				ClientID:       "queuectl-test",
				ConnectTimeout: 10,
			},
		}

		require.NoError(t, s.Save(ctx, want))

		got, err := s.Load(ctx)
		require.NoError(t, err)
		require.NotNil(t, got)
		require.Equal(t, want, got)
	})

	t.Run("SaveOverwrites", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()

		first := &config.Config{ScriptRoots: config.ScriptRoots{Standard: "/a"}}
		second := &config.Config{ScriptRoots: config.ScriptRoots{Standard: "/b"}}

		require.NoError(t, s.Save(ctx, first))
		require.NoError(t, s.Save(ctx, second))

		got, err := s.Load(ctx)
		require.NoError(t, err)
		require.Equal(t, "/b", got.ScriptRoots.Standard)
	})
}
