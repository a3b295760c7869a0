package service_test

import (
	"testing"
	"time"

	"github.com/polardev/chatstack/internal/model"
	"github.com/polardev/chatstack/internal/service"
	"github.com/stretchr/testify/require"
)

func TestRegistry(t *testing.T) {
	t.Parallel()
	sh := lookSh(t)
	mux, _ := newMux(t)
	target := openStream(t, mux, "sleeper")
	m := marker()

	cfg := model.DefaultConfig()
	registry := service.NewRegistry()
	launcher := service.NewLauncher(registry, mux, cfg, nil)

	spec := model.ServiceSpec{
		Name:   target.Name,
		Tag:    target.Tag,
		Binary: sh,
		Args:   []string{"-c", "sleep 30; exit 0", m},
		Match:  shPattern(m),
		TmpLog: target.TmpLog,
		Output: model.OutputStream,
	}
	status, h, err := launcher.Launch(t.Context(), spec)
	require.NoError(t, err)
	require.Equal(t, service.Started, status)
	t.Cleanup(func() { _ = h.Stop(t.Context(), time.Second) })

	got, ok := registry.Get(spec.Name)
	require.True(t, ok)
	require.Same(t, h, got)
	require.Equal(t, 1, registry.Len())
	require.Len(t, h.TaskIDs(), 1)
	require.NotEmpty(t, h.ID)

	t.Run("running by pattern", func(t *testing.T) {
		_, h2, err := service.NewLauncher(service.NewRegistry(), mux, cfg, nil).Launch(t.Context(), spec)
		require.NoError(t, err)
		require.Nil(t, h2, "found running by pattern, nothing started")
	})

	require.NoError(t, h.Stop(t.Context(), time.Second))
	require.False(t, h.Alive())
	require.Empty(t, h.TaskIDs())

	t.Run("remove", func(t *testing.T) {
		other := service.NewRegistry()
		require.False(t, other.Remove(h))
		require.True(t, registry.Remove(h))
		require.False(t, registry.Remove(h))
		require.Zero(t, registry.Len())
		require.Empty(t, registry.All())
	})
}
