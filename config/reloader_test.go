package config

import (
	"context"
	"os"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func touch(t *testing.T, path, content string, mod time.Time) {
	t.Helper()
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	require.NoError(t, os.Chtimes(path, mod, mod))
}

func TestNewReloader_RequiresPath(t *testing.T) {
	_, err := NewReloader(NewLoader(), time.Second, nil)
	assert.Error(t, err)
}

func TestReloader_Check(t *testing.T) {
	path := writeConfig(t, "log:\n  level: info\n")
	base := time.Now().Add(-time.Hour)
	require.NoError(t, os.Chtimes(path, base, base))

	r, err := NewReloader(NewLoader().WithConfigPath(path), time.Second, zap.NewNop())
	require.NoError(t, err)

	var got *Config
	r.OnReload(func(c *Config) { got = c })

	changed, err := r.Check()
	require.NoError(t, err)
	assert.False(t, changed)
	assert.Nil(t, got)

	touch(t, path, "log:\n  level: debug\n", base.Add(time.Minute))
	changed, err = r.Check()
	require.NoError(t, err)
	assert.True(t, changed)
	require.NotNil(t, got)
	assert.Equal(t, "debug", got.Log.Level)

	// unchanged mod time is not reloaded twice
	got = nil
	changed, err = r.Check()
	require.NoError(t, err)
	assert.False(t, changed)
	assert.Nil(t, got)
}

func TestReloader_RejectsInvalidConfig(t *testing.T) {
	path := writeConfig(t, "log:\n  level: info\n")
	base := time.Now().Add(-time.Hour)
	require.NoError(t, os.Chtimes(path, base, base))

	r, err := NewReloader(NewLoader().WithConfigPath(path), time.Second, nil)
	require.NoError(t, err)

	var calls atomic.Int32
	r.OnReload(func(*Config) { calls.Add(1) })

	touch(t, path, "store:\n  type: etcd\n", base.Add(time.Minute))
	changed, err := r.Check()
	assert.Error(t, err)
	assert.False(t, changed)

	touch(t, path, "server: [broken", base.Add(2*time.Minute))
	_, err = r.Check()
	assert.Error(t, err)
	assert.Equal(t, int32(0), calls.Load())
}

func TestReloader_RunStopsWithContext(t *testing.T) {
	path := writeConfig(t, "log:\n  level: info\n")
	base := time.Now().Add(-time.Hour)
	require.NoError(t, os.Chtimes(path, base, base))

	r, err := NewReloader(NewLoader().WithConfigPath(path), 10*time.Millisecond, nil)
	require.NoError(t, err)

	reloaded := make(chan string, 1)
	r.OnReload(func(c *Config) {
		select {
		case reloaded <- c.Log.Level:
		default:
		}
	})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		r.Run(ctx)
		close(done)
	}()

	touch(t, path, "log:\n  level: warn\n", base.Add(time.Minute))
	select {
	case level := <-reloaded:
		assert.Equal(t, "warn", level)
	case <-time.After(2 * time.Second):
		t.Fatal("reload not observed")
	}

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run did not return after cancel")
	}
}
