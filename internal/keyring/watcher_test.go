package keyring

import (
	"os"
	"path/filepath"
	"sync/atomic"
	"syscall"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func quietLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetLevel(logrus.ErrorLevel)
	return logger
}

func TestNewWatcher(t *testing.T) {
	id, err := Generate()
	require.NoError(t, err)

	// No path: SIGHUP-only mode.
	w, err := NewWatcher("", id, quietLogger())
	require.NoError(t, err)
	assert.Same(t, id, w.Current())
	w.Stop()

	// With a real identity file.
	path := filepath.Join(t.TempDir(), "identity.json")
	require.NoError(t, id.Save(path))
	w, err = NewWatcher(path, id, quietLogger())
	require.NoError(t, err)
	w.Stop()
}

func TestWatcherFileReload(t *testing.T) {
	first, err := Generate()
	require.NoError(t, err)

	path := filepath.Join(t.TempDir(), "identity.json")
	require.NoError(t, first.Save(path))

	w, err := NewWatcher(path, first, quietLogger())
	require.NoError(t, err)
	defer w.Stop()

	var reloads int64
	w.SetOnReloadCallback(func(old, new *Identity) error {
		atomic.AddInt64(&reloads, 1)
		return nil
	})

	go w.Start()
	time.Sleep(100 * time.Millisecond)

	second, err := Generate()
	require.NoError(t, err)
	require.NoError(t, second.Save(path))

	require.Eventually(t, func() bool {
		return atomic.LoadInt64(&reloads) >= 1
	}, 2*time.Second, 20*time.Millisecond, "reload callback should fire after the file changes")

	assert.Equal(t, second.KXPublicKey(), w.Current().KXPublicKey())
}

func TestWatcherKeepsIdentityOnBadFile(t *testing.T) {
	first, err := Generate()
	require.NoError(t, err)

	path := filepath.Join(t.TempDir(), "identity.json")
	require.NoError(t, first.Save(path))

	w, err := NewWatcher(path, first, quietLogger())
	require.NoError(t, err)
	defer w.Stop()

	go w.Start()
	time.Sleep(100 * time.Millisecond)

	// Corrupt the file: the watcher must keep serving the previous identity.
	require.NoError(t, os.WriteFile(path, []byte("garbage"), 0600))
	time.Sleep(300 * time.Millisecond)

	assert.Equal(t, first.KXPublicKey(), w.Current().KXPublicKey())
}

func TestWatcherSIGHUP(t *testing.T) {
	first, err := Generate()
	require.NoError(t, err)

	path := filepath.Join(t.TempDir(), "identity.json")
	require.NoError(t, first.Save(path))

	w, err := NewWatcher(path, first, quietLogger())
	require.NoError(t, err)
	defer w.Stop()

	var reloads int64
	w.SetOnReloadCallback(func(old, new *Identity) error {
		atomic.AddInt64(&reloads, 1)
		return nil
	})

	go w.Start()
	time.Sleep(100 * time.Millisecond)

	second, err := Generate()
	require.NoError(t, err)
	require.NoError(t, second.Save(path))

	process, err := os.FindProcess(os.Getpid())
	require.NoError(t, err)
	require.NoError(t, process.Signal(syscall.SIGHUP))

	require.Eventually(t, func() bool {
		return atomic.LoadInt64(&reloads) >= 1
	}, 2*time.Second, 20*time.Millisecond)
}
