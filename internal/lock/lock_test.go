package lock

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aliou/osgrep/internal/oserr"
)

func TestAcquire_CreatesLockFile(t *testing.T) {
	dir := t.TempDir()

	l, err := Acquire(dir)
	require.NoError(t, err)
	defer l.Release()

	data, err := os.ReadFile(filepath.Join(dir, FileName))
	require.NoError(t, err)
	assert.Contains(t, string(data), fmt.Sprintf("%d\n", os.Getpid()))
}

func TestAcquire_HeldByLiveProcess(t *testing.T) {
	dir := t.TempDir()

	// Our own pid is definitely alive.
	content := fmt.Sprintf("%d\n%s", os.Getpid(), time.Now().UTC().Format(time.RFC3339))
	require.NoError(t, os.WriteFile(filepath.Join(dir, FileName), []byte(content), 0o644))

	_, err := Acquire(dir)
	require.Error(t, err)
	assert.True(t, errors.Is(err, oserr.New(oserr.CodeLockHeld, "")))

	var oe *oserr.Error
	require.True(t, errors.As(err, &oe))
	assert.Equal(t, fmt.Sprint(os.Getpid()), oe.Details["pid"])
}

func TestAcquire_ReclaimsStaleLock(t *testing.T) {
	dir := t.TempDir()

	// PID 1 is never signalable by a test process; use an absurd pid instead.
	content := "999999999\n2020-01-01T00:00:00Z"
	require.NoError(t, os.WriteFile(filepath.Join(dir, FileName), []byte(content), 0o644))

	l, err := Acquire(dir)
	require.NoError(t, err)
	defer l.Release()

	data, err := os.ReadFile(filepath.Join(dir, FileName))
	require.NoError(t, err)
	assert.Contains(t, string(data), fmt.Sprintf("%d\n", os.Getpid()))
}

func TestAcquire_ReclaimsCorruptLock(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, FileName), []byte("garbage"), 0o644))

	l, err := Acquire(dir)
	require.NoError(t, err)
	defer l.Release()
}

func TestRelease_Idempotent(t *testing.T) {
	dir := t.TempDir()

	l, err := Acquire(dir)
	require.NoError(t, err)

	require.NoError(t, l.Release())
	require.NoError(t, l.Release())
}

func TestRelease_NilReceiver(t *testing.T) {
	var l *Lock
	assert.NoError(t, l.Release())
}
