package command

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/sacexec/sace/errdefs"
	"github.com/sacexec/sace/launcher"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func spawn(t *testing.T, cmd string, dir launcher.Direction) *Handle {
	l := launcher.New(launcher.WithShell("/bin/sh"))
	p, err := l.Spawn(cmd, nil, dir)
	require.NoError(t, err)
	h := New(p, dir)
	t.Cleanup(h.Destroy)
	return h
}

func wait(t *testing.T, h *Handle) launcher.Exit {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	exit, err := h.Wait(ctx)
	require.NoError(t, err)
	return exit
}

func TestOutputHandle(t *testing.T) {
	h := spawn(t, "echo hello; echo world >&2", launcher.DirectionOutput)

	b, err := io.ReadAll(h)
	require.NoError(t, err)
	assert.Equal(t, "hello\nworld\n", string(b))

	n, err := h.Read(make([]byte, 8))
	assert.Equal(t, 0, n)
	assert.ErrorIs(t, err, io.EOF)

	_, err = h.Write([]byte("nope"))
	assert.ErrorIs(t, err, errdefs.ErrUnsupportedOperation)

	assert.True(t, wait(t, h).Success())
}

func TestInputHandle(t *testing.T) {
	out := filepath.Join(t.TempDir(), "stdin")
	h := spawn(t, "cat > "+out, launcher.DirectionInput)

	_, err := h.Read(make([]byte, 8))
	assert.ErrorIs(t, err, errdefs.ErrUnsupportedOperation)

	n, err := h.Write([]byte("forwarded"))
	require.NoError(t, err)
	assert.Equal(t, 9, n)
	require.NoError(t, h.Close())

	assert.True(t, wait(t, h).Success())
	b, err := os.ReadFile(out)
	require.NoError(t, err)
	assert.Equal(t, "forwarded", string(b))
}

func TestClose(t *testing.T) {
	cases := []struct {
		name string
		dir  launcher.Direction
		cmd  string
	}{
		{name: "output", dir: launcher.DirectionOutput, cmd: "sleep 0.1"},
		{name: "input", dir: launcher.DirectionInput, cmd: "cat"},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			h := spawn(t, c.cmd, c.dir)
			require.NoError(t, h.Close())
			require.NoError(t, h.Close())
			assert.True(t, h.Closed())

			_, err := h.Read(make([]byte, 4))
			assert.ErrorIs(t, err, errdefs.ErrStreamClosed)
			_, err = h.Write([]byte("x"))
			assert.ErrorIs(t, err, errdefs.ErrStreamClosed)

			// closing never kills the child: cat sees EOF and sleep finishes on its own
			exit := wait(t, h)
			assert.False(t, exit.Signaled())
		})
	}
}

func TestCloseDoesNotSignalChild(t *testing.T) {
	h := spawn(t, "sleep 0.3; exit 4", launcher.DirectionOutput)
	require.NoError(t, h.Close())

	_, exited := h.Exited()
	assert.False(t, exited)

	exit := wait(t, h)
	assert.Equal(t, 4, exit.Code)
}

func TestFlushAndMark(t *testing.T) {
	h := spawn(t, "cat", launcher.DirectionInput)
	assert.ErrorIs(t, h.Flush(), errdefs.ErrUnsupportedOperation)
	assert.False(t, h.MarkSupported())
	assert.Equal(t, launcher.DirectionInput, h.Direction())
	assert.NotZero(t, h.Pid())
}

func TestDestroy(t *testing.T) {
	h := spawn(t, "cat", launcher.DirectionInput)
	h.Destroy()
	h.Destroy()
	assert.True(t, h.Destroyed())
	assert.True(t, h.Closed())

	_, err := h.Write([]byte("x"))
	assert.ErrorIs(t, err, errdefs.ErrStreamClosed)

	// the detached child still gets reaped
	assert.True(t, wait(t, h).Success())
}
