package errdefs

import (
	"errors"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestOpErrorIs(t *testing.T) {
	err := Spawn("spawn", "nosuchbinary --flag", io.ErrUnexpectedEOF)

	assert.ErrorIs(t, err, ErrSpawn)
	assert.ErrorIs(t, err, io.ErrUnexpectedEOF)
	assert.NotErrorIs(t, err, ErrStreamClosed)

	var opErr *OpError
	assert.True(t, errors.As(err, &opErr))
	assert.Equal(t, "spawn", opErr.Op)
	assert.Equal(t, `spawn "nosuchbinary --flag": spawn failed: unexpected EOF`, err.Error())
}

func TestOpErrorMessage(t *testing.T) {
	cases := []struct {
		name string
		err  error
		exp  string
	}{
		{
			name: "kind only",
			err:  StreamClosed("read", ""),
			exp:  "read: stream closed",
		},
		{
			name: "formatted cause",
			err:  InvalidArgument("resolve", "", "gid %d is negative", -3),
			exp:  "resolve: invalid argument: gid -3 is negative",
		},
		{
			name: "subject",
			err:  NotFound("service", "logcat"),
			exp:  `service "logcat": not found`,
		},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			assert.Equal(t, c.exp, c.err.Error())
		})
	}
}

func TestKindOf(t *testing.T) {
	assert.Equal(t, ErrPermissionDenied, KindOf(PermissionDenied("resolve", "", "")))
	assert.Equal(t, ErrUnsupportedOperation, KindOf(Unsupported("flush", "", "")))
	assert.Nil(t, KindOf(io.EOF))
	assert.Nil(t, KindOf(nil))
}
