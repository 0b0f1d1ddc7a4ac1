package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/sacexec/sace/credential"
	"github.com/sacexec/sace/errdefs"
	"github.com/sacexec/sace/service"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const fullConfig = `
socket: /tmp/saced.sock
socket_mode: "0600"
pid_file: /tmp/saced.pid
log_level: debug
stop_timeout: 3s
shell: /bin/sh
service_output: log
services:
  - name: web
    cmd: httpd -f
    uid: 33
    gids: [33, 4]
    capabilities: [net_bind_service]
    restart: on-failure
  - name: ticker
    cmd: sleep 100
`

func TestParse(t *testing.T) {
	c, err := Parse([]byte(fullConfig))
	require.NoError(t, err)

	assert.Equal(t, "/tmp/saced.sock", c.Socket)
	mode, err := c.Mode()
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), mode)
	assert.Equal(t, "/tmp/saced.pid", c.PidFile)
	assert.Equal(t, "debug", c.LogLevel)
	assert.Equal(t, 3*time.Second, c.StopTimeout)
	assert.Equal(t, "/bin/sh", c.Shell)
	assert.Equal(t, OutputLog, c.ServiceOutput)
	require.Len(t, c.Services, 2)

	web, ok := c.Service("web")
	require.True(t, ok)
	assert.Equal(t, service.RestartOnFailure, web.RestartPolicy())
	assert.Equal(t, &credential.Param{
		Version:      credential.ParamVersion1,
		UID:          33,
		GIDs:         []int{33, 4},
		Capabilities: []string{"net_bind_service"},
	}, web.Param())

	ticker, ok := c.Service("ticker")
	require.True(t, ok)
	assert.Equal(t, service.RestartNever, ticker.RestartPolicy())
	assert.Equal(t, credential.UnsetUID, ticker.Param().UID)

	_, ok = c.Service("missing")
	assert.False(t, ok)
}

func TestParseDefaults(t *testing.T) {
	c, err := Parse(nil)
	require.NoError(t, err)
	assert.Equal(t, Default(), c)
}

func TestParseErrors(t *testing.T) {
	cases := []struct {
		name   string
		doc    string
		expErr error
	}{
		{
			name:   "duplicate service",
			doc:    "services: [{name: a, cmd: x}, {name: a, cmd: y}]",
			expErr: errdefs.ErrExists,
		},
		{
			name:   "missing name",
			doc:    "services: [{cmd: x}]",
			expErr: errdefs.ErrInvalidArgument,
		},
		{
			name:   "missing cmd",
			doc:    "services: [{name: a}]",
			expErr: errdefs.ErrInvalidArgument,
		},
		{
			name:   "bad restart policy",
			doc:    "services: [{name: a, cmd: x, restart: sometimes}]",
			expErr: errdefs.ErrInvalidArgument,
		},
		{
			name:   "negative gid",
			doc:    "services: [{name: a, cmd: x, gids: [-2]}]",
			expErr: errdefs.ErrInvalidArgument,
		},
		{
			name:   "bad socket mode",
			doc:    "socket_mode: rw-rw----",
			expErr: errdefs.ErrInvalidArgument,
		},
		{
			name:   "bad service output",
			doc:    "service_output: syslog",
			expErr: errdefs.ErrInvalidArgument,
		},
		{
			name: "unknown key",
			doc:  "sockt: /tmp/x",
		},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			_, err := Parse([]byte(c.doc))
			require.Error(t, err)
			if c.expErr != nil {
				assert.ErrorIs(t, err, c.expErr)
			}
		})
	}
}

func TestLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "saced.yaml")
	require.NoError(t, os.WriteFile(path, []byte(fullConfig), 0o644))

	c, err := Load(path)
	require.NoError(t, err)
	assert.Len(t, c.Services, 2)

	_, err = Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.ErrorIs(t, err, os.ErrNotExist)
}
