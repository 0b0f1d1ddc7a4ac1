package config

import (
	"context"
	"testing"
	"time"

	"github.com/sacexec/sace/errdefs"
	"github.com/sacexec/sace/executor"
	"github.com/sacexec/sace/service"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestApply(t *testing.T) {
	log := zap.NewNop().Sugar()
	e := executor.New(executor.WithSupervisorOptions(service.WithStopTimeout(2 * time.Second)))
	defer func() {
		assert.NoError(t, e.Shutdown(context.Background()))
	}()

	first, err := Parse([]byte(`
services:
  - {name: keep, cmd: sleep 100}
  - {name: change, cmd: sleep 100}
  - {name: drop, cmd: sleep 100}
`))
	require.NoError(t, err)
	require.NoError(t, Apply(log, e, nil, first))
	require.Len(t, e.Services(), 3)

	keep, err := e.Service("keep")
	require.NoError(t, err)
	keepPid := keep.Pid()
	drop, err := e.Service("drop")
	require.NoError(t, err)

	// an ad-hoc service not owned by the config
	adhoc, err := e.CheckService("adhoc", "sleep 100", first.Services[0].Param())
	require.NoError(t, err)

	second, err := Parse([]byte(`
services:
  - {name: keep, cmd: sleep 100}
  - {name: change, cmd: sleep 200}
  - {name: added, cmd: sleep 100}
`))
	require.NoError(t, err)
	require.NoError(t, Apply(log, e, first, second))

	assert.Equal(t, keepPid, keep.Pid())
	assert.Equal(t, service.StateStopped, drop.State())
	_, err = e.Service("drop")
	assert.ErrorIs(t, err, errdefs.ErrNotFound)

	changed, err := e.Service("change")
	require.NoError(t, err)
	assert.Equal(t, "sleep 200", changed.Command())
	assert.Equal(t, service.StateRunning, changed.State())

	added, err := e.Service("added")
	require.NoError(t, err)
	assert.Equal(t, service.StateRunning, added.State())

	assert.Equal(t, service.StateRunning, adhoc.State())
}

func TestApplyReportsFailures(t *testing.T) {
	e := executor.New()
	defer e.Shutdown(context.Background())

	c, err := Parse([]byte(`
services:
  - {name: broken, cmd: /nonexistent/daemon}
  - {name: fine, cmd: sleep 100}
`))
	require.NoError(t, err)
	err = Apply(zap.NewNop().Sugar(), e, nil, c)
	assert.ErrorIs(t, err, errdefs.ErrSpawn)

	fine, err := e.Service("fine")
	require.NoError(t, err)
	assert.Equal(t, service.StateRunning, fine.State())
}
