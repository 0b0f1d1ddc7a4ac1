package stream

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/sacexec/sace/launcher"
	"github.com/sacexec/sace/service"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func watchService(t *testing.T, cmd string) (*Watch, *service.Service) {
	sup := service.NewSupervisor(context.Background(),
		service.WithLauncher(launcher.New()),
		service.WithStopTimeout(2*time.Second),
	)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		assert.NoError(t, sup.Shutdown(ctx))
	})
	svc, _, err := sup.Check(service.Definition{Name: "svc", Command: cmd})
	require.NoError(t, err)

	srv := &Server{Log: zap.NewNop().Sugar()}
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		srv.ServeWatch(w, r, svc)
	}))
	t.Cleanup(ts.Close)

	client := &Client{HTTPClient: ts.Client(), Logger: zap.NewNop().Sugar()}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	w, err := client.Watch(ctx, ts.URL)
	require.NoError(t, err)
	t.Cleanup(func() { w.Close() })
	return w, svc
}

func next(t *testing.T, w *Watch) service.Info {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	info, err := w.Next(ctx)
	require.NoError(t, err)
	return info
}

func TestWatchControl(t *testing.T) {
	w, svc := watchService(t, "sleep 100")

	info := next(t, w)
	assert.Equal(t, "svc", info.Name)
	assert.Equal(t, service.StateRunning, info.State)
	assert.NotZero(t, info.Pid)

	steps := []struct {
		name     string
		op       func() bool
		expState service.State
	}{
		{name: "pause", op: svc.Pause, expState: service.StatePaused},
		{name: "resume", op: svc.Resume, expState: service.StateRunning},
		{name: "stop", op: svc.Stop, expState: service.StateStopped},
	}
	for _, s := range steps {
		require.True(t, s.op(), s.name)
		info := next(t, w)
		assert.Equal(t, s.expState, info.State, s.name)
		assert.Equal(t, s.expState.String(), info.StateName, s.name)
	}
}

func TestWatchReportsExit(t *testing.T) {
	w, _ := watchService(t, "sh -c 'sleep 0.2; exit 3'")

	var info service.Info
	for !info.State.Terminal() {
		info = next(t, w)
	}
	assert.Equal(t, service.StateFailed, info.State)
	require.NotNil(t, info.ExitCode)
	assert.Equal(t, 3, *info.ExitCode)
}
