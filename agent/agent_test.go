package agent

import (
	"context"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/hashicorp/go-retryablehttp"
	"github.com/sacexec/sace/credential"
	"github.com/sacexec/sace/errdefs"
	"github.com/sacexec/sace/executor"
	"github.com/sacexec/sace/service"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/syndtr/gocapability/capability"
	"go.uber.org/zap"
)

type noPrivileges struct{}

func (noPrivileges) Has(capability.CapType, capability.Cap) (bool, error) { return false, nil }

// socketPath returns a short path, unix socket paths are limited to 108 bytes.
func socketPath(t *testing.T) string {
	dir, err := os.MkdirTemp("", "saced")
	require.NoError(t, err)
	t.Cleanup(func() { os.RemoveAll(dir) })
	return filepath.Join(dir, "saced.sock")
}

func startServer(t *testing.T) (*Server, *Client) {
	sock := socketPath(t)
	e := executor.New(
		executor.WithResolver(credential.NewResolver(credential.WithPrivileges(noPrivileges{}))),
		executor.WithSupervisorOptions(service.WithStopTimeout(2*time.Second)),
	)
	srv := NewServer(executor.NewTable(e), WithSocket(sock))
	require.NoError(t, srv.Listen())
	go srv.Serve()
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		assert.NoError(t, srv.Stop(ctx))
		assert.NoError(t, e.Shutdown(ctx))
	})

	client, err := NewClient(zap.NewNop().Sugar(), sock)
	require.NoError(t, err)
	return srv, client
}

func testCtx(t *testing.T) context.Context {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func TestHeartbeat(t *testing.T) {
	srv, client := startServer(t)
	ctx := testCtx(t)

	require.NoError(t, client.WaitForServer(ctx))
	resp, err := client.SendHeartbeat(ctx)
	require.NoError(t, err)
	assert.Equal(t, srv.InstanceID(), resp.InstanceID)

	fi, err := os.Stat(client.socketPath)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(DefaultSocketMode), fi.Mode().Perm())
}

func TestListenReplacesStaleSocket(t *testing.T) {
	sock := socketPath(t)
	require.NoError(t, os.WriteFile(sock, nil, 0o600))

	srv := NewServer(executor.NewTable(executor.New()), WithSocket(sock), WithSocketMode(0o600))
	require.NoError(t, srv.Listen())
	go srv.Serve()

	client, err := NewClient(zap.NewNop().Sugar(), sock)
	require.NoError(t, err)
	_, err = client.SendHeartbeat(testCtx(t))
	require.NoError(t, err)

	require.NoError(t, srv.Stop(testCtx(t)))
	_, err = os.Stat(sock)
	assert.ErrorIs(t, err, os.ErrNotExist)
}

func TestClientNoServer(t *testing.T) {
	client, err := NewClient(zap.NewNop().Sugar(), socketPath(t), WithCustomizeRetryableClient(func(r *retryablehttp.Client) {
		r.RetryMax = 1
	}))
	require.NoError(t, err)
	_, err = client.SendHeartbeat(testCtx(t))
	require.Error(t, err)
}

func TestRun(t *testing.T) {
	_, client := startServer(t)
	ctx := testCtx(t)

	ok, err := client.Run(ctx, "true", credential.NewParam())
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = client.Run(ctx, "false", credential.NewParam())
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestRemoteErrors(t *testing.T) {
	_, client := startServer(t)
	ctx := testCtx(t)

	_, err := client.Run(ctx, "true", nil)
	assert.ErrorIs(t, err, errdefs.ErrInvalidArgument)

	p := credential.NewParam()
	p.UID = os.Geteuid() + 1
	_, err = client.RunCommand(ctx, "true", false, p)
	assert.ErrorIs(t, err, errdefs.ErrPermissionDenied)

	_, err = client.RunCommand(ctx, "", false, credential.NewParam())
	assert.ErrorIs(t, err, errdefs.ErrInvalidArgument)

	_, err = client.CheckService(ctx, "svc", "sleep 1", credential.NewParam(), "sometimes")
	assert.ErrorIs(t, err, errdefs.ErrInvalidArgument)

	_, err = client.send(ctx, "close", http.MethodPost, "/command/abc/close", nil)
	assert.ErrorIs(t, err, errdefs.ErrInvalidArgument)

	_, err = client.send(ctx, "close", http.MethodPost, "/command/12345/close", nil)
	assert.ErrorIs(t, err, errdefs.ErrNotFound)

	var statusErr *StatusError
	require.ErrorAs(t, err, &statusErr)
	assert.Equal(t, http.StatusNotFound, statusErr.Code)
}

func TestRemoteCommandOutput(t *testing.T) {
	_, client := startServer(t)
	ctx := testCtx(t)

	cmd, err := client.RunCommand(ctx, "echo hello", false, credential.NewParam())
	require.NoError(t, err)
	assert.Equal(t, "output", cmd.Direction)
	assert.NotZero(t, cmd.Pid)
	assert.False(t, cmd.MarkSupported())

	out, err := io.ReadAll(cmd)
	require.NoError(t, err)
	assert.Equal(t, "hello\n", string(out))

	_, err = cmd.Write([]byte("x"))
	assert.ErrorIs(t, err, errdefs.ErrUnsupportedOperation)
	assert.ErrorIs(t, cmd.Flush(ctx), errdefs.ErrUnsupportedOperation)

	res, err := cmd.Wait(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, res.ExitCode)
	assert.False(t, res.Signaled)

	require.NoError(t, cmd.Close())
	require.NoError(t, cmd.Close())
	_, err = cmd.Read(make([]byte, 8))
	assert.ErrorIs(t, err, errdefs.ErrStreamClosed)

	require.NoError(t, cmd.Destroy(ctx))
	_, err = cmd.Read(make([]byte, 8))
	assert.ErrorIs(t, err, errdefs.ErrNotFound)
}

func TestRemoteCommandInput(t *testing.T) {
	_, client := startServer(t)
	ctx := testCtx(t)
	out := filepath.Join(t.TempDir(), "out")

	cmd, err := client.RunCommand(ctx, "sh -c 'cat > "+out+"'", true, credential.NewParam())
	require.NoError(t, err)
	assert.Equal(t, "input", cmd.Direction)
	defer cmd.Destroy(ctx)

	_, err = cmd.Read(make([]byte, 8))
	assert.ErrorIs(t, err, errdefs.ErrUnsupportedOperation)

	n, err := cmd.Write([]byte("from the client"))
	require.NoError(t, err)
	assert.Equal(t, 15, n)
	require.NoError(t, cmd.Close())

	_, err = cmd.Write([]byte("late"))
	assert.ErrorIs(t, err, errdefs.ErrStreamClosed)

	res, err := cmd.Wait(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, res.ExitCode)

	b, err := os.ReadFile(out)
	require.NoError(t, err)
	assert.Equal(t, "from the client", string(b))
}

func TestRemoteCommandStream(t *testing.T) {
	_, client := startServer(t)
	ctx := testCtx(t)

	cmd, err := client.RunCommand(ctx, "sh -c 'echo streamed; exit 3'", false, credential.NewParam())
	require.NoError(t, err)
	defer cmd.Destroy(ctx)

	s, err := cmd.Stream(ctx)
	require.NoError(t, err)
	defer s.Close()

	out, err := io.ReadAll(s)
	require.NoError(t, err)
	assert.Equal(t, "streamed\n", string(out))

	res, err := s.Wait(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, res.ExitCode)
}

func TestRemoteService(t *testing.T) {
	_, client := startServer(t)
	ctx := testCtx(t)

	svc, err := client.CheckService(ctx, "sleeper", "sleep 30", credential.NewParam(), "never")
	require.NoError(t, err)
	assert.Equal(t, "sleeper", svc.Name())
	assert.Equal(t, "sleep 30", svc.Cmd())

	state, err := svc.State(ctx)
	require.NoError(t, err)
	assert.Equal(t, service.StateRunning, state)

	ok, err := svc.Pause(ctx)
	require.NoError(t, err)
	assert.True(t, ok)
	state, err = svc.State(ctx)
	require.NoError(t, err)
	assert.Equal(t, service.StatePaused, state)

	ok, err = svc.Resume(ctx)
	require.NoError(t, err)
	assert.True(t, ok)

	infos, err := client.Services(ctx)
	require.NoError(t, err)
	require.Len(t, infos, 1)
	assert.Equal(t, "sleeper", infos[0].Name)
	assert.Equal(t, "running", infos[0].StateName)

	ok, err = svc.Restart(ctx)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = svc.Stop(ctx)
	require.NoError(t, err)
	assert.True(t, ok)
	ok, err = svc.Stop(ctx)
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, svc.Destroy(ctx))
	_, err = svc.Info(ctx)
	assert.ErrorIs(t, err, errdefs.ErrNotFound)
}

func TestRemoteServiceReattach(t *testing.T) {
	_, client := startServer(t)
	ctx := testCtx(t)

	first, err := client.CheckService(ctx, "sleeper", "sleep 30", credential.NewParam(), "")
	require.NoError(t, err)
	second, err := client.CheckService(ctx, "sleeper", "sleep 30", credential.NewParam(), "")
	require.NoError(t, err)
	assert.NotEqual(t, first.Handle, second.Handle)

	a, err := first.Info(ctx)
	require.NoError(t, err)
	b, err := second.Info(ctx)
	require.NoError(t, err)
	assert.Equal(t, a.Pid, b.Pid)

	found, err := client.LookupService(ctx, "sleeper")
	require.NoError(t, err)
	assert.Equal(t, "sleep 30", found.Cmd())
	require.NoError(t, found.Destroy(ctx))

	_, err = client.LookupService(ctx, "nope")
	assert.ErrorIs(t, err, errdefs.ErrNotFound)

	// destroying one handle leaves the service and the other handle alone
	require.NoError(t, first.Destroy(ctx))
	state, err := second.State(ctx)
	require.NoError(t, err)
	assert.Equal(t, service.StateRunning, state)
}

func TestRemoteServiceWatch(t *testing.T) {
	_, client := startServer(t)
	ctx := testCtx(t)

	svc, err := client.CheckService(ctx, "watched", "sleep 30", credential.NewParam(), "")
	require.NoError(t, err)
	defer svc.Destroy(ctx)

	w, err := svc.Watch(ctx)
	require.NoError(t, err)
	defer w.Close()

	info, err := w.Next(ctx)
	require.NoError(t, err)
	assert.Equal(t, service.StateRunning, info.State)

	ok, err := svc.Pause(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	info, err = w.Next(ctx)
	require.NoError(t, err)
	assert.Equal(t, service.StatePaused, info.State)

	ok, err = svc.Stop(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	info, err = w.Next(ctx)
	require.NoError(t, err)
	assert.Equal(t, service.StateStopped, info.State)
}
