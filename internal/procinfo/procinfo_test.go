package procinfo

import (
	"os"
	"os/exec"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestReadSelf(t *testing.T) {
	info, err := Read(os.Getpid())
	require.NoError(t, err)
	assert.Equal(t, uint64(os.Geteuid()), info.EffectiveUID)
	assert.Equal(t, uint64(os.Getegid()), info.EffectiveGID)
	assert.Equal(t, int64(os.Getppid()), info.PPid)
	assert.NotZero(t, info.Threads)
	assert.False(t, info.Stopped())
}

func TestReadStopped(t *testing.T) {
	cmd := exec.Command("sleep", "100")
	require.NoError(t, cmd.Start())
	defer func() {
		_ = cmd.Process.Kill()
		_ = cmd.Wait()
	}()

	require.NoError(t, cmd.Process.Signal(syscall.SIGSTOP))
	require.Eventually(t, func() bool {
		info, err := Read(cmd.Process.Pid)
		return err == nil && info.Stopped()
	}, 5*time.Second, 10*time.Millisecond)

	info, err := Read(cmd.Process.Pid)
	require.NoError(t, err)
	assert.Equal(t, "sleep", info.Comm)
}

func TestReadMissing(t *testing.T) {
	_, err := Reader{Root: t.TempDir()}.Read(1)
	assert.Error(t, err)
}
