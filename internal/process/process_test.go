package process

import (
	"net"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"tork-perf/internal/failure"
	"tork-perf/internal/readiness"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStopTwiceIsNoop(t *testing.T) {
	h, err := Start(Spec{Key: Key{"sleep", "client"}, Args: []string{"sleep", "30"}})
	require.NoError(t, err)

	require.NoError(t, h.Stop())
	require.NoError(t, h.Stop())
	assert.True(t, h.Exited())
	assert.True(t, h.Wait().Killed)
}

func TestStopExitedHandle(t *testing.T) {
	h, err := Start(Spec{Key: Key{"true", "client"}, Args: []string{"true"}})
	require.NoError(t, err)

	exited, info := h.WaitTimeout(5 * time.Second)
	require.True(t, exited)
	assert.Equal(t, 0, info.Code)
	assert.False(t, info.Killed)
	assert.NoError(t, h.Stop())
}

func TestWaitTimeoutExpires(t *testing.T) {
	h, err := Start(Spec{Key: Key{"sleep", "client"}, Args: []string{"sleep", "30"}})
	require.NoError(t, err)
	defer h.Stop()

	exited, _ := h.WaitTimeout(50 * time.Millisecond)
	assert.False(t, exited)
	assert.False(t, h.Exited())
}

func TestLogName(t *testing.T) {
	assert.Equal(t, "nethogs_bridge_3_2.txt", LogName("nethogs", "bridge", []string{"3"}, 2, ".txt"))
	assert.Equal(t, "tcpdump_client_720p.log", LogName("tcpdump", "client", []string{"", "720p"}, 0, ".log"))
}

func TestRegistryWritesRawLogs(t *testing.T) {
	dir := t.TempDir()
	reg := NewRegistry(dir)

	h, err := reg.Start(Key{"telemetry", "host_1"}, []string{"sh", "-c", "echo out; echo err >&2"}, Combined("telemetry.txt"))
	require.NoError(t, err)
	h.Wait()

	data, err := os.ReadFile(filepath.Join(dir, "telemetry.txt"))
	require.NoError(t, err)
	assert.Contains(t, string(data), "out")
	assert.Contains(t, string(data), "err")
}

func TestRegistryAppendsInsteadOfOverwriting(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "raw.log"), []byte("previous\n"), 0o644))
	reg := NewRegistry(dir)

	h, err := reg.Start(Key{"echo", "client"}, []string{"echo", "next"}, Combined("raw.log"))
	require.NoError(t, err)
	h.Wait()

	data, err := os.ReadFile(filepath.Join(dir, "raw.log"))
	require.NoError(t, err)
	assert.Equal(t, "previous\nnext\n", string(data))
}

func TestRegistryRejectsDuplicateLiveKey(t *testing.T) {
	reg := NewRegistry(t.TempDir())
	key := Key{"nethogs", "client"}

	_, err := reg.Start(key, []string{"sleep", "30"}, LogFiles{})
	require.NoError(t, err)
	defer reg.StopAll()

	_, err = reg.Start(key, []string{"sleep", "30"}, LogFiles{})
	assert.True(t, errors.Is(err, ErrDuplicate))
}

func TestRegistryReusesKeyAfterExit(t *testing.T) {
	reg := NewRegistry(t.TempDir())
	key := Key{"true", "client"}

	h, err := reg.Start(key, []string{"true"}, LogFiles{})
	require.NoError(t, err)
	h.Wait()

	_, err = reg.Start(key, []string{"true"}, LogFiles{})
	assert.NoError(t, err)
}

func TestRegistryStopAll(t *testing.T) {
	reg := NewRegistry(t.TempDir())
	for _, loc := range []string{"client", "bridge", "server"} {
		_, err := reg.Start(Key{"sleep", loc}, []string{"sleep", "30"}, LogFiles{})
		require.NoError(t, err)
	}
	require.Len(t, reg.Keys(), 3)

	errs := reg.StopAll()
	assert.Empty(t, errs)
	assert.Empty(t, reg.Keys())
	assert.NoError(t, reg.Stop(Key{"sleep", "client"}))
}

func TestRegistryKeepsHandleWhenKillFails(t *testing.T) {
	reg := NewRegistry(t.TempDir())
	key := Key{"sleep", "client"}
	h, err := reg.Start(key, []string{"sleep", "30"}, LogFiles{})
	require.NoError(t, err)

	kill := h.kill
	h.kill = func() error { return errors.New("operation not permitted") }
	require.Error(t, reg.Stop(key))
	assert.False(t, h.Exited())
	got, ok := reg.Get(key)
	require.True(t, ok)
	assert.Same(t, h, got)

	h.kill = kill
	assert.Empty(t, reg.StopAll())
	assert.True(t, h.Exited())
	assert.Empty(t, reg.Keys())
}

func TestRegistryConcurrentStop(t *testing.T) {
	reg := NewRegistry(t.TempDir())
	key := Key{"sleep", "client"}
	_, err := reg.Start(key, []string{"sleep", "30"}, LogFiles{})
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, reg.Stop(key))
		}()
	}
	wg.Wait()
	_, ok := reg.Get(key)
	assert.False(t, ok)
}

func TestStartChannelEarlyExitIsFatal(t *testing.T) {
	reg := NewRegistry(t.TempDir())
	opts := ChannelOptions{Liveness: 2 * time.Second, Port: 1}

	_, err := StartChannel(reg, Key{"channel", "client"}, []string{"false"}, LogFiles{}, opts)
	require.Error(t, err)
	assert.Equal(t, failure.KindSetup, failure.KindOf(err))
	assert.Empty(t, reg.Keys())
}

func TestStartChannelUnreachablePortIsFatal(t *testing.T) {
	reg := NewRegistry(t.TempDir())
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := ln.Addr().(*net.TCPAddr).Port
	ln.Close()

	opts := ChannelOptions{
		Liveness: 50 * time.Millisecond,
		Port:     port,
		Prober:   &readiness.Prober{Attempts: 2, Timeout: 100 * time.Millisecond, Backoff: time.Millisecond},
	}
	_, err = StartChannel(reg, Key{"channel", "client"}, []string{"sleep", "30"}, LogFiles{}, opts)
	require.Error(t, err)
	assert.True(t, failure.Is(err, failure.KindSetup))
	assert.Empty(t, reg.Keys())
}

func TestStartChannelReady(t *testing.T) {
	reg := NewRegistry(t.TempDir())
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	opts := ChannelOptions{
		Liveness: 50 * time.Millisecond,
		Port:     ln.Addr().(*net.TCPAddr).Port,
		Prober:   &readiness.Prober{Attempts: 2, Timeout: time.Second, Backoff: time.Millisecond},
	}
	h, err := StartChannel(reg, Key{"channel", "client"}, []string{"sleep", "30"}, LogFiles{}, opts)
	require.NoError(t, err)
	assert.False(t, h.Exited())
	assert.Empty(t, reg.StopAll())
}
