package tor

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"tork-perf/internal/config"
	"tork-perf/internal/failure"
	"tork-perf/internal/logging"
	"tork-perf/internal/process"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fakeTor(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "tor")
	require.NoError(t, os.WriteFile(path, []byte("#!/bin/sh\n"+body+"\n"), 0o755))
	return path
}

func TestLaunchWaitsForBootstrap(t *testing.T) {
	bin := fakeTor(t, `echo "args: $@"
echo "Bootstrapped 10% (conn): Connecting"
sleep 0.2
printf "Bootstrapped 100%% (done): "
echo "Done"
sleep 10`)
	reg := process.NewRegistry(t.TempDir())
	defer reg.StopAll()

	h, err := Launch(reg, bin, config.Torrc{"socksport": "9050"}, "tor_client.log", 5*time.Second)
	require.NoError(t, err)
	assert.False(t, h.Exited())

	_, ok := reg.Get(Key)
	assert.True(t, ok)

	data, err := os.ReadFile(filepath.Join(reg.Dir(), "tor_client.log"))
	require.NoError(t, err)
	assert.True(t, strings.Contains(string(data), "args: --socksport 9050"))
}

func TestLaunchEarlyExit(t *testing.T) {
	bin := fakeTor(t, "echo 'Bootstrapped 5%'; exit 1")
	reg := process.NewRegistry(t.TempDir())

	_, err := Launch(reg, bin, config.Torrc{}, "tor_client.log", 5*time.Second)
	require.Error(t, err)
	assert.Equal(t, failure.KindSetup, failure.KindOf(err))
	assert.Empty(t, reg.Keys())
}

func TestLaunchBootstrapTimeout(t *testing.T) {
	bin := fakeTor(t, "sleep 10")
	reg := process.NewRegistry(t.TempDir())

	_, err := Launch(reg, bin, config.Torrc{}, "tor_client.log", 200*time.Millisecond)
	require.Error(t, err)
	assert.True(t, failure.Is(err, failure.KindSetup))
	assert.Empty(t, reg.Keys())
}

func TestWatcherHandlesSplitLines(t *testing.T) {
	w := newBootstrapWatcher(testEntry())
	w.Write([]byte("Bootstr"))
	select {
	case <-w.ready:
		t.Fatal("ready before marker completed")
	default:
	}
	w.Write([]byte("apped 100% (done): Done\nnext"))
	select {
	case <-w.ready:
	default:
		t.Fatal("marker not detected across writes")
	}
	// a second marker must not close the channel again
	w.Write([]byte("\nBootstrapped 100%\n"))
}

func testEntry() *logrus.Entry {
	return logging.GetLogger().WithField("test", true)
}
