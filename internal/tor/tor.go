// Package tor launches the measurement subject and waits for it to finish
// bootstrapping.
package tor

import (
	"bytes"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"tork-perf/internal/config"
	"tork-perf/internal/failure"
	"tork-perf/internal/logging"
	"tork-perf/internal/process"

	"github.com/sirupsen/logrus"
)

const (
	DefaultBinary           = "/usr/local/bin/tor"
	DefaultBootstrapTimeout = 270 * time.Second

	bootstrappedMarker = "Bootstrapped 100%"
)

var Key = process.Key{Category: "tor", Location: "client"}

// bootstrapWatcher forwards complete stdout lines to the log and signals
// once the bootstrap marker is seen.
type bootstrapWatcher struct {
	logger *logrus.Entry
	ready  chan struct{}

	mu   sync.Mutex
	buf  bytes.Buffer
	seen bool
}

func newBootstrapWatcher(logger *logrus.Entry) *bootstrapWatcher {
	return &bootstrapWatcher{logger: logger, ready: make(chan struct{})}
}

func (w *bootstrapWatcher) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.buf.Write(p)
	for {
		line, err := w.buf.ReadString('\n')
		if err != nil {
			// keep the partial line for the next write
			w.buf.Reset()
			w.buf.WriteString(line)
			break
		}
		line = strings.TrimRight(line, "\r\n")
		w.logger.Debug(line)
		if !w.seen && strings.Contains(line, bootstrappedMarker) {
			w.seen = true
			close(w.ready)
		}
	}
	return len(p), nil
}

// Launch starts binary with torrc as command line options and blocks until
// it reports a complete bootstrap. Output goes to logName in the registry
// directory. An early exit or a bootstrap slower than timeout is a setup
// failure and leaves nothing running.
func Launch(reg *process.Registry, binary string, torrc config.Torrc, logName string, timeout time.Duration) (*process.Handle, error) {
	logger := logging.GetLogger().WithFields(logrus.Fields{
		"category": Key.Category,
		"location": Key.Location,
	})
	if binary == "" {
		binary = DefaultBinary
	}
	if timeout <= 0 {
		timeout = DefaultBootstrapTimeout
	}

	if err := os.MkdirAll(reg.Dir(), 0o755); err != nil {
		return nil, failure.Setup("tor", err)
	}
	f, err := os.OpenFile(filepath.Join(reg.Dir(), logName), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, failure.Setup("tor", err)
	}

	watcher := newBootstrapWatcher(logger)
	args := append([]string{binary}, torrc.Args()...)
	logger.WithField("torrc", map[string]string(torrc)).Info("Launching tor")

	h, err := reg.StartSpec(process.Spec{
		Key:    Key,
		Args:   args,
		Stdout: io.MultiWriter(f, watcher),
		Stderr: f,
	})
	if err != nil {
		f.Close()
		return nil, failure.Setup("tor", err)
	}
	go func() {
		<-h.Done()
		f.Close()
	}()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-watcher.ready:
		logger.Info("Tor bootstrapped")
		return h, nil
	case <-h.Done():
		info := h.Wait()
		reg.Stop(Key)
		return nil, failure.Setupf("tor", "exited with code %d before bootstrapping", info.Code)
	case <-timer.C:
		reg.Stop(Key)
		return nil, failure.Setupf("tor", "bootstrap did not complete within %s", timeout)
	}
}
