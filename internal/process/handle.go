// Package process manages the external commands an experiment spawns.
package process

import (
	"fmt"
	"io"
	"os/exec"
	"strings"
	"sync"
	"time"

	"tork-perf/internal/logging"
	"tork-perf/internal/metrics"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

// Key identifies a handle by what it is and where it runs.
type Key struct {
	Category string
	Location string
}

func (k Key) String() string {
	return k.Category + "/" + k.Location
}

// Spec describes one command to start. Nil writers discard output.
type Spec struct {
	Key    Key
	Args   []string
	Stdout io.Writer
	Stderr io.Writer
}

type ExitInfo struct {
	Code     int
	Err      error
	Killed   bool
	Duration time.Duration
}

// Handle wraps one spawned command.
type Handle struct {
	Key  Key
	Args []string

	cmd     *exec.Cmd
	kill    func() error
	started time.Time
	done    chan struct{}
	info    ExitInfo

	mu      sync.Mutex
	killed  bool
	exited  bool
	closers []io.Closer
}

// waitDelay bounds how long Wait keeps copying output after the process
// exited, for children that inherited the pipes.
const waitDelay = 3 * time.Second

func Start(spec Spec) (*Handle, error) {
	if len(spec.Args) == 0 {
		return nil, fmt.Errorf("%s: empty command", spec.Key)
	}

	cmd := exec.Command(spec.Args[0], spec.Args[1:]...)
	cmd.Stdout = spec.Stdout
	cmd.Stderr = spec.Stderr
	cmd.WaitDelay = waitDelay

	if err := cmd.Start(); err != nil {
		return nil, errors.Wrapf(err, "start %s", spec.Key)
	}

	h := &Handle{
		Key:     spec.Key,
		Args:    spec.Args,
		cmd:     cmd,
		kill:    cmd.Process.Kill,
		started: time.Now(),
		done:    make(chan struct{}),
	}
	go h.wait()

	logging.GetLogger().WithFields(logrus.Fields{
		"category": spec.Key.Category,
		"location": spec.Key.Location,
		"pid":      cmd.Process.Pid,
		"command":  strings.Join(spec.Args, " "),
	}).Debug("Process started")
	return h, nil
}

func (h *Handle) wait() {
	err := h.cmd.Wait()

	h.mu.Lock()
	h.info = ExitInfo{
		Code:     -1,
		Err:      err,
		Killed:   h.killed,
		Duration: time.Since(h.started),
	}
	if h.cmd.ProcessState != nil {
		h.info.Code = h.cmd.ProcessState.ExitCode()
	}
	h.exited = true
	closers := h.closers
	h.closers = nil
	h.mu.Unlock()

	for _, c := range closers {
		c.Close()
	}
	close(h.done)
}

// attach registers sinks that are closed once the process has exited.
func (h *Handle) attach(closers ...io.Closer) {
	h.mu.Lock()
	if !h.exited {
		h.closers = append(h.closers, closers...)
		h.mu.Unlock()
		return
	}
	h.mu.Unlock()
	for _, c := range closers {
		c.Close()
	}
}

func (h *Handle) Exited() bool {
	select {
	case <-h.done:
		return true
	default:
		return false
	}
}

// Done is closed once the process has exited and its sinks were closed.
func (h *Handle) Done() <-chan struct{} {
	return h.done
}

func (h *Handle) Wait() ExitInfo {
	<-h.done
	return h.exitInfo()
}

// WaitTimeout waits up to d for the process to exit. It does not kill it.
func (h *Handle) WaitTimeout(d time.Duration) (bool, ExitInfo) {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-h.done:
		return true, h.exitInfo()
	case <-timer.C:
		return false, ExitInfo{}
	}
}

func (h *Handle) exitInfo() ExitInfo {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.info
}

// Stop force-terminates the process and waits for it to be reaped. Stopping
// an already-exited handle is a no-op.
func (h *Handle) Stop() error {
	if h.Exited() {
		return nil
	}

	h.mu.Lock()
	already := h.killed
	h.killed = true
	h.mu.Unlock()

	if !already {
		if err := h.kill(); err != nil && !h.Exited() {
			h.mu.Lock()
			h.killed = false
			h.mu.Unlock()
			return errors.Wrapf(err, "kill %s", h.Key)
		}
		metrics.ProcessKills.WithLabelValues(h.Key.Category).Inc()
		logging.GetLogger().WithFields(logrus.Fields{
			"category": h.Key.Category,
			"location": h.Key.Location,
		}).Debug("Process killed")
	}

	<-h.done
	return nil
}
