package process

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"tork-perf/internal/logging"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

var ErrDuplicate = errors.New("handle already running")

// LogFiles names the raw-log sinks of a process, relative to the registry
// directory. Equal names share one file; an empty name discards the stream.
type LogFiles struct {
	Stdout string
	Stderr string
}

// Combined sends both streams to one file.
func Combined(name string) LogFiles {
	return LogFiles{Stdout: name, Stderr: name}
}

// LogName builds the deterministic raw-log name
// {category}_{location}_{params...}_{iteration}{ext}. Empty params are dropped.
func LogName(category, location string, params []string, iteration int, ext string) string {
	parts := []string{category, location}
	for _, p := range params {
		if p != "" {
			parts = append(parts, p)
		}
	}
	if iteration > 0 {
		parts = append(parts, fmt.Sprintf("%d", iteration))
	}
	return strings.Join(parts, "_") + ext
}

// Registry owns every live handle of a run, at most one per Key.
type Registry struct {
	dir string

	mu      sync.Mutex
	handles map[Key]*Handle
}

func NewRegistry(logDir string) *Registry {
	return &Registry{
		dir:     logDir,
		handles: make(map[Key]*Handle),
	}
}

func (r *Registry) Dir() string {
	return r.dir
}

// Start launches args with output redirected to the named raw logs.
func (r *Registry) Start(key Key, args []string, logs LogFiles) (*Handle, error) {
	if err := r.reserve(key); err != nil {
		return nil, err
	}

	stdout, stderr, closers, err := r.openSinks(logs)
	if err != nil {
		r.release(key, nil)
		return nil, err
	}

	h, err := Start(Spec{Key: key, Args: args, Stdout: stdout, Stderr: stderr})
	if err != nil {
		for _, c := range closers {
			c.Close()
		}
		r.release(key, nil)
		return nil, err
	}
	h.attach(closers...)
	r.release(key, h)
	return h, nil
}

// StartSpec launches a command whose sinks are owned by the caller.
func (r *Registry) StartSpec(spec Spec) (*Handle, error) {
	if err := r.reserve(spec.Key); err != nil {
		return nil, err
	}
	h, err := Start(spec)
	if err != nil {
		r.release(spec.Key, nil)
		return nil, err
	}
	r.release(spec.Key, h)
	return h, nil
}

// reserve claims key with a nil placeholder so concurrent starts of the same
// key cannot both succeed.
func (r *Registry) reserve(key Key) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if h, ok := r.handles[key]; ok {
		if h == nil || !h.Exited() {
			return errors.Wrapf(ErrDuplicate, "%s", key)
		}
	}
	r.handles[key] = nil
	return nil
}

func (r *Registry) release(key Key, h *Handle) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if h == nil {
		delete(r.handles, key)
		return
	}
	r.handles[key] = h
}

func (r *Registry) openSinks(logs LogFiles) (io.Writer, io.Writer, []io.Closer, error) {
	var closers []io.Closer
	open := func(name string) (io.Writer, error) {
		if name == "" {
			return nil, nil
		}
		path := filepath.Join(r.dir, name)
		if _, err := os.Stat(path); err == nil {
			logging.GetLogger().WithField("file", path).Warn("Raw log exists, appending")
		}
		f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return nil, errors.Wrapf(err, "open raw log %s", path)
		}
		closers = append(closers, f)
		return f, nil
	}

	if err := os.MkdirAll(r.dir, 0o755); err != nil {
		return nil, nil, nil, err
	}

	stdout, err := open(logs.Stdout)
	if err != nil {
		return nil, nil, nil, err
	}
	if logs.Stderr == logs.Stdout {
		return stdout, stdout, closers, nil
	}
	stderr, err := open(logs.Stderr)
	if err != nil {
		for _, c := range closers {
			c.Close()
		}
		return nil, nil, nil, err
	}
	return stdout, stderr, closers, nil
}

func (r *Registry) Get(key Key) (*Handle, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	h, ok := r.handles[key]
	return h, ok && h != nil
}

// Stop terminates and forgets the handle for key. Unknown keys are a no-op.
// A handle that could not be killed stays registered for a later StopAll.
func (r *Registry) Stop(key Key) error {
	r.mu.Lock()
	h, ok := r.handles[key]
	r.mu.Unlock()

	if !ok || h == nil {
		return nil
	}
	if err := h.Stop(); err != nil {
		return err
	}

	r.mu.Lock()
	if r.handles[key] == h {
		delete(r.handles, key)
	}
	r.mu.Unlock()
	return nil
}

// StopMany stops the given handles in parallel. Individual failures are
// collected, never short-circuiting the others.
func (r *Registry) StopMany(keys ...Key) []error {
	logger := logging.GetLogger()

	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		errs []error
	)
	for _, key := range keys {
		wg.Add(1)
		go func(k Key) {
			defer wg.Done()
			if err := r.Stop(k); err != nil {
				logger.WithFields(logrus.Fields{
					"category": k.Category,
					"location": k.Location,
				}).WithError(err).Warn("Failed to stop process")
				mu.Lock()
				errs = append(errs, err)
				mu.Unlock()
			}
		}(key)
	}
	wg.Wait()
	return errs
}

func (r *Registry) StopAll() []error {
	return r.StopMany(r.Keys()...)
}

// Keys lists the live keys in a stable order.
func (r *Registry) Keys() []Key {
	r.mu.Lock()
	defer r.mu.Unlock()

	keys := make([]Key, 0, len(r.handles))
	for k, h := range r.handles {
		if h != nil {
			keys = append(keys, k)
		}
	}
	sort.Slice(keys, func(i, j int) bool {
		return keys[i].String() < keys[j].String()
	})
	return keys
}
