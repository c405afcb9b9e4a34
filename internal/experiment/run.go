package experiment

import (
	"context"
	"path/filepath"

	"tork-perf/internal/config"
	"tork-perf/internal/failure"
	"tork-perf/internal/runstate"
	"tork-perf/internal/swarm"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

// Report summarizes one Run.
type Report struct {
	Index     int
	Outcomes  []*Outcome
	Failed    int
	Completed bool
}

func (c *Controller) runStateStore() *runstate.Store {
	rs := c.cfg.Experiment.RunState
	path := rs.File
	if !filepath.IsAbs(path) {
		path = filepath.Join(c.sink.Dir, path)
	}
	return runstate.NewStore(path, rs.First, rs.MaxIndex)
}

// RunState returns the persisted state without changing it.
func (c *Controller) RunState() (runstate.State, bool, error) {
	return c.runStateStore().Load()
}

// Run executes one experiment run: it refuses streaming resolutions that
// were already measured, resolves the run index, resizes the
// competing swarm service when needed, brings the tunnel up, runs every
// throughput iteration and then the streaming phase. Setup, protocol and
// guard failures stop the run; soft failures are counted and keep it going.
// The run is marked completed only when every iteration succeeded.
func (c *Controller) Run(ctx context.Context) (*Report, error) {
	logger := c.logger()
	x := c.cfg.Experiment
	report := &Report{}

	if c.cfg.Streaming.Enabled {
		if err := c.GuardArtifacts(c.cfg.Streaming.Resolutions...); err != nil {
			return report, err
		}
	}

	var (
		store *runstate.Store
		state runstate.State
	)
	if x.RunState.Enabled {
		store = c.runStateStore()
		st, err := store.Begin()
		if err != nil {
			return report, err
		}
		state = st
		c.SetIndex(st.Index)
	}
	report.Index = c.Index()

	if err := c.scale(ctx); err != nil {
		return report, err
	}
	if err := c.Setup(); err != nil {
		return report, err
	}

	total := 0
	phase := func(o *Outcome, err error) error {
		total++
		report.Outcomes = append(report.Outcomes, o)
		if err == nil {
			return nil
		}
		report.Failed++
		if failure.Fatal(err) {
			return err
		}
		return nil
	}

	for i := 1; i <= x.Iterations; i++ {
		if err := phase(c.Throughput(ctx, i)); err != nil {
			return report, err
		}
	}
	if c.cfg.Streaming.Enabled {
		for _, res := range c.cfg.Streaming.Resolutions {
			if err := phase(c.Streaming(ctx, res, 1)); err != nil {
				return report, err
			}
		}
	}

	logger.WithFields(logrus.Fields{
		"iterations": total,
		"failed":     report.Failed,
	}).Info("Run finished")

	if report.Failed > 0 {
		return report, failure.Phasef("run", "%d of %d iterations failed", report.Failed, total)
	}
	if store != nil {
		if err := store.Complete(state); err != nil {
			return report, errors.Wrap(err, "mark run completed")
		}
	}
	report.Completed = true
	return report, nil
}

// scale sizes the swarm client service to index-1 replicas for
// direct-tunnel runs, so the bridge carries index concurrent clients.
func (c *Controller) scale(ctx context.Context) error {
	if c.cfg.Experiment.Mode != config.ModeDirectTunnel {
		return nil
	}
	w := c.cfg.Swarm
	scaler := c.scaler
	if scaler == nil {
		if w.Host == "" {
			return nil
		}
		s, err := swarm.NewScaler(w.Host, w.Timeout)
		if err != nil {
			return failure.Setup("swarm", err)
		}
		defer s.Close()
		scaler = s
	}
	return scaler.Scale(ctx, w.Service, swarm.ReplicasFor(c.Index()))
}
