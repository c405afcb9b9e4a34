package experiment

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"time"

	"tork-perf/internal/collectors"
	"tork-perf/internal/config"
	"tork-perf/internal/dataframe"
	"tork-perf/internal/failure"
	"tork-perf/internal/host"
	"tork-perf/internal/probe"
	"tork-perf/internal/statschan"

	"github.com/sirupsen/logrus"
)

// conclude runs the teardown, settles the verdict and records the outcome.
// Teardown errors other than probe errors fail an otherwise good phase.
func (c *Controller) conclude(o *Outcome, frame *dataframe.Frame, interval time.Duration, td *Teardown, err error) error {
	o.noteError(err)
	if td.Pending() {
		o.enter(StateTeardown)
		for _, terr := range td.Run() {
			o.noteError(terr)
			if err == nil && !failure.Is(terr, failure.KindProbe) {
				err = terr
			}
		}
	}
	o.Teardown = td.Ran()
	o.finish(err)

	fields := logrus.Fields{
		"phase":     o.Phase,
		"iteration": o.Iteration,
		"verdict":   o.Verdict,
		"samples":   o.Samples,
		"duration":  o.Ended.Sub(o.Started),
	}
	if o.Resolution != "" {
		fields["resolution"] = o.Resolution
	}
	if o.Err != nil {
		c.logger().WithFields(fields).WithError(o.Err).Error("Iteration failed")
	} else {
		c.logger().WithFields(fields).Info("Iteration finished")
	}

	c.record(o, frame, interval)
	return o.Err
}

// samplingError classifies a window abort. Transport errors on the
// statistics socket count as protocol errors; cancellation is passed on.
func samplingError(ctx context.Context, err error) error {
	if err == nil || ctx.Err() != nil || failure.KindOf(err) != "" {
		return err
	}
	return failure.Protocol("sampling", err)
}

// saveSeries persists every series of the frame under name(metric). It runs
// before any workload wait so that a later soft failure keeps the data.
func (c *Controller) saveSeries(o *Outcome, frame *dataframe.Frame, name func(metric string) string) error {
	for _, s := range frame.All() {
		file := name(s.Metric)
		if err := c.sink.SaveSeries(file, s.Values); err != nil {
			return failure.Phase("save series", err)
		}
		o.Artifacts = append(o.Artifacts, file)
		o.Series[s.Metric] = len(s.Values)
	}
	return nil
}

// newFrame registers the byte counter series up front when the subject
// exposes them, so a window that dies early still leaves every file.
func (c *Controller) newFrame(extra ...string) *dataframe.Frame {
	var metrics []string
	if c.cfg.Experiment.Mode == config.ModeTunnelAssisted {
		metrics = append(metrics, collectors.BytesMetrics...)
	}
	return dataframe.NewFrame(append(metrics, extra...)...)
}

// dialStats opens the subject's statistics socket. Only tunnel-assisted runs
// expose one; a socket that refuses us is a setup failure.
func (c *Controller) dialStats() (*statschan.Client, error) {
	if c.cfg.Experiment.Mode != config.ModeTunnelAssisted {
		return nil, nil
	}
	addr := net.JoinHostPort("127.0.0.1", strconv.Itoa(c.cfg.Tork.StatsPort))
	client, err := statschan.Dial(addr, statschan.DefaultTimeout, statschan.LineFraming{})
	if err != nil {
		return nil, failure.Setup("stats socket", err)
	}
	return client, nil
}

// streamingProxy picks the proxychains configuration of the media client.
func (c *Controller) streamingProxy() string {
	switch {
	case !c.cfg.Experiment.Mode.UsesSubject():
		return ""
	case c.cfg.Channel.Enabled:
		return c.cfg.Streaming.ChannelProxy
	default:
		return c.cfg.Streaming.TorProxy
	}
}

func (c *Controller) throughputProxy() string {
	if !c.cfg.Experiment.Mode.UsesSubject() {
		return ""
	}
	return c.cfg.Throughput.Proxychains
}

// site returns the named site, or false when the run has no such party.
func (c *Controller) site(name string) (host.Site, bool) {
	s, err := c.sites.Get(name)
	if err != nil {
		c.logger().WithField("site", name).Debug("Site not configured, skipping its probes")
		return host.Site{}, false
	}
	return s, true
}

func started(r *probe.Result, key string) bool {
	if r == nil {
		return false
	}
	for _, k := range r.Started {
		if k == key {
			return true
		}
	}
	return false
}

func closeStats(client *statschan.Client) error {
	if client == nil {
		return nil
	}
	if err := client.Close(); err != nil {
		return failure.Probe("close stats socket", err)
	}
	return nil
}

func pause(d time.Duration) {
	if d > 0 {
		time.Sleep(d)
	}
}

func seriesName(params ...interface{}) func(metric string) string {
	return func(metric string) string {
		name := metric
		for _, p := range params {
			name += fmt.Sprintf("_%v", p)
		}
		return name + ".txt"
	}
}
