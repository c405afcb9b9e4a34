package experiment

import (
	"context"
	"fmt"

	"tork-perf/internal/collectors"
	"tork-perf/internal/dataframe"
	"tork-perf/internal/failure"
	"tork-perf/internal/host"
	"tork-perf/internal/probe"
	"tork-perf/internal/process"
	"tork-perf/internal/statschan"
	"tork-perf/internal/workload"

	"github.com/sirupsen/logrus"
)

// guardArtifact is the file whose presence marks a resolution as already
// measured.
func guardArtifact(resolution string) string {
	return fmt.Sprintf("%s_%s.txt", collectors.FramesDisplayed, resolution)
}

// GuardArtifacts refuses to measure any resolution whose results already
// exist. It starts nothing, so callers run it before Setup.
func (c *Controller) GuardArtifacts(resolutions ...string) error {
	for _, res := range resolutions {
		if name := guardArtifact(res); c.sink.Exists(name) {
			return failure.Guardf("streaming", "%s already exists, refusing to overwrite results", c.sink.Path(name))
		}
	}
	return nil
}

// streamingProbes captures at bridge, server and client, then monitors
// bandwidth at the same three sites in that order.
func (c *Controller) streamingProbes(resolution string, iteration int) *probe.Set {
	pr := c.cfg.Probes
	params := []string{resolution}
	set := probe.NewSet()

	var sites []host.Site
	if c.cfg.Experiment.Mode.UsesSubject() {
		if s, ok := c.site(host.Bridge); ok {
			sites = append(sites, s)
		}
	}
	if s, ok := c.site(host.Server); ok {
		sites = append(sites, s)
	}
	sites = append(sites, host.Local(host.Client))

	for _, s := range sites {
		pcap := fmt.Sprintf("pcap_%s_%s_%d.pcap", s.Name, resolution, iteration)
		iface := ""
		switch s.Name {
		case host.Bridge:
			pcap = c.cfg.Streaming.BridgeCaptureDir + pcap
		case host.Client:
			pcap = c.sink.Path(pcap)
			iface = "any"
		}
		set.Add(probe.TcpdumpSpec(s, pr.Tcpdump, iface, pcap,
			process.LogName(probe.Tcpdump, s.Name, params, iteration, ".log")))
	}
	for _, s := range sites {
		set.Add(probe.NethogsSpec(s, pr.Nethogs, false,
			process.LogName(probe.Nethogs, s.Name, params, iteration, ".txt")))
	}
	return set
}

// Streaming runs one media session at resolution. An existing result for the
// resolution aborts before anything is started.
func (c *Controller) Streaming(ctx context.Context, resolution string, iteration int) (*Outcome, error) {
	o := newOutcome(PhaseStreaming, c.Index(), iteration, resolution)
	td := &Teardown{}
	frame := c.newFrame(collectors.FrameMetrics...)

	err := c.streaming(ctx, o, td, frame)
	return o, c.conclude(o, frame, c.cfg.Streaming.Interval, td, err)
}

func (c *Controller) streaming(ctx context.Context, o *Outcome, td *Teardown, frame *dataframe.Frame) error {
	o.enter(StateInit)
	resolution, iteration := o.Resolution, o.Iteration
	s := c.cfg.Streaming
	logger := c.logger().WithFields(logrus.Fields{
		"phase":      PhaseStreaming,
		"resolution": resolution,
	})

	if err := c.GuardArtifacts(resolution); err != nil {
		return err
	}

	server, ok := c.site(host.Server)
	if !ok {
		return failure.Setupf("streaming", "no media server site configured")
	}

	if err := c.Setup(); err != nil {
		return err
	}
	o.enter(StateTunnelUp)

	set := c.streamingProbes(resolution, iteration)
	o.Probes = set.Start(c.reg)

	media := &workload.Media{
		Registry: c.reg,
		Site:     server,
		Address:  c.cfg.Endpoints.StreamHost,
		Prober:   c.prober,
	}
	var stats, ctl *statschan.Client
	td.Add("stop captures", func() error {
		set.Stop(c.reg, probe.Tcpdump)
		return nil
	})
	td.Add("stop samplers", func() error {
		set.Stop(c.reg, probe.Nethogs)
		err := closeStats(stats)
		if cerr := closeStats(ctl); err == nil {
			err = cerr
		}
		return err
	})
	td.Add("release client", func() error {
		if err := media.StopClient(); err != nil {
			return failure.Phase("release client", err)
		}
		return nil
	})
	td.Add("stop media server", func() error {
		if err := media.StopServer(); err != nil {
			return failure.Phase("stop media server", err)
		}
		return nil
	})
	td.Add("port release", func() error {
		pause(s.PortRelease)
		return nil
	})
	o.enter(StateProbesUp)

	sample := fmt.Sprintf("%s_%s.mp4", s.SamplePrefix, resolution)
	if err := media.StartServer(sample, resolution, s.Port); err != nil {
		return err
	}
	conn, err := media.StartClient(c.streamingProxy(), resolution, s.Port, s.ControlPort)
	if err != nil {
		return err
	}
	ctl = statschan.NewClient(conn, statschan.PromptFraming{Marker: '>'})
	if _, err := ctl.Drain(); err != nil {
		return failure.Protocol("media control", err)
	}

	if stats, err = c.dialStats(); err != nil {
		return err
	}

	var cs []collectors.Collector
	if stats != nil {
		cs = append(cs, collectors.BytesCollector{Client: stats})
	}
	cs = append(cs, collectors.MediaCollector{Client: ctl})

	o.enter(StateSampling)
	window := collectors.Window{Ticks: s.Window, Interval: s.Interval}
	ticks, werr := window.Run(ctx, frame, cs...)
	o.Samples = ticks
	logger.WithField("ticks", ticks).Info("Sampling window closed")

	if err := c.saveSeries(o, frame, seriesName(resolution)); err != nil {
		return err
	}
	return samplingError(ctx, werr)
}
