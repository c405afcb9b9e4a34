package experiment

import (
	"context"
	"net"
	"path/filepath"
	"strconv"
	"strings"

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

var (
	iperfKey   = process.Key{Category: workload.Iperf, Location: host.Client}
	httpingKey = process.Key{Category: "httping", Location: host.Client}
)

const capturePcap = "temp.pcap"

// throughputProbes is the observer set of one throughput iteration: the
// bridge and client bandwidth monitors, host telemetry and the client
// capture feeding the IO extraction.
func (c *Controller) throughputProbes(k, iteration int) *probe.Set {
	kp := strconv.Itoa(k)
	pr := c.cfg.Probes
	set := probe.NewSet()

	if c.cfg.Experiment.Mode.UsesSubject() {
		if s, ok := c.site(host.Bridge); ok {
			set.Add(probe.NethogsSpec(s, pr.Nethogs, true,
				process.LogName(probe.Nethogs, host.Bridge, []string{kp}, iteration, ".txt")))
		}
	}
	if pr.TelemetryScript != "" {
		for _, name := range []string{host.Host1, host.Host2} {
			if s, ok := c.site(name); ok {
				set.Add(probe.TelemetrySpec(s, pr.TelemetryScript,
					process.LogName(probe.Telemetry, name, []string{"k", kp}, iteration, ".txt")))
			}
		}
	}
	client := host.Local(host.Client)
	set.Add(probe.NethogsSpec(client, pr.Nethogs, true,
		process.LogName(probe.Nethogs, host.Client, []string{kp}, iteration, ".txt")))
	set.Add(probe.TcpdumpSpec(client, pr.Tcpdump, "any", filepath.Join(c.sink.Dir, capturePcap),
		process.LogName(probe.Tcpdump, host.Client, []string{kp}, iteration, ".log")))
	return set
}

func (c *Controller) iperfArgs() []string {
	t := c.cfg.Throughput
	if t.Command != "" {
		return workload.Proxychains(c.throughputProxy(), strings.Fields(t.Command)...)
	}
	return workload.IperfArgs(c.throughputProxy(), c.cfg.Endpoints.TargetIP, c.cfg.Endpoints.TargetPort, t.Duration)
}

// Throughput runs one throughput iteration. The returned error is the
// outcome's error; the outcome is always returned.
func (c *Controller) Throughput(ctx context.Context, iteration int) (*Outcome, error) {
	o := newOutcome(PhaseThroughput, c.Index(), iteration, "")
	td := &Teardown{}
	frame := c.newFrame()

	err := c.throughput(ctx, o, td, frame)
	return o, c.conclude(o, frame, c.cfg.Throughput.Interval, td, err)
}

func (c *Controller) throughput(ctx context.Context, o *Outcome, td *Teardown, frame *dataframe.Frame) error {
	o.enter(StateInit)
	if err := c.Setup(); err != nil {
		return err
	}
	o.enter(StateTunnelUp)

	k, iteration := o.Index, o.Iteration
	kp := strconv.Itoa(k)
	logger := c.logger().WithFields(logrus.Fields{
		"phase":     PhaseThroughput,
		"iteration": iteration,
	})
	t := c.cfg.Throughput

	set := c.throughputProbes(k, iteration)
	o.Probes = set.Start(c.reg)

	var stats *statschan.Client
	td.Add("stop capture", func() error {
		set.Stop(c.reg, probe.Tcpdump)
		return nil
	})
	td.Add("stop samplers", func() error {
		set.Stop(c.reg, probe.Nethogs)
		return closeStats(stats)
	})
	td.Add("stop telemetry", func() error {
		set.Stop(c.reg, probe.Telemetry)
		return nil
	})
	td.Add("extract io", func() error {
		if !started(o.Probes, process.Key{Category: probe.Tcpdump, Location: host.Client}.String()) {
			return nil
		}
		out := c.sink.Path(workload.LogName("io_client", []string{"k", kp}, iteration, ".txt"))
		if _, err := probe.ExtractIO(c.cfg.Probes.Tshark, filepath.Join(c.sink.Dir, capturePcap), t.ExtractFilter, out, t.ExtractTimeout); err != nil {
			return failure.Probe("extract io", err)
		}
		return nil
	})
	td.Add("latency", func() error {
		return c.latency(kp, iteration, o)
	})
	td.Add("release workload", func() error {
		if err := c.reg.Stop(iperfKey); err != nil {
			return failure.Phase("release workload", err)
		}
		return nil
	})
	o.enter(StateProbesUp)

	var err error
	if stats, err = c.dialStats(); err != nil {
		return err
	}

	logs := process.Combined(workload.LogName(workload.Iperf, []string{"k", kp}, iteration, ".txt"))
	if _, err := c.reg.Start(iperfKey, c.iperfArgs(), logs); err != nil {
		return failure.Phase("workload", err)
	}
	logger.Info("Throughput workload started")

	var cs []collectors.Collector
	if stats != nil {
		cs = append(cs, collectors.BytesCollector{Client: stats})
	}

	o.enter(StateSampling)
	window := collectors.Window{Ticks: t.Window, Interval: t.Interval}
	ticks, werr := window.Run(ctx, frame, cs...)
	o.Samples = ticks
	logger.WithField("ticks", ticks).Info("Sampling window closed")

	if err := c.saveSeries(o, frame, seriesName(k, iteration)); err != nil {
		return err
	}
	if werr != nil {
		return samplingError(ctx, werr)
	}

	return workload.Release(c.reg, iperfKey, t.WorkloadTimeout)
}

// latency measures the path after the workload: httping through the
// subject's own listener and, when enabled, a HEAD request through the
// proxy port. An httping that has to be killed fails the iteration; every
// other latency problem is soft.
func (c *Controller) latency(kp string, iteration int, o *Outcome) error {
	l := c.cfg.Latency
	logs := process.Combined(workload.LogName("httping", []string{"k", kp}, iteration, ".txt"))
	args := probe.HTTPingArgs(c.cfg.Probes.HTTPing, c.socksPort, l.Count, l.Site)
	completed, err := probe.HTTPing(c.reg, httpingKey, args, logs, l.HTTPingTimeout)
	if err != nil {
		return failure.Probe("httping", err)
	}
	if !completed {
		return failure.Phasef("httping", "killed after %s", l.HTTPingTimeout)
	}

	if !l.Head || c.socksPort == 0 {
		return nil
	}
	addr := net.JoinHostPort("127.0.0.1", strconv.Itoa(c.cfg.ProxyPort(c.socksPort)))
	ctx, cancel := context.WithTimeout(context.Background(), l.HeadTimeout)
	defer cancel()
	res, err := probe.HeadProbe(ctx, l.Site, addr, l.HeadTimeout)
	if err != nil {
		return failure.Probe("head latency", err)
	}
	name := workload.LogName("head", []string{"k", kp}, iteration, ".txt")
	if err := c.sink.Save(name, res.String()); err != nil {
		return failure.Probe("head latency", err)
	}
	o.Artifacts = append(o.Artifacts, name)
	return nil
}
