// Package experiment drives one experiment run: it brings up the measurement
// subject, runs the throughput and streaming phases through their state
// machine and tears every phase down in a fixed order.
package experiment

import (
	"context"
	"fmt"
	"net"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"tork-perf/internal/config"
	"tork-perf/internal/database"
	"tork-perf/internal/dataframe"
	"tork-perf/internal/failure"
	"tork-perf/internal/host"
	"tork-perf/internal/logging"
	"tork-perf/internal/process"
	"tork-perf/internal/readiness"
	"tork-perf/internal/storage"
	"tork-perf/internal/tor"

	"github.com/sirupsen/logrus"
)

// Scaler resizes the replicated service that shares the bridge with us.
type Scaler interface {
	Scale(ctx context.Context, service string, replicas uint64) error
}

// Resolver maps the bridge endpoint to the address put into the torrc.
type Resolver func(name string) (string, error)

type Options struct {
	Registry      *process.Registry
	Sink          *storage.Sink
	Export        database.SeriesWriter
	Sites         host.Sites
	Scaler        Scaler
	Resolver      Resolver
	Prober        *readiness.Prober
	ConfigContent string
	RunID         string
}

type Controller struct {
	cfg      *config.ExperimentConfig
	content  string
	reg      *process.Registry
	sink     *storage.Sink
	export   database.SeriesWriter
	sites    host.Sites
	scaler   Scaler
	resolve  Resolver
	prober   *readiness.Prober
	runID    string
	checksum string

	ready     bool
	bridgeIP  string
	torrc     config.Torrc
	socksPort int
	index     int
}

func New(cfg *config.ExperimentConfig, opts Options) *Controller {
	c := &Controller{
		cfg:      cfg,
		content:  opts.ConfigContent,
		reg:      opts.Registry,
		sink:     opts.Sink,
		export:   opts.Export,
		sites:    opts.Sites,
		scaler:   opts.Scaler,
		resolve:  opts.Resolver,
		prober:   opts.Prober,
		runID:    opts.RunID,
		checksum: config.ChecksumOrUnknown(cfg),
	}
	if c.sink == nil {
		c.sink = storage.NewSink(cfg.Experiment.ResultsDir)
	}
	if c.reg == nil {
		c.reg = process.NewRegistry(c.sink.Dir)
	}
	if c.export == nil {
		c.export = database.NopWriter{}
	}
	if c.sites == nil {
		c.sites = SitesFromConfig(cfg)
	}
	if c.resolve == nil {
		c.resolve = lookupIPv4
	}
	if c.runID == "" {
		c.runID = database.NewRunID()
	}

	c.index = cfg.Experiment.Index
	if c.index == 0 {
		c.index = cfg.Tork.KMin
	}
	return c
}

// SitesFromConfig places the client locally and every other party behind
// ssh. Parties without an address are left out.
func SitesFromConfig(cfg *config.ExperimentConfig) host.Sites {
	e := cfg.Endpoints
	sites := host.Sites{host.Client: host.Local(host.Client)}

	remote := func(name, user, addr string) {
		if addr == "" {
			return
		}
		dest := addr
		if user != "" {
			dest = user + "@" + addr
		}
		sites[name] = host.Remote(name, dest)
	}
	remote(host.Bridge, e.BridgeUser, e.Bridge)
	remote(host.Server, e.StreamUser, e.StreamHost)
	remote(host.Host1, e.HostUser, e.Host1)
	remote(host.Host2, e.HostUser, e.Host2)
	return sites
}

func lookupIPv4(name string) (string, error) {
	if ip := net.ParseIP(name); ip != nil {
		return name, nil
	}
	addrs, err := net.LookupHost(name)
	if err != nil {
		return "", err
	}
	for _, a := range addrs {
		if ip := net.ParseIP(a); ip != nil && ip.To4() != nil {
			return a, nil
		}
	}
	if len(addrs) == 0 {
		return "", fmt.Errorf("no address for %s", name)
	}
	return addrs[0], nil
}

func (c *Controller) Registry() *process.Registry {
	return c.reg
}

// Index is the run index tagged onto artifacts. It is always 0 without a
// measurement subject.
func (c *Controller) Index() int {
	if c.cfg.Experiment.Mode == config.ModeNoTunnel {
		return 0
	}
	return c.index
}

func (c *Controller) SetIndex(index int) {
	c.index = index
}

// SocksPort is the subject's own listener; 0 before Setup and in no-tunnel
// mode.
func (c *Controller) SocksPort() int {
	return c.socksPort
}

func (c *Controller) logger() *logrus.Entry {
	return logging.GetLogger().WithFields(logrus.Fields{
		"experiment": c.cfg.Experiment.Name,
		"mode":       c.cfg.Experiment.Mode,
		"index":      c.Index(),
	})
}

// Setup brings the tunnel up once per process: the subject unless running
// without one, then the forwarding channel when enabled. Every failure is a
// setup failure.
func (c *Controller) Setup() error {
	if c.ready {
		return nil
	}
	logger := c.logger()
	publishState(StateInit)
	mode := c.cfg.Experiment.Mode

	if mode.UsesSubject() {
		ip, err := c.resolve(c.cfg.Endpoints.Bridge)
		if err != nil {
			return failure.Setup("resolve bridge", err)
		}
		c.bridgeIP = ip
	}

	c.torrc = config.BuildTorrc(c.cfg, c.bridgeIP)
	port, err := config.SocksPort(c.torrc)
	if err != nil {
		return failure.Setup("torrc", err)
	}
	c.socksPort = port

	if mode.UsesSubject() {
		logName := process.LogName(tor.Key.Category, tor.Key.Location, nil, 0, ".log")
		if _, err := tor.Launch(c.reg, c.cfg.Tor.Binary, c.torrc, logName, c.cfg.Tor.BootstrapTimeout); err != nil {
			return err
		}
	}

	if c.cfg.Channel.Enabled {
		if err := c.startChannel(); err != nil {
			return err
		}
	}

	c.ready = true
	publishState(StateTunnelUp)
	logger.WithFields(logrus.Fields{
		"bridge":     c.bridgeIP,
		"socks_port": c.socksPort,
		"proxy_port": c.cfg.ProxyPort(c.socksPort),
	}).Info("Tunnel is up")
	return nil
}

var channelKey = process.Key{Category: "ssh", Location: host.Client}

// ChannelArgs is the dynamic forward through the subject. Configured args
// replace the default; "{port}" in them is the forwarded port.
func (c *Controller) ChannelArgs(port int) []string {
	p := strconv.Itoa(port)
	if len(c.cfg.Channel.Args) > 0 {
		args := make([]string, len(c.cfg.Channel.Args))
		for i, a := range c.cfg.Channel.Args {
			args[i] = strings.ReplaceAll(a, "{port}", p)
		}
		return args
	}
	return []string{
		"ssh", "-N", "-D", p, "root@127.0.0.1", "-p", "9101",
		"-o", "StrictHostKeyChecking=no",
		"-o", "ProxyCommand=ssh -W %h:%p " + c.cfg.Endpoints.Bridge,
	}
}

func (c *Controller) startChannel() error {
	port := c.cfg.ProxyPort(c.socksPort)
	opts := process.DefaultChannelOptions(port)
	opts.Liveness = c.cfg.Channel.Liveness
	if c.prober != nil {
		opts.Prober = c.prober
	} else {
		opts.Prober = readiness.NewProber(c.cfg.Channel.Attempts, readiness.DefaultTimeout)
	}
	logs := process.Combined(process.LogName(channelKey.Category, channelKey.Location, nil, 0, ".log"))
	_, err := process.StartChannel(c.reg, channelKey, c.ChannelArgs(port), logs, opts)
	return err
}

// Close stops every process still registered.
func (c *Controller) Close() []error {
	c.logger().Info("Stopping all managed processes")
	errs := c.reg.StopAll()
	c.ready = false
	return errs
}

func (c *Controller) spoolDir() string {
	dir := c.cfg.Data.SpoolDir
	if dir == "" {
		dir = database.DefaultSpoolDir()
	}
	if !filepath.IsAbs(dir) {
		dir = filepath.Join(c.sink.Dir, dir)
	}
	return dir
}

func (c *Controller) tags(o *Outcome) database.SeriesTags {
	return database.SeriesTags{
		RunID:      c.runID,
		Phase:      o.Phase,
		Mode:       string(c.cfg.Experiment.Mode),
		Index:      o.Index,
		Iteration:  o.Iteration,
		Resolution: o.Resolution,
		Checksum:   c.checksum,
	}
}

const exportTimeout = 30 * time.Second

// record exports the outcome. Export problems are logged and never change
// the verdict.
func (c *Controller) record(o *Outcome, frame *dataframe.Frame, interval time.Duration) {
	logger := c.logger().WithFields(logrus.Fields{
		"phase":     o.Phase,
		"iteration": o.Iteration,
	})

	ctx, cancel := context.WithTimeout(context.Background(), exportTimeout)
	defer cancel()

	tags := c.tags(o)
	if frame != nil && o.Samples > 0 {
		if err := c.export.WriteFrame(ctx, tags, frame, interval); err != nil {
			logger.WithError(err).Warn("Failed to export series")
		}
	}
	meta := database.CollectIterationMetadata(tags, c.cfg.Experiment.Name, string(o.Verdict),
		o.Started, o.Ended, o.Samples, o.Err, c.content)
	if err := c.export.WriteMetadata(ctx, meta); err != nil {
		logger.WithError(err).Warn("Failed to export iteration metadata")
	}

	states := make([]string, len(o.States))
	for i, s := range o.States {
		states[i] = string(s)
	}
	path, err := database.WriteManifest(c.spoolDir(), &database.Manifest{
		RunID:          c.runID,
		ExperimentName: c.cfg.Experiment.Name,
		Checksum:       c.checksum,
		Mode:           string(c.cfg.Experiment.Mode),
		Phase:          o.Phase,
		Index:          o.Index,
		Iteration:      o.Iteration,
		Resolution:     o.Resolution,
		Verdict:        string(o.Verdict),
		States:         states,
		Started:        o.Started,
		Ended:          o.Ended,
		Artifacts:      o.Artifacts,
		SeriesLength:   o.Series,
		Errors:         o.Errors,
		Probes:         o.Probes,
	})
	if err != nil {
		logger.WithError(err).Warn("Failed to write manifest")
		return
	}
	logger.WithField("manifest", path).Debug("Manifest written")
}
