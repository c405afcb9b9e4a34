package cmd

import (
	"fmt"
	"strings"
	"time"

	"tork-perf/internal/config"
	"tork-perf/internal/database"
	"tork-perf/internal/experiment"
	"tork-perf/internal/failure"
	"tork-perf/internal/logging"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

const shutdownTimeout = 5 * time.Second

// experimentFlags override single settings of the configuration file.
type experimentFlags struct {
	configFile string
	section    string
	mode       string
	clientID   int
	channel    bool
	maxChunks  int
	chunk      int
	tsMin      int
	tsMax      int
	kMin       int
	chActive   int
	iterations int
	results    string
}

func (f *experimentFlags) register(cmd *cobra.Command) {
	fl := cmd.Flags()
	fl.StringVarP(&f.configFile, "config-file", "c", "", "Path to experiment configuration file")
	fl.StringVar(&f.section, "config", "", "Named configuration section to use")
	fl.StringVar(&f.mode, "mode", "", "Mode: tunnel-assisted (0), direct-tunnel (1) or no-tunnel (2)")
	fl.IntVar(&f.clientID, "clientid", 0, "Client identifier")
	fl.BoolVar(&f.channel, "tor-channel", false, "Route traffic through the SSH channel over the subject")
	fl.IntVar(&f.maxChunks, "max-chunks", 0, "TorK max_chunks")
	fl.IntVar(&f.chunk, "chunk", 0, "TorK chunk size")
	fl.IntVar(&f.tsMin, "ts-min", 0, "TorK ts_min")
	fl.IntVar(&f.tsMax, "ts-max", 0, "TorK ts_max")
	fl.IntVar(&f.kMin, "k-min", 0, "TorK k_min")
	fl.IntVar(&f.chActive, "ch-active", 0, "TorK ch_active")
	fl.IntVar(&f.iterations, "iterations", 0, "Throughput iterations per run")
	fl.StringVar(&f.results, "results", "", "Results directory")
	cmd.MarkFlagRequired("config-file")
}

func overrideInt(cmd *cobra.Command, name string, dst *int, v int) {
	if cmd.Flags().Changed(name) {
		*dst = v
	}
}

// load reads the configuration file, applies the flags and validates the
// result. The raw file content is returned for export.
func (f *experimentFlags) load(cmd *cobra.Command) (*config.ExperimentConfig, string, error) {
	cfg, content, err := config.LoadConfigWithContent(f.configFile)
	if err != nil {
		return nil, "", err
	}

	x := &cfg.Experiment
	if f.section != "" {
		x.Config = f.section
	}
	if f.mode != "" {
		mode, err := config.ParseMode(f.mode)
		if err != nil {
			return nil, "", err
		}
		x.Mode = mode
	}
	if f.results != "" {
		x.ResultsDir = f.results
	}
	if cmd.Flags().Changed("tor-channel") {
		cfg.Channel.Enabled = f.channel
	}
	overrideInt(cmd, "clientid", &x.ClientID, f.clientID)
	overrideInt(cmd, "iterations", &x.Iterations, f.iterations)
	t := &cfg.Tork
	overrideInt(cmd, "max-chunks", &t.MaxChunks, f.maxChunks)
	overrideInt(cmd, "chunk", &t.Chunk, f.chunk)
	overrideInt(cmd, "ts-min", &t.TsMin, f.tsMin)
	overrideInt(cmd, "ts-max", &t.TsMax, f.tsMax)
	overrideInt(cmd, "k-min", &t.KMin, f.kMin)
	overrideInt(cmd, "ch-active", &t.ChActive, f.chActive)

	if x.LogLevel != "" && !cmd.Flags().Changed("log-level") {
		if err := logging.SetLogLevel(x.LogLevel); err != nil {
			return nil, "", fmt.Errorf("invalid log level in config: %w", err)
		}
	}
	if err := config.Validate(cfg); err != nil {
		return nil, "", err
	}
	return cfg, content, nil
}

// session wires a controller for one command and returns its cleanup.
func session(cfg *config.ExperimentConfig, content string) (*experiment.Controller, func()) {
	export := database.NewSeriesWriter(cfg.Data.DB)
	c := experiment.New(cfg, experiment.Options{
		Export:        export,
		ConfigContent: content,
	})
	return c, func() {
		c.Close()
		export.Close()
	}
}

func logStart(cfg *config.ExperimentConfig, what string) {
	logging.GetLogger().WithFields(logrus.Fields{
		"experiment": cfg.Experiment.Name,
		"mode":       cfg.Experiment.Mode,
		"config":     cfg.Experiment.Config,
		"channel":    cfg.Channel.Enabled,
		"client_id":  cfg.Experiment.ClientID,
		"checksum":   config.ChecksumOrUnknown(cfg),
	}).Info("Starting " + what)
}

func newRunCommand(g *globalOptions) *cobra.Command {
	var f experimentFlags
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the throughput iterations and, if enabled, the streaming phase",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, content, err := f.load(cmd)
			if err != nil {
				return err
			}
			stopMetrics := serveMetrics(g)
			defer stopMetrics()
			ctx, cancel := signalContext()
			defer cancel()

			logStart(cfg, "experiment run")
			c, cleanup := session(cfg, content)
			defer cleanup()

			report, err := c.Run(ctx)
			if report != nil {
				logging.GetLogger().WithFields(logrus.Fields{
					"index":     report.Index,
					"phases":    len(report.Outcomes),
					"failed":    report.Failed,
					"completed": report.Completed,
				}).Info("Run summary")
			}
			return err
		},
	}
	f.register(cmd)
	return cmd
}

func newStreamCommand(g *globalOptions) *cobra.Command {
	var (
		f           experimentFlags
		resolutions []string
		iteration   int
	)
	cmd := &cobra.Command{
		Use:   "stream",
		Short: "Run only the streaming phase",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, content, err := f.load(cmd)
			if err != nil {
				return err
			}
			if len(resolutions) == 0 {
				resolutions = cfg.Streaming.Resolutions
			}
			stopMetrics := serveMetrics(g)
			defer stopMetrics()
			ctx, cancel := signalContext()
			defer cancel()

			logStart(cfg, "streaming "+strings.Join(resolutions, ","))
			c, cleanup := session(cfg, content)
			defer cleanup()

			if err := c.GuardArtifacts(resolutions...); err != nil {
				return err
			}
			if err := c.Setup(); err != nil {
				return err
			}
			var last error
			for _, res := range resolutions {
				_, err := c.Streaming(ctx, res, iteration)
				if err == nil {
					continue
				}
				last = err
				if failure.Fatal(err) {
					return err
				}
			}
			return last
		},
	}
	f.register(cmd)
	cmd.Flags().StringSliceVar(&resolutions, "resolution", nil, "Resolutions to stream (default: all configured)")
	cmd.Flags().IntVar(&iteration, "iteration", 1, "Iteration number used in capture names")
	return cmd
}

func newDownloadCommand(g *globalOptions) *cobra.Command {
	var f experimentFlags
	cmd := &cobra.Command{
		Use:   "download",
		Short: "Download the reference file through the subject until interrupted",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, content, err := f.load(cmd)
			if err != nil {
				return err
			}
			stopMetrics := serveMetrics(g)
			defer stopMetrics()
			ctx, cancel := signalContext()
			defer cancel()

			logStart(cfg, "continuous download")
			c, cleanup := session(cfg, content)
			defer cleanup()
			return c.Download(ctx)
		},
	}
	f.register(cmd)
	return cmd
}

func newValidateCommand() *cobra.Command {
	var f experimentFlags
	cmd := &cobra.Command{
		Use:   "validate",
		Short: "Validate an experiment configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := logging.GetLogger()
			cfg, _, err := f.load(cmd)
			if err != nil {
				logger.WithField("config_file", f.configFile).WithError(err).Error("Configuration validation failed")
				return err
			}
			torrc := config.BuildTorrc(cfg, cfg.Endpoints.Bridge)
			logger.WithFields(logrus.Fields{
				"config_file": f.configFile,
				"mode":        cfg.Experiment.Mode,
				"checksum":    config.ChecksumOrUnknown(cfg),
				"torrc":       strings.Join(torrc.Args(), " "),
			}).Info("Configuration is valid")
			return nil
		},
	}
	f.register(cmd)
	return cmd
}

func newStateCommand() *cobra.Command {
	var f experimentFlags
	cmd := &cobra.Command{
		Use:   "state",
		Short: "Show the persisted run index",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, _, err := f.load(cmd)
			if err != nil {
				return err
			}
			c := experiment.New(cfg, experiment.Options{})
			st, ok, err := c.RunState()
			if err != nil {
				return err
			}
			if !ok {
				fmt.Fprintln(cmd.OutOrStdout(), "no run state recorded")
				return nil
			}
			fmt.Fprintln(cmd.OutOrStdout(), st.String())
			return nil
		},
	}
	f.register(cmd)
	return cmd
}
