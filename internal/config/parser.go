package config

import (
	"fmt"
	"os"
	"regexp"
	"strconv"
	"strings"
	"time"

	"tork-perf/internal/logging"

	"github.com/docker/go-connections/nat"
	"gopkg.in/yaml.v3"
)

func LoadConfigWithContent(filepath string) (*ExperimentConfig, string, error) {
	logger := logging.GetLogger()

	data, err := os.ReadFile(filepath)
	if err != nil {
		logger.WithField("filepath", filepath).WithError(err).Error("Failed to read config file")
		return nil, "", err
	}

	originalContent := string(data)
	config, err := ParseConfig(originalContent)
	if err != nil {
		logger.WithField("filepath", filepath).WithError(err).Error("Failed to parse config file")
		return nil, "", err
	}
	return config, originalContent, nil
}

// ParseConfig expands ${VAR} references, decodes the YAML and fills every
// unset value from the environment and the built-in defaults. The result is
// not validated; call Validate once command line overrides are applied.
func ParseConfig(content string) (*ExperimentConfig, error) {
	expanded := expandEnvVars(content)

	var config ExperimentConfig
	if err := yaml.Unmarshal([]byte(expanded), &config); err != nil {
		return nil, err
	}

	ApplyEnvironment(&config)
	ApplyDefaults(&config)
	return &config, nil
}

func expandEnvVars(content string) string {
	re := regexp.MustCompile(`\$\{([^}]+)\}`)
	return re.ReplaceAllStringFunc(content, func(match string) string {
		envVar := strings.Trim(match, "${}")
		if value := os.Getenv(envVar); value != "" {
			return value
		}
		return match
	})
}

func setIfEmpty(dst *string, env string) {
	if *dst != "" {
		return
	}
	if v := strings.TrimSpace(os.Getenv(env)); v != "" {
		*dst = v
	}
}

// ApplyEnvironment fills endpoint and export settings the file leaves empty
// from the process environment. Values are taken as opaque strings.
func ApplyEnvironment(config *ExperimentConfig) {
	e := &config.Endpoints
	setIfEmpty(&e.Host1, "HOST_1")
	setIfEmpty(&e.Host2, "HOST_2")
	setIfEmpty(&e.TargetIP, "TARGET_HOST_IP")
	setIfEmpty(&e.TargetPort, "TARGET_HOST_PORT")
	setIfEmpty(&e.TorkBin, "TORK_BIN_PATH")
	setIfEmpty(&e.AnalysisPath, "TORK_ANALYSIS_PATH")
	setIfEmpty(&e.Bridge, "BRIDGE_HOST")

	if config.Experiment.ClientID == 0 {
		if v, err := strconv.Atoi(strings.TrimSpace(os.Getenv("TASK_SLOT"))); err == nil {
			config.Experiment.ClientID = v
		}
	}

	db := &config.Data.DB
	setIfEmpty(&db.Host, "INFLUXDB_HOST")
	setIfEmpty(&db.Password, "INFLUXDB_TOKEN")
	setIfEmpty(&db.Org, "INFLUXDB_ORG")
	setIfEmpty(&db.Name, "INFLUXDB_BUCKET")
}

func defaultString(dst *string, v string) {
	if *dst == "" {
		*dst = v
	}
}

func defaultInt(dst *int, v int) {
	if *dst == 0 {
		*dst = v
	}
}

func defaultDuration(dst *time.Duration, v time.Duration) {
	if *dst == 0 {
		*dst = v
	}
}

func ApplyDefaults(config *ExperimentConfig) {
	x := &config.Experiment
	defaultString(&x.Name, "tork-perf")
	defaultString(&x.LogLevel, "info")
	defaultString((*string)(&x.Mode), string(ModeTunnelAssisted))
	defaultString(&x.Config, "default")
	defaultString(&x.ResultsDir, "/results")
	defaultInt(&x.Iterations, 10)
	defaultString(&x.RunState.File, "settings.txt")
	defaultInt(&x.RunState.First, 1)
	defaultInt(&x.RunState.MaxIndex, 25)

	e := &config.Endpoints
	defaultString(&e.Bridge, "bridge")
	defaultString(&e.BridgeUser, "root")
	defaultString(&e.HostUser, "vagrant")
	defaultString(&e.StreamUser, "vlc")

	t := &config.Tork
	defaultInt(&t.MaxChunks, 1)
	defaultInt(&t.Chunk, 3125)
	defaultInt(&t.TsMin, 1667)
	defaultInt(&t.TsMax, 5001)
	defaultInt(&t.KMin, 3)
	defaultInt(&t.ChActive, 1)
	defaultInt(&t.ProxyPort, 1088)
	defaultInt(&t.StatsPort, 9091)
	defaultInt(&t.BridgePort, 8081)

	r := &config.Tor
	defaultString(&r.Binary, "/usr/local/bin/tor")
	defaultDuration(&r.BootstrapTimeout, 270*time.Second)
	defaultInt(&r.VanillaBridgePort, 9090)

	c := &config.Channel
	defaultInt(&c.PortOffset, 8)
	defaultDuration(&c.Liveness, 15*time.Second)
	defaultInt(&c.Attempts, 30)

	p := &config.Throughput
	defaultInt(&p.Window, 40)
	defaultDuration(&p.Interval, time.Second)
	defaultInt(&p.Duration, 30)
	defaultDuration(&p.WorkloadTimeout, 60*time.Second)
	defaultDuration(&p.ExtractTimeout, 120*time.Second)
	defaultString(&p.ExtractFilter, "tcp.srcport==8081&&tcp.len>0")
	defaultDuration(&p.PortRelease, 3*time.Second)
	defaultString(&p.Proxychains, "/etc/proxychains4.conf")

	s := &config.Streaming
	defaultInt(&s.Window, 75)
	defaultDuration(&s.Interval, time.Second)
	if len(s.Resolutions) == 0 {
		s.Resolutions = []string{"480p", "720p", "1080p"}
	}
	defaultString(&s.SamplePrefix, "switzerland")
	defaultInt(&s.Port, 80)
	defaultInt(&s.ControlPort, 9191)
	defaultString(&s.ChannelProxy, "/etc/proxychains4.conf")
	defaultString(&s.TorProxy, "/etc/proxychains4_tor.conf")
	defaultString(&s.BridgeCaptureDir, "/root/experiment/")
	defaultDuration(&s.PortRelease, 3*time.Second)

	d := &config.Download
	defaultString(&d.URL, "http://146.193.41.153/tork/file_1")
	defaultDuration(&d.Timeout, 10*time.Minute)

	l := &config.Latency
	defaultString(&l.Site, "https://146.193.41.153/")
	defaultInt(&l.Count, 10)
	defaultDuration(&l.HTTPingTimeout, 60*time.Second)
	defaultDuration(&l.HeadTimeout, 10*time.Second)

	pr := &config.Probes
	defaultString(&pr.Nethogs, "/usr/sbin/nethogs")
	defaultString(&pr.Tcpdump, "tcpdump")
	defaultString(&pr.Tshark, "tshark")
	defaultString(&pr.HTTPing, "httping")
	if pr.TelemetryScript == "" && e.AnalysisPath != "" {
		pr.TelemetryScript = e.AnalysisPath + "/machine_setup/Performance/telemetry.sh"
	}

	w := &config.Swarm
	defaultString(&w.Service, "tork_tor_client")
	defaultDuration(&w.Timeout, 60*time.Second)

	defaultString(&config.Data.SpoolDir, "spool")
}

func validatePort(name string, port int) error {
	if _, err := nat.NewPort("tcp", strconv.Itoa(port)); err != nil || port <= 0 || port > 65535 {
		return fmt.Errorf("%s: invalid port %d", name, port)
	}
	return nil
}

// Validate checks the effective configuration before any process starts.
func Validate(config *ExperimentConfig) error {
	if config.Experiment.Name == "" {
		return fmt.Errorf("experiment name is required")
	}
	if _, err := ParseMode(string(config.Experiment.Mode)); err != nil {
		return err
	}
	if config.Experiment.Iterations <= 0 {
		return fmt.Errorf("iterations must be greater than 0")
	}
	if config.Experiment.RunState.MaxIndex < config.Experiment.RunState.First {
		return fmt.Errorf("run_state.max_index %d is below run_state.first %d",
			config.Experiment.RunState.MaxIndex, config.Experiment.RunState.First)
	}

	if config.Throughput.Window <= 0 || config.Streaming.Window <= 0 {
		return fmt.Errorf("sampling windows must be greater than 0")
	}
	if config.Throughput.Interval <= 0 || config.Streaming.Interval <= 0 {
		return fmt.Errorf("sampling intervals must be greater than 0")
	}

	for name, port := range map[string]int{
		"tork.proxy_port":         config.Tork.ProxyPort,
		"tork.stats_port":         config.Tork.StatsPort,
		"tork.bridge_port":        config.Tork.BridgePort,
		"tor.vanilla_bridge_port": config.Tor.VanillaBridgePort,
		"streaming.port":          config.Streaming.Port,
		"streaming.control_port":  config.Streaming.ControlPort,
	} {
		if err := validatePort(name, port); err != nil {
			return err
		}
	}
	if config.Endpoints.TargetPort != "" {
		if _, err := nat.ParsePort(config.Endpoints.TargetPort); err != nil {
			return fmt.Errorf("endpoints.target_port: %w", err)
		}
	}

	if config.Experiment.Mode.UsesSubject() {
		if _, ok := config.Sections[config.Experiment.Config]; !ok {
			return fmt.Errorf("configuration section %q not defined", config.Experiment.Config)
		}
		if _, err := SocksPort(config.SubConfig(config.Experiment.Config, "torrc")); err != nil {
			return err
		}
	}
	if config.Experiment.Mode == ModeTunnelAssisted && config.Endpoints.TorkBin == "" {
		return fmt.Errorf("tunnel-assisted mode requires endpoints.tork_bin (TORK_BIN_PATH)")
	}
	if config.Channel.Enabled && !config.Experiment.Mode.UsesSubject() {
		return fmt.Errorf("the SSH channel needs a running subject; disable it in no-tunnel mode")
	}

	db := config.Data.DB
	if db.Enabled() && (db.Name == "" || db.Password == "" || db.Org == "") {
		return fmt.Errorf("incomplete database configuration")
	}

	return nil
}
