package config

import (
	"fmt"
	"strings"
	"time"
)

type Mode string

const (
	// ModeTunnelAssisted runs tor through the TorK pluggable transport and
	// samples its statistics socket.
	ModeTunnelAssisted Mode = "tunnel-assisted"
	// ModeDirectTunnel runs vanilla tor against a plain bridge.
	ModeDirectTunnel Mode = "direct-tunnel"
	// ModeNoTunnel is the baseline without any measurement subject.
	ModeNoTunnel Mode = "no-tunnel"
)

// ParseMode accepts the mode names and the numeric aliases 0, 1 and 2.
func ParseMode(s string) (Mode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "0", string(ModeTunnelAssisted), "tork":
		return ModeTunnelAssisted, nil
	case "1", string(ModeDirectTunnel), "tor":
		return ModeDirectTunnel, nil
	case "2", string(ModeNoTunnel), "direct":
		return ModeNoTunnel, nil
	}
	return "", fmt.Errorf("invalid mode %q", s)
}

func (m Mode) UsesSubject() bool {
	return m != ModeNoTunnel
}

type ExperimentConfig struct {
	Experiment ExperimentInfo     `yaml:"experiment"`
	Endpoints  EndpointsConfig    `yaml:"endpoints"`
	Tork       TorkConfig         `yaml:"tork"`
	Tor        TorConfig          `yaml:"tor"`
	Channel    ChannelConfig      `yaml:"channel"`
	Throughput ThroughputConfig   `yaml:"throughput"`
	Streaming  StreamingConfig    `yaml:"streaming"`
	Download   DownloadConfig     `yaml:"download"`
	Latency    LatencyConfig      `yaml:"latency"`
	Probes     ProbesConfig       `yaml:"probes"`
	Swarm      SwarmConfig        `yaml:"swarm"`
	Data       DataConfig         `yaml:"data"`
	Sections   map[string]Section `yaml:"configs"`
}

type ExperimentInfo struct {
	Name        string         `yaml:"name"`
	Description string         `yaml:"description"`
	LogLevel    string         `yaml:"log_level"`
	ClientID    int            `yaml:"client_id"`
	Mode        Mode           `yaml:"mode"`
	Config      string         `yaml:"config"`
	ResultsDir  string         `yaml:"results_dir"`
	Iterations  int            `yaml:"iterations"`
	Index       int            `yaml:"index"`
	RunState    RunStateConfig `yaml:"run_state"`
}

type RunStateConfig struct {
	Enabled  bool   `yaml:"enabled"`
	File     string `yaml:"file"`
	First    int    `yaml:"first"`
	MaxIndex int    `yaml:"max_index"`
}

// EndpointsConfig names every remote party. Values are opaque strings taken
// from the file or the process environment.
type EndpointsConfig struct {
	Bridge       string `yaml:"bridge"`
	BridgeUser   string `yaml:"bridge_user"`
	Host1        string `yaml:"host_1"`
	Host2        string `yaml:"host_2"`
	HostUser     string `yaml:"host_user"`
	TargetIP     string `yaml:"target_ip"`
	TargetPort   string `yaml:"target_port"`
	StreamHost   string `yaml:"stream_host"`
	StreamUser   string `yaml:"stream_user"`
	TorkBin      string `yaml:"tork_bin"`
	AnalysisPath string `yaml:"analysis_path"`
}

type TorkConfig struct {
	MaxChunks  int `yaml:"max_chunks"`
	Chunk      int `yaml:"chunk"`
	TsMin      int `yaml:"ts_min"`
	TsMax      int `yaml:"ts_max"`
	KMin       int `yaml:"k_min"`
	ChActive   int `yaml:"ch_active"`
	ProxyPort  int `yaml:"proxy_port"`
	StatsPort  int `yaml:"stats_port"`
	BridgePort int `yaml:"bridge_port"`
}

type TorConfig struct {
	Binary            string        `yaml:"binary"`
	BootstrapTimeout  time.Duration `yaml:"bootstrap_timeout"`
	VanillaBridgePort int           `yaml:"vanilla_bridge_port"`
}

type ChannelConfig struct {
	Enabled    bool          `yaml:"enabled"`
	PortOffset int           `yaml:"port_offset"`
	Args       []string      `yaml:"args"`
	Liveness   time.Duration `yaml:"liveness"`
	Attempts   int           `yaml:"attempts"`
}

type ThroughputConfig struct {
	Window          int           `yaml:"window"`
	Interval        time.Duration `yaml:"interval"`
	Duration        int           `yaml:"duration"`
	WorkloadTimeout time.Duration `yaml:"workload_timeout"`
	ExtractTimeout  time.Duration `yaml:"extract_timeout"`
	ExtractFilter   string        `yaml:"extract_filter"`
	PortRelease     time.Duration `yaml:"port_release"`
	Proxychains     string        `yaml:"proxychains"`

	// Command replaces the iperf3 client invocation when set.
	Command string `yaml:"command"`
}

type StreamingConfig struct {
	Enabled          bool          `yaml:"enabled"`
	Window           int           `yaml:"window"`
	Interval         time.Duration `yaml:"interval"`
	Resolutions      []string      `yaml:"resolutions"`
	SamplePrefix     string        `yaml:"sample_prefix"`
	Port             int           `yaml:"port"`
	ControlPort      int           `yaml:"control_port"`
	ChannelProxy     string        `yaml:"channel_proxychains"`
	TorProxy         string        `yaml:"tor_proxychains"`
	BridgeCaptureDir string        `yaml:"bridge_capture_dir"`
	PortRelease      time.Duration `yaml:"port_release"`
}

type DownloadConfig struct {
	URL     string        `yaml:"url"`
	Timeout time.Duration `yaml:"timeout"`
	Pause   time.Duration `yaml:"pause"`
}

type LatencyConfig struct {
	Site           string        `yaml:"site"`
	Count          int           `yaml:"count"`
	HTTPingTimeout time.Duration `yaml:"httping_timeout"`
	HeadTimeout    time.Duration `yaml:"head_timeout"`

	// Head adds an in-process HEAD request through the proxy port.
	Head bool `yaml:"head"`
}

type ProbesConfig struct {
	Nethogs         string `yaml:"nethogs"`
	Tcpdump         string `yaml:"tcpdump"`
	TelemetryScript string `yaml:"telemetry_script"`
	Tshark          string `yaml:"tshark"`
	HTTPing         string `yaml:"httping"`
}

type SwarmConfig struct {
	Host    string        `yaml:"host"`
	Service string        `yaml:"service"`
	Timeout time.Duration `yaml:"timeout"`
}

type DataConfig struct {
	DB       DatabaseConfig `yaml:"db"`
	SpoolDir string         `yaml:"spool_dir"`
}

type DatabaseConfig struct {
	Host     string `yaml:"host"`
	Name     string `yaml:"name"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	Org      string `yaml:"org"`
}

func (db DatabaseConfig) Enabled() bool {
	return db.Host != ""
}

// Section is one named configuration: option keys of the form
// "<prefix> <name>" mapped to values.
type Section map[string]string

// SubConfig flattens the options of section that start with prefix into a
// name -> value map.
func (c *ExperimentConfig) SubConfig(section, prefix string) map[string]string {
	out := make(map[string]string)
	for option, value := range c.Sections[section] {
		fields := strings.Fields(option)
		if len(fields) != 2 || fields[0] != prefix {
			continue
		}
		out[fields[1]] = value
	}
	return out
}

// ProxyPort is the SOCKS port later steps route through: the channel port
// when the SSH channel is used, the subject's own port otherwise.
func (c *ExperimentConfig) ProxyPort(socksPort int) int {
	if c.Channel.Enabled {
		return socksPort + c.Channel.PortOffset
	}
	return socksPort
}

