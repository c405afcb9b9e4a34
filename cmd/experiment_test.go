package cmd

import (
	"os"
	"path/filepath"
	"testing"

	"tork-perf/internal/config"
	"tork-perf/internal/failure"
)

const cmdConfig = `
experiment:
  name: cli
  mode: direct-tunnel
configs:
  default:
    torrc socksport: "9050"
  fast:
    torrc socksport: "9150"
`

func writeConfig(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "experiment.yml")
	if err := os.WriteFile(path, []byte(cmdConfig), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestFlagsOverrideConfig(t *testing.T) {
	cmd := newRunCommand(&globalOptions{})
	var f experimentFlags
	cmd.ResetFlags()
	f.register(cmd)

	path := writeConfig(t)
	if err := cmd.ParseFlags([]string{"-c", path, "--config", "fast", "--mode", "2", "--k-min", "7", "--iterations", "4"}); err != nil {
		t.Fatalf("ParseFlags: %v", err)
	}
	cfg, content, err := f.load(cmd)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if content != cmdConfig {
		t.Fatalf("raw content not kept")
	}
	if cfg.Experiment.Mode != config.ModeNoTunnel {
		t.Fatalf("expected no-tunnel, got %s", cfg.Experiment.Mode)
	}
	if cfg.Experiment.Config != "fast" || cfg.Tork.KMin != 7 || cfg.Experiment.Iterations != 4 {
		t.Fatalf("overrides not applied: %+v", cfg.Experiment)
	}
	if cfg.Tork.Chunk != 3125 {
		t.Fatalf("unset flag changed chunk to %d", cfg.Tork.Chunk)
	}
}

func TestFlagsRejectBadMode(t *testing.T) {
	cmd := newRunCommand(&globalOptions{})
	var f experimentFlags
	cmd.ResetFlags()
	f.register(cmd)

	if err := cmd.ParseFlags([]string{"-c", writeConfig(t), "--mode", "bogus"}); err != nil {
		t.Fatalf("ParseFlags: %v", err)
	}
	if _, _, err := f.load(cmd); err == nil {
		t.Fatalf("expected invalid mode error")
	}
}

func TestStreamGuardStopsBeforeSetup(t *testing.T) {
	results := t.TempDir()
	if err := os.WriteFile(filepath.Join(results, "frames_displayed_480p.txt"), []byte("1\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	cmd := newStreamCommand(&globalOptions{})
	cmd.SilenceUsage = true
	cmd.SilenceErrors = true
	cmd.SetArgs([]string{"-c", writeConfig(t), "--results", results, "--resolution", "240p,480p"})

	err := cmd.Execute()
	if !failure.Is(err, failure.KindGuard) {
		t.Fatalf("expected guard failure, got %v", err)
	}
	if _, err := os.Stat(filepath.Join(results, "tor_client.log")); !os.IsNotExist(err) {
		t.Fatalf("subject was launched despite the guard")
	}
}
