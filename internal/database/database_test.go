package database

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"tork-perf/internal/config"
	"tork-perf/internal/dataframe"
	"tork-perf/internal/probe"
)

func TestBuildSeriesPointsOnePerTick(t *testing.T) {
	f := dataframe.NewFrame("data_bytes_received", "tor_bytes_received")
	f.Append("data_bytes_received", 10)
	f.Append("data_bytes_received", 20)
	f.Append("tor_bytes_received", 5)
	f.Freeze()

	tags := SeriesTags{RunID: "r1", Phase: "throughput", Mode: "tunnel-assisted", Index: 3, Iteration: 2}
	points := buildSeriesPoints(tags, f, time.Second)
	if len(points) != 2 {
		t.Fatalf("expected 2 points, got %d", len(points))
	}

	if points[0].Name() != seriesMeasurement {
		t.Fatalf("unexpected measurement %q", points[0].Name())
	}
	if !points[1].Time().Equal(f.Started.Add(time.Second)) {
		t.Fatalf("tick 1 not stamped one interval after start")
	}

	fields := map[string]interface{}{}
	for _, fl := range points[1].FieldList() {
		fields[fl.Key] = fl.Value
	}
	if _, ok := fields["tor_bytes_received"]; ok {
		t.Fatalf("tick 1 must not carry a value the series does not have")
	}
	if fields["data_bytes_received"] != int64(20) {
		t.Fatalf("unexpected data value %v", fields["data_bytes_received"])
	}

	tagMap := map[string]string{}
	for _, tg := range points[0].TagList() {
		tagMap[tg.Key] = tg.Value
	}
	if tagMap["index"] != "3" || tagMap["iteration"] != "2" || tagMap["run_id"] != "r1" {
		t.Fatalf("unexpected tags %v", tagMap)
	}
	if _, ok := tagMap["resolution"]; ok {
		t.Fatalf("throughput points must not carry a resolution tag")
	}
}

func TestBuildSeriesPointsEmptyFrame(t *testing.T) {
	if n := len(buildSeriesPoints(SeriesTags{}, dataframe.NewFrame(), time.Second)); n != 0 {
		t.Fatalf("expected no points, got %d", n)
	}
}

func TestBuildMetaPoint(t *testing.T) {
	started := time.Now().Add(-time.Minute)
	meta := CollectIterationMetadata(SeriesTags{Phase: "streaming", Resolution: "720p"}, "exp", "FAILED",
		started, started.Add(time.Minute), 75, errors.New("workload timeout"), "experiment: {}")
	p := buildMetaPoint(meta)
	if p.Name() != metaMeasurement {
		t.Fatalf("unexpected measurement %q", p.Name())
	}
	found := false
	for _, fl := range p.FieldList() {
		if fl.Key == "error" && fl.Value == "workload timeout" {
			found = true
		}
	}
	if !found {
		t.Fatalf("error field missing")
	}
}

func TestNewSeriesWriterDisabled(t *testing.T) {
	if _, ok := NewSeriesWriter(config.DatabaseConfig{}).(NopWriter); !ok {
		t.Fatalf("expected NopWriter without a database host")
	}
}

func TestManifestRoundTrip(t *testing.T) {
	dir := t.TempDir()
	m := &Manifest{
		RunID:        NewRunID(),
		Checksum:     "abc123",
		Phase:        "throughput",
		Index:        3,
		Iteration:    1,
		Verdict:      "SUCCESS",
		States:       []string{"TUNNEL_UP", "PROBES_UP", "SAMPLING", "TEARDOWN", "SUCCESS"},
		Artifacts:    []string{"data_bytes_received_3_1.txt"},
		SeriesLength: map[string]int{"data_bytes_received": 40},
		Probes:       &probe.Result{Started: []string{"nethogs/client"}},
	}

	path, err := WriteManifest(dir, m)
	if err != nil {
		t.Fatalf("WriteManifest: %v", err)
	}
	if !strings.HasPrefix(filepath.Base(path), "throughput_k_3_1_") || !strings.HasSuffix(path, "_abc123.json.gz") {
		t.Fatalf("unexpected manifest name %q", path)
	}

	entries, _ := os.ReadDir(dir)
	if len(entries) != 1 {
		t.Fatalf("expected only the final manifest, found %d entries", len(entries))
	}

	got, err := ReadManifest(path)
	if err != nil {
		t.Fatalf("ReadManifest: %v", err)
	}
	if got.RunID != m.RunID || got.Version != 1 || got.SeriesLength["data_bytes_received"] != 40 {
		t.Fatalf("manifest did not round trip: %+v", got)
	}
	if len(got.Probes.Started) != 1 {
		t.Fatalf("probe result lost")
	}
}

func TestWriteManifestNil(t *testing.T) {
	if _, err := WriteManifest(t.TempDir(), nil); err == nil {
		t.Fatalf("expected error for nil manifest")
	}
}
