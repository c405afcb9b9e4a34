package database

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"tork-perf/internal/config"
	"tork-perf/internal/dataframe"
	"tork-perf/internal/host"
	"tork-perf/internal/logging"

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/influxdata/influxdb-client-go/v2/api"
	"github.com/influxdata/influxdb-client-go/v2/api/write"
	"github.com/sirupsen/logrus"
)

const (
	seriesMeasurement = "experiment_series"
	metaMeasurement   = "experiment_meta"
)

// SeriesTags identify the iteration a frame belongs to.
type SeriesTags struct {
	RunID      string
	Phase      string
	Mode       string
	Index      int
	Iteration  int
	Resolution string
	Checksum   string
}

func (t SeriesTags) tags() map[string]string {
	tags := map[string]string{
		"run_id":    t.RunID,
		"phase":     t.Phase,
		"mode":      t.Mode,
		"index":     strconv.Itoa(t.Index),
		"iteration": strconv.Itoa(t.Iteration),
		"checksum":  t.Checksum,
	}
	if t.Resolution != "" {
		tags["resolution"] = t.Resolution
	}
	return tags
}

// IterationMetadata describes one finished iteration.
type IterationMetadata struct {
	SeriesTags
	ExperimentName string        `json:"experiment_name"`
	Verdict        string        `json:"verdict"`
	Started        time.Time     `json:"started"`
	Finished       time.Time     `json:"finished"`
	Duration       time.Duration `json:"duration"`
	Samples        int           `json:"samples"`
	Error          string        `json:"error,omitempty"`
	Hostname       string        `json:"hostname"`
	KernelVersion  string        `json:"kernel_version"`
	CPUModel       string        `json:"cpu_model"`
	CPUThreads     int           `json:"cpu_threads"`
	ConfigFile     string        `json:"config_file"`
}

// CollectIterationMetadata fills the host fields of the metadata record.
func CollectIterationMetadata(tags SeriesTags, name, verdict string, started, finished time.Time, samples int, runErr error, configContent string) *IterationMetadata {
	info := host.GetLocalInfo()
	m := &IterationMetadata{
		SeriesTags:     tags,
		ExperimentName: name,
		Verdict:        verdict,
		Started:        started,
		Finished:       finished,
		Duration:       finished.Sub(started),
		Samples:        samples,
		Hostname:       info.Hostname,
		KernelVersion:  info.KernelVersion,
		CPUModel:       info.CPUModel,
		CPUThreads:     info.CPUThreads,
		ConfigFile:     configContent,
	}
	if runErr != nil {
		m.Error = runErr.Error()
	}
	return m
}

// SeriesWriter exports frames and iteration metadata.
type SeriesWriter interface {
	WriteFrame(ctx context.Context, tags SeriesTags, frame *dataframe.Frame, interval time.Duration) error
	WriteMetadata(ctx context.Context, meta *IterationMetadata) error
	Close()
}

// NopWriter drops everything; used when no database is configured.
type NopWriter struct{}

func (NopWriter) WriteFrame(context.Context, SeriesTags, *dataframe.Frame, time.Duration) error {
	return nil
}
func (NopWriter) WriteMetadata(context.Context, *IterationMetadata) error { return nil }
func (NopWriter) Close()                                                  {}

type InfluxDBClient struct {
	client   influxdb2.Client
	writeAPI api.WriteAPIBlocking
	bucket   string
	org      string
}

func NewInfluxDBClient(config config.DatabaseConfig) (*InfluxDBClient, error) {
	logger := logging.GetLogger()

	client := influxdb2.NewClient(config.Host, config.Password)

	// Test connection
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	health, err := client.Health(ctx)
	if err != nil {
		logger.WithField("host", config.Host).WithError(err).Error("Failed to connect to InfluxDB")
		client.Close()
		return nil, err
	}

	if health.Status != "pass" {
		message := ""
		if health.Message != nil {
			message = *health.Message
		}
		logger.WithFields(logrus.Fields{
			"host":    config.Host,
			"status":  health.Status,
			"message": message,
		}).Error("InfluxDB health check failed")
		client.Close()
		return nil, fmt.Errorf("influxdb %s unhealthy: %s", config.Host, health.Status)
	}

	writeAPI := client.WriteAPIBlocking(config.Org, config.Name)

	logger.WithFields(logrus.Fields{
		"host":   config.Host,
		"bucket": config.Name,
		"org":    config.Org,
	}).Info("Connected to InfluxDB")

	return &InfluxDBClient{
		client:   client,
		writeAPI: writeAPI,
		bucket:   config.Name,
		org:      config.Org,
	}, nil
}

// NewSeriesWriter returns an InfluxDB writer when db is configured and a
// NopWriter otherwise. Connection failures degrade to a NopWriter: export
// never blocks an experiment.
func NewSeriesWriter(db config.DatabaseConfig) SeriesWriter {
	if !db.Enabled() {
		return NopWriter{}
	}
	w, err := NewInfluxDBClient(db)
	if err != nil {
		logging.GetLogger().WithError(err).Warn("InfluxDB export disabled")
		return NopWriter{}
	}
	return w
}

func (idb *InfluxDBClient) WriteFrame(ctx context.Context, tags SeriesTags, frame *dataframe.Frame, interval time.Duration) error {
	points := buildSeriesPoints(tags, frame, interval)
	if len(points) == 0 {
		return nil
	}
	if err := idb.writeAPI.WritePoint(ctx, points...); err != nil {
		return fmt.Errorf("failed to write data points: %w", err)
	}
	return nil
}

func (idb *InfluxDBClient) WriteMetadata(ctx context.Context, meta *IterationMetadata) error {
	if err := idb.writeAPI.WritePoint(ctx, buildMetaPoint(meta)); err != nil {
		return fmt.Errorf("failed to write metadata: %w", err)
	}
	return nil
}

// buildSeriesPoints emits one point per tick carrying every metric observed
// at that tick. Tick i is stamped frame.Started + i*interval.
func buildSeriesPoints(tags SeriesTags, frame *dataframe.Frame, interval time.Duration) []*write.Point {
	all := frame.All()
	ticks := 0
	for _, s := range all {
		if len(s.Values) > ticks {
			ticks = len(s.Values)
		}
	}

	points := make([]*write.Point, 0, ticks)
	for i := 0; i < ticks; i++ {
		fields := map[string]interface{}{"tick": i}
		for _, s := range all {
			if i < len(s.Values) {
				fields[s.Metric] = s.Values[i]
			}
		}
		ts := frame.Started.Add(time.Duration(i) * interval)
		points = append(points, influxdb2.NewPoint(seriesMeasurement, tags.tags(), fields, ts))
	}
	return points
}

func buildMetaPoint(meta *IterationMetadata) *write.Point {
	return influxdb2.NewPoint(metaMeasurement,
		meta.SeriesTags.tags(),
		map[string]interface{}{
			"experiment_name":  meta.ExperimentName,
			"verdict":          meta.Verdict,
			"started":          meta.Started.Format(time.RFC3339),
			"finished":         meta.Finished.Format(time.RFC3339),
			"duration_seconds": meta.Duration.Seconds(),
			"samples":          meta.Samples,
			"error":            meta.Error,
			"hostname":         meta.Hostname,
			"kernel_version":   meta.KernelVersion,
			"cpu_model":        meta.CPUModel,
			"cpu_threads":      meta.CPUThreads,
			"config_file":      meta.ConfigFile,
		},
		meta.Finished)
}

func (idb *InfluxDBClient) Close() {
	if idb.client != nil {
		idb.client.Close()
	}
}
