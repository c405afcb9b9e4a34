package statschan

import (
	"strconv"
	"strings"

	"tork-perf/internal/failure"
)

const (
	BytesRequest = "stats_bytes\n"
	MediaRequest = "stats\n"
)

// BytesRecord is one stats_bytes answer. Cover counts padding/decoy traffic
// reported separately from payload.
type BytesRecord struct {
	DataRx  int64
	DataTx  int64
	CoverRx int64
	CoverTx int64
	OtherRx int64
	OtherTx int64
}

const bytesFields = 7

// ParseBytes parses "label\tdata_rx\tdata_tx\tcover_rx\tcover_tx\tother_rx\tother_tx".
// The label is not interpreted.
func ParseBytes(line string) (BytesRecord, error) {
	line = strings.TrimRight(line, "\r\n")
	fields := strings.Split(line, "\t")
	if len(fields) != bytesFields {
		return BytesRecord{}, failure.Protocolf("stats_bytes", "expected %d fields, got %d in %q", bytesFields, len(fields), line)
	}

	var values [bytesFields - 1]int64
	for i := 1; i < bytesFields; i++ {
		v, err := strconv.ParseInt(strings.TrimSpace(fields[i]), 10, 64)
		if err != nil {
			return BytesRecord{}, failure.Protocolf("stats_bytes", "field %d is not numeric: %q", i, fields[i])
		}
		values[i-1] = v
	}

	return BytesRecord{
		DataRx:  values[0],
		DataTx:  values[1],
		CoverRx: values[2],
		CoverTx: values[3],
		OtherRx: values[4],
		OtherTx: values[5],
	}, nil
}

type FrameCounters struct {
	Displayed int64
	Lost      int64
}

const (
	labelDisplayed = "frames displayed"
	labelLost      = "frames lost"
)

// ParseFrames scans the media client's stats text for the displayed and lost
// frame counters. Both must be present.
func ParseFrames(text string) (FrameCounters, error) {
	var fc FrameCounters
	var haveDisplayed, haveLost bool

	for _, line := range strings.Split(text, "\n") {
		switch {
		case strings.Contains(line, labelDisplayed):
			v, err := counterValue(line)
			if err != nil {
				return fc, err
			}
			fc.Displayed, haveDisplayed = v, true
		case strings.Contains(line, labelLost):
			v, err := counterValue(line)
			if err != nil {
				return fc, err
			}
			fc.Lost, haveLost = v, true
		}
	}

	if !haveDisplayed || !haveLost {
		return fc, failure.Protocolf("stats", "frame counters missing from response (displayed=%t lost=%t)", haveDisplayed, haveLost)
	}
	return fc, nil
}

func counterValue(line string) (int64, error) {
	parts := strings.SplitN(line, ":", 2)
	if len(parts) != 2 {
		return 0, failure.Protocolf("stats", "no value in %q", strings.TrimSpace(line))
	}
	v, err := strconv.ParseInt(strings.TrimSpace(parts[1]), 10, 64)
	if err != nil {
		return 0, failure.Protocolf("stats", "non-numeric counter in %q", strings.TrimSpace(line))
	}
	return v, nil
}
