package collectors

import (
	"context"
	"errors"
	"testing"
	"time"

	"tork-perf/internal/dataframe"
	"tork-perf/internal/failure"
	"tork-perf/internal/statschan"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type scripted struct {
	responses []string
	calls     int
	requests  []string
}

func (s *scripted) Query(req string) (string, error) {
	s.requests = append(s.requests, req)
	if s.calls >= len(s.responses) {
		return "", errors.New("no more responses")
	}
	r := s.responses[s.calls]
	s.calls++
	return r, nil
}

func repeat(line string, n int) []string {
	out := make([]string, n)
	for i := range out {
		out[i] = line
	}
	return out
}

func TestWindowCollectsExactlyTicks(t *testing.T) {
	q := &scripted{responses: repeat("X\t100\t50\t10\t5\t2\t1\n", 5)}
	f := dataframe.NewFrame(BytesMetrics...)

	n, err := Window{Ticks: 5, Interval: time.Millisecond}.Run(context.Background(), f, BytesCollector{Client: q})
	require.NoError(t, err)
	assert.Equal(t, 5, n)
	for _, m := range BytesMetrics {
		assert.Equal(t, 5, f.Len(m), m)
	}
	assert.Equal(t, []int64{100, 100, 100, 100, 100}, f.Values(DataBytesReceived))
	assert.Equal(t, int64(10), f.Values(CoverBytesReceived)[0])
	assert.Equal(t, int64(1), f.Values(OtherBytesSent)[0])
	assert.True(t, f.Frozen())
	for _, r := range q.requests {
		assert.Equal(t, statschan.BytesRequest, r)
	}
}

func TestWindowStopsOnFirstParseFailure(t *testing.T) {
	q := &scripted{responses: []string{
		"X\t1\t1\t1\t1\t1\t1\n",
		"X\t2\t2\t2\t2\t2\t2\n",
		"X\tgarbage\n",
		"X\t4\t4\t4\t4\t4\t4\n",
	}}
	f := dataframe.NewFrame(BytesMetrics...)

	n, err := Window{Ticks: 10, Interval: time.Millisecond}.Run(context.Background(), f, BytesCollector{Client: q})
	require.Error(t, err)
	assert.Equal(t, failure.KindProtocol, failure.KindOf(err))
	assert.Equal(t, 2, n)
	assert.Equal(t, []int64{1, 2}, f.Values(DataBytesReceived))
	assert.Equal(t, 3, q.calls)
	assert.True(t, f.Frozen())
}

func TestWindowRunsCollectorsInOrderPerTick(t *testing.T) {
	bytesQ := &scripted{responses: repeat("X\t1\t2\t3\t4\t5\t6\n", 2)}
	mediaQ := &scripted{responses: repeat("frames displayed: 30\nframes lost: 0\n", 2)}
	f := dataframe.NewFrame(append(FrameMetrics, BytesMetrics...)...)

	n, err := Window{Ticks: 2, Interval: time.Millisecond}.Run(context.Background(), f,
		BytesCollector{Client: bytesQ}, MediaCollector{Client: mediaQ})
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Equal(t, []int64{30, 30}, f.Values(FramesDisplayed))
	assert.Equal(t, []int64{0, 0}, f.Values(FramesLost))
	assert.Equal(t, []string{statschan.MediaRequest, statschan.MediaRequest}, mediaQ.requests)
}

func TestWindowWithoutCollectorsStillElapses(t *testing.T) {
	f := dataframe.NewFrame()
	start := time.Now()
	n, err := Window{Ticks: 3, Interval: 10 * time.Millisecond}.Run(context.Background(), f)
	require.NoError(t, err)
	assert.Equal(t, 3, n)
	assert.GreaterOrEqual(t, time.Since(start), 30*time.Millisecond)
}

func TestWindowHonoursCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	q := &scripted{responses: repeat("X\t1\t1\t1\t1\t1\t1\n", 10)}
	f := dataframe.NewFrame(BytesMetrics...)

	n, err := Window{Ticks: 10, Interval: time.Hour}.Run(ctx, f, BytesCollector{Client: q})
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 1, n)
}
