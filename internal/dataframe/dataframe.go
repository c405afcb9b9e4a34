package dataframe

import (
	"fmt"
	"sync"
	"time"
)

// Series is the ordered observations of one metric over a sampling window.
type Series struct {
	Metric string
	Values []int64
}

// Frame holds every series gathered during one sampling window. It is
// append-only while the window is open and read-only once frozen.
type Frame struct {
	Started time.Time

	series map[string]*Series
	order  []string
	frozen bool
	mutex  sync.RWMutex
}

func NewFrame(metrics ...string) *Frame {
	f := &Frame{
		Started: time.Now(),
		series:  make(map[string]*Series),
	}
	for _, m := range metrics {
		f.ensure(m)
	}
	return f
}

func (f *Frame) ensure(metric string) *Series {
	s, ok := f.series[metric]
	if !ok {
		s = &Series{Metric: metric}
		f.series[metric] = s
		f.order = append(f.order, metric)
	}
	return s
}

func (f *Frame) Append(metric string, value int64) error {
	f.mutex.Lock()
	defer f.mutex.Unlock()

	if f.frozen {
		return fmt.Errorf("series %s: window closed", metric)
	}
	s := f.ensure(metric)
	s.Values = append(s.Values, value)
	return nil
}

// Freeze closes the window. Further appends fail.
func (f *Frame) Freeze() {
	f.mutex.Lock()
	defer f.mutex.Unlock()
	f.frozen = true
}

func (f *Frame) Frozen() bool {
	f.mutex.RLock()
	defer f.mutex.RUnlock()
	return f.frozen
}

// Values returns a copy of the observations for metric.
func (f *Frame) Values(metric string) []int64 {
	f.mutex.RLock()
	defer f.mutex.RUnlock()

	s, ok := f.series[metric]
	if !ok {
		return nil
	}
	out := make([]int64, len(s.Values))
	copy(out, s.Values)
	return out
}

func (f *Frame) Len(metric string) int {
	f.mutex.RLock()
	defer f.mutex.RUnlock()
	if s, ok := f.series[metric]; ok {
		return len(s.Values)
	}
	return 0
}

// Metrics lists the metrics in first-registered order.
func (f *Frame) Metrics() []string {
	f.mutex.RLock()
	defer f.mutex.RUnlock()
	return append([]string(nil), f.order...)
}

// All returns copies of every series in first-registered order.
func (f *Frame) All() []Series {
	f.mutex.RLock()
	defer f.mutex.RUnlock()

	out := make([]Series, 0, len(f.order))
	for _, m := range f.order {
		s := f.series[m]
		out = append(out, Series{Metric: m, Values: append([]int64(nil), s.Values...)})
	}
	return out
}
