package experiment

import (
	"time"

	"tork-perf/internal/metrics"
	"tork-perf/internal/probe"
)

type State string

const (
	StateInit     State = "INIT"
	StateTunnelUp State = "TUNNEL_UP"
	StateProbesUp State = "PROBES_UP"
	StateSampling State = "SAMPLING"
	StateTeardown State = "TEARDOWN"
	StateSuccess  State = "SUCCESS"
	StateFailed   State = "FAILED"
)

var allStates = []State{
	StateInit, StateTunnelUp, StateProbesUp, StateSampling,
	StateTeardown, StateSuccess, StateFailed,
}

func publishState(s State) {
	for _, st := range allStates {
		v := 0.0
		if st == s {
			v = 1
		}
		metrics.State.WithLabelValues(string(st)).Set(v)
	}
}

const (
	PhaseThroughput = "throughput"
	PhaseStreaming  = "streaming"
)

// Outcome is the verdict and trail of one phase iteration.
type Outcome struct {
	Phase      string
	Index      int
	Iteration  int
	Resolution string

	States    []State
	Verdict   State
	Err       error
	Teardown  []string
	Errors    []string
	Artifacts []string
	Samples   int
	Series    map[string]int
	Probes    *probe.Result

	Started time.Time
	Ended   time.Time
}

func newOutcome(phase string, index, iteration int, resolution string) *Outcome {
	return &Outcome{
		Phase:      phase,
		Index:      index,
		Iteration:  iteration,
		Resolution: resolution,
		Series:     make(map[string]int),
		Started:    time.Now(),
	}
}

func (o *Outcome) enter(s State) {
	o.States = append(o.States, s)
	publishState(s)
}

func (o *Outcome) noteError(err error) {
	if err != nil {
		o.Errors = append(o.Errors, err.Error())
	}
}

func (o *Outcome) Succeeded() bool {
	return o.Verdict == StateSuccess
}

// finish moves the outcome to its terminal state. The first error recorded
// decides the verdict.
func (o *Outcome) finish(err error) {
	if err != nil && o.Err == nil {
		o.Err = err
	}
	o.Ended = time.Now()
	if o.Err != nil {
		o.Verdict = StateFailed
	} else {
		o.Verdict = StateSuccess
	}
	o.enter(o.Verdict)
	metrics.Iterations.WithLabelValues(o.Phase, string(o.Verdict)).Inc()
}
