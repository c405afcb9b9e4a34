// Package swarm resizes the background client service of a direct-tunnel run
// so that the number of concurrent subject clients matches the run index.
package swarm

import (
	"context"
	"time"

	"tork-perf/internal/failure"
	"tork-perf/internal/logging"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/swarm"
	"github.com/docker/docker/client"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

const (
	DefaultService = "tork_tor_client"
	DefaultTimeout = 60 * time.Second
)

// ServiceAPI is the part of the swarm manager API the scaler needs. Update
// returns the manager's warnings.
type ServiceAPI interface {
	Inspect(ctx context.Context, service string) (swarm.Service, error)
	Update(ctx context.Context, id string, version swarm.Version, spec swarm.ServiceSpec) ([]string, error)
}

type dockerAPI struct {
	cli *client.Client
}

func (d dockerAPI) Inspect(ctx context.Context, service string) (swarm.Service, error) {
	svc, _, err := d.cli.ServiceInspectWithRaw(ctx, service, types.ServiceInspectOptions{})
	return svc, err
}

func (d dockerAPI) Update(ctx context.Context, id string, version swarm.Version, spec swarm.ServiceSpec) ([]string, error) {
	resp, err := d.cli.ServiceUpdate(ctx, id, version, spec, types.ServiceUpdateOptions{})
	return resp.Warnings, err
}

type Scaler struct {
	api     ServiceAPI
	timeout time.Duration
	closer  func() error
}

// NewScaler connects to the swarm manager at host (a docker daemon URL). An
// empty host falls back to the DOCKER_* environment.
func NewScaler(host string, timeout time.Duration) (*Scaler, error) {
	opts := []client.Opt{client.FromEnv, client.WithAPIVersionNegotiation()}
	if host != "" {
		opts = append(opts, client.WithHost(host))
	}
	cli, err := client.NewClientWithOpts(opts...)
	if err != nil {
		return nil, errors.Wrap(err, "create docker client")
	}
	s := NewScalerWithAPI(dockerAPI{cli: cli}, timeout)
	s.closer = cli.Close
	return s, nil
}

func NewScalerWithAPI(api ServiceAPI, timeout time.Duration) *Scaler {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Scaler{api: api, timeout: timeout}
}

// Scale sets the replica count of a replicated service. It must complete
// within the scaler timeout; any failure is a setup failure.
func (s *Scaler) Scale(ctx context.Context, service string, replicas uint64) error {
	logger := logging.GetLogger().WithFields(logrus.Fields{
		"service":  service,
		"replicas": replicas,
	})

	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	svc, err := s.api.Inspect(ctx, service)
	if err != nil {
		return failure.Setup("swarm", errors.Wrapf(err, "inspect service %s", service))
	}
	if svc.Spec.Mode.Replicated == nil {
		return failure.Setupf("swarm", "service %s is not replicated", service)
	}

	current := uint64(0)
	if svc.Spec.Mode.Replicated.Replicas != nil {
		current = *svc.Spec.Mode.Replicated.Replicas
	}
	if current == replicas {
		logger.Debug("Service already at requested scale")
		return nil
	}

	spec := svc.Spec
	mode := *svc.Spec.Mode.Replicated
	mode.Replicas = &replicas
	spec.Mode.Replicated = &mode
	warnings, err := s.api.Update(ctx, svc.ID, svc.Version, spec)
	if err != nil {
		if ctx.Err() != nil {
			return failure.Setupf("swarm", "scaling %s took longer than %s", service, s.timeout)
		}
		return failure.Setup("swarm", errors.Wrapf(err, "update service %s", service))
	}
	for _, w := range warnings {
		logger.WithField("warning", w).Warn("Swarm reported a warning")
	}

	logger.WithField("previous", current).Info("Scaled service")
	return nil
}

// ReplicasFor is the background client count of run index: the client under
// test is the remaining one.
func ReplicasFor(index int) uint64 {
	if index <= 1 {
		return 0
	}
	return uint64(index - 1)
}

func (s *Scaler) Close() error {
	if s.closer != nil {
		return s.closer()
	}
	return nil
}
