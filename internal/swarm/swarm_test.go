package swarm

import (
	"context"
	"errors"
	"testing"
	"time"

	"tork-perf/internal/failure"

	"github.com/docker/docker/api/types/swarm"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeAPI struct {
	service    swarm.Service
	inspectErr error
	updateErr  error
	block      bool

	updated *swarm.ServiceSpec
	version swarm.Version
}

func (f *fakeAPI) Inspect(ctx context.Context, service string) (swarm.Service, error) {
	if f.inspectErr != nil {
		return swarm.Service{}, f.inspectErr
	}
	return f.service, nil
}

func (f *fakeAPI) Update(ctx context.Context, id string, version swarm.Version, spec swarm.ServiceSpec) ([]string, error) {
	if f.block {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	if f.updateErr != nil {
		return nil, f.updateErr
	}
	f.updated = &spec
	f.version = version
	return []string{"image could not be accessed"}, nil
}

func replicated(n uint64) swarm.Service {
	svc := swarm.Service{ID: "svc1"}
	svc.Version.Index = 7
	svc.Spec.Mode.Replicated = &swarm.ReplicatedService{Replicas: &n}
	return svc
}

func TestScaleUpdatesReplicas(t *testing.T) {
	api := &fakeAPI{service: replicated(1)}
	s := NewScalerWithAPI(api, time.Second)

	require.NoError(t, s.Scale(context.Background(), DefaultService, 4))
	require.NotNil(t, api.updated)
	assert.Equal(t, uint64(4), *api.updated.Mode.Replicated.Replicas)
	assert.Equal(t, uint64(7), api.version.Index)
}

func TestScaleNoopAtTarget(t *testing.T) {
	api := &fakeAPI{service: replicated(2)}
	require.NoError(t, NewScalerWithAPI(api, time.Second).Scale(context.Background(), DefaultService, 2))
	assert.Nil(t, api.updated)
}

func TestScaleFailuresAreSetup(t *testing.T) {
	cases := map[string]*fakeAPI{
		"inspect":    {inspectErr: errors.New("no such service")},
		"global":     {service: swarm.Service{ID: "g"}},
		"update":     {service: replicated(0), updateErr: errors.New("out of sequence")},
		"slow apply": {service: replicated(0), block: true},
	}
	for name, api := range cases {
		err := NewScalerWithAPI(api, 50*time.Millisecond).Scale(context.Background(), DefaultService, 3)
		require.Error(t, err, name)
		assert.Equal(t, failure.KindSetup, failure.KindOf(err), name)
	}
}

func TestReplicasFor(t *testing.T) {
	assert.Equal(t, uint64(0), ReplicasFor(1))
	assert.Equal(t, uint64(0), ReplicasFor(0))
	assert.Equal(t, uint64(24), ReplicasFor(25))
}
