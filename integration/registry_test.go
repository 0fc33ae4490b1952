package integration

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/itsneelabh/agentmesh/core"
)

func TestRegisterAndLookup(t *testing.T) {
	r := NewServiceRegistry(nil, nil)

	require.NoError(t, r.Register(ServiceInfo{
		ServiceID:   "svc-1",
		ServiceName: "billing",
		Endpoint:    "http://billing:8080",
	}))

	info, err := r.GetService("svc-1")
	require.NoError(t, err)
	assert.Equal(t, "billing", info.ServiceName)
	assert.Equal(t, ServiceUnknown, info.Status)

	_, err = r.GetService("ghost")
	require.Error(t, err)
	assert.Equal(t, core.CodeServiceNotFound, core.CodeOf(err))
}

func TestRegisterDuplicateFails(t *testing.T) {
	r := NewServiceRegistry(nil, nil)
	info := ServiceInfo{ServiceID: "svc-1", ServiceName: "billing", Endpoint: "http://x"}
	require.NoError(t, r.Register(info))

	err := r.Register(info)
	require.Error(t, err)
	assert.ErrorIs(t, err, core.ErrDuplicateService)
}

func TestRegisterRequiresIdentity(t *testing.T) {
	r := NewServiceRegistry(nil, nil)
	assert.Error(t, r.Register(ServiceInfo{ServiceName: "x"}))
	assert.Error(t, r.Register(ServiceInfo{ServiceID: "y"}))
}

func TestLookupByNamePrefersHealthy(t *testing.T) {
	r := NewServiceRegistry(nil, nil)
	require.NoError(t, r.Register(ServiceInfo{
		ServiceID: "svc-1", ServiceName: "billing", Endpoint: "http://a", Status: ServiceUnhealthy,
	}))
	require.NoError(t, r.Register(ServiceInfo{
		ServiceID: "svc-2", ServiceName: "billing", Endpoint: "http://b", Status: ServiceHealthy,
	}))

	info, err := r.GetServiceByName("billing")
	require.NoError(t, err)
	assert.Equal(t, "svc-2", info.ServiceID)

	// With no healthy instance, any instance is returned.
	require.NoError(t, r.Deregister("svc-2"))
	info, err = r.GetServiceByName("billing")
	require.NoError(t, err)
	assert.Equal(t, "svc-1", info.ServiceID)

	_, err = r.GetServiceByName("unknown")
	require.Error(t, err)
	assert.ErrorIs(t, err, core.ErrServiceNotFound)
}

func TestDeregisterUnknown(t *testing.T) {
	r := NewServiceRegistry(nil, nil)
	assert.Error(t, r.Deregister("ghost"))
}

func TestHTTPProbeTransitions(t *testing.T) {
	var healthy atomic.Bool
	healthy.Store(true)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if healthy.Load() {
			w.WriteHeader(http.StatusOK)
			return
		}
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer server.Close()

	r := NewServiceRegistry(nil, nil)

	var mu sync.Mutex
	var events []RegistryEvent
	r.OnStatusChange(func(event RegistryEvent) {
		mu.Lock()
		defer mu.Unlock()
		events = append(events, event)
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	r.Start(ctx)
	defer r.Stop()

	require.NoError(t, r.Register(ServiceInfo{
		ServiceID:   "svc-1",
		ServiceName: "probed",
		Endpoint:    server.URL,
		HealthCheck: HealthCheckConfig{
			Kind:             ProbeHTTP,
			Path:             "/healthz",
			Interval:         20 * time.Millisecond,
			Timeout:          time.Second,
			FailureThreshold: 2,
			SuccessThreshold: 1,
		},
	}))

	require.Eventually(t, func() bool {
		info, err := r.GetService("svc-1")
		return err == nil && info.Status == ServiceHealthy
	}, 2*time.Second, 10*time.Millisecond)

	healthy.Store(false)
	require.Eventually(t, func() bool {
		info, err := r.GetService("svc-1")
		return err == nil && info.Status == ServiceUnhealthy
	}, 2*time.Second, 10*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	require.GreaterOrEqual(t, len(events), 2)
	assert.Equal(t, ServiceHealthy, events[0].To)
	assert.Equal(t, ServiceUnhealthy, events[1].To)
}

func TestTCPProbe(t *testing.T) {
	// A listener that accepts connections is a passing TCP probe.
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	defer server.Close()

	r := NewServiceRegistry(nil, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	r.Start(ctx)
	defer r.Stop()

	require.NoError(t, r.Register(ServiceInfo{
		ServiceID:   "svc-tcp",
		ServiceName: "raw",
		Endpoint:    server.Listener.Addr().String(),
		HealthCheck: HealthCheckConfig{
			Kind:             ProbeTCP,
			Interval:         20 * time.Millisecond,
			Timeout:          time.Second,
			FailureThreshold: 2,
			SuccessThreshold: 1,
		},
	}))

	require.Eventually(t, func() bool {
		info, err := r.GetService("svc-tcp")
		return err == nil && info.Status == ServiceHealthy
	}, 2*time.Second, 10*time.Millisecond)
}

func TestHeartbeat(t *testing.T) {
	r := NewServiceRegistry(nil, nil)
	require.NoError(t, r.Register(ServiceInfo{ServiceID: "svc-1", ServiceName: "hb", Endpoint: "http://x"}))

	before, _ := r.GetService("svc-1")
	time.Sleep(5 * time.Millisecond)
	require.NoError(t, r.Heartbeat("svc-1"))
	after, _ := r.GetService("svc-1")
	assert.True(t, after.HeartbeatAt.After(before.HeartbeatAt))

	assert.Error(t, r.Heartbeat("ghost"))
}
