package integration

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/itsneelabh/agentmesh/core"
)

// ServiceStatus is the probed health of a service instance.
type ServiceStatus string

const (
	ServiceHealthy   ServiceStatus = "healthy"
	ServiceUnhealthy ServiceStatus = "unhealthy"
	ServiceDegraded  ServiceStatus = "degraded"
	ServiceUnknown   ServiceStatus = "unknown"
)

// ProbeKind selects how an instance is health-checked.
type ProbeKind string

const (
	ProbeHTTP  ProbeKind = "http"
	ProbeTCP   ProbeKind = "tcp"
	ProbeRedis ProbeKind = "redis"
	ProbeNone  ProbeKind = "none"
)

// HealthCheckConfig configures one instance's probe loop.
type HealthCheckConfig struct {
	Kind             ProbeKind     `json:"kind"`
	Path             string        `json:"path,omitempty"` // HTTP probes
	Interval         time.Duration `json:"interval"`
	Timeout          time.Duration `json:"timeout"`
	FailureThreshold int           `json:"failure_threshold"`
	SuccessThreshold int           `json:"success_threshold"`
}

// ServiceInfo is one registered service instance. A logical
// service_name may have many instances, each with its own service_id.
type ServiceInfo struct {
	ServiceID   string            `json:"service_id"`
	ServiceName string            `json:"service_name"`
	Endpoint    string            `json:"endpoint"`
	Status      ServiceStatus     `json:"status"`
	HealthCheck HealthCheckConfig `json:"health_check_config"`
	Metadata    map[string]string `json:"metadata,omitempty"`
	LastProbeAt time.Time         `json:"last_probe_at"`
	HeartbeatAt time.Time         `json:"heartbeat_at"`
}

// RegistryEvent reports a status transition.
type RegistryEvent struct {
	ServiceID   string        `json:"service_id"`
	ServiceName string        `json:"service_name"`
	From        ServiceStatus `json:"from"`
	To          ServiceStatus `json:"to"`
	At          time.Time     `json:"at"`
}

// serviceEntry pairs the record with its probe loop state.
type serviceEntry struct {
	info                 ServiceInfo
	consecutiveFailures  int
	consecutiveSuccesses int
	cancel               context.CancelFunc
}

// ServiceRegistry is the in-memory instance registry with per-instance
// active health probes.
type ServiceRegistry struct {
	logger  core.Logger
	redis   *core.RedisClient // for redis-kind probes
	onEvent func(RegistryEvent)

	mu       sync.RWMutex
	services map[string]*serviceEntry
	running  bool
	baseCtx  context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup

	httpClient *http.Client
}

// NewServiceRegistry creates the registry. redis may be nil (redis
// probes then report unhealthy).
func NewServiceRegistry(redis *core.RedisClient, logger core.Logger) *ServiceRegistry {
	if logger == nil {
		logger = &core.NoOpLogger{}
	}
	if cal, ok := logger.(core.ComponentAwareLogger); ok {
		logger = cal.WithComponent("integration/registry")
	}
	return &ServiceRegistry{
		logger:     logger,
		redis:      redis,
		services:   make(map[string]*serviceEntry),
		httpClient: &http.Client{},
	}
}

// OnStatusChange installs the event callback invoked on every status
// transition.
func (r *ServiceRegistry) OnStatusChange(fn func(RegistryEvent)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.onEvent = fn
}

// Start enables health-check loops for current and future
// registrations.
func (r *ServiceRegistry) Start(ctx context.Context) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.running {
		return
	}
	r.baseCtx, r.cancel = context.WithCancel(ctx)
	r.running = true
	for _, entry := range r.services {
		r.startProbeLocked(entry)
	}
}

// Stop cancels all probe loops and waits for them.
func (r *ServiceRegistry) Stop() {
	r.mu.Lock()
	if !r.running {
		r.mu.Unlock()
		return
	}
	r.running = false
	r.cancel()
	r.mu.Unlock()
	r.wg.Wait()
}

// Register adds a service instance. Duplicate ids fail. When the
// registry is running and the instance has a probe configured, its
// health-check loop starts immediately.
func (r *ServiceRegistry) Register(info ServiceInfo) error {
	const op = "registry.Register"
	if info.ServiceID == "" || info.ServiceName == "" {
		return core.NewError(core.CodeServiceNotFound, core.KindInvalid, op, info.ServiceID,
			fmt.Errorf("service_id and service_name are required"))
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.services[info.ServiceID]; ok {
		return core.NewError(core.CodeServiceNotFound, core.KindConflict, op, info.ServiceID,
			fmt.Errorf("%w: %s", core.ErrDuplicateService, info.ServiceID))
	}

	if info.Status == "" {
		info.Status = ServiceUnknown
	}
	info.HeartbeatAt = time.Now()
	entry := &serviceEntry{info: info}
	r.services[info.ServiceID] = entry

	if r.running {
		r.startProbeLocked(entry)
	}

	r.logger.Info("Service registered", map[string]interface{}{
		"service_id":   info.ServiceID,
		"service_name": info.ServiceName,
		"endpoint":     info.Endpoint,
		"probe":        string(info.HealthCheck.Kind),
	})
	return nil
}

// Deregister removes an instance and cancels its probe loop.
func (r *ServiceRegistry) Deregister(serviceID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	entry, ok := r.services[serviceID]
	if !ok {
		return core.NewError(core.CodeServiceNotFound, core.KindNotFound, "registry.Deregister", serviceID,
			core.ErrServiceNotFound)
	}
	if entry.cancel != nil {
		entry.cancel()
	}
	delete(r.services, serviceID)
	return nil
}

// GetService returns one instance by id.
func (r *ServiceRegistry) GetService(serviceID string) (ServiceInfo, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	entry, ok := r.services[serviceID]
	if !ok {
		return ServiceInfo{}, core.NewError(core.CodeServiceNotFound, core.KindNotFound,
			"registry.GetService", serviceID, core.ErrServiceNotFound)
	}
	return entry.info, nil
}

// GetServiceByName resolves a logical name, preferring Healthy
// instances, then any instance.
func (r *ServiceRegistry) GetServiceByName(name string) (ServiceInfo, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var fallback *ServiceInfo
	for _, entry := range r.services {
		if entry.info.ServiceName != name {
			continue
		}
		if entry.info.Status == ServiceHealthy {
			return entry.info, nil
		}
		if fallback == nil {
			info := entry.info
			fallback = &info
		}
	}
	if fallback != nil {
		return *fallback, nil
	}
	return ServiceInfo{}, core.NewError(core.CodeServiceNotFound, core.KindNotFound,
		"registry.GetServiceByName", name, core.ErrServiceNotFound)
}

// ListServices returns copies of all registered instances.
func (r *ServiceRegistry) ListServices() []ServiceInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]ServiceInfo, 0, len(r.services))
	for _, entry := range r.services {
		out = append(out, entry.info)
	}
	return out
}

// Heartbeat refreshes an instance's passive liveness timestamp.
func (r *ServiceRegistry) Heartbeat(serviceID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	entry, ok := r.services[serviceID]
	if !ok {
		return core.ErrServiceNotFound
	}
	entry.info.HeartbeatAt = time.Now()
	return nil
}

func (r *ServiceRegistry) startProbeLocked(entry *serviceEntry) {
	if entry.info.HealthCheck.Kind == "" || entry.info.HealthCheck.Kind == ProbeNone {
		return
	}
	ctx, cancel := context.WithCancel(r.baseCtx)
	entry.cancel = cancel

	serviceID := entry.info.ServiceID
	cfg := entry.info.HealthCheck
	if cfg.Interval <= 0 {
		cfg.Interval = 10 * time.Second
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 5 * time.Second
	}
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = 3
	}
	if cfg.SuccessThreshold <= 0 {
		cfg.SuccessThreshold = 1
	}

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		ticker := time.NewTicker(cfg.Interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				r.probeOnce(ctx, serviceID, cfg)
			}
		}
	}()
}

// probeOnce runs one probe and applies the threshold rules: Healthy
// after success_threshold consecutive successes, Unhealthy after
// failure_threshold consecutive failures.
func (r *ServiceRegistry) probeOnce(ctx context.Context, serviceID string, cfg HealthCheckConfig) {
	r.mu.RLock()
	entry, ok := r.services[serviceID]
	if !ok {
		r.mu.RUnlock()
		return
	}
	endpoint := entry.info.Endpoint
	r.mu.RUnlock()

	probeCtx, cancel := context.WithTimeout(ctx, cfg.Timeout)
	err := r.runProbe(probeCtx, cfg, endpoint)
	cancel()

	r.mu.Lock()
	entry, ok = r.services[serviceID]
	if !ok {
		r.mu.Unlock()
		return
	}
	entry.info.LastProbeAt = time.Now()

	var event *RegistryEvent
	if err == nil {
		entry.consecutiveFailures = 0
		entry.consecutiveSuccesses++
		if entry.consecutiveSuccesses >= cfg.SuccessThreshold && entry.info.Status != ServiceHealthy {
			event = r.setStatusLocked(entry, ServiceHealthy)
		}
	} else {
		entry.consecutiveSuccesses = 0
		entry.consecutiveFailures++
		if entry.consecutiveFailures >= cfg.FailureThreshold && entry.info.Status != ServiceUnhealthy {
			event = r.setStatusLocked(entry, ServiceUnhealthy)
		}
	}
	onEvent := r.onEvent
	r.mu.Unlock()

	if event != nil && onEvent != nil {
		onEvent(*event)
	}
}

func (r *ServiceRegistry) setStatusLocked(entry *serviceEntry, to ServiceStatus) *RegistryEvent {
	from := entry.info.Status
	entry.info.Status = to
	r.logger.Info("Service status changed", map[string]interface{}{
		"service_id":   entry.info.ServiceID,
		"service_name": entry.info.ServiceName,
		"from":         string(from),
		"to":           string(to),
	})
	return &RegistryEvent{
		ServiceID:   entry.info.ServiceID,
		ServiceName: entry.info.ServiceName,
		From:        from,
		To:          to,
		At:          time.Now(),
	}
}

func (r *ServiceRegistry) runProbe(ctx context.Context, cfg HealthCheckConfig, endpoint string) error {
	switch cfg.Kind {
	case ProbeHTTP:
		url := endpoint + cfg.Path
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		if err != nil {
			return err
		}
		resp, err := r.httpClient.Do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()
		if resp.StatusCode < 200 || resp.StatusCode > 299 {
			return fmt.Errorf("probe status %d", resp.StatusCode)
		}
		return nil
	case ProbeTCP:
		var d net.Dialer
		conn, err := d.DialContext(ctx, "tcp", endpoint)
		if err != nil {
			return err
		}
		return conn.Close()
	case ProbeRedis:
		if r.redis == nil {
			return fmt.Errorf("no redis client for probe")
		}
		return r.redis.Ping(ctx)
	}
	return fmt.Errorf("unknown probe kind %q", cfg.Kind)
}
