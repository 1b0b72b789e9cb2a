package sync

import (
	"context"
	"log/slog"
	"net/http"
	"sync"
	"time"
)

// ConnectionSwitch records a change in reachability
type ConnectionSwitch struct {
	Online    bool
	Reason    string
	Timestamp time.Time
}

// RouteStatus tracks the health of the remote endpoint
type RouteStatus struct {
	URL          string
	IsAvailable  bool
	LastCheck    time.Time
	LastSuccess  *time.Time
	LastFailure  *time.Time
	SuccessCount int
	FailureCount int
	AvgLatency   time.Duration
	LatencySum   time.Duration
	LatencyCount int
}

// ConnectionManager health-checks the remote service and tells the engine
// when it comes back. With an empty base URL it only follows SetOnline.
type ConnectionManager struct {
	mu sync.RWMutex

	baseURL string
	status  RouteStatus
	history []ConnectionSwitch
	online  bool

	healthCheckInterval time.Duration
	healthCheckRunning  bool
	stopHealthCheck     chan struct{}

	onReconnect []func()
	httpClient  *http.Client
	log         *slog.Logger
}

// NewConnectionManager creates a new connection manager
func NewConnectionManager(baseURL string, interval time.Duration, log *slog.Logger) *ConnectionManager {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	if log == nil {
		log = slog.Default()
	}
	return &ConnectionManager{
		baseURL:             baseURL,
		status:              RouteStatus{URL: baseURL},
		online:              baseURL == "",
		healthCheckInterval: interval,
		httpClient:          &http.Client{Timeout: 10 * time.Second},
		log:                 log.With("component", "connection"),
	}
}

// OnReconnect registers fn to run whenever the remote becomes reachable again
func (cm *ConnectionManager) OnReconnect(fn func()) {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	cm.onReconnect = append(cm.onReconnect, fn)
}

// Start checks once and then keeps checking in the background
func (cm *ConnectionManager) Start(ctx context.Context) {
	cm.mu.Lock()
	if cm.healthCheckRunning || cm.baseURL == "" {
		cm.mu.Unlock()
		return
	}
	cm.healthCheckRunning = true
	cm.stopHealthCheck = make(chan struct{})
	stop := cm.stopHealthCheck
	cm.mu.Unlock()

	cm.Check(ctx)
	go cm.healthCheckLoop(ctx, stop)
}

// Stop stops health checking
func (cm *ConnectionManager) Stop() {
	cm.mu.Lock()
	defer cm.mu.Unlock()

	if !cm.healthCheckRunning {
		return
	}
	cm.healthCheckRunning = false
	close(cm.stopHealthCheck)
}

// IsOnline returns whether the remote is believed reachable
func (cm *ConnectionManager) IsOnline() bool {
	cm.mu.RLock()
	defer cm.mu.RUnlock()
	return cm.online
}

// SetOnline overrides reachability, firing reconnect callbacks on a transition to online
func (cm *ConnectionManager) SetOnline(online bool) {
	cm.transition(online, "manual")
}

// Status returns a copy of the endpoint status
func (cm *ConnectionManager) Status() RouteStatus {
	cm.mu.RLock()
	defer cm.mu.RUnlock()
	return cm.status
}

// History returns reachability changes, oldest first
func (cm *ConnectionManager) History() []ConnectionSwitch {
	cm.mu.RLock()
	defer cm.mu.RUnlock()
	return append([]ConnectionSwitch(nil), cm.history...)
}

// Check probes GET /health once and updates reachability
func (cm *ConnectionManager) Check(ctx context.Context) bool {
	if cm.baseURL == "" {
		return cm.IsOnline()
	}

	start := time.Now()
	ok := cm.probe(ctx)
	latency := time.Since(start)

	cm.mu.Lock()
	now := time.Now()
	cm.status.LastCheck = now
	if ok {
		cm.status.IsAvailable = true
		cm.status.SuccessCount++
		cm.status.FailureCount = 0
		cm.status.LastSuccess = &now
		cm.status.LatencySum += latency
		cm.status.LatencyCount++
		cm.status.AvgLatency = cm.status.LatencySum / time.Duration(cm.status.LatencyCount)
	} else {
		cm.status.IsAvailable = false
		cm.status.FailureCount++
		cm.status.LastFailure = &now
	}
	cm.mu.Unlock()

	reason := "health_check_failed"
	if ok {
		reason = "health_check_ok"
	}
	cm.transition(ok, reason)
	return ok
}

func (cm *ConnectionManager) probe(ctx context.Context) bool {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, cm.baseURL+"/health", nil)
	if err != nil {
		return false
	}
	resp, err := cm.httpClient.Do(req)
	if err != nil {
		cm.log.Debug("Remote unreachable", "url", cm.baseURL, "error", err)
		return false
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		cm.log.Debug("Remote unhealthy", "url", cm.baseURL, "status", resp.StatusCode)
		return false
	}
	return true
}

func (cm *ConnectionManager) transition(online bool, reason string) {
	cm.mu.Lock()
	if cm.online == online {
		cm.mu.Unlock()
		return
	}
	cm.online = online
	cm.history = append(cm.history, ConnectionSwitch{Online: online, Reason: reason, Timestamp: time.Now()})
	// Keep only last 100 switches
	if len(cm.history) > 100 {
		cm.history = cm.history[len(cm.history)-100:]
	}
	var callbacks []func()
	if online {
		callbacks = append(callbacks, cm.onReconnect...)
	}
	cm.mu.Unlock()

	cm.log.Info("Connectivity changed", "online", online, "reason", reason)
	for _, fn := range callbacks {
		go fn()
	}
}

func (cm *ConnectionManager) healthCheckLoop(ctx context.Context, stop <-chan struct{}) {
	ticker := time.NewTicker(cm.healthCheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			cm.Check(ctx)
		case <-stop:
			return
		case <-ctx.Done():
			return
		}
	}
}
