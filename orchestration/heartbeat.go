package orchestration

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/gitwithintent/gwi/core"
	"github.com/gitwithintent/gwi/telemetry"
)

// NewOwnerID builds a worker identity of the form
// {hostname}-{base36 millis}-{uuid fragment}. It is unique per process
// start and readable enough to grep in logs.
func NewOwnerID() string {
	hostname, err := os.Hostname()
	if err != nil || hostname == "" {
		hostname = "worker"
	}
	millis := strconv.FormatInt(time.Now().UnixMilli(), 36)
	return fmt.Sprintf("%s-%s-%s", hostname, millis, uuid.New().String()[:8])
}

// HeartbeatManagerConfig configures the heartbeat manager.
type HeartbeatManagerConfig struct {
	// Interval is the tick period for heartbeat stamps
	// Default: 30s
	Interval time.Duration `json:"interval"`

	// StaleThreshold is how old a heartbeat may be before the run counts
	// as orphaned
	// Default: 3x Interval
	StaleThreshold time.Duration `json:"stale_threshold"`

	// OwnerID identifies this worker. Default: NewOwnerID()
	OwnerID string `json:"owner_id"`

	// Logger is an optional logger
	Logger core.Logger `json:"-"`
}

// heartbeatHandle tracks one run's heartbeat goroutine.
type heartbeatHandle struct {
	stop chan struct{}
	done chan struct{}
}

// HeartbeatManager stamps liveness on the runs this worker owns. Each
// started run gets its own goroutine ticking at Interval; a stamp failure
// is logged and retried on the next tick rather than killing the run.
type HeartbeatManager struct {
	store  RunStore
	config HeartbeatManagerConfig
	logger core.Logger

	mu       sync.Mutex
	active   map[string]*heartbeatHandle
	shutdown bool
}

// NewHeartbeatManager creates a heartbeat manager over the given run store.
func NewHeartbeatManager(store RunStore, config *HeartbeatManagerConfig) *HeartbeatManager {
	if config == nil {
		config = &HeartbeatManagerConfig{}
	}
	if config.Interval <= 0 {
		config.Interval = 30 * time.Second
	}
	if config.StaleThreshold <= 0 {
		config.StaleThreshold = 3 * config.Interval
	}
	if config.OwnerID == "" {
		config.OwnerID = NewOwnerID()
	}

	m := &HeartbeatManager{
		store:  store,
		config: *config,
		logger: config.Logger,
		active: make(map[string]*heartbeatHandle),
	}
	if m.logger != nil {
		if cal, ok := m.logger.(core.ComponentAwareLogger); ok {
			m.logger = cal.WithComponent("gwi/orchestration")
		}
	}
	return m
}

// OwnerID returns this worker's identity.
func (m *HeartbeatManager) OwnerID() string {
	return m.config.OwnerID
}

// StartHeartbeat begins stamping the run. Starting an already-heartbeating
// run is a no-op; starting after Shutdown returns core.ErrShutdown. The
// first stamp is written synchronously so ownership is visible before the
// caller proceeds.
func (m *HeartbeatManager) StartHeartbeat(ctx context.Context, tenantID, runID string) error {
	key := tenantID + "/" + runID

	m.mu.Lock()
	if m.shutdown {
		m.mu.Unlock()
		return core.ErrShutdown
	}
	if _, running := m.active[key]; running {
		m.mu.Unlock()
		return nil
	}
	handle := &heartbeatHandle{
		stop: make(chan struct{}),
		done: make(chan struct{}),
	}
	m.active[key] = handle
	m.mu.Unlock()

	if err := m.store.UpdateHeartbeat(ctx, tenantID, runID, m.config.OwnerID); err != nil {
		m.mu.Lock()
		delete(m.active, key)
		m.mu.Unlock()
		close(handle.done)
		return err
	}

	go m.beat(tenantID, runID, handle)

	if m.logger != nil {
		m.logger.DebugWithContext(ctx, "Heartbeat started", map[string]interface{}{
			"run_id":   runID,
			"owner_id": m.config.OwnerID,
			"interval": m.config.Interval.String(),
		})
	}
	return nil
}

func (m *HeartbeatManager) beat(tenantID, runID string, handle *heartbeatHandle) {
	defer close(handle.done)

	ticker := time.NewTicker(m.config.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-handle.stop:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), m.config.Interval)
			err := m.store.UpdateHeartbeat(ctx, tenantID, runID, m.config.OwnerID)
			cancel()
			if err != nil {
				telemetry.RecordError(ctx, "gwi.heartbeat.errors", "stamp failed")
				if m.logger != nil {
					m.logger.Warn("Heartbeat stamp failed", map[string]interface{}{
						"run_id": runID,
						"error":  err.Error(),
					})
				}
				// A terminal or deleted run no longer needs stamping.
				if errors.Is(err, core.ErrTerminalState) || errors.Is(err, core.ErrRunNotFound) {
					m.mu.Lock()
					delete(m.active, tenantID+"/"+runID)
					m.mu.Unlock()
					return
				}
				continue
			}
			telemetry.Counter(ctx, "gwi.heartbeat.stamps")
		}
	}
}

// StopHeartbeat stops stamping the run and waits for its goroutine to
// exit. Stopping a run that was never started is a no-op.
func (m *HeartbeatManager) StopHeartbeat(tenantID, runID string) {
	key := tenantID + "/" + runID

	m.mu.Lock()
	handle, ok := m.active[key]
	if ok {
		delete(m.active, key)
	}
	m.mu.Unlock()
	if !ok {
		return
	}

	close(handle.stop)
	<-handle.done
}

// ActiveCount returns how many runs this manager is currently stamping.
func (m *HeartbeatManager) ActiveCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.active)
}

// Shutdown stops every heartbeat and refuses new starts.
func (m *HeartbeatManager) Shutdown() {
	m.mu.Lock()
	if m.shutdown {
		m.mu.Unlock()
		return
	}
	m.shutdown = true
	handles := make([]*heartbeatHandle, 0, len(m.active))
	for _, h := range m.active {
		handles = append(handles, h)
	}
	m.active = make(map[string]*heartbeatHandle)
	m.mu.Unlock()

	for _, h := range handles {
		close(h.stop)
		<-h.done
	}
}

// ListOrphanedRuns returns in-flight runs whose heartbeat is older than
// StaleThreshold. A run that never heartbeated counts from its creation
// time, so a worker that died before the first stamp still surfaces.
func (m *HeartbeatManager) ListOrphanedRuns(ctx context.Context) ([]*core.Run, error) {
	inflight, err := m.store.ListInFlight(ctx)
	if err != nil {
		return nil, err
	}

	cutoff := time.Now().UTC().Add(-m.config.StaleThreshold)
	var orphans []*core.Run
	for _, run := range inflight {
		last := run.CreatedAt
		if run.LastHeartbeatAt != nil {
			last = *run.LastHeartbeatAt
		}
		if last.Before(cutoff) {
			orphans = append(orphans, run)
		}
	}
	return orphans, nil
}
