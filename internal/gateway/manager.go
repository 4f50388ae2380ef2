package gateway

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"
	"sync"
	"time"

	"spreadpilot/internal/alert"
	"spreadpilot/internal/broker"
	"spreadpilot/internal/config"
	"spreadpilot/internal/models"

	"go.uber.org/zap"
	"gorm.io/gorm"
)

// instance is the registry entry for one follower's running gateway.
// The manager exclusively owns instance lifecycle; other components only
// borrow the broker client through GetClient.
type instance struct {
	followerID uint
	identity   Identity
	handle     Handle
	client     broker.Client
	recordID   uint // persisted GatewayInstance row

	state        string
	failures     int
	lastHealthAt time.Time
}

// Manager keeps the 1:1 mapping of enabled followers to isolated
// gateway processes: allocates identities, starts and stops instances,
// health-checks them and restarts on failure with exponential backoff.
type Manager struct {
	logger   *zap.Logger
	cfg      *config.Gateway
	db       *gorm.DB
	pool     *identityPool
	launcher Launcher
	clients  broker.Factory
	alerts   alert.Sink

	mu        sync.Mutex
	instances map[uint]*instance
}

// NewManager creates a resource manager. The launcher and client
// factory are injected so tests can run without real processes.
func NewManager(logger *zap.Logger, cfg *config.Gateway, db *gorm.DB, launcher Launcher, clients broker.Factory, alerts alert.Sink) *Manager {
	return &Manager{
		logger:    logger.Named("gateway"),
		cfg:       cfg,
		db:        db,
		pool:      newIdentityPool(cfg.BasePort, cfg.PortCount, cfg.ClientIDBase),
		launcher:  launcher,
		clients:   clients,
		alerts:    alerts,
		instances: make(map[uint]*instance),
	}
}

// Run drives the reconcile and health loops until the context is
// cancelled, then stops every instance.
func (m *Manager) Run(ctx context.Context) {
	m.logger.Info("Starting gateway resource manager",
		zap.Int("base_port", m.cfg.BasePort),
		zap.Int("pool_slots", m.cfg.PortCount),
	)

	if err := m.Reconcile(ctx); err != nil && ctx.Err() == nil {
		m.logger.Error("Initial reconcile failed", zap.Error(err))
	}

	var wg sync.WaitGroup
	wg.Add(2)

	go func() {
		defer wg.Done()
		ticker := time.NewTicker(m.cfg.ReconcileInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := m.Reconcile(ctx); err != nil && ctx.Err() == nil {
					m.logger.Error("Reconcile failed", zap.Error(err))
				}
			}
		}
	}()

	go func() {
		defer wg.Done()
		ticker := time.NewTicker(m.cfg.HealthInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				m.HealthCheckAll(ctx)
			}
		}
	}()

	wg.Wait()
	m.Close()
	m.logger.Info("Gateway resource manager stopped")
}

// Reconcile converges the running instance set toward the enabled
// follower set. Idempotent; followers are visited in id order so
// concurrent passes make the same decisions.
func (m *Manager) Reconcile(ctx context.Context) error {
	var followers []models.Follower
	if err := m.db.Order("id").Find(&followers).Error; err != nil {
		return fmt.Errorf("failed to load followers: %w", err)
	}

	enabled := make(map[uint]bool, len(followers))
	for _, f := range followers {
		enabled[f.ID] = f.Enabled
	}

	// Provision followers that have no instance. A follower in state
	// error has burnt its launch budget and stays down until an admin
	// resets it.
	for _, f := range followers {
		if !f.Enabled || f.State == models.FollowerError {
			continue
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		m.mu.Lock()
		_, running := m.instances[f.ID]
		m.mu.Unlock()
		if running {
			continue
		}
		if err := m.provision(ctx, f, alert.EventStartBudgetExhausted); err != nil && ctx.Err() == nil {
			m.logger.Error("Failed to provision gateway",
				zap.Uint("follower_id", f.ID),
				zap.Error(err),
			)
		}
	}

	// Tear down instances whose follower is gone or disabled.
	m.mu.Lock()
	var stale []*instance
	for id, inst := range m.instances {
		if !enabled[id] {
			stale = append(stale, inst)
		}
	}
	m.mu.Unlock()
	sort.Slice(stale, func(i, j int) bool { return stale[i].followerID < stale[j].followerID })

	for _, inst := range stale {
		m.logger.Info("Stopping gateway for disabled follower", zap.Uint("follower_id", inst.followerID))
		m.stopInstance(inst)
		m.setFollowerState(inst.followerID, models.FollowerDisabled)
	}

	return nil
}

// provision allocates an identity, registers the instance and launches
// the process with backoff. budgetEvent names the alert emitted when
// the launch budget is exhausted.
func (m *Manager) provision(ctx context.Context, f models.Follower, budgetEvent string) error {
	identity, err := m.pool.Allocate(f.ID)
	if err != nil {
		if errors.Is(err, ErrResourceExhausted) {
			_ = m.alerts.Publish(ctx, alert.Event{
				Type:       alert.EventIdentityPoolExhausted,
				FollowerID: f.ID,
				Summary:    "no free gateway identity, follower left unprovisioned",
				At:         time.Now(),
			})
		}
		return err
	}

	m.setFollowerState(f.ID, models.FollowerProvisioning)

	rec := models.GatewayInstance{
		FollowerID: f.ID,
		Port:       identity.Port,
		ClientID:   identity.ClientID,
		ConnState:  models.ConnStarting,
	}
	if err := m.db.Create(&rec).Error; err != nil {
		m.pool.Release(identity)
		return fmt.Errorf("failed to persist instance record: %w", err)
	}

	inst := &instance{
		followerID: f.ID,
		identity:   identity,
		client:     m.clients(identity.Port, identity.ClientID),
		recordID:   rec.ID,
		state:      models.ConnStarting,
	}

	m.mu.Lock()
	if _, exists := m.instances[f.ID]; exists {
		// Another pass won the race; back out.
		m.mu.Unlock()
		m.pool.Release(identity)
		m.persistInstance(inst, func(r *models.GatewayInstance) { r.ConnState = models.ConnStopped })
		return nil
	}
	m.instances[f.ID] = inst
	m.mu.Unlock()

	m.logger.Info("Provisioning gateway instance",
		zap.Uint("follower_id", f.ID),
		zap.Int("port", identity.Port),
		zap.Int("client_id", identity.ClientID),
	)

	if err := m.startWithBackoff(ctx, inst, f.CredentialRef); err != nil {
		m.removeInstance(inst, models.ConnError)
		if ctx.Err() == nil {
			m.setFollowerState(f.ID, models.FollowerError)
			_ = m.alerts.Publish(ctx, alert.Event{
				Type:       budgetEvent,
				FollowerID: f.ID,
				Summary:    "gateway launch budget exhausted, follower needs manual attention",
				Fields:     map[string]any{"max_attempts": m.cfg.MaxRestartAttempts, "error": err.Error()},
				At:         time.Now(),
			})
		}
		return err
	}

	m.setFollowerState(f.ID, models.FollowerActive)
	return nil
}

// startWithBackoff launches the process, retrying with exponential
// backoff up to the configured attempt budget. The identity stays held
// across retries; no attempt re-allocates it.
func (m *Manager) startWithBackoff(ctx context.Context, inst *instance, credentialRef string) error {
	spec := StartSpec{
		FollowerID:    inst.followerID,
		CredentialRef: credentialRef,
		Identity:      inst.identity,
	}

	var lastErr error
	for attempt := 1; attempt <= m.cfg.MaxRestartAttempts; attempt++ {
		handle, err := m.launcher.Start(ctx, spec)
		if err == nil {
			m.mu.Lock()
			inst.handle = handle
			inst.state = models.ConnStarting
			inst.failures = 0
			m.mu.Unlock()
			m.persistInstance(inst, func(r *models.GatewayInstance) {
				r.PID = handle.PID()
				r.ConnState = models.ConnStarting
				r.RestartCount = attempt - 1
				r.BackoffDelay = 0
			})
			return nil
		}
		lastErr = err

		delay := m.backoffDelay(attempt)
		m.logger.Warn("Gateway launch failed, backing off",
			zap.Uint("follower_id", inst.followerID),
			zap.Int("attempt", attempt),
			zap.Duration("delay", delay),
			zap.Error(err),
		)
		m.persistInstance(inst, func(r *models.GatewayInstance) {
			r.RestartCount = attempt
			r.BackoffDelay = delay
		})

		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	return fmt.Errorf("launch budget exhausted after %d attempts: %w", m.cfg.MaxRestartAttempts, lastErr)
}

// backoffDelay returns the delay before the next launch retry.
// attempt is 1-based.
func (m *Manager) backoffDelay(attempt int) time.Duration {
	d := float64(m.cfg.BackoffBase) * math.Pow(m.cfg.BackoffMultiplier, float64(attempt-1))
	if d > float64(m.cfg.BackoffCap) {
		d = float64(m.cfg.BackoffCap)
	}
	return time.Duration(d)
}

// HealthCheckAll probes every registered instance once. A probe success
// marks the instance connected and resets its failure counter; reaching
// the failure threshold triggers a stop-and-restart cycle.
func (m *Manager) HealthCheckAll(ctx context.Context) {
	m.mu.Lock()
	insts := make([]*instance, 0, len(m.instances))
	for _, inst := range m.instances {
		insts = append(insts, inst)
	}
	m.mu.Unlock()
	sort.Slice(insts, func(i, j int) bool { return insts[i].followerID < insts[j].followerID })

	for _, inst := range insts {
		if ctx.Err() != nil {
			return
		}
		m.healthCheck(ctx, inst)
	}
}

func (m *Manager) healthCheck(ctx context.Context, inst *instance) {
	probeCtx, cancel := context.WithTimeout(ctx, m.cfg.HealthInterval)
	err := inst.client.Heartbeat(probeCtx)
	cancel()

	now := time.Now()
	if err == nil {
		m.mu.Lock()
		wasConnected := inst.state == models.ConnConnected
		inst.failures = 0
		inst.state = models.ConnConnected
		inst.lastHealthAt = now
		m.mu.Unlock()

		m.persistInstance(inst, func(r *models.GatewayInstance) {
			r.ConnState = models.ConnConnected
			r.ConsecutiveFailures = 0
			r.LastHealthCheckAt = &now
		})
		if !wasConnected {
			m.logger.Info("Gateway instance connected", zap.Uint("follower_id", inst.followerID))
		}
		return
	}

	m.mu.Lock()
	inst.failures++
	failures := inst.failures
	if inst.state == models.ConnConnected {
		inst.state = models.ConnDisconnected
	}
	m.mu.Unlock()

	m.persistInstance(inst, func(r *models.GatewayInstance) {
		r.ConnState = models.ConnDisconnected
		r.ConsecutiveFailures = failures
	})

	m.logger.Warn("Health check failed",
		zap.Uint("follower_id", inst.followerID),
		zap.Int("consecutive_failures", failures),
		zap.Error(err),
	)

	if failures == m.cfg.HealthThreshold {
		m.restart(ctx, inst)
	}
}

// restart tears the instance down and provisions the follower again
// under the same backoff policy as the initial start.
func (m *Manager) restart(ctx context.Context, inst *instance) {
	m.mu.Lock()
	current, registered := m.instances[inst.followerID]
	m.mu.Unlock()
	if !registered || current != inst {
		return // already replaced by another path
	}

	m.logger.Info("Restarting gateway instance after health failures",
		zap.Uint("follower_id", inst.followerID),
	)
	m.stopInstance(inst)

	var f models.Follower
	if err := m.db.First(&f, inst.followerID).Error; err != nil {
		m.logger.Error("Failed to load follower for restart", zap.Uint("follower_id", inst.followerID), zap.Error(err))
		return
	}
	if !f.Enabled {
		return
	}

	if err := m.provision(ctx, f, alert.EventRestartBudgetExhausted); err != nil && ctx.Err() == nil {
		m.logger.Error("Gateway restart failed",
			zap.Uint("follower_id", inst.followerID),
			zap.Error(err),
		)
	}
}

// stopInstance removes the instance from the registry, terminates the
// process within the grace period and releases its identity.
func (m *Manager) stopInstance(inst *instance) {
	m.mu.Lock()
	if m.instances[inst.followerID] == inst {
		delete(m.instances, inst.followerID)
	}
	inst.state = models.ConnStopped
	handle := inst.handle
	m.mu.Unlock()

	if handle != nil {
		if err := handle.Stop(m.cfg.StopGracePeriod); err != nil {
			m.logger.Warn("Gateway process did not stop cleanly",
				zap.Uint("follower_id", inst.followerID),
				zap.Error(err),
			)
		}
	}

	m.pool.Release(inst.identity)
	m.persistInstance(inst, func(r *models.GatewayInstance) { r.ConnState = models.ConnStopped })
}

// removeInstance drops a never-connected instance recording the given
// terminal state.
func (m *Manager) removeInstance(inst *instance, state string) {
	m.mu.Lock()
	if m.instances[inst.followerID] == inst {
		delete(m.instances, inst.followerID)
	}
	inst.state = state
	m.mu.Unlock()

	m.pool.Release(inst.identity)
	m.persistInstance(inst, func(r *models.GatewayInstance) { r.ConnState = state })
}

// GetClient returns the broker surface of the follower's connected
// instance. The only entry point other components use to reach a
// follower's connection.
func (m *Manager) GetClient(followerID uint) (broker.Client, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	inst, ok := m.instances[followerID]
	if !ok || inst.state != models.ConnConnected {
		return nil, fmt.Errorf("follower %d: %w", followerID, ErrNotConnected)
	}
	return inst.client, nil
}

// Close stops every instance. Called once the loops have exited.
func (m *Manager) Close() {
	m.mu.Lock()
	insts := make([]*instance, 0, len(m.instances))
	for _, inst := range m.instances {
		insts = append(insts, inst)
	}
	m.mu.Unlock()
	sort.Slice(insts, func(i, j int) bool { return insts[i].followerID < insts[j].followerID })

	for _, inst := range insts {
		m.stopInstance(inst)
	}
}

func (m *Manager) persistInstance(inst *instance, mutate func(*models.GatewayInstance)) {
	var rec models.GatewayInstance
	if err := m.db.First(&rec, inst.recordID).Error; err != nil {
		m.logger.Error("Failed to load instance record", zap.Uint("record_id", inst.recordID), zap.Error(err))
		return
	}
	mutate(&rec)
	if err := m.db.Save(&rec).Error; err != nil {
		m.logger.Error("Failed to persist instance record", zap.Uint("record_id", inst.recordID), zap.Error(err))
	}
}

func (m *Manager) setFollowerState(followerID uint, state string) {
	err := m.db.Model(&models.Follower{}).Where("id = ?", followerID).Update("state", state).Error
	if err != nil {
		m.logger.Error("Failed to update follower state",
			zap.Uint("follower_id", followerID),
			zap.String("state", state),
			zap.Error(err),
		)
	}
}
