package coordinator

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"spreadpilot/internal/broker"
	"spreadpilot/internal/models"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"gorm.io/gorm"
)

// Manager is the slice of the gateway resource manager the coordinator
// needs: borrowing a follower's connected broker surface.
type Manager interface {
	GetClient(followerID uint) (broker.Client, error)
}

// Executor runs one signal to a terminal outcome.
type Executor interface {
	Execute(ctx context.Context, follower models.Follower, client broker.Client, signal models.TradingSignal) (*models.OrderExecutionAttempt, error)
}

// Coordinator owns the per-follower serialization lock: the execution
// engine and the reconciler never run concurrently against the same
// follower's connection. Work across followers runs unconstrained.
type Coordinator struct {
	logger  *zap.Logger
	db      *gorm.DB
	manager Manager
	engine  Executor

	mu    sync.Mutex
	locks map[uint]*sync.Mutex
}

// New creates a coordinator.
func New(logger *zap.Logger, db *gorm.DB, manager Manager, engine Executor) *Coordinator {
	return &Coordinator{
		logger:  logger.Named("coordinator"),
		db:      db,
		manager: manager,
		engine:  engine,
		locks:   make(map[uint]*sync.Mutex),
	}
}

func (c *Coordinator) followerLock(followerID uint) *sync.Mutex {
	c.mu.Lock()
	defer c.mu.Unlock()
	l, ok := c.locks[followerID]
	if !ok {
		l = &sync.Mutex{}
		c.locks[followerID] = l
	}
	return l
}

// WithFollowerLock runs fn while holding the follower's lock.
func (c *Coordinator) WithFollowerLock(followerID uint, fn func() error) error {
	l := c.followerLock(followerID)
	l.Lock()
	defer l.Unlock()
	return fn()
}

// SubmitSignal synchronously executes the signal for one follower and
// returns the terminal attempt record.
func (c *Coordinator) SubmitSignal(ctx context.Context, followerID uint, signal models.TradingSignal) (*models.OrderExecutionAttempt, error) {
	var follower models.Follower
	if err := c.db.First(&follower, followerID).Error; err != nil {
		return nil, fmt.Errorf("unknown follower %d: %w", followerID, err)
	}
	if !follower.Enabled {
		return nil, fmt.Errorf("follower %d is disabled", followerID)
	}

	var attempt *models.OrderExecutionAttempt
	err := c.WithFollowerLock(followerID, func() error {
		client, err := c.manager.GetClient(followerID)
		if err != nil {
			return err
		}
		attempt, err = c.engine.Execute(ctx, follower, client, signal)
		return err
	})
	return attempt, err
}

// Dispatch fans one signal out to every enabled follower in parallel.
// At most one attempt is ever created per (follower, signal); repeat
// dispatches of the same signal are no-ops. One follower's failure
// never aborts the others.
func (c *Coordinator) Dispatch(ctx context.Context, signal models.TradingSignal) error {
	var followers []models.Follower
	if err := c.db.Where("enabled = ?", true).Order("id").Find(&followers).Error; err != nil {
		return fmt.Errorf("failed to load followers: %w", err)
	}

	g, gctx := errgroup.WithContext(ctx)
	for _, f := range followers {
		f := f
		g.Go(func() error {
			var count int64
			err := c.db.Model(&models.OrderExecutionAttempt{}).
				Where("follower_id = ? AND signal_id = ?", f.ID, signal.ID).
				Count(&count).Error
			if err != nil {
				return err
			}
			if count > 0 {
				return nil // already dispatched
			}

			if _, err := c.SubmitSignal(gctx, f.ID, signal); err != nil {
				c.logger.Warn("Signal dispatch failed for follower",
					zap.Uint("follower_id", f.ID),
					zap.String("ticker", signal.Ticker),
					zap.Error(err),
				)
			}
			return nil
		})
	}
	return g.Wait()
}

// Status is the read-only monitoring projection for one follower.
type Status struct {
	Follower    models.Follower               `json:"follower"`
	Instance    *models.GatewayInstance       `json:"instance,omitempty"`
	Position    *models.Position              `json:"position,omitempty"`
	LastAttempt *models.OrderExecutionAttempt `json:"last_attempt,omitempty"`
}

// FollowerStatus assembles the follower's instance state, current
// position and last execution attempt from the persisted records.
func (c *Coordinator) FollowerStatus(followerID uint) (*Status, error) {
	var st Status
	if err := c.db.First(&st.Follower, followerID).Error; err != nil {
		return nil, fmt.Errorf("unknown follower %d: %w", followerID, err)
	}

	var inst models.GatewayInstance
	err := c.db.Where("follower_id = ?", followerID).Order("id desc").First(&inst).Error
	if err == nil {
		st.Instance = &inst
	} else if !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, err
	}

	var pos models.Position
	err = c.db.Where("follower_id = ?", followerID).Order("date desc").First(&pos).Error
	if err == nil {
		st.Position = &pos
	} else if !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, err
	}

	var attempt models.OrderExecutionAttempt
	err = c.db.Where("follower_id = ?", followerID).Order("id desc").First(&attempt).Error
	if err == nil {
		st.LastAttempt = &attempt
	} else if !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, err
	}

	return &st, nil
}
