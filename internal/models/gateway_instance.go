package models

import (
	"time"

	"gorm.io/gorm"
)

// Gateway connection states.
const (
	ConnStarting     = "starting"
	ConnConnected    = "connected"
	ConnDisconnected = "disconnected"
	ConnError        = "error"
	ConnStopped      = "stopped"
)

// GatewayInstance mirrors the runtime state of one follower's isolated
// broker-connection process. The resource manager writes a row per
// instance lifetime and updates it on every state transition, so the
// monitoring surface can read status without touching the registry.
type GatewayInstance struct {
	gorm.Model
	FollowerID          uint `gorm:"index;not null"`
	Port                int  `gorm:"not null"`
	ClientID            int  `gorm:"not null"`
	PID                 int
	ConnState           string `gorm:"default:starting"`
	ConsecutiveFailures int
	RestartCount        int
	BackoffDelay        time.Duration // delay before the next launch retry
	LastHealthCheckAt   *time.Time
}
