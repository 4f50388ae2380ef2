package models

import (
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

// Terminal outcomes of an execution attempt.
const (
	OutcomeFilled            = "FILLED"
	OutcomePartial           = "PARTIAL"
	OutcomeRejectedMargin    = "REJECTED_MARGIN"
	OutcomeRejectedPrice     = "REJECTED_PRICE"
	OutcomeRejectedExhausted = "REJECTED_EXHAUSTED"
	OutcomeRejectedError     = "REJECTED_ERROR"
	OutcomeCancelled         = "CANCELLED"
)

// Per-step outcomes inside the ladder loop.
const (
	StepFilled  = "filled"
	StepPartial = "partial"
	StepTimeout = "timeout"
	StepError   = "error"
)

// OrderExecutionAttempt is the audit record for one signal dispatched to
// one follower. It is created when the engine picks up the signal and is
// immutable once FinalOutcome is set.
type OrderExecutionAttempt struct {
	gorm.Model
	FollowerID     uint            `gorm:"index;not null"`
	SignalID       uint            `gorm:"index;not null"`
	Ticker         string          `gorm:"not null"`
	FinalOutcome   string          `gorm:"index"`
	FillPrice      decimal.Decimal `gorm:"type:numeric"`
	FilledQuantity int
	ErrorCode      string
	MarginRequired float64
	MarginFree     float64
	Steps          []LadderStep    `gorm:"foreignKey:AttemptID"`
}

// LadderStep records a single limit order placed by the ladder loop.
type LadderStep struct {
	gorm.Model
	AttemptID  uint            `gorm:"index;not null"`
	Number     int             `gorm:"not null"`
	LimitPrice decimal.Decimal `gorm:"type:numeric;not null"`
	Outcome    string
	PlacedAt   time.Time
}
