package models

import "gorm.io/gorm"

// Assignment handling states for a position. Transitions only move
// forward within a trading day and reset to none at day rollover.
const (
	AssignmentNone         = "none"
	AssignmentDetected     = "detected"
	AssignmentCompensating = "compensating"
	AssignmentResolved     = "resolved"
	AssignmentFailed       = "failed"
)

var assignmentRank = map[string]int{
	AssignmentNone:         0,
	AssignmentDetected:     1,
	AssignmentCompensating: 2,
	AssignmentResolved:     3,
	AssignmentFailed:       3,
}

// AssignmentAdvances reports whether moving from one assignment state to
// another is a forward transition. Backward moves are rejected so a late
// scan can never undo a detection.
func AssignmentAdvances(from, to string) bool {
	return assignmentRank[to] > assignmentRank[from]
}

// Position is the follower's spread position in one ticker for one
// trading day, updated by the execution engine on fills and by the
// reconciler when comparing against broker-reported quantities.
// Quantities from different tickers never share a row.
type Position struct {
	gorm.Model
	FollowerID      uint   `gorm:"uniqueIndex:idx_position_follower_date_ticker;not null"`
	Date            string `gorm:"uniqueIndex:idx_position_follower_date_ticker;not null"` // YYYY-MM-DD
	Ticker          string `gorm:"uniqueIndex:idx_position_follower_date_ticker;not null"`
	ShortQty        int
	LongQty         int
	RealizedPnL     float64
	UnrealizedPnL   float64
	AssignmentState string `gorm:"default:none"`
}
