package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"spreadpilot/internal/models"

	"go.uber.org/zap"
	"gorm.io/gorm"
)

// APIHandler holds dependencies for the API endpoints.
type APIHandler struct {
	log *zap.Logger
	db  *gorm.DB
}

// NewAPIHandler creates a new APIHandler.
func NewAPIHandler(log *zap.Logger, db *gorm.DB) *APIHandler {
	return &APIHandler{log: log, db: db}
}

// FollowersHandler returns all followers with their current state.
func (h *APIHandler) FollowersHandler(w http.ResponseWriter, r *http.Request) {
	var followers []models.Follower
	if err := h.db.Order("id").Find(&followers).Error; err != nil {
		h.log.Error("Failed to get followers from database", zap.Error(err))
		http.Error(w, "Failed to get followers", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(followers)
}

// followerStatus is the read-only projection for one follower.
type followerStatus struct {
	Follower    models.Follower               `json:"follower"`
	Instance    *models.GatewayInstance       `json:"instance,omitempty"`
	Position    *models.Position              `json:"position,omitempty"`
	LastAttempt *models.OrderExecutionAttempt `json:"last_attempt,omitempty"`
}

// FollowerStatusHandler returns the instance state, current position
// and last execution attempt for /api/followers/{id}.
func (h *APIHandler) FollowerStatusHandler(w http.ResponseWriter, r *http.Request) {
	idStr := strings.TrimPrefix(r.URL.Path, "/api/followers/")
	id, err := strconv.ParseUint(idStr, 10, 32)
	if err != nil {
		http.Error(w, "Invalid follower id", http.StatusBadRequest)
		return
	}

	var status followerStatus
	if err := h.db.First(&status.Follower, uint(id)).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			http.Error(w, fmt.Sprintf("Follower %d not found", id), http.StatusNotFound)
			return
		}
		h.log.Error("Failed to get follower", zap.Uint64("id", id), zap.Error(err))
		http.Error(w, "Failed to get follower", http.StatusInternalServerError)
		return
	}

	var inst models.GatewayInstance
	if err := h.db.Where("follower_id = ?", id).Order("id desc").First(&inst).Error; err == nil {
		status.Instance = &inst
	}

	var pos models.Position
	if err := h.db.Where("follower_id = ?", id).Order("date desc").First(&pos).Error; err == nil {
		status.Position = &pos
	}

	var attempt models.OrderExecutionAttempt
	if err := h.db.Preload("Steps").Where("follower_id = ?", id).Order("id desc").First(&attempt).Error; err == nil {
		status.LastAttempt = &attempt
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(status)
}

// AttemptsHandler returns recent execution attempts, most recent first.
func (h *APIHandler) AttemptsHandler(w http.ResponseWriter, r *http.Request) {
	var attempts []models.OrderExecutionAttempt
	if err := h.db.Preload("Steps").Order("id desc").Limit(100).Find(&attempts).Error; err != nil {
		h.log.Error("Failed to get attempts from database", zap.Error(err))
		http.Error(w, "Failed to get attempts", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(attempts)
}

// HealthHandler reports liveness.
func (h *APIHandler) HealthHandler(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	fmt.Fprintln(w, "OK")
}
