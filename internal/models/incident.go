package models

import (
	"time"

	"github.com/google/uuid"
)

const (
	// Revoked token presented again
	IncidentReplay = "replay"
	// Token rotated concurrently by another request
	IncidentLostRace = "lost_race"
)

// Refresh token reuse detected for the user
type ReuseIncident struct {
	Kind       string    `json:"kind"`
	UserID     uuid.UUID `json:"user_id"`
	TokenID    uuid.UUID `json:"token_id"`
	IP         string    `json:"ip"`
	DetectedAt time.Time `json:"detected_at"`
	Revoked    int64     `json:"revoked"` // sessions revoked in response
}
