package domain

import (
	"strings"
	"time"

	"github.com/fathima-sithara/realtime-service/internal/apperr"
)

type PresenceStatus string

const (
	PresenceOnline  PresenceStatus = "online"
	PresenceOffline PresenceStatus = "offline"
	PresenceAway    PresenceStatus = "away"
	PresenceBusy    PresenceStatus = "busy"
)

// ParsePresenceStatus accepts the statuses a user may set manually.
func ParsePresenceStatus(s string) (PresenceStatus, error) {
	switch st := PresenceStatus(strings.ToLower(strings.TrimSpace(s))); st {
	case PresenceOnline, PresenceOffline, PresenceAway, PresenceBusy:
		return st, nil
	}
	return "", apperr.Validationf("invalid status %q", s)
}

type UserPresence struct {
	UserID      string         `json:"userId"`
	Status      PresenceStatus `json:"status"`
	LastSeen    time.Time      `json:"lastSeen"`
	Connections int            `json:"connections"`
}
