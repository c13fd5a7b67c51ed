package presence

import (
	"strings"

	"nexum/internal/models"

	"github.com/c-pro/geche"
)

// Tracker maps user identity to the last reported presence status.
// Entries never expire: a user that drops without an offline event
// stays online until the next status update for them arrives.
type Tracker struct {
	statuses *geche.MapCache[string, models.PresenceStatus]
}

func NewTracker() *Tracker {
	return &Tracker{
		statuses: geche.NewMapCache[string, models.PresenceStatus](),
	}
}

// Set overwrites the status of userID.
func (t *Tracker) Set(userID string, status models.PresenceStatus) {
	if userID == "" {
		return
	}
	t.statuses.Set(normalize(userID), status)
}

// Lookup returns the status of userID and whether one was ever reported.
func (t *Tracker) Lookup(userID string) (models.PresenceStatus, bool) {
	status, err := t.statuses.Get(normalize(userID))
	if err != nil {
		return models.PresenceOffline, false
	}
	return status, true
}

// Get returns the status of userID, offline when unknown.
func (t *Tracker) Get(userID string) models.PresenceStatus {
	status, _ := t.Lookup(userID)
	return status
}

func (t *Tracker) Snapshot() map[string]models.PresenceStatus {
	return t.statuses.Snapshot()
}

func normalize(userID string) string {
	return strings.ToLower(strings.TrimSpace(userID))
}
