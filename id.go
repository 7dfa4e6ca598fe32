package tierbase

import (
	"time"

	"github.com/google/uuid"
)

// NewRunID generates a time-ordered UUIDv7 identifying one maintenance run.
// Run IDs sort by start time, so reports and log lines order naturally.
func NewRunID() string {
	id, err := uuid.NewV7()
	if err != nil {
		id = uuid.New()
	}
	return id.String()
}

// RunStartedAt recovers the creation time embedded in a v7 run ID
func RunStartedAt(runID string) (time.Time, bool) {
	id, err := uuid.Parse(runID)
	if err != nil || id.Version() != 7 {
		return time.Time{}, false
	}
	sec, nsec := id.Time().UnixTime()
	return time.Unix(sec, nsec), true
}
