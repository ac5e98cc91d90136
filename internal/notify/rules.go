package notify

import (
	"time"

	"notification-engine/internal/models"
)

// AdvanceTiedEnqueue returns the enqueue reported back for a task that was
// re-enqueued rather than inserted. A task whose earliest enqueue equals the
// new one is reported one millisecond later so callers can tell the two apart.
func AdvanceTiedEnqueue(insEnqueue, enqueue int64, ups int) int64 {
	if insEnqueue == enqueue && enqueue != models.MaxTS && ups != 1 {
		return enqueue + 1
	}
	return enqueue
}

// Until resolves the upper due bound of a pop.
func Until(until int64) int64 {
	if until <= 0 {
		return time.Now().UnixMilli()
	}
	return until
}

// PageSize returns how many documents one query should fetch when the caller
// wants limit results and one extra row to detect a following page. limit 0
// means everything, fetched a page at a time.
func PageSize(limit int) int {
	if limit <= 0 || limit+1 > DefaultPageLimit {
		return DefaultPageLimit
	}
	return limit + 1
}

// ValidateEvent checks the watermark event name.
func ValidateEvent(e models.TaskEvent) error {
	if !e.Valid() {
		return ErrInvalidEvent
	}
	return nil
}

// ValidateTasks rejects tasks missing any part of the recipient key.
func ValidateTasks(tasks []models.Task) error {
	for _, t := range tasks {
		if t.CampaignID == "" || t.SenderID == "" || t.PageID == "" {
			return ErrInvalidArgument
		}
	}
	return nil
}
