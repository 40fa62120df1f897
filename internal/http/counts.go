package http

import (
	"context"

	"github.com/fyrsmithlabs/fixd/internal/sessionlog"
)

// countWindow bounds how many recent sessions the status endpoint reads.
const countWindow = 1000

// SessionCounts summarizes recent diagnostic sessions by status.
type SessionCounts struct {
	InProgress int `json:"in_progress"`
	Completed  int `json:"completed"`
	Failed     int `json:"failed"`
}

// CountSessions counts the most recent sessions in log.
//
// Returns nil if log is nil or listing fails; the status endpoint then
// omits the counts rather than reporting zeros.
func CountSessions(ctx context.Context, log sessionlog.Log) *SessionCounts {
	if log == nil {
		return nil
	}
	records, err := log.List(ctx, countWindow)
	if err != nil {
		return nil
	}

	counts := &SessionCounts{}
	for _, r := range records {
		switch r.Status {
		case sessionlog.StatusCompleted:
			counts.Completed++
		case sessionlog.StatusFailed:
			counts.Failed++
		default:
			counts.InProgress++
		}
	}
	return counts
}
