package notify

import (
	"context"
)

// ThreatGroup is the well-known group label threat feeds subscribe to.
const ThreatGroup = "threats"

// ScanEvents is the producer surface used by the scan pipeline. Progress
// events address the connections attached to a job; threat events go to
// the threat feed group.
type ScanEvents struct {
	dispatcher *Dispatcher
}

// NewScanEvents creates a scan event producer.
func NewScanEvents(d *Dispatcher) *ScanEvents {
	return &ScanEvents{dispatcher: d}
}

// ScanStarted notifies a job's subscribers that scanning began.
func (e *ScanEvents) ScanStarted(ctx context.Context, jobID string, data map[string]any) map[string]bool {
	return e.jobEvent(ctx, KindScanStarted, jobID, data)
}

// ScanProgress reports progress for a running job.
func (e *ScanEvents) ScanProgress(ctx context.Context, jobID string, progress int, message string) map[string]bool {
	return e.jobEvent(ctx, KindScanProgress, jobID, map[string]any{
		"progress": progress,
		"message":  message,
	})
}

// ScanCompleted notifies a job's subscribers of completion, including
// the result summary.
func (e *ScanEvents) ScanCompleted(ctx context.Context, jobID string, results map[string]any) map[string]bool {
	return e.jobEvent(ctx, KindScanCompleted, jobID, results)
}

// ScanFailed notifies a job's subscribers of failure.
func (e *ScanEvents) ScanFailed(ctx context.Context, jobID string, reason string) map[string]bool {
	return e.jobEvent(ctx, KindScanFailed, jobID, map[string]any{"reason": reason})
}

// ThreatDetected fans a detection out to the threat feed group.
func (e *ScanEvents) ThreatDetected(ctx context.Context, data map[string]any) map[string]bool {
	return e.dispatcher.Send(ctx, ToGroup(ThreatGroup), NewNotification(KindThreatDetected, data))
}

func (e *ScanEvents) jobEvent(ctx context.Context, kind Kind, jobID string, data map[string]any) map[string]bool {
	// Annotate a copy; the caller's map stays untouched.
	payload := make(map[string]any, len(data)+1)
	for k, v := range data {
		payload[k] = v
	}
	payload["job_id"] = jobID
	return e.dispatcher.Send(ctx, ToJob(jobID), NewNotification(kind, payload))
}
