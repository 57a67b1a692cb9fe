package metrics

import (
	"context"
	"errors"
	"net"
	"strings"
	"time"
)

// Sink defines the interface for recording metrics.
// All methods are fire-and-forget: implementations MUST NOT block or propagate errors.
type Sink interface {
	// Worker metrics
	JobClaimed(jobType string)
	JobOutcome(jobType, outcome string)
	JobDeadLettered(jobType, reason string)
	HandlerDuration(jobType string, d time.Duration)
	JobsInFlightIncr()
	JobsInFlightDecr()

	// Wakeup bus metrics
	WakeupDropped()

	// Scheduler metrics
	TickStarted()
	TickCompleted(duration time.Duration, fired int, err error)

	// Reaper metrics
	ReaperSwept(requeued, exhausted int)

	// Stage metrics
	MatchOutcome(status string)
	OCRRequestCompleted(statusClass string, d time.Duration)

	LeaderStatus(isLeader bool)
}

// Job outcome labels.
const (
	OutcomeSucceeded    = "succeeded"
	OutcomeRetried      = "retried"
	OutcomeDeadLettered = "dead_lettered"
	OutcomeSkipped      = "skipped"
)

// Dead-letter reason labels.
const (
	ReasonPermanent = "permanent"
	ReasonExhausted = "exhausted"
)

// StatusClass constants for OCRRequestCompleted.
const (
	StatusClass2xx             = "2xx"
	StatusClass4xx             = "4xx"
	StatusClass5xx             = "5xx"
	StatusClassTimeout         = "timeout"
	StatusClassConnectionError = "connection_error"
	StatusClassOtherError      = "other_error"
)

// ClassifyStatus maps an OCR response status or transport error to a status class.
func ClassifyStatus(statusCode int, err error) string {
	if err != nil {
		var netErr net.Error
		if errors.Is(err, context.DeadlineExceeded) || (errors.As(err, &netErr) && netErr.Timeout()) {
			return StatusClassTimeout
		}
		msg := strings.ToLower(err.Error())
		switch {
		case strings.Contains(msg, "timeout"):
			return StatusClassTimeout
		case strings.Contains(msg, "connection refused"), strings.Contains(msg, "no such host"),
			strings.Contains(msg, "network is unreachable"), strings.Contains(msg, "dial"):
			return StatusClassConnectionError
		}
		return StatusClassOtherError
	}

	switch {
	case statusCode >= 200 && statusCode < 300:
		return StatusClass2xx
	case statusCode >= 400 && statusCode < 500:
		return StatusClass4xx
	case statusCode >= 500:
		return StatusClass5xx
	default:
		return StatusClassOtherError
	}
}
