package metrics

import "time"

// NoopSink is a no-op implementation of Sink.
// Used when metrics are disabled to avoid nil checks.
type NoopSink struct{}

// NewNoopSink returns a no-op metrics sink.
func NewNoopSink() *NoopSink {
	return &NoopSink{}
}

func (n *NoopSink) JobClaimed(jobType string)                                  {}
func (n *NoopSink) JobOutcome(jobType, outcome string)                         {}
func (n *NoopSink) JobDeadLettered(jobType, reason string)                     {}
func (n *NoopSink) HandlerDuration(jobType string, d time.Duration)            {}
func (n *NoopSink) JobsInFlightIncr()                                          {}
func (n *NoopSink) JobsInFlightDecr()                                          {}
func (n *NoopSink) WakeupDropped()                                             {}
func (n *NoopSink) TickStarted()                                               {}
func (n *NoopSink) TickCompleted(duration time.Duration, fired int, err error) {}
func (n *NoopSink) ReaperSwept(requeued, exhausted int)                        {}
func (n *NoopSink) MatchOutcome(status string)                                 {}
func (n *NoopSink) OCRRequestCompleted(statusClass string, d time.Duration)    {}
func (n *NoopSink) LeaderStatus(isLeader bool)                                 {}
