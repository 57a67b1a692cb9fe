package domain

import "testing"

func TestDocumentStatus_ForwardOnly(t *testing.T) {
	all := []DocumentStatus{
		DocumentStatusUploaded,
		DocumentStatusExtracting,
		DocumentStatusExtracted,
		DocumentStatusFailed,
	}
	allowed := map[[2]DocumentStatus]bool{
		{DocumentStatusUploaded, DocumentStatusExtracting}:  true,
		{DocumentStatusUploaded, DocumentStatusFailed}:      true,
		{DocumentStatusExtracting, DocumentStatusExtracted}: true,
		{DocumentStatusExtracting, DocumentStatusFailed}:    true,
	}

	for _, from := range all {
		for _, to := range all {
			got := from.CanTransitionTo(to)
			want := allowed[[2]DocumentStatus{from, to}]
			if got != want {
				t.Errorf("%s -> %s: got %v, want %v", from, to, got, want)
			}
		}
	}
}

func TestJobStatus_Terminal(t *testing.T) {
	tests := []struct {
		status   JobStatus
		terminal bool
		holdsKey bool
	}{
		{JobStatusQueued, false, true},
		{JobStatusRunning, false, true},
		{JobStatusSucceeded, true, true},
		{JobStatusFailed, true, false},
		{JobStatusDeadLettered, true, false},
		{JobStatusCancelled, true, false},
	}

	for _, tt := range tests {
		t.Run(string(tt.status), func(t *testing.T) {
			if got := tt.status.IsTerminal(); got != tt.terminal {
				t.Errorf("IsTerminal() = %v, want %v", got, tt.terminal)
			}
			if got := tt.status.HoldsIdempotencyKey(); got != tt.holdsKey {
				t.Errorf("HoldsIdempotencyKey() = %v, want %v", got, tt.holdsKey)
			}
		})
	}
}
