package api

import (
	"encoding/json"
	"time"

	"github.com/Jameslockman827621/Ai-accountant--sub012/internal/domain"
)

type CreateJobRequest struct {
	TenantID       string          `json:"tenant_id" validate:"required,uuid"`
	Type           string          `json:"type" validate:"required,oneof=ingest reconcile notify report"`
	Payload        json.RawMessage `json:"payload" validate:"required"`
	IdempotencyKey string          `json:"idempotency_key,omitempty" validate:"omitempty,max=255"`
	MaxAttempts    int             `json:"max_attempts,omitempty" validate:"omitempty,min=1,max=100"`
}

type CreateJobResponse struct {
	JobID   string `json:"job_id"`
	Created bool   `json:"created"`
}

type JobResponse struct {
	ID             string `json:"id"`
	TenantID       string `json:"tenant_id"`
	Type           string `json:"type"`
	Status         string `json:"status"`
	IdempotencyKey string `json:"idempotency_key"`
	Attempts       int    `json:"attempts"`
	MaxAttempts    int    `json:"max_attempts"`
	LastError      string `json:"last_error,omitempty"`
	CreatedAt      string `json:"created_at"`
	UpdatedAt      string `json:"updated_at"`
	NextRunAt      string `json:"next_run_at"`
}

type ListDeadLettersResponse struct {
	Jobs []JobResponse `json:"jobs"`
}

type CreateDocumentRequest struct {
	// SourceRef must live under tenants/<tenant_id>/.
	SourceRef string `json:"source_ref" validate:"required,max=1024"`
}

type CreateDocumentResponse struct {
	DocumentID string `json:"document_id"`
	JobID      string `json:"job_id"`
}

type FieldResponse struct {
	Name       string  `json:"field_name"`
	Value      string  `json:"value"`
	Confidence float64 `json:"confidence"`
}

type DocumentResponse struct {
	ID            string          `json:"id"`
	TenantID      string          `json:"tenant_id"`
	SourceRef     string          `json:"source_ref"`
	Status        string          `json:"status"`
	FailureReason string          `json:"failure_reason,omitempty"`
	Fields        []FieldResponse `json:"fields"`
	CancelledAt   string          `json:"cancelled_at,omitempty"`
	CreatedAt     string          `json:"created_at"`
	UpdatedAt     string          `json:"updated_at"`
}

type LedgerEntryRequest struct {
	ID           string `json:"id,omitempty" validate:"omitempty,uuid"`
	Amount       string `json:"amount" validate:"required,numeric"`
	Currency     string `json:"currency" validate:"required,len=3,alpha"`
	Date         string `json:"date" validate:"required,datetime=2006-01-02"`
	Counterparty string `json:"counterparty,omitempty" validate:"max=255"`
	Reference    string `json:"reference,omitempty" validate:"max=255"`
	Matched      bool   `json:"matched,omitempty"`
}

type LedgerEntryResponse struct {
	ID string `json:"id"`
}

type CreateScheduleRequest struct {
	JobType        string          `json:"job_type" validate:"required,oneof=ingest reconcile notify report"`
	CronExpression string          `json:"cron_expression" validate:"required"`
	Timezone       string          `json:"timezone,omitempty" validate:"omitempty,timezone"`
	Payload        json.RawMessage `json:"payload,omitempty"`
	Enabled        *bool           `json:"enabled,omitempty"`
}

type ScheduleResponse struct {
	ID             string `json:"id"`
	TenantID       string `json:"tenant_id"`
	JobType        string `json:"job_type"`
	CronExpression string `json:"cron_expression"`
	Timezone       string `json:"timezone"`
	Enabled        bool   `json:"enabled"`
	NextFireAt     string `json:"next_fire_at"`
	CreatedAt      string `json:"created_at"`
}

type ErrorResponse struct {
	Error string `json:"error"`
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339)
}

func jobResponse(j domain.Job) JobResponse {
	return JobResponse{
		ID:             j.ID.String(),
		TenantID:       j.TenantID.String(),
		Type:           string(j.Type),
		Status:         string(j.Status),
		IdempotencyKey: j.IdempotencyKey,
		Attempts:       j.Attempts,
		MaxAttempts:    j.MaxAttempts,
		LastError:      j.LastError,
		CreatedAt:      formatTime(j.CreatedAt),
		UpdatedAt:      formatTime(j.UpdatedAt),
		NextRunAt:      formatTime(j.NextRunAt),
	}
}

func documentResponse(d domain.Document) DocumentResponse {
	resp := DocumentResponse{
		ID:            d.ID.String(),
		TenantID:      d.TenantID.String(),
		SourceRef:     d.SourceRef,
		Status:        string(d.Status),
		FailureReason: d.FailureReason,
		Fields:        make([]FieldResponse, len(d.Fields)),
		CreatedAt:     formatTime(d.CreatedAt),
		UpdatedAt:     formatTime(d.UpdatedAt),
	}
	for i, f := range d.Fields {
		resp.Fields[i] = FieldResponse{Name: f.Name, Value: f.Value, Confidence: f.Confidence}
	}
	if d.CancelledAt != nil {
		resp.CancelledAt = formatTime(*d.CancelledAt)
	}
	return resp
}
