package domain

import (
	"time"

	"github.com/google/uuid"
)

type DocumentStatus string

const (
	DocumentStatusUploaded   DocumentStatus = "uploaded"
	DocumentStatusExtracting DocumentStatus = "extracting"
	DocumentStatusExtracted  DocumentStatus = "extracted"
	DocumentStatusFailed     DocumentStatus = "failed"
)

// CanTransitionTo reports whether next is a forward move from s.
func (s DocumentStatus) CanTransitionTo(next DocumentStatus) bool {
	switch s {
	case DocumentStatusUploaded:
		return next == DocumentStatusExtracting || next == DocumentStatusFailed
	case DocumentStatusExtracting:
		return next == DocumentStatusExtracted || next == DocumentStatusFailed
	}
	return false
}

func (s DocumentStatus) IsTerminal() bool {
	return s == DocumentStatusExtracted || s == DocumentStatusFailed
}

// Normalized field names produced by the ingestion stage.
const (
	FieldDate           = "date"
	FieldAmount         = "amount"
	FieldCurrency       = "currency"
	FieldCounterparty   = "counterparty"
	FieldDocumentNumber = "documentNumber"
)

// Failure reasons recorded on documents.
const (
	FailureLowConfidence    = "low_confidence"
	FailureUnreadable       = "unreadable"
	FailureRetriesExhausted = "retries_exhausted"
	// FailureRejected covers other permanent failures, e.g. a provider refusing the request.
	FailureRejected = "rejected"
)

type ExtractedField struct {
	Name       string  `json:"field_name"`
	Value      string  `json:"value"`
	Confidence float64 `json:"confidence"`
}

type Document struct {
	ID       uuid.UUID
	TenantID uuid.UUID

	// SourceRef is an opaque pointer into object storage.
	SourceRef string
	Status    DocumentStatus
	Fields    []ExtractedField

	FailureReason string
	CancelledAt   *time.Time

	CreatedAt time.Time
	UpdatedAt time.Time
}

func (d Document) OwnerTenant() uuid.UUID { return d.TenantID }

func (d Document) Field(name string) (ExtractedField, bool) {
	for _, f := range d.Fields {
		if f.Name == name {
			return f, true
		}
	}
	return ExtractedField{}, false
}

func (d Document) Cancelled() bool {
	return d.CancelledAt != nil
}

// DocumentTransition is a conditional status change. It applies only while
// the document is still in From.
type DocumentTransition struct {
	From          DocumentStatus
	To            DocumentStatus
	Fields        []ExtractedField
	FailureReason string
}
