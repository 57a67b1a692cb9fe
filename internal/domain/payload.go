package domain

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
)

var (
	ErrUnknownJobType = errors.New("unknown job type")
	ErrInvalidPayload = errors.New("invalid job payload")
	ErrPayloadTenant  = errors.New("payload tenant does not match job tenant")
)

var validate = validator.New(validator.WithRequiredStructEnabled())

// Payload is the typed body of a job. Each JobType has exactly one variant.
type Payload interface {
	JobType() JobType
	Tenant() uuid.UUID
	// Refs lists the tenant-owned entities the payload points at.
	Refs() []EntityRef
}

type EntityKind string

const (
	EntityDocument EntityKind = "document"
	EntityMatch    EntityKind = "match"
	EntitySchedule EntityKind = "schedule"
)

type EntityRef struct {
	Kind EntityKind
	ID   uuid.UUID
}

type IngestPayload struct {
	TenantID   uuid.UUID `json:"tenant_id" validate:"required"`
	DocumentID uuid.UUID `json:"document_id" validate:"required"`
}

func (p *IngestPayload) JobType() JobType  { return JobTypeIngest }
func (p *IngestPayload) Tenant() uuid.UUID { return p.TenantID }
func (p *IngestPayload) Refs() []EntityRef {
	return []EntityRef{{Kind: EntityDocument, ID: p.DocumentID}}
}

type ReconcilePayload struct {
	TenantID   uuid.UUID `json:"tenant_id" validate:"required"`
	DocumentID uuid.UUID `json:"document_id" validate:"required"`
}

func (p *ReconcilePayload) JobType() JobType  { return JobTypeReconcile }
func (p *ReconcilePayload) Tenant() uuid.UUID { return p.TenantID }
func (p *ReconcilePayload) Refs() []EntityRef {
	return []EntityRef{{Kind: EntityDocument, ID: p.DocumentID}}
}

type NotifyPayload struct {
	TenantID   uuid.UUID         `json:"tenant_id" validate:"required"`
	DocumentID uuid.UUID         `json:"document_id,omitempty"`
	MatchID    uuid.UUID         `json:"match_id,omitempty"`
	Channel    string            `json:"channel" validate:"required,oneof=email sms inapp webhook"`
	TemplateID string            `json:"template_id" validate:"required,max=128"`
	Data       map[string]string `json:"data,omitempty" validate:"max=64"`
}

func (p *NotifyPayload) JobType() JobType  { return JobTypeNotify }
func (p *NotifyPayload) Tenant() uuid.UUID { return p.TenantID }
func (p *NotifyPayload) Refs() []EntityRef {
	var refs []EntityRef
	if p.DocumentID != uuid.Nil {
		refs = append(refs, EntityRef{Kind: EntityDocument, ID: p.DocumentID})
	}
	if p.MatchID != uuid.Nil {
		refs = append(refs, EntityRef{Kind: EntityMatch, ID: p.MatchID})
	}
	return refs
}

type ReportPayload struct {
	TenantID    uuid.UUID `json:"tenant_id" validate:"required"`
	ScheduleID  uuid.UUID `json:"schedule_id,omitempty"`
	PeriodStart time.Time `json:"period_start,omitempty"`
	PeriodEnd   time.Time `json:"period_end,omitempty"`
}

func (p *ReportPayload) JobType() JobType  { return JobTypeReport }
func (p *ReportPayload) Tenant() uuid.UUID { return p.TenantID }
func (p *ReportPayload) Refs() []EntityRef {
	if p.ScheduleID == uuid.Nil {
		return nil
	}
	return []EntityRef{{Kind: EntitySchedule, ID: p.ScheduleID}}
}

func (p *ReportPayload) validatePeriod() error {
	if p.PeriodStart.IsZero() != p.PeriodEnd.IsZero() {
		return errors.New("period_start and period_end must be set together")
	}
	if !p.PeriodEnd.IsZero() && !p.PeriodEnd.After(p.PeriodStart) {
		return errors.New("period_end must be after period_start")
	}
	return nil
}

func newPayload(typ JobType) (Payload, error) {
	switch typ {
	case JobTypeIngest:
		return &IngestPayload{}, nil
	case JobTypeReconcile:
		return &ReconcilePayload{}, nil
	case JobTypeNotify:
		return &NotifyPayload{}, nil
	case JobTypeReport:
		return &ReportPayload{}, nil
	}
	return nil, fmt.Errorf("%w: %q", ErrUnknownJobType, typ)
}

// DecodePayload decodes and validates raw as the payload variant for typ.
// Unknown fields are rejected.
func DecodePayload(typ JobType, raw json.RawMessage) (Payload, error) {
	p, err := newPayload(typ)
	if err != nil {
		return nil, err
	}

	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	if err := dec.Decode(p); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	if err := validate.Struct(p); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	if rp, ok := p.(*ReportPayload); ok {
		if err := rp.validatePeriod(); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
		}
	}
	return p, nil
}

// DecodeJobPayload decodes the job's payload and checks that it belongs to the job's tenant.
func DecodeJobPayload(job Job) (Payload, error) {
	p, err := DecodePayload(job.Type, job.Payload)
	if err != nil {
		return nil, err
	}
	if p.Tenant() != job.TenantID {
		return nil, fmt.Errorf("%w: payload=%s job=%s", ErrPayloadTenant, p.Tenant(), job.TenantID)
	}
	return p, nil
}
