package domain

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

type Schedule struct {
	ID       uuid.UUID
	TenantID uuid.UUID

	JobType        JobType
	CronExpression string
	Timezone       string // IANA timezone, defaults to UTC

	// Payload is the job payload to enqueue on each fire. Empty means the
	// scheduler derives a default payload for the job type.
	Payload json.RawMessage
	Enabled bool

	NextFireAt time.Time

	CreatedAt time.Time
	UpdatedAt time.Time
}

func (s Schedule) OwnerTenant() uuid.UUID { return s.TenantID }
