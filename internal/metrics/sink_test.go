package metrics

import (
	"context"
	"errors"
	"fmt"
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestClassifyStatus(t *testing.T) {
	dialErr := &net.OpError{Op: "dial", Net: "tcp", Err: errors.New("connect: connection refused")}

	tests := []struct {
		name   string
		status int
		err    error
		want   string
	}{
		{"extracted", 200, nil, StatusClass2xx},
		{"accepted", 202, nil, StatusClass2xx},
		{"unreadable document", 422, nil, StatusClass4xx},
		{"rate limited", 429, nil, StatusClass4xx},
		{"provider down", 503, nil, StatusClass5xx},
		{"redirect", 302, nil, StatusClassOtherError},
		{"deadline", 0, fmt.Errorf("ocr: %w", context.DeadlineExceeded), StatusClassTimeout},
		{"client timeout text", 0, errors.New("Client.Timeout exceeded while awaiting headers"), StatusClassTimeout},
		{"refused", 0, dialErr, StatusClassConnectionError},
		{"dns", 0, errors.New("lookup ocr.internal: no such host"), StatusClassConnectionError},
		{"breaker open", 0, errors.New("circuit open"), StatusClassOtherError},
		{"error wins over status", 200, errors.New("decode body"), StatusClassOtherError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ClassifyStatus(tt.status, tt.err))
		})
	}
}
