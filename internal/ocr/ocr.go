// Package ocr is the client side of the document extraction provider.
package ocr

import (
	"context"
	"errors"
	"fmt"
)

var (
	// ErrUnreadable means the provider rejected the file as corrupt or unsupported.
	ErrUnreadable    = errors.New("document unreadable")
	ErrNotConfigured = errors.New("ocr provider not configured")
)

// RawField is one field as reported by the provider, before normalization.
type RawField struct {
	Name       string  `json:"name"`
	Value      string  `json:"value"`
	Confidence float64 `json:"confidence"`
}

type Result struct {
	Fields        []RawField `json:"fields"`
	RawConfidence float64    `json:"confidence"`
}

// Extractor runs OCR on the file at fileRef.
type Extractor interface {
	Extract(ctx context.Context, fileRef string) (Result, error)
}

// Error is returned by extractors. Retryable marks rate limits, timeouts and
// provider outages.
type Error struct {
	Retryable  bool
	StatusCode int
	Err        error
}

func (e *Error) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("ocr: status %d: %v", e.StatusCode, e.Err)
	}
	return "ocr: " + e.Err.Error()
}

func (e *Error) Unwrap() error { return e.Err }

// IsRetryable reports whether err is an ocr Error marked retryable.
func IsRetryable(err error) bool {
	var oe *Error
	return errors.As(err, &oe) && oe.Retryable
}

// Disabled is used when no provider is configured. Every call fails
// permanently so the pipeline surfaces the misconfiguration in dead letters.
type Disabled struct{}

func (Disabled) Extract(ctx context.Context, fileRef string) (Result, error) {
	return Result{}, &Error{Err: ErrNotConfigured}
}
