package joberr

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestClassify(t *testing.T) {
	base := errors.New("boom")

	tests := []struct {
		name string
		err  error
		want Class
	}{
		{"nil", nil, ""},
		{"plain", base, ClassTransient},
		{"transient", Transient(base), ClassTransient},
		{"permanent", Permanent(base), ClassPermanent},
		{"wrapped permanent", fmt.Errorf("stage: %w", Permanent(base)), ClassPermanent},
		{"permanent inside transient", Transient(Permanent(base)), ClassPermanent},
		{"deadline", fmt.Errorf("ocr: %w", context.DeadlineExceeded), ClassTransient},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Classify(tt.err))
		})
	}
}

func TestConstructors_Nil(t *testing.T) {
	assert.Nil(t, Transient(nil))
	assert.Nil(t, Permanent(nil))
}

func TestExhausted_Unwraps(t *testing.T) {
	cause := Transientf("ocr timeout")
	err := Exhausted(5, cause)

	assert.True(t, IsExhausted(err))
	assert.True(t, IsTransient(err))
	assert.False(t, IsPermanent(err))
	assert.Contains(t, err.Error(), "after 5 attempts")
}
