package errors

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestErrorFormatting(t *testing.T) {
	err := NewError(CodeArc, "arc 3 overrun", nil)
	assert.Equal(t, "[ARC_ERROR] arc 3 overrun", err.Error())

	wrapped := NewError(CodeIO, "publish failed", fmt.Errorf("broken pipe"))
	assert.Equal(t, "[IO_ERROR] publish failed: broken pipe", wrapped.Error())
}

func TestMalformedUnwraps(t *testing.T) {
	err := Malformed("section %s exceeds image", "arcs")
	assert.True(t, IsMalformed(err))
	assert.True(t, IsFatal(fmt.Errorf("load: %w", err)))
	assert.Contains(t, err.Error(), "section arcs exceeds image")
}

func TestCategorizeError(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want string
	}{
		{"nil", nil, ""},
		{"coded", NewError(CodeScript, "bad opcode", nil), CodeScript},
		{"sentinel address", fmt.Errorf("pack: %w", ErrAddress), CodeAddress},
		{"context", context.Canceled, CodeContextCancelled},
		{"message arc", New("arc 2 is locked"), CodeArc},
		{"unknown", New("boom"), CodeUnknown},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, CategorizeError(tt.err))
		})
	}
}

func TestIsFatalOnlyForGraphErrors(t *testing.T) {
	assert.False(t, IsFatal(nil))
	assert.False(t, IsFatal(NewError(CodeAddress, "no bank", ErrAddress)))
	assert.True(t, IsFatal(Malformed("short header")))
}
