// Package meta_test contains tests for the meta package.
package meta_test

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/docpipe/qwatch/meta"
)

func TestInjectMetaToContext(t *testing.T) {
	tests := []struct {
		name     string
		data     map[meta.ContextKey]string
		verify   meta.ContextKey
		expected string
		absent   bool
	}{
		{
			name:     "inject single value",
			data:     map[meta.ContextKey]string{meta.TraceID: "abc-123"},
			verify:   meta.TraceID,
			expected: "abc-123",
		},
		{
			name: "inject multiple values",
			data: map[meta.ContextKey]string{
				meta.TraceID:    "abc-123",
				meta.OperatorID: "op-7",
				meta.QueueName:  "invoices",
			},
			verify:   meta.QueueName,
			expected: "invoices",
		},
		{
			name:   "empty value is not injected",
			data:   map[meta.ContextKey]string{meta.OperatorID: ""},
			verify: meta.OperatorID,
			absent: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx := meta.InjectMetaToContext(t.Context(), tt.data)

			v := ctx.Value(tt.verify)
			if tt.absent {
				assert.Nil(t, v)
				return
			}
			assert.Equal(t, tt.expected, v)
		})
	}
}

func TestExtractMetaFromContext(t *testing.T) {
	data := map[meta.ContextKey]string{
		meta.TraceID:     "trace-1",
		meta.OperatorID:  "op-9",
		meta.ServiceName: "qwatch-test",
	}

	ctx := meta.InjectMetaToContext(t.Context(), data)
	extracted := meta.ExtractMetaFromContext(ctx)

	assert.Equal(t, data, extracted)
}

func TestExtractMetaFromEmptyContext(t *testing.T) {
	extracted := meta.ExtractMetaFromContext(t.Context())
	assert.Empty(t, extracted)
}
