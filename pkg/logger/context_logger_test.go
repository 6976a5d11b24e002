package logger

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

func TestContextLogger_AddsContextFields(t *testing.T) {
	core, logs := observer.New(zap.InfoLevel)
	cl := NewContextLogger(zap.New(core))

	ctx := WithRequestID(context.Background(), "req-1")
	ctx = WithUserID(ctx, "u-1")
	ctx = WithStreamID(ctx, "s-1")

	cl.WithContext(ctx).Info("joined")

	entries := logs.All()
	if assert.Len(t, entries, 1) {
		fields := entries[0].ContextMap()
		assert.Equal(t, "req-1", fields["request_id"])
		assert.Equal(t, "u-1", fields["user_id"])
		assert.Equal(t, "s-1", fields["stream_id"])
		assert.NotContains(t, fields, "trace_id")
	}
}

func TestContextLogger_LogRequest(t *testing.T) {
	core, logs := observer.New(zap.InfoLevel)
	cl := NewContextLogger(zap.New(core))

	cl.LogRequest(context.Background(), "POST", "/api/v1/streams", 201, 12)

	entries := logs.FilterMessage("http_request").All()
	if assert.Len(t, entries, 1) {
		assert.Equal(t, int64(201), entries[0].ContextMap()["status_code"])
	}
}

func TestNew_UnknownLevelFallsBackToInfo(t *testing.T) {
	l := New("verbose")
	assert.True(t, l.Core().Enabled(zap.InfoLevel))
	assert.False(t, l.Core().Enabled(zap.DebugLevel))
}
