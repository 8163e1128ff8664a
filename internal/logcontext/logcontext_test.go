package logcontext

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAppendCtx_DoesNotLeakIntoParent(t *testing.T) {
	parent := AppendCtx(context.Background(), slog.String("runId", "r1"))
	child := AppendCtx(parent, slog.String("paymentId", "p1"))

	assert.Len(t, Attrs(parent), 1)
	assert.Len(t, Attrs(child), 2)
}

func TestAppendCtx_ReplacesSameKey(t *testing.T) {
	ctx := AppendCtx(context.Background(), slog.String("paymentId", "p1"))
	ctx = AppendCtx(ctx, slog.String("paymentId", "p2"))

	attrs := Attrs(ctx)
	require.Len(t, attrs, 1)
	assert.Equal(t, "p2", attrs[0].Value.String())
}

func TestContextHandler_AddsAttrs(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(ContextHandler{Handler: slog.NewJSONHandler(&buf, nil)})

	ctx := AppendCtx(context.Background(), slog.String("paymentId", "p1"))
	logger.InfoContext(ctx, "hello")

	var line map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &line))
	assert.Equal(t, "p1", line["paymentId"])
	assert.Equal(t, "hello", line["msg"])
}
