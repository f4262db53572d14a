package logging

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInitialize_IsIdempotent(t *testing.T) {
	require.NoError(t, Initialize(true))
	require.NoError(t, Initialize(false), "a second Initialize must be a no-op, not an error")
	require.NotNil(t, L())
}

func TestRedactKey(t *testing.T) {
	assert.Equal(t, "***", RedactKey(""))
	assert.Equal(t, "***", RedactKey("abc"))
	assert.Equal(t, "abcdef***", RedactKey("abcdef0123456789"))
}

func TestContextCarriers(t *testing.T) {
	ctx := WithCorrelation(context.Background(), "cid")
	ctx = WithSession(ctx, "sid")
	ctx = WithRoom(ctx, "rid")

	assert.Equal(t, "cid", ctx.Value(CorrelationIDKey))
	assert.Equal(t, "sid", ctx.Value(SessionIDKey))
	assert.Equal(t, "rid", ctx.Value(RoomIDKey))

	// Logging with a populated context must not panic.
	Info(ctx, "carriers attached")
	Debug(nil, "nil context tolerated")
}
