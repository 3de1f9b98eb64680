package calltip

import (
	"context"
	"testing"

	"github.com/sourcegraph/jsonrpc2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRequestTracker_CancelPropagates(t *testing.T) {
	rt := NewRequestTracker()
	id := jsonrpc2.ID{Num: 7}

	ctx := rt.Add(id, context.Background())
	require.Equal(t, 1, rt.Count())
	require.NoError(t, ctx.Err(), "context must be live until cancelled")

	rt.Cancel(id)
	assert.ErrorIs(t, ctx.Err(), context.Canceled, "a cancelled request's context must actually cancel")
	assert.Equal(t, 0, rt.Count())
}

func TestRequestTracker_RemoveReleasesContext(t *testing.T) {
	rt := NewRequestTracker()
	id := jsonrpc2.ID{Str: "req-a", IsString: true}

	ctx := rt.Add(id, context.Background())
	rt.Remove(id)

	assert.Equal(t, 0, rt.Count())
	assert.ErrorIs(t, ctx.Err(), context.Canceled, "a finished request's context is released")
}

func TestRequestTracker_IgnoresNotifications(t *testing.T) {
	rt := NewRequestTracker()

	ctx := rt.Add(jsonrpc2.ID{}, context.Background())
	assert.Equal(t, 0, rt.Count())
	assert.NoError(t, ctx.Err())

	rt.Cancel(jsonrpc2.ID{}) // no-op
	rt.Remove(jsonrpc2.ID{}) // no-op
}
