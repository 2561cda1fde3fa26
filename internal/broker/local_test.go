package broker

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLocalDeliversToEverySubscriber(t *testing.T) {
	b := NewLocal()
	ctx := context.Background()

	var got1, got2 []string
	require.NoError(t, b.Subscribe(ctx, func(roomID string, data []byte) { got1 = append(got1, roomID+"="+string(data)) }))
	require.NoError(t, b.Subscribe(ctx, func(roomID string, data []byte) { got2 = append(got2, roomID+"="+string(data)) }))

	require.NoError(t, b.Publish(ctx, "r1", []byte("a")))
	require.NoError(t, b.Publish(ctx, "r2", []byte("b")))

	assert.Equal(t, []string{"r1=a", "r2=b"}, got1)
	assert.Equal(t, got1, got2)
	assert.Equal(t, "local", b.Name())
}

func TestLocalCloseDropsSubscribers(t *testing.T) {
	b := NewLocal()
	calls := 0
	require.NoError(t, b.Subscribe(context.Background(), func(string, []byte) { calls++ }))
	require.NoError(t, b.Close())
	require.NoError(t, b.Publish(context.Background(), "r", nil))
	assert.Zero(t, calls)
}
