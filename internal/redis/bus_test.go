package redis

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestFrameRoundTripSkipsOwnOrigin(t *testing.T) {
	raw, err := encodeFrame("node-a", []string{"conv:X", "user:B"}, "c1", []byte(`{"event":"typing"}`))
	require.NoError(t, err)

	f, ok := decodeFrame("node-b", raw)
	require.True(t, ok)
	assert.Equal(t, []string{"conv:X", "user:B"}, f.Groups)
	assert.Equal(t, "c1", f.Exclude)
	assert.JSONEq(t, `{"event":"typing"}`, string(f.Payload))

	_, ok = decodeFrame("node-a", raw)
	assert.False(t, ok)

	_, ok = decodeFrame("node-b", []byte("garbage"))
	assert.False(t, ok)
}

func TestPresenceKeys(t *testing.T) {
	s := NewPresenceStore(nil, "rt", 0)
	assert.Equal(t, "rt:conn:alice", s.connKey("alice"))
	assert.Equal(t, "rt:presence:alice", s.presenceKey("alice"))
	assert.Equal(t, 2*time.Minute, s.ttl)
}

func TestBusDeliversToOtherInstances(t *testing.T) {
	mr := miniredis.RunT(t)
	log := zap.NewNop().Sugar()
	a := NewBus(newTestClient(t, mr), "rt:fanout", "node-a", log)
	b := NewBus(newTestClient(t, mr), "rt:fanout", "node-b", log)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	got := make(chan []string, 16)
	go b.Run(ctx, func(groups []string, _ string, _ []byte) int {
		got <- groups
		return 1
	})

	require.Eventually(t, func() bool {
		if err := a.Relay(ctx, []string{"conv:X"}, "", []byte(`{}`)); err != nil {
			return false
		}
		select {
		case g := <-got:
			return len(g) == 1 && g[0] == "conv:X"
		case <-time.After(20 * time.Millisecond):
			return false
		}
	}, 2*time.Second, 10*time.Millisecond)

	// b skips frames it sent itself
	require.NoError(t, b.Relay(ctx, []string{"conv:Y"}, "", []byte(`{}`)))
	select {
	case g := <-got:
		assert.NotEqual(t, []string{"conv:Y"}, g)
	case <-time.After(50 * time.Millisecond):
	}
}
