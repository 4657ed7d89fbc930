package flow

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestContextIsEstablishedRequiresBothControlHalves(t *testing.T) {
	c := NewContext(100)
	assert.False(t, c.IsEstablished())

	c.PrimaryControl[0] = Endpoint{IP: [4]byte{1, 1, 1, 1}, TEID: 42, Set: true}
	assert.False(t, c.IsEstablished())

	c.PrimaryControl[1] = Endpoint{IP: [4]byte{2, 2, 2, 2}, TEID: 99, Set: true}
	assert.True(t, c.IsEstablished())
}

func TestTunnelStoreLookupByEndpointKey(t *testing.T) {
	store := NewStore[TunnelKey, *Context](0)
	ctx := NewContext(100)
	ep := Endpoint{IP: [4]byte{192, 168, 1, 1}, TEID: 7, Set: true}
	ctx.PrimaryControl[0] = ep

	store.Insert(ep.Key(), ctx)

	got, ok := store.Get(TunnelKey{IP: [4]byte{192, 168, 1, 1}, TEID: 7})
	require.True(t, ok)
	assert.Same(t, ctx, got)
}

func TestContextTouchUpdatesLastActivity(t *testing.T) {
	c := NewContext(100)
	assert.Equal(t, int64(100), c.LastActivityUnix())
	c.Touch(250)
	assert.Equal(t, int64(250), c.LastActivityUnix())
}
