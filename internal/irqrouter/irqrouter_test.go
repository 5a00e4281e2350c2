package irqrouter

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestRouteKnownIRQ(t *testing.T) {
	r := New()
	r.Register(32, 7)

	h, ok := r.Route(32, nil)
	require.True(t, ok)
	require.Equal(t, uint64(7), h.Badge)
}

func TestRouteUnknownIRQInvokesCallback(t *testing.T) {
	r := New()
	var seen uint32
	h, ok := r.Route(99, func(irq uint32) { seen = irq })
	require.False(t, ok)
	require.Equal(t, Handler{}, h)
	require.Equal(t, uint32(99), seen)
}

func TestRegisterReplacesOwner(t *testing.T) {
	r := New()
	r.Register(32, 7)
	r.Register(32, 8)

	h, ok := r.Route(32, nil)
	require.True(t, ok)
	require.Equal(t, uint64(8), h.Badge)
}

func TestUnregisterBadgeClearsAllLines(t *testing.T) {
	r := New()
	r.Register(32, 7)
	r.Register(33, 7)
	r.Register(34, 9)

	r.UnregisterBadge(7)

	_, ok := r.Route(32, nil)
	require.False(t, ok)
	_, ok = r.Route(33, nil)
	require.False(t, ok)
	h, ok := r.Route(34, nil)
	require.True(t, ok)
	require.Equal(t, uint64(9), h.Badge)
}
