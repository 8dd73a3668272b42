package room

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/meonardo/videoroom-rtc/internal/log"
	"github.com/meonardo/videoroom-rtc/signaling"
)

func TestBusDeliversToAllSubscribers(t *testing.T) {
	bus := NewBus(log.NewNop())

	first, cancelFirst := bus.Subscribe(4)
	second, cancelSecond := bus.Subscribe(4)
	defer cancelFirst()
	defer cancelSecond()

	bus.Publish(ErrorReceived{Reason: "boom"})

	require.Equal(t, ErrorReceived{Reason: "boom"}, <-first)
	require.Equal(t, ErrorReceived{Reason: "boom"}, <-second)
}

func TestBusDropsForSlowSubscriber(t *testing.T) {
	bus := NewBus(log.NewNop())

	ch, cancel := bus.Subscribe(1)
	defer cancel()

	bus.Publish(RoomStateChanged{State: StateJoining})
	bus.Publish(RoomStateChanged{State: StatePublishing})
	bus.Publish(ErrorReceived{Reason: "dropped too"})

	// only the first fits, the rest must not have blocked Publish
	require.Equal(t, RoomStateChanged{State: StateJoining}, <-ch)
	select {
	case ev := <-ch:
		t.Fatalf("unexpected event %#v", ev)
	default:
	}
}

func TestBusUnsubscribeClosesChannel(t *testing.T) {
	bus := NewBus(log.NewNop())

	ch, cancel := bus.Subscribe(1)
	cancel()

	_, open := <-ch
	require.False(t, open)

	// publishing after unsubscribe must not panic
	bus.Publish(ErrorReceived{Reason: "late"})
	cancel()
}

func TestConnectionNegotiationGuard(t *testing.T) {
	conn := newConnection(772, signaling.Publisher{ID: 42, Display: "bob"}, nil)

	require.NoError(t, conn.beginOffer())
	require.ErrorIs(t, conn.beginAnswer(), ErrNegotiationBusy)
	require.ErrorIs(t, conn.beginOffer(), ErrNegotiationBusy)

	conn.establish()
	require.False(t, conn.negotiating())
	require.NoError(t, conn.beginOffer())

	conn.endNegotiation()
	require.NoError(t, conn.beginAnswer())
}

func TestConnectionDestroyWithoutEngine(t *testing.T) {
	conn := newConnection(772, signaling.Publisher{ID: 42, Display: "bob"}, nil)
	conn.destroy()
	conn.destroy()
}
