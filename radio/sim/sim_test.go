package sim

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/user/auramesh/radio"
)

var testServices = []radio.Service{{
	UUID: "svc-chat",
	Characteristics: []radio.Characteristic{
		{UUID: "chr-text", Notify: true},
		{UUID: "chr-info"},
	},
}}

type receiver struct {
	mu     sync.Mutex
	frames []string
	from   []string
}

func (rx *receiver) on(frame []byte, from string) {
	rx.mu.Lock()
	defer rx.mu.Unlock()
	rx.frames = append(rx.frames, string(frame))
	rx.from = append(rx.from, from)
}

func (rx *receiver) count() int {
	rx.mu.Lock()
	defer rx.mu.Unlock()
	return len(rx.frames)
}

func newPair(t *testing.T, cfg *Config) (*Radio, *Radio) {
	t.Helper()
	air := NewAir(cfg, nil, nil)
	a := air.NewRadio("radio-a", testServices)
	b := air.NewRadio("radio-b", testServices)
	t.Cleanup(a.Close)
	t.Cleanup(b.Close)
	return a, b
}

func nextEvent(t *testing.T, ch <-chan radio.ConnEvent) radio.ConnEvent {
	t.Helper()
	select {
	case ev, ok := <-ch:
		require.True(t, ok, "stream closed unexpectedly")
		return ev
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for connection event")
	}
	return radio.ConnEvent{}
}

func TestBroadcast_ReachesOthersOnly(t *testing.T) {
	a, b := newPair(t, PerfectConfig())
	rxA, rxB := &receiver{}, &receiver{}
	a.OnReceive(rxA.on)
	b.OnReceive(rxB.on)

	require.NoError(t, a.Transmit(context.Background(), []byte("frame-1")))
	a.StopTransmit()

	require.Eventually(t, func() bool { return rxB.count() == 1 }, time.Second, time.Millisecond)
	assert.Equal(t, []string{"frame-1"}, rxB.frames)
	assert.Equal(t, []string{"radio-a"}, rxB.from)
	assert.Equal(t, 0, rxA.count())
}

func TestTransmit_Errors(t *testing.T) {
	cfg := PerfectConfig()
	cfg.MaxFrameSize = 8
	a, _ := newPair(t, cfg)

	err := a.Transmit(context.Background(), []byte("0123456789"))
	assert.True(t, radio.IsTransmitCode(err, radio.CodeTooLarge))

	require.NoError(t, a.Transmit(context.Background(), []byte("ok")))
	assert.True(t, a.Broadcasting())
	err = a.Transmit(context.Background(), []byte("again"))
	assert.Equal(t, radio.OutcomeBusy, radio.Classify(err))

	a.StopTransmit()
	a.SetEnabled(false)
	err = a.Transmit(context.Background(), []byte("off"))
	assert.ErrorIs(t, err, radio.ErrRadioOff)
	assert.Equal(t, radio.OutcomeTransient, radio.Classify(err))
}

func TestTransmit_FailureRate(t *testing.T) {
	cfg := PerfectConfig()
	cfg.TransmitFailureRate = 1
	a, _ := newPair(t, cfg)

	err := a.Transmit(context.Background(), []byte("x"))
	assert.True(t, radio.IsTransmitCode(err, radio.CodeInternal))
	assert.False(t, a.Broadcasting())
}

func TestBroadcast_TotalLoss(t *testing.T) {
	cfg := PerfectConfig()
	cfg.PacketLossRate = 1
	a, b := newPair(t, cfg)
	rx := &receiver{}
	b.OnReceive(rx.on)

	require.NoError(t, a.Transmit(context.Background(), []byte("lost")))
	a.StopTransmit()

	assert.Never(t, func() bool { return rx.count() > 0 }, 30*time.Millisecond, 5*time.Millisecond)
}

func TestBroadcast_DisabledReceiverHearsNothing(t *testing.T) {
	a, b := newPair(t, PerfectConfig())
	rx := &receiver{}
	b.OnReceive(rx.on)
	b.SetEnabled(false)

	require.NoError(t, a.Transmit(context.Background(), []byte("x")))
	a.StopTransmit()

	assert.Never(t, func() bool { return rx.count() > 0 }, 30*time.Millisecond, 5*time.Millisecond)
}

func TestConnect_DiscoverAndSubscribe(t *testing.T) {
	a, _ := newPair(t, PerfectConfig())

	stream, err := a.Connect(context.Background(), "radio-b")
	require.NoError(t, err)
	assert.Equal(t, radio.EventConnecting, nextEvent(t, stream).Type)
	assert.Equal(t, radio.EventConnected, nextEvent(t, stream).Type)

	_, err = a.Connect(context.Background(), "radio-b")
	assert.ErrorIs(t, err, radio.ErrAlreadyConnected)

	require.NoError(t, a.DiscoverServices("radio-b"))
	ev := nextEvent(t, stream)
	require.Equal(t, radio.EventServicesDiscovered, ev.Type)
	c, ok := radio.FindCharacteristic(ev.Services, "svc-chat", "chr-text")
	require.True(t, ok)
	assert.NotZero(t, c.Handle)

	require.NoError(t, a.Subscribe(context.Background(), "radio-b", "svc-chat", "chr-text"))
	assert.ErrorIs(t, a.Subscribe(context.Background(), "radio-b", "svc-chat", "chr-info"), radio.ErrNotNotifiable)
	assert.ErrorIs(t, a.Subscribe(context.Background(), "radio-b", "svc-x", "chr-text"), radio.ErrUnknownService)
	assert.Equal(t, []string{"chr-text"}, a.Subscriptions("radio-b"))

	assert.True(t, a.Drop("radio-b"))
	ev = nextEvent(t, stream)
	assert.Equal(t, radio.EventDisconnected, ev.Type)
	assert.ErrorIs(t, ev.Reason, radio.ErrConnectionDrop)
	_, open := <-stream
	assert.False(t, open)
	assert.Empty(t, a.Links())
}

func TestConnect_HandlesChangeAcrossConnections(t *testing.T) {
	a, _ := newPair(t, PerfectConfig())

	discover := func() uint16 {
		stream, err := a.Connect(context.Background(), "radio-b")
		require.NoError(t, err)
		nextEvent(t, stream)
		nextEvent(t, stream)
		require.NoError(t, a.DiscoverServices("radio-b"))
		ev := nextEvent(t, stream)
		c, ok := radio.FindCharacteristic(ev.Services, "svc-chat", "chr-text")
		require.True(t, ok)
		a.Disconnect("radio-b")
		return c.Handle
	}

	assert.NotEqual(t, discover(), discover())
}

func TestConnect_UnknownPeerFails(t *testing.T) {
	a, _ := newPair(t, PerfectConfig())

	stream, err := a.Connect(context.Background(), "radio-x")
	require.NoError(t, err)
	assert.Equal(t, radio.EventConnecting, nextEvent(t, stream).Type)

	ev := nextEvent(t, stream)
	assert.Equal(t, radio.EventDisconnected, ev.Type)
	assert.ErrorIs(t, ev.Reason, radio.ErrConnectFailed)
	assert.ErrorIs(t, a.DiscoverServices("radio-x"), radio.ErrNotConnected)
}

func TestSetEnabled_DropsLinksAndNotifies(t *testing.T) {
	a, _ := newPair(t, PerfectConfig())

	var states []bool
	a.OnRadioState(func(on bool) { states = append(states, on) })

	stream, err := a.Connect(context.Background(), "radio-b")
	require.NoError(t, err)
	nextEvent(t, stream)
	nextEvent(t, stream)

	a.SetEnabled(false)
	ev := nextEvent(t, stream)
	assert.Equal(t, radio.EventDisconnected, ev.Type)
	assert.ErrorIs(t, ev.Reason, radio.ErrRadioOff)

	_, err = a.Connect(context.Background(), "radio-b")
	assert.ErrorIs(t, err, radio.ErrRadioOff)

	a.SetEnabled(true)
	a.SetEnabled(true)
	assert.Equal(t, []bool{false, true}, states)
}
