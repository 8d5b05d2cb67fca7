package node

import (
	"context"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/user/auramesh/chunk"
	"github.com/user/auramesh/clock"
	"github.com/user/auramesh/config"
	"github.com/user/auramesh/message"
	"github.com/user/auramesh/radio"
	"github.com/user/auramesh/radio/sim"
	"github.com/user/auramesh/recovery"
)

var chatServices = []radio.Service{{
	UUID: "svc-chat",
	Characteristics: []radio.Characteristic{
		{UUID: "chr-text", Notify: true},
		{UUID: "chr-info"},
	},
}}

func testConfig(id string) *config.Config {
	cfg := config.Default()
	cfg.Node.ID = id
	cfg.Codec.MaxPayload = 8
	cfg.Transport.ChunkDuration = 0
	cfg.Transport.RetryDelay = 0
	cfg.Recovery.BaseDelay = 5 * time.Millisecond
	cfg.Recovery.MaxDelay = 20 * time.Millisecond
	cfg.Recovery.ConnectTimeout = time.Second
	return cfg
}

// start runs n until the test ends
func start(t *testing.T, n *Node) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	stopped := make(chan struct{})
	go func() {
		defer close(stopped)
		assert.NoError(t, n.Run(ctx))
	}()
	t.Cleanup(func() {
		cancel()
		<-stopped
		n.Close()
	})
}

func newNode(t *testing.T, cfg *config.Config, r radio.Adapter, opts ...Option) *Node {
	t.Helper()
	n, err := New(cfg, r, opts...)
	require.NoError(t, err)
	return n
}

func TestNode_DeliversAcrossTheAir(t *testing.T) {
	air := sim.NewAir(sim.PerfectConfig(), nil, nil)
	ra := air.NewRadio("radio-a", chatServices)
	rb := air.NewRadio("radio-b", chatServices)
	t.Cleanup(ra.Close)
	t.Cleanup(rb.Close)

	a := newNode(t, testConfig("node-a"), ra)
	b := newNode(t, testConfig("node-b"), rb)

	delivered := make(chan *message.Message, 4)
	b.OnMessageDelivered(func(m *message.Message) { delivered <- m })
	start(t, a)
	start(t, b)

	id, err := a.SendMessage([]byte("hello-world-this-is-long"), message.KindChat)
	require.NoError(t, err)

	select {
	case m := <-delivered:
		assert.Equal(t, id, m.ID)
		assert.Equal(t, "node-a", m.Sender)
		assert.Equal(t, "hello-world-this-is-long", string(m.Content))
		assert.Equal(t, message.KindChat, m.Kind)
		assert.Equal(t, int64(1), m.SequenceNumber)
		assert.Equal(t, message.StatusDelivered, m.Status)
	case <-time.After(2 * time.Second):
		t.Fatal("message was not delivered")
	}

	require.Eventually(t, func() bool { return !a.Pending(id) }, time.Second, time.Millisecond)
	assert.Equal(t, 0, b.store.Len())

	ackID, err := b.SendAck(id)
	require.NoError(t, err)
	assert.NotEqual(t, id, ackID)
}

func TestNode_ReportsFailedMessages(t *testing.T) {
	simCfg := sim.PerfectConfig()
	simCfg.TransmitFailureRate = 1
	air := sim.NewAir(simCfg, nil, nil)
	ra := air.NewRadio("radio-a", nil)
	t.Cleanup(ra.Close)

	a := newNode(t, testConfig("node-a"), ra)
	failed := make(chan string, 1)
	a.OnMessageFailed(func(id string) { failed <- id })
	start(t, a)

	id, err := a.SendMessage([]byte("doomed"), message.KindChat)
	require.NoError(t, err)

	select {
	case got := <-failed:
		assert.Equal(t, id, got)
	case <-time.After(2 * time.Second):
		t.Fatal("failure was not reported")
	}
	assert.False(t, a.Pending(id))
}

func TestNode_ReportsExpiredMessages(t *testing.T) {
	fake := clock.NewFake(time.Unix(1700000000, 0))
	air := sim.NewAir(sim.PerfectConfig(), nil, nil)
	ra := air.NewRadio("radio-a", nil)
	t.Cleanup(ra.Close)

	a := newNode(t, testConfig("node-a"), ra, WithClock(fake))
	failed := make(chan string, 1)
	a.OnMessageFailed(func(id string) { failed <- id })

	id, err := a.SendMessage([]byte("stale"), message.KindChat)
	require.NoError(t, err)
	require.True(t, a.Pending(id))

	fake.Advance(6 * time.Minute)
	a.Sweep(context.Background())
	assert.False(t, a.Pending(id))

	start(t, a)
	select {
	case got := <-failed:
		assert.Equal(t, id, got)
	case <-time.After(2 * time.Second):
		t.Fatal("expiry was not reported")
	}
}

func TestNode_DropsOwnEchoAndMalformedFrames(t *testing.T) {
	air := sim.NewAir(sim.PerfectConfig(), nil, nil)
	ra := air.NewRadio("radio-a", nil)
	t.Cleanup(ra.Close)

	reg := prometheus.NewRegistry()
	a := newNode(t, testConfig("node-a"), ra, WithRegistry(reg))

	own := message.New("node-a", []byte("hello-world-this-is-long"), message.KindChat, 1, time.Now())
	parts, err := chunk.Split(own, 8)
	require.NoError(t, err)
	a.handleFrame(chunk.Encode(parts[0]), "radio-x")
	assert.Equal(t, 0, a.store.Len())

	a.handleFrame([]byte{0xff, 0xff, 0xff}, "radio-x")
	assert.Equal(t, 1.0, testutil.ToFloat64(a.metrics.ReassemblyAnomalies.WithLabelValues(AnomalyMalformedFrame)))

	other := message.New("node-x", []byte("hi"), message.KindChat, 1, time.Now())
	parts, err = chunk.Split(other, 8)
	require.NoError(t, err)
	a.handleFrame(chunk.Encode(parts[0]), "radio-x")
	a.handleFrame(chunk.Encode(parts[0]), "radio-x")
	require.Len(t, a.deliveries, 1)
	got := <-a.deliveries
	assert.Equal(t, "hi", string(got.Content))
	assert.Equal(t, "node-x", got.Sender)
}

func TestNode_DropsDeliveryWhenNotRunning(t *testing.T) {
	air := sim.NewAir(sim.PerfectConfig(), nil, nil)
	ra := air.NewRadio("radio-a", nil)
	t.Cleanup(ra.Close)

	reg := prometheus.NewRegistry()
	a := newNode(t, testConfig("node-a"), ra, WithRegistry(reg))
	t.Cleanup(a.Close)

	frame := func(seq int64) []byte {
		msg := message.New("node-x", []byte("hi"), message.KindChat, seq, time.Now())
		parts, err := chunk.Split(msg, 8)
		require.NoError(t, err)
		return chunk.Encode(parts[0])
	}
	for i := 0; i < deliveryBuffer; i++ {
		a.handleFrame(frame(int64(i+1)), "radio-x")
	}
	require.Len(t, a.deliveries, deliveryBuffer)

	returned := make(chan struct{})
	go func() {
		defer close(returned)
		a.handleFrame(frame(deliveryBuffer+1), "radio-x")
	}()
	select {
	case <-returned:
	case <-time.After(2 * time.Second):
		t.Fatal("receive callback blocked on a full delivery buffer")
	}

	assert.Len(t, a.deliveries, deliveryBuffer)
	assert.Equal(t, 1.0, testutil.ToFloat64(a.metrics.ReassemblyAnomalies.WithLabelValues(AnomalyDeliveryDropped)))
}

func TestNode_RestoresSessionAfterDrop(t *testing.T) {
	air := sim.NewAir(sim.PerfectConfig(), nil, nil)
	ra := air.NewRadio("radio-a", chatServices)
	rb := air.NewRadio("radio-b", chatServices)
	t.Cleanup(ra.Close)
	t.Cleanup(rb.Close)

	a := newNode(t, testConfig("node-a"), ra)
	states := make(chan recovery.State, 64)
	restored := make(chan bool, 4)
	a.OnConnectionStateChanged(func(peer string, s recovery.State) {
		if peer == "radio-b" {
			states <- s
		}
	})
	a.OnSessionRestored(func(peer string, ok bool) { restored <- ok })
	start(t, a)

	waitFor := func(want recovery.State) {
		t.Helper()
		deadline := time.After(2 * time.Second)
		for {
			select {
			case s := <-states:
				if s == want {
					return
				}
			case <-deadline:
				t.Fatalf("peer never reached %s", want)
			}
		}
	}

	require.NoError(t, a.ConnectPeer("radio-b"))
	waitFor(recovery.StateConnected)
	require.Eventually(t, func() bool { return len(a.DiscoveredServices("radio-b")) > 0 }, time.Second, time.Millisecond)

	services := recovery.DescriptorsFrom(a.DiscoveredServices("radio-b"), map[string]bool{"chr-text": true})
	require.NoError(t, a.SaveSession("radio-b", "bob", services))
	waitFor(recovery.StateReady)

	require.True(t, ra.Drop("radio-b"))
	waitFor(recovery.StateDisconnected)
	waitFor(recovery.StateReady)

	select {
	case ok := <-restored:
		assert.True(t, ok)
	case <-time.After(2 * time.Second):
		t.Fatal("session was not restored")
	}
	assert.Equal(t, []string{"chr-text"}, ra.Subscriptions("radio-b"))
	assert.Equal(t, recovery.StateReady, a.ConnectionState("radio-b"))
}

func TestNode_PersistsSessions(t *testing.T) {
	dir := t.TempDir()
	cfg := testConfig("node-a")
	cfg.Data.Dir = dir
	cfg.Recovery.PersistSessions = true
	cfg.Recovery.EventLog = true

	air := sim.NewAir(sim.PerfectConfig(), nil, nil)
	ra := air.NewRadio("radio-a", nil)
	t.Cleanup(ra.Close)

	a := newNode(t, cfg, ra)
	services := []recovery.ServiceDescriptor{{
		UUID:            "svc-chat",
		Characteristics: []recovery.CharacteristicDescriptor{{UUID: "chr-text", NotifyEnabled: true}},
	}}
	require.NoError(t, a.SaveSession("radio-b", "bob", services))
	a.Close()

	again := newNode(t, cfg, ra)
	t.Cleanup(again.Close)
	s := again.recovery.Session("radio-b")
	require.NotNil(t, s)
	assert.Equal(t, "bob", s.PeerName)
	assert.Equal(t, services, s.Services)
}

func TestNode_Lifecycle(t *testing.T) {
	air := sim.NewAir(sim.PerfectConfig(), nil, nil)
	ra := air.NewRadio("radio-a", nil)
	t.Cleanup(ra.Close)

	_, err := New(nil, nil)
	assert.Error(t, err)

	bad := testConfig("node-a")
	bad.Reassembly.TTL = 0
	_, err = New(bad, ra)
	assert.Error(t, err)

	n := newNode(t, nil, ra)
	assert.Len(t, n.ID(), message.IDLength)

	start(t, n)
	require.Eventually(t, func() bool { return n.running.Load() }, time.Second, time.Millisecond)
	assert.ErrorIs(t, n.Run(context.Background()), ErrAlreadyRunning)

	n.Close()
	_, err = n.SendMessage([]byte("late"), message.KindChat)
	assert.ErrorIs(t, err, ErrClosed)
}
