package broker

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/reachflow/pulse/internal/alert"
	"github.com/reachflow/pulse/internal/ingest"
	"github.com/reachflow/pulse/internal/model"
	"github.com/reachflow/pulse/internal/registry"
	"github.com/reachflow/pulse/internal/testutil"
)

// stubProvider serves a fixed payload.
type stubProvider struct {
	payload interface{}
}

func (p *stubProvider) Snapshot(_ context.Context, _ string) (interface{}, error) {
	return p.payload, nil
}

// flakyProvider fails until the backend "recovers".
type flakyProvider struct {
	fail bool
}

func (p *flakyProvider) Snapshot(_ context.Context, _ string) (interface{}, error) {
	if p.fail {
		return nil, errors.New("snapshot backend unavailable")
	}
	return map[string]string{"status": "ok"}, nil
}

func testChannels() map[string]ChannelSpec {
	return map[string]ChannelSpec{
		ChannelSafetyAlerts: {Name: ChannelSafetyAlerts, RequiredTier: model.TierFree, UpdateInterval: 20 * time.Millisecond, MaxSubscribers: 10},
		ChannelQueueStatus:  {Name: ChannelQueueStatus, RequiredTier: model.TierPro, UpdateInterval: 20 * time.Millisecond, MaxSubscribers: 2},
	}
}

func testProviders() map[string]SnapshotProvider {
	return map[string]SnapshotProvider{
		ChannelSafetyAlerts: &stubProvider{payload: map[string]string{"status": "ok"}},
		ChannelQueueStatus:  &stubProvider{payload: &QueueStatus{Depth: 1, Capacity: 10}},
	}
}

func newTestBroker(t *testing.T) (*Broker, *registry.Registry) {
	t.Helper()
	reg := registry.NewRegistry(30*time.Second, zap.NewNop())
	b := NewBroker(reg, testChannels(), testProviders(), nil, nil, zap.NewNop())
	t.Cleanup(b.Stop)
	return b, reg
}

func decodeEnvelope(t *testing.T, data []byte) *Envelope {
	t.Helper()
	var env Envelope
	require.NoError(t, json.Unmarshal(data, &env))
	return &env
}

func TestBrokerSubscribe(t *testing.T) {
	t.Run("Subscribing Pushes Initial Snapshot", func(t *testing.T) {
		b, _ := newTestBroker(t)
		sess := registry.NewSession("user-1", model.TierFree)

		sub, err := b.Subscribe(sess, ChannelSafetyAlerts)
		require.NoError(t, err)
		assert.Equal(t, ChannelSafetyAlerts, sub.Channel)
		assert.Equal(t, sess.ID, sub.ConnectionID)

		select {
		case msg := <-sess.Outbound():
			env := decodeEnvelope(t, msg)
			assert.Equal(t, "channel_initial_data", env.Type)
		case <-time.After(time.Second):
			t.Fatal("no initial snapshot pushed")
		}
	})

	t.Run("Unknown Channel", func(t *testing.T) {
		b, _ := newTestBroker(t)
		sess := registry.NewSession("user-1", model.TierEnterprise)
		_, err := b.Subscribe(sess, "made_up_channel")
		assert.ErrorIs(t, err, ErrUnknownChannel)
	})

	t.Run("Tier Gating", func(t *testing.T) {
		b, _ := newTestBroker(t)

		free := registry.NewSession("user-1", model.TierFree)
		_, err := b.Subscribe(free, ChannelQueueStatus)
		assert.ErrorIs(t, err, ErrTierRequired)

		pro := registry.NewSession("user-2", model.TierPro)
		_, err = b.Subscribe(pro, ChannelQueueStatus)
		assert.NoError(t, err)
	})

	t.Run("Channel Subscriber Cap", func(t *testing.T) {
		b, _ := newTestBroker(t)

		for i := 0; i < 2; i++ {
			sess := registry.NewSession("user-cap", model.TierPro)
			_, err := b.Subscribe(sess, ChannelQueueStatus)
			require.NoError(t, err)
		}

		sess := registry.NewSession("user-cap", model.TierPro)
		_, err := b.Subscribe(sess, ChannelQueueStatus)
		assert.ErrorIs(t, err, ErrChannelFull)
	})

	t.Run("Duplicate Subscribe Is A No-Op", func(t *testing.T) {
		b, _ := newTestBroker(t)
		sess := registry.NewSession("user-1", model.TierFree)

		first, err := b.Subscribe(sess, ChannelSafetyAlerts)
		require.NoError(t, err)
		second, err := b.Subscribe(sess, ChannelSafetyAlerts)
		require.NoError(t, err)
		assert.Equal(t, first, second)
		assert.Equal(t, 1, b.SubscriberCount(ChannelSafetyAlerts))
	})

	t.Run("Per-Connection Channel Limit", func(t *testing.T) {
		channels := map[string]ChannelSpec{}
		providers := map[string]SnapshotProvider{}
		for _, name := range []string{"a", "b", "c", "d"} {
			channels[name] = ChannelSpec{Name: name, RequiredTier: model.TierFree, UpdateInterval: time.Minute, MaxSubscribers: 10}
			providers[name] = &stubProvider{payload: "x"}
		}
		reg := registry.NewRegistry(30*time.Second, zap.NewNop())
		b := NewBroker(reg, channels, providers, nil, nil, zap.NewNop())
		defer b.Stop()

		// Free tier holds at most three channels.
		sess := registry.NewSession("user-1", model.TierFree)
		for _, name := range []string{"a", "b", "c"} {
			_, err := b.Subscribe(sess, name)
			require.NoError(t, err)
		}
		_, err := b.Subscribe(sess, "d")
		assert.ErrorIs(t, err, ErrChannelLimit)
	})
}

func TestBrokerUnsubscribe(t *testing.T) {
	b, _ := newTestBroker(t)
	sess := registry.NewSession("user-1", model.TierPro)

	_, err := b.Subscribe(sess, ChannelSafetyAlerts)
	require.NoError(t, err)
	_, err = b.Subscribe(sess, ChannelQueueStatus)
	require.NoError(t, err)

	require.NoError(t, b.Unsubscribe(sess.ID, ChannelSafetyAlerts))
	assert.Equal(t, 0, b.SubscriberCount(ChannelSafetyAlerts))
	assert.Equal(t, 1, b.SubscriberCount(ChannelQueueStatus))

	// Unsubscribing twice is harmless; unknown channels are not.
	require.NoError(t, b.Unsubscribe(sess.ID, ChannelSafetyAlerts))
	assert.ErrorIs(t, b.Unsubscribe(sess.ID, "nope"), ErrUnknownChannel)

	b.UnsubscribeAll(sess.ID)
	assert.Equal(t, 0, b.SubscriberCount(ChannelQueueStatus))
}

func TestBrokerPushLoop(t *testing.T) {
	b, _ := newTestBroker(t)
	sess := registry.NewSession("user-1", model.TierEnterprise)

	_, err := b.Subscribe(sess, ChannelSafetyAlerts)
	require.NoError(t, err)

	// Initial snapshot plus at least one periodic update.
	var types []string
	deadline := time.After(2 * time.Second)
	for len(types) < 2 {
		select {
		case msg := <-sess.Outbound():
			types = append(types, decodeEnvelope(t, msg).Type)
		case <-deadline:
			t.Fatalf("expected periodic updates, got %v", types)
		}
	}
	assert.Equal(t, "channel_initial_data", types[0])
	assert.Equal(t, "update", types[1])

	// After the last unsubscribe the loop winds down.
	b.UnsubscribeAll(sess.ID)
	require.Eventually(t, func() bool {
		b.mu.Lock()
		defer b.mu.Unlock()
		_, running := b.loops[ChannelSafetyAlerts]
		return !running
	}, 2*time.Second, 10*time.Millisecond)
}

func TestBrokerAlertFanout(t *testing.T) {
	nc, js, cleanup := testutil.StartJetStream(t)
	defer cleanup()

	reg := registry.NewRegistry(30*time.Second, zap.NewNop())
	b := NewBroker(reg, testChannels(), testProviders(), js, nc, zap.NewNop())

	dispatcher, err := alert.NewNATSDispatcher(js, zap.NewNop())
	require.NoError(t, err)

	require.NoError(t, b.Start(context.Background()))
	defer b.Stop()

	target := registry.NewSession("user-1", model.TierFree)
	other := registry.NewSession("user-2", model.TierFree)
	_, err = b.Subscribe(target, ChannelSafetyAlerts)
	require.NoError(t, err)
	_, err = b.Subscribe(other, ChannelSafetyAlerts)
	require.NoError(t, err)

	// Drop the initial snapshots.
	<-target.Outbound()
	<-other.Outbound()

	require.NoError(t, dispatcher.Dispatch(context.Background(), &model.AlertEvent{
		ID:          uuid.New().String(),
		RuleID:      uuid.New().String(),
		UserID:      "user-1",
		MetricName:  model.MetricProfileViews,
		MetricValue: 150,
		Severity:    model.AlertSeverityWarning,
		Timestamp:   time.Now(),
	}))

	select {
	case msg := <-target.Outbound():
		env := decodeEnvelope(t, msg)
		assert.Equal(t, "alert", env.Type)
	case <-time.After(5 * time.Second):
		t.Fatal("alert never reached the subscriber")
	}

	// The other user's subscriber sees nothing.
	select {
	case msg := <-other.Outbound():
		env := decodeEnvelope(t, msg)
		if env.Type == "alert" {
			t.Fatal("alert leaked to another user")
		}
	case <-time.After(200 * time.Millisecond):
	}
}

func TestBrokerTriggeredPushHonorsChannelFloor(t *testing.T) {
	// profile_metrics has a 30s channel floor; a pro plan (5s floor)
	// must still not see triggered pushes faster than the channel
	// allows.
	channels := map[string]ChannelSpec{
		ChannelProfileMetrics: {Name: ChannelProfileMetrics, RequiredTier: model.TierBasic, UpdateInterval: 30 * time.Second, MaxSubscribers: 10},
	}
	providers := map[string]SnapshotProvider{
		ChannelProfileMetrics: &stubProvider{payload: map[string]float64{"profileViews": 42}},
	}
	reg := registry.NewRegistry(30*time.Second, zap.NewNop())
	b := NewBroker(reg, channels, providers, nil, nil, zap.NewNop())
	defer b.Stop()

	sess := registry.NewSession("user-1", model.TierPro)
	_, err := b.Subscribe(sess, ChannelProfileMetrics)
	require.NoError(t, err)
	<-sess.Outbound() // initial snapshot

	note, err := json.Marshal(&ingest.UpdatedNotification{
		UserID:    "user-1",
		Metrics:   []string{model.MetricProfileViews},
		Timestamp: time.Now(),
	})
	require.NoError(t, err)
	msg := &nats.Msg{Data: note}

	noFrame := func(t *testing.T) {
		t.Helper()
		select {
		case frame := <-sess.Outbound():
			t.Fatalf("unexpected push inside the channel floor: %s", frame)
		default:
		}
	}

	b.mu.Lock()
	sub := b.subs[ChannelProfileMetrics][sess.ID]
	b.mu.Unlock()

	// Right after the initial snapshot, and again once only the plan
	// floor has elapsed, the trigger is suppressed.
	b.handleMetricsUpdated(msg)
	noFrame(t)

	sub.mu.Lock()
	sub.lastPush = time.Now().Add(-10 * time.Second)
	sub.mu.Unlock()
	b.handleMetricsUpdated(msg)
	noFrame(t)

	// Past the channel floor the trigger lands.
	sub.mu.Lock()
	sub.lastPush = time.Now().Add(-31 * time.Second)
	sub.mu.Unlock()
	b.handleMetricsUpdated(msg)

	select {
	case frame := <-sess.Outbound():
		assert.Equal(t, "update", decodeEnvelope(t, frame).Type)
	default:
		t.Fatal("expected a push once the channel floor elapsed")
	}
}

func TestBrokerFailedSnapshotKeepsSlotOpen(t *testing.T) {
	// A failed delivery must not count against the subscriber's
	// cadence; the next good snapshot goes out immediately.
	provider := &flakyProvider{fail: true}
	channels := map[string]ChannelSpec{
		ChannelProfileMetrics: {Name: ChannelProfileMetrics, RequiredTier: model.TierBasic, UpdateInterval: time.Hour, MaxSubscribers: 10},
	}
	reg := registry.NewRegistry(30*time.Second, zap.NewNop())
	b := NewBroker(reg, channels, map[string]SnapshotProvider{ChannelProfileMetrics: provider}, nil, nil, zap.NewNop())
	defer b.Stop()

	sess := registry.NewSession("user-1", model.TierBasic)
	_, err := b.Subscribe(sess, ChannelProfileMetrics)
	require.NoError(t, err)

	select {
	case frame := <-sess.Outbound():
		t.Fatalf("unexpected frame from a failing provider: %s", frame)
	default:
	}

	provider.fail = false
	note, err := json.Marshal(&ingest.UpdatedNotification{UserID: "user-1", Timestamp: time.Now()})
	require.NoError(t, err)
	b.handleMetricsUpdated(&nats.Msg{Data: note})

	select {
	case frame := <-sess.Outbound():
		assert.Equal(t, "update", decodeEnvelope(t, frame).Type)
	default:
		t.Fatal("expected an immediate push after the provider recovered")
	}
}

func TestBrokerTierFloorGatesCadence(t *testing.T) {
	// A free-tier subscriber on a fast channel is paced by the plan
	// floor, not the channel interval.
	b, _ := newTestBroker(t)
	sess := registry.NewSession("user-1", model.TierFree)

	_, err := b.Subscribe(sess, ChannelSafetyAlerts)
	require.NoError(t, err)

	// Consume the initial snapshot.
	select {
	case <-sess.Outbound():
	case <-time.After(time.Second):
		t.Fatal("no initial snapshot")
	}

	// The free plan floor is 30s, so no periodic update arrives within
	// a few channel ticks.
	select {
	case msg := <-sess.Outbound():
		t.Fatalf("unexpected update for free tier: %s", msg)
	case <-time.After(200 * time.Millisecond):
	}
}
