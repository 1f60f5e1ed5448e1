package broker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/reachflow/pulse/internal/alert"
	"github.com/reachflow/pulse/internal/ingest"
	"github.com/reachflow/pulse/internal/model"
	"github.com/reachflow/pulse/internal/registry"
)

var (
	// ErrUnknownChannel is returned for channels outside the catalog.
	ErrUnknownChannel = errors.New("unknown channel")

	// ErrTierRequired is returned when the connection's tier is below
	// the channel's floor.
	ErrTierRequired = errors.New("channel requires a higher tier")

	// ErrChannelLimit is returned when the connection already holds its
	// tier's channel cap.
	ErrChannelLimit = errors.New("channel limit reached for tier")

	// ErrChannelFull is returned when the channel is at its subscriber
	// cap.
	ErrChannelFull = errors.New("channel at subscriber capacity")
)

// subscription is one session's membership in one channel.
type subscription struct {
	sess *registry.Session
	sub  *model.Subscription

	mu       sync.Mutex
	lastPush time.Time
}

// claimPush reserves a delivery slot when the subscriber's effective
// interval has elapsed. Periodic and triggered pushes go through the
// same gate, so no subscriber is ever pushed faster than
// max(channel floor, plan floor). The previous mark is returned so a
// failed delivery can hand the slot back.
func (s *subscription) claimPush(now time.Time, interval time.Duration) (time.Time, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.lastPush.IsZero() && now.Sub(s.lastPush) < interval {
		return time.Time{}, false
	}
	prev := s.lastPush
	s.lastPush = now
	return prev, true
}

// releasePush returns a claimed slot after a failed delivery, unless a
// later claim has already superseded it. A failed snapshot must not
// delay the next good one by a full cadence.
func (s *subscription) releasePush(claimed, prev time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.lastPush.Equal(claimed) {
		s.lastPush = prev
	}
}

// Broker manages channel subscriptions gated by tier, runs one push
// loop per active channel, and fans out periodic and triggered
// updates. Loops start on the 0 -> 1 subscriber transition and stop on
// 1 -> 0; no timer outlives its last subscriber.
type Broker struct {
	logger    *zap.Logger
	registry  *registry.Registry
	channels  map[string]ChannelSpec
	providers map[string]SnapshotProvider
	js        nats.JetStreamContext
	nc        *nats.Conn

	mu        sync.Mutex
	subs      map[string]map[string]*subscription // channel -> connection ID
	connSubs  map[string]map[string]struct{}      // connection ID -> channels
	loops     map[string]struct{}                 // channels with a live push loop
	loopCtx   context.Context
	alertSub  *nats.Subscription
	updateSub *nats.Subscription
	stop      chan struct{}
}

// NewBroker creates a subscription broker over the given catalog.
func NewBroker(reg *registry.Registry, channels map[string]ChannelSpec, providers map[string]SnapshotProvider, js nats.JetStreamContext, nc *nats.Conn, logger *zap.Logger) *Broker {
	return &Broker{
		logger:    logger.Named("subscription-broker"),
		registry:  reg,
		channels:  channels,
		providers: providers,
		js:        js,
		nc:        nc,
		loopCtx:   context.Background(),
		subs:      make(map[string]map[string]*subscription),
		connSubs:  make(map[string]map[string]struct{}),
		loops:     make(map[string]struct{}),
		stop:      make(chan struct{}),
	}
}

// Start subscribes the broker to fired alerts and metrics-updated
// notifications.
func (b *Broker) Start(ctx context.Context) error {
	b.loopCtx = ctx

	sub, err := b.js.Subscribe(alert.AlertSubjectPrefix+"*", b.handleAlert, nats.DeliverNew())
	if err != nil {
		return fmt.Errorf("failed to subscribe to alerts: %w", err)
	}
	b.alertSub = sub

	upd, err := b.nc.Subscribe(ingest.UpdatedSubjectPrefix+"*", b.handleMetricsUpdated)
	if err != nil {
		return fmt.Errorf("failed to subscribe to metric updates: %w", err)
	}
	b.updateSub = upd

	b.logger.Info("Subscription broker started", zap.Int("channels", len(b.channels)))
	return nil
}

// Stop stops all push loops and bus subscriptions.
func (b *Broker) Stop() {
	if b.alertSub != nil {
		b.alertSub.Unsubscribe()
	}
	if b.updateSub != nil {
		b.updateSub.Unsubscribe()
	}
	close(b.stop)
}

// Subscribe registers a session on a channel. On success the session
// immediately receives one snapshot, and the channel's push loop is
// started if this is its first subscriber.
func (b *Broker) Subscribe(sess *registry.Session, channel string) (*model.Subscription, error) {
	spec, ok := b.channels[channel]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownChannel, channel)
	}
	if !sess.Tier.AtLeast(spec.RequiredTier) {
		return nil, fmt.Errorf("%w: %s requires %s", ErrTierRequired, channel, spec.RequiredTier)
	}

	limits := model.LimitsFor(sess.Tier)

	b.mu.Lock()
	if _, dup := b.connSubs[sess.ID][channel]; dup {
		existing := b.subs[channel][sess.ID]
		b.mu.Unlock()
		return existing.sub, nil
	}
	if len(b.connSubs[sess.ID]) >= limits.MaxChannels {
		b.mu.Unlock()
		return nil, fmt.Errorf("%w: max %d", ErrChannelLimit, limits.MaxChannels)
	}
	if len(b.subs[channel]) >= spec.MaxSubscribers {
		b.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrChannelFull, channel)
	}

	sub := &subscription{
		sess: sess,
		sub: &model.Subscription{
			ConnectionID: sess.ID,
			UserID:       sess.UserID,
			Channel:      channel,
			SubscribedAt: time.Now(),
		},
	}
	if b.subs[channel] == nil {
		b.subs[channel] = make(map[string]*subscription)
	}
	b.subs[channel][sess.ID] = sub
	if b.connSubs[sess.ID] == nil {
		b.connSubs[sess.ID] = make(map[string]struct{})
	}
	b.connSubs[sess.ID][channel] = struct{}{}

	first := false
	if _, running := b.loops[channel]; !running {
		b.loops[channel] = struct{}{}
		first = true
	}
	b.mu.Unlock()

	// A delivered initial snapshot counts as the first push; if it
	// fails the slot stays open so the next tick retries promptly.
	now := time.Now()
	prev, _ := sub.claimPush(now, 0)
	if !b.sendSnapshot(sub, spec, true) {
		sub.releasePush(now, prev)
	}

	if first {
		go b.pushLoop(spec)
	}

	b.logger.Info("Channel subscribed",
		zap.String("connection_id", sess.ID),
		zap.String("user_id", sess.UserID),
		zap.String("channel", channel))

	return sub.sub, nil
}

// Unsubscribe removes a session from a channel. The channel's loop
// observes an empty subscriber set on its next tick and exits.
func (b *Broker) Unsubscribe(connectionID, channel string) error {
	if _, ok := b.channels[channel]; !ok {
		return fmt.Errorf("%w: %s", ErrUnknownChannel, channel)
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.subs[channel][connectionID]; !ok {
		return nil
	}
	delete(b.subs[channel], connectionID)
	delete(b.connSubs[connectionID], channel)
	if len(b.connSubs[connectionID]) == 0 {
		delete(b.connSubs, connectionID)
	}
	return nil
}

// UnsubscribeAll releases every subscription a connection holds; used
// on disconnect and heartbeat eviction.
func (b *Broker) UnsubscribeAll(connectionID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for channel := range b.connSubs[connectionID] {
		delete(b.subs[channel], connectionID)
	}
	delete(b.connSubs, connectionID)
}

// IntervalFor reports the effective push interval a tier receives on
// a channel; zero for unknown channels.
func (b *Broker) IntervalFor(channel string, tier model.Tier) time.Duration {
	spec, ok := b.channels[channel]
	if !ok {
		return 0
	}
	return spec.EffectiveInterval(tier)
}

// SubscriberCount returns the number of live subscriptions a channel
// holds.
func (b *Broker) SubscriberCount(channel string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs[channel])
}

// pushLoop drives one channel's periodic updates. It re-checks the
// subscriber count every tick and self-terminates when it reaches
// zero.
func (b *Broker) pushLoop(spec ChannelSpec) {
	ticker := time.NewTicker(spec.UpdateInterval)
	defer ticker.Stop()

	b.logger.Debug("Push loop started", zap.String("channel", spec.Name))

	for {
		select {
		case <-b.stop:
			return
		case <-b.loopCtx.Done():
			return
		case now := <-ticker.C:
			b.mu.Lock()
			if len(b.subs[spec.Name]) == 0 {
				delete(b.loops, spec.Name)
				b.mu.Unlock()
				b.logger.Debug("Push loop stopped", zap.String("channel", spec.Name))
				return
			}
			due := make([]claimedPush, 0, len(b.subs[spec.Name]))
			for _, sub := range b.subs[spec.Name] {
				if prev, ok := sub.claimPush(now, spec.EffectiveInterval(sub.sess.Tier)-tickSlack); ok {
					due = append(due, claimedPush{sub: sub, prev: prev})
				}
			}
			b.mu.Unlock()

			for _, cp := range due {
				if !b.sendSnapshot(cp.sub, spec, false) {
					cp.sub.releasePush(now, cp.prev)
				}
			}
		}
	}
}

// tickSlack absorbs timer jitter so a subscriber whose effective
// interval equals the channel interval is pushed every tick, not every
// other one.
const tickSlack = 50 * time.Millisecond

// claimedPush pairs an eligible subscriber with the push mark to
// restore if delivery fails.
type claimedPush struct {
	sub  *subscription
	prev time.Time
}

// sendSnapshot fetches and delivers one snapshot to one subscriber,
// reporting whether the frame reached the session buffer. A provider or
// socket failure costs that subscriber one frame and nothing else.
func (b *Broker) sendSnapshot(sub *subscription, spec ChannelSpec, initial bool) bool {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	provider, ok := b.providers[spec.Name]
	if !ok {
		return false
	}
	snapshot, err := provider.Snapshot(ctx, sub.sess.UserID)
	if err != nil {
		b.logger.Warn("Snapshot provider failed",
			zap.String("channel", spec.Name),
			zap.String("user_id", sub.sess.UserID),
			zap.Error(err))
		return false
	}

	var ev Event
	if initial {
		ev = InitialData{Channel: spec.Name, Snapshot: snapshot}
	} else {
		ev = Update{Channel: spec.Name, Snapshot: snapshot}
	}
	data, err := Encode(ev)
	if err != nil {
		b.logger.Error("Failed to encode snapshot", zap.Error(err))
		return false
	}

	if err := sub.sess.Push(data); err != nil {
		b.logger.Warn("Dropped channel update",
			zap.String("channel", spec.Name),
			zap.String("connection_id", sub.sess.ID),
			zap.Error(err))
		return false
	}
	return true
}

// handleAlert pushes a fired alert to the owning user's safety_alerts
// subscribers immediately, bypassing the periodic cadence.
func (b *Broker) handleAlert(msg *nats.Msg) {
	var ev model.AlertEvent
	if err := json.Unmarshal(msg.Data, &ev); err != nil {
		b.logger.Error("Failed to unmarshal alert event", zap.Error(err))
		return
	}

	data, err := Encode(Alert{Event: &ev})
	if err != nil {
		b.logger.Error("Failed to encode alert", zap.Error(err))
		return
	}

	b.mu.Lock()
	var targets []*subscription
	for _, sub := range b.subs[ChannelSafetyAlerts] {
		if sub.sess.UserID == ev.UserID {
			targets = append(targets, sub)
		}
	}
	b.mu.Unlock()

	for _, sub := range targets {
		if err := sub.sess.Push(data); err != nil {
			b.logger.Warn("Dropped alert message",
				zap.String("connection_id", sub.sess.ID),
				zap.Error(err))
		}
	}
}

// handleMetricsUpdated triggers an early profile_metrics push for the
// affected user, gated by each subscriber's effective interval so the
// channel floor holds even under a steady event stream.
func (b *Broker) handleMetricsUpdated(msg *nats.Msg) {
	var note ingest.UpdatedNotification
	if err := json.Unmarshal(msg.Data, &note); err != nil {
		b.logger.Error("Failed to unmarshal update notification", zap.Error(err))
		return
	}

	spec, ok := b.channels[ChannelProfileMetrics]
	if !ok {
		return
	}

	now := time.Now()
	b.mu.Lock()
	var due []claimedPush
	for _, sub := range b.subs[ChannelProfileMetrics] {
		if sub.sess.UserID != note.UserID {
			continue
		}
		if prev, ok := sub.claimPush(now, spec.EffectiveInterval(sub.sess.Tier)); ok {
			due = append(due, claimedPush{sub: sub, prev: prev})
		}
	}
	b.mu.Unlock()

	for _, cp := range due {
		if !b.sendSnapshot(cp.sub, spec, false) {
			cp.sub.releasePush(now, cp.prev)
		}
	}
}
