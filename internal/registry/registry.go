package registry

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/reachflow/pulse/internal/model"
)

var (
	// ErrConnectionLimit is returned when a user is at their tier's
	// simultaneous-connection cap.
	ErrConnectionLimit = errors.New("connection limit reached for tier")

	// ErrSessionClosed is returned when pushing to a closed session.
	ErrSessionClosed = errors.New("session closed")

	// ErrSlowConsumer is returned when a session's send buffer is full.
	// The message is dropped; delivery to other sessions is unaffected.
	ErrSlowConsumer = errors.New("session send buffer full")
)

const sendBufferSize = 64

// Session is one live client connection. A user may hold several at
// once (multi-tab, multi-device); each has its own outbound buffer so
// one slow socket never blocks the rest.
type Session struct {
	ID     string
	UserID string
	Tier   model.Tier

	send chan []byte

	mu           sync.Mutex
	lastActivity time.Time
	closed       bool
}

// NewSession creates a session for an authenticated connection.
func NewSession(userID string, tier model.Tier) *Session {
	return &Session{
		ID:           uuid.New().String(),
		UserID:       userID,
		Tier:         tier,
		send:         make(chan []byte, sendBufferSize),
		lastActivity: time.Now(),
	}
}

// Push queues a message for the session's write pump without blocking.
// A full buffer drops the message and reports ErrSlowConsumer.
func (s *Session) Push(msg []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrSessionClosed
	}
	select {
	case s.send <- msg:
		return nil
	default:
		return ErrSlowConsumer
	}
}

// Outbound is the channel the connection's write pump drains. It is
// closed when the session is removed from the registry.
func (s *Session) Outbound() <-chan []byte {
	return s.send
}

// Touch records client activity (any inbound frame, including pings).
func (s *Session) Touch() {
	s.mu.Lock()
	s.lastActivity = time.Now()
	s.mu.Unlock()
}

// LastActivity returns the time of the last observed client activity.
func (s *Session) LastActivity() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastActivity
}

func (s *Session) close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		s.closed = true
		close(s.send)
	}
}

// Registry tracks live sessions per user and owns their liveness. All
// access goes through methods; the maps are never exposed.
type Registry struct {
	logger   *zap.Logger
	interval time.Duration

	mu     sync.RWMutex
	byConn map[string]*Session
	byUser map[string]map[string]*Session

	onEvict func(*Session)
	now     func() time.Time
	stop    chan struct{}
}

// NewRegistry creates a connection registry with the given heartbeat
// sweep interval.
func NewRegistry(interval time.Duration, logger *zap.Logger) *Registry {
	return &Registry{
		logger:   logger.Named("connection-registry"),
		interval: interval,
		byConn:   make(map[string]*Session),
		byUser:   make(map[string]map[string]*Session),
		now:      time.Now,
		stop:     make(chan struct{}),
	}
}

// SetEvictHandler installs the callback run for every session the
// heartbeat sweep terminates, before the session is closed. The broker
// uses it to release the session's subscriptions.
func (r *Registry) SetEvictHandler(fn func(*Session)) {
	r.onEvict = fn
}

// Start starts the heartbeat sweep loop.
func (r *Registry) Start(ctx context.Context) error {
	r.logger.Info("Starting connection registry",
		zap.Duration("heartbeat_interval", r.interval))

	go r.sweepLoop(ctx)
	return nil
}

// Stop stops the sweep loop.
func (r *Registry) Stop() {
	r.logger.Info("Stopping connection registry")
	close(r.stop)
}

// Add registers a session, enforcing the tier's connection cap.
func (r *Registry) Add(sess *Session) error {
	limits := model.LimitsFor(sess.Tier)

	r.mu.Lock()
	defer r.mu.Unlock()

	if len(r.byUser[sess.UserID]) >= limits.MaxConnections {
		return ErrConnectionLimit
	}

	r.byConn[sess.ID] = sess
	if r.byUser[sess.UserID] == nil {
		r.byUser[sess.UserID] = make(map[string]*Session)
	}
	r.byUser[sess.UserID][sess.ID] = sess

	r.logger.Info("Session registered",
		zap.String("connection_id", sess.ID),
		zap.String("user_id", sess.UserID),
		zap.String("tier", string(sess.Tier)))

	return nil
}

// Remove deregisters and closes a session. Returns the session so the
// caller can release its subscriptions, or nil if unknown.
func (r *Registry) Remove(connectionID string) *Session {
	r.mu.Lock()
	sess, ok := r.byConn[connectionID]
	if ok {
		delete(r.byConn, connectionID)
		delete(r.byUser[sess.UserID], connectionID)
		if len(r.byUser[sess.UserID]) == 0 {
			delete(r.byUser, sess.UserID)
		}
	}
	r.mu.Unlock()

	if !ok {
		return nil
	}

	sess.close()
	r.logger.Info("Session removed",
		zap.String("connection_id", connectionID),
		zap.String("user_id", sess.UserID))
	return sess
}

// Get returns a session by connection ID.
func (r *Registry) Get(connectionID string) (*Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	sess, ok := r.byConn[connectionID]
	return sess, ok
}

// BroadcastToUser fans a message to every live session of a user and
// returns how many accepted it. Slow consumers drop the message rather
// than delay the rest.
func (r *Registry) BroadcastToUser(userID string, msg []byte) int {
	r.mu.RLock()
	sessions := make([]*Session, 0, len(r.byUser[userID]))
	for _, sess := range r.byUser[userID] {
		sessions = append(sessions, sess)
	}
	r.mu.RUnlock()

	delivered := 0
	for _, sess := range sessions {
		if err := sess.Push(msg); err != nil {
			r.logger.Warn("Dropped broadcast message",
				zap.String("connection_id", sess.ID),
				zap.Error(err))
			continue
		}
		delivered++
	}
	return delivered
}

// SessionCount returns the number of live sessions for a user.
func (r *Registry) SessionCount(userID string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byUser[userID])
}

func (r *Registry) sweepLoop(ctx context.Context) {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-r.stop:
			return
		case <-ticker.C:
			r.Sweep()
		}
	}
}

// Sweep terminates every session with no observed activity since the
// previous sweep.
func (r *Registry) Sweep() {
	cutoff := r.now().Add(-r.interval)

	r.mu.RLock()
	var stale []*Session
	for _, sess := range r.byConn {
		if sess.LastActivity().Before(cutoff) {
			stale = append(stale, sess)
		}
	}
	r.mu.RUnlock()

	for _, sess := range stale {
		r.logger.Info("Evicting unresponsive session",
			zap.String("connection_id", sess.ID),
			zap.String("user_id", sess.UserID),
			zap.Time("last_activity", sess.LastActivity()))
		if r.onEvict != nil {
			r.onEvict(sess)
		}
		r.Remove(sess.ID)
	}
}
