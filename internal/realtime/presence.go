package realtime

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/lalith-99/relaychat/internal/repository"
	"go.uber.org/zap"
)

// PresenceMirror receives every published presence change. The Redis cache
// implements it; the store stays the system of record.
type PresenceMirror interface {
	SetPresence(ctx context.Context, userID uuid.UUID, online bool, lastSeen time.Time) error
}

// presenceState is one user's connection counter and pending offline timer.
// mu guards everything but published; emit orders publications. Lock order
// is emit, then PresenceTracker.mu, then mu.
type presenceState struct {
	mu       sync.Mutex
	conns    int
	online   bool
	timer    *time.Timer
	timerGen uint64
	version  uint64

	// removed marks a state dropped from the tracker; holders retry with a
	// fresh one.
	removed bool

	emit      sync.Mutex
	published bool
}

// PresenceTracker turns per-user connection counts into user:online and
// user:offline broadcasts. Going offline waits out a grace window so a
// reconnect inside it produces no events at all.
//
// State is process memory only; a restart starts everyone offline until
// they reconnect.
type PresenceTracker struct {
	store    repository.ChatStore
	mirror   PresenceMirror
	registry *Registry
	fan      *fanout
	grace    time.Duration
	timeout  time.Duration
	logger   *zap.Logger

	mu     sync.Mutex
	users  map[uuid.UUID]*presenceState
	closed bool
}

func newPresenceTracker(
	store repository.ChatStore,
	mirror PresenceMirror,
	registry *Registry,
	fan *fanout,
	grace, storeTimeout time.Duration,
	logger *zap.Logger,
) *PresenceTracker {
	return &PresenceTracker{
		store:    store,
		mirror:   mirror,
		registry: registry,
		fan:      fan,
		grace:    grace,
		timeout:  storeTimeout,
		logger:   logger.Named("presence"),
		users:    make(map[uuid.UUID]*presenceState),
	}
}

// lockState returns the user's state with mu held. With create false a user
// the tracker does not know yields nil.
func (t *PresenceTracker) lockState(userID uuid.UUID, create bool) *presenceState {
	for {
		t.mu.Lock()
		st, ok := t.users[userID]
		if !ok {
			if !create {
				t.mu.Unlock()
				return nil
			}
			st = &presenceState{}
			t.users[userID] = st
		}
		t.mu.Unlock()

		st.mu.Lock()
		if !st.removed {
			return st
		}
		st.mu.Unlock()
	}
}

// OnConnect counts a new connection. The 0 -> 1 transition publishes
// user:online unless a pending offline timer is simply cancelled.
func (t *PresenceTracker) OnConnect(userID uuid.UUID) {
	if publish := t.retain(userID); publish != nil {
		publish()
	}
}

// retain counts a connection without publishing. It returns the publication
// to run once the caller holds no locks, or nil if there is none.
func (t *PresenceTracker) retain(userID uuid.UUID) func() {
	st := t.lockState(userID, true)
	st.conns++
	if st.timer != nil {
		st.timer.Stop()
		st.timer = nil
		// A timer callback that already started sees the bumped generation
		// and backs off.
		st.timerGen++
	}
	if st.online {
		st.mu.Unlock()
		return nil
	}
	st.online = true
	st.version++
	version := st.version
	st.mu.Unlock()

	return func() { t.publish(userID, st, version, true) }
}

// OnDisconnect counts a closed connection. The 1 -> 0 transition arms the
// grace timer instead of publishing right away.
func (t *PresenceTracker) OnDisconnect(userID uuid.UUID) {
	st := t.lockState(userID, false)
	if st == nil {
		return
	}
	defer st.mu.Unlock()

	if st.conns > 0 {
		st.conns--
	}
	if st.conns > 0 || !st.online || st.timer != nil {
		return
	}
	st.timerGen++
	gen := st.timerGen
	st.timer = time.AfterFunc(t.grace, func() { t.expire(userID, st, gen) })
}

func (t *PresenceTracker) expire(userID uuid.UUID, st *presenceState, gen uint64) {
	st.mu.Lock()
	if st.timerGen != gen || st.conns > 0 {
		st.mu.Unlock()
		return
	}
	st.timer = nil
	st.online = false
	st.version++
	version := st.version
	st.mu.Unlock()

	t.publish(userID, st, version, false)
	t.forget(userID, st)
}

// forget drops the state of a user who is offline, has no connections and
// whose offline has been published.
func (t *PresenceTracker) forget(userID uuid.UUID, st *presenceState) {
	st.emit.Lock()
	defer st.emit.Unlock()
	t.mu.Lock()
	defer t.mu.Unlock()
	st.mu.Lock()
	defer st.mu.Unlock()

	if st.conns > 0 || st.online || st.timer != nil || st.published {
		return
	}
	if t.users[userID] == st {
		delete(t.users, userID)
	}
	st.removed = true
}

// tracked is the number of users the tracker holds state for.
func (t *PresenceTracker) tracked() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.users)
}

// publish persists and broadcasts one transition. Transitions superseded
// before they get here, or that would repeat what clients last saw, are
// dropped.
func (t *PresenceTracker) publish(userID uuid.UUID, st *presenceState, version uint64, online bool) {
	st.emit.Lock()
	defer st.emit.Unlock()

	st.mu.Lock()
	current := st.version == version
	st.mu.Unlock()
	if !current || st.published == online {
		return
	}

	t.mu.Lock()
	closed := t.closed
	t.mu.Unlock()
	if closed {
		return
	}

	now := time.Now().UTC()
	ctx, cancel := context.WithTimeout(context.Background(), t.timeout)
	defer cancel()

	if err := t.store.UpdateUserPresence(ctx, userID, online, now); err != nil {
		t.logger.Warn("persist presence failed, not broadcasting",
			zap.String("user_id", userID.String()),
			zap.Bool("online", online),
			zap.Error(err),
		)
		return
	}
	st.published = online

	if t.mirror != nil {
		if err := t.mirror.SetPresence(ctx, userID, online, now); err != nil {
			t.logger.Warn("presence mirror update failed",
				zap.String("user_id", userID.String()),
				zap.Error(err),
			)
		}
	}

	event := EventUserOnline
	payload := UserPresence{UserID: userID}
	if !online {
		event = EventUserOffline
		payload.LastSeen = &now
	}
	frame, err := Encode(event, payload)
	if err != nil {
		t.logger.Error("encode presence", zap.Error(err))
		return
	}
	n := t.fan.deliver(t.registry.All(), frame)
	t.logger.Debug("presence published",
		zap.String("user_id", userID.String()),
		zap.String("event", event),
		zap.Int("recipients", n),
	)
}

// IsOnline reports the in-memory view, including users inside their grace
// window.
func (t *PresenceTracker) IsOnline(userID uuid.UUID) bool {
	t.mu.Lock()
	st, ok := t.users[userID]
	t.mu.Unlock()
	if !ok {
		return false
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.online
}

// Close stops all pending offline timers and suppresses further publishes.
func (t *PresenceTracker) Close() {
	t.mu.Lock()
	t.closed = true
	states := make([]*presenceState, 0, len(t.users))
	for _, st := range t.users {
		states = append(states, st)
	}
	t.mu.Unlock()

	for _, st := range states {
		st.mu.Lock()
		if st.timer != nil {
			st.timer.Stop()
			st.timer = nil
			st.timerGen++
		}
		st.mu.Unlock()
	}
}
