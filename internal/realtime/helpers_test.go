package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/lalith-99/relaychat/internal/models"
	"github.com/lalith-99/relaychat/internal/repository"
	"github.com/lalith-99/relaychat/internal/repository/memory"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

var errSendFailed = errors.New("send failed")

// recordingConn is a Conn that keeps every frame it was sent.
type recordingConn struct {
	id     string
	userID uuid.UUID

	mu     sync.Mutex
	frames []Envelope
	closed bool
	broken bool
}

func newRecordingConn(userID uuid.UUID) *recordingConn {
	return &recordingConn{id: uuid.NewString(), userID: userID}
}

func (c *recordingConn) ID() string        { return c.id }
func (c *recordingConn) UserID() uuid.UUID { return c.userID }

func (c *recordingConn) Send(payload []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed || c.broken {
		return errSendFailed
	}
	var env Envelope
	if err := json.Unmarshal(payload, &env); err != nil {
		return err
	}
	c.frames = append(c.frames, env)
	return nil
}

func (c *recordingConn) Close() error {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
	return nil
}

func (c *recordingConn) breakConn() {
	c.mu.Lock()
	c.broken = true
	c.mu.Unlock()
}

func (c *recordingConn) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// events returns the frames of one type, in arrival order.
func (c *recordingConn) events(eventType string) []Envelope {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []Envelope
	for _, f := range c.frames {
		if f.Type == eventType {
			out = append(out, f)
		}
	}
	return out
}

func (c *recordingConn) count(eventType string) int {
	return len(c.events(eventType))
}

// presenceCount counts user:online or user:offline frames about userID.
func (c *recordingConn) presenceCount(eventType string, userID uuid.UUID) int {
	n := 0
	for _, f := range c.events(eventType) {
		var p UserPresence
		if err := json.Unmarshal(f.Data, &p); err == nil && p.UserID == userID {
			n++
		}
	}
	return n
}

func (c *recordingConn) reset() {
	c.mu.Lock()
	c.frames = nil
	c.mu.Unlock()
}

func decodeData[T any](t *testing.T, env Envelope) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(env.Data, &v))
	return v
}

// flakyStore fails every call while down is set. While hang is set calls
// block until their context ends, like a store that stopped answering.
type flakyStore struct {
	repository.ChatStore
	down atomic.Bool
	hang atomic.Bool
	// beforeList runs at the start of ListParticipantConversations.
	beforeList func(userID uuid.UUID)
}

var errStoreDown = errors.New("dial tcp: connection refused")

func (f *flakyStore) fail(ctx context.Context) error {
	if f.hang.Load() {
		<-ctx.Done()
		return ctx.Err()
	}
	if f.down.Load() {
		return errStoreDown
	}
	return nil
}

func (f *flakyStore) FindParticipant(ctx context.Context, conversationID, userID uuid.UUID) (*models.Participant, error) {
	if err := f.fail(ctx); err != nil {
		return nil, err
	}
	return f.ChatStore.FindParticipant(ctx, conversationID, userID)
}

func (f *flakyStore) ListParticipantConversations(ctx context.Context, userID uuid.UUID) ([]uuid.UUID, error) {
	if f.beforeList != nil {
		f.beforeList(userID)
	}
	if err := f.fail(ctx); err != nil {
		return nil, err
	}
	return f.ChatStore.ListParticipantConversations(ctx, userID)
}

func (f *flakyStore) InsertMessage(ctx context.Context, conversationID, senderID uuid.UUID, content string) (*models.Message, error) {
	if err := f.fail(ctx); err != nil {
		return nil, err
	}
	return f.ChatStore.InsertMessage(ctx, conversationID, senderID, content)
}

func (f *flakyStore) UpdateUserPresence(ctx context.Context, userID uuid.UUID, isOnline bool, lastSeen time.Time) error {
	if err := f.fail(ctx); err != nil {
		return err
	}
	return f.ChatStore.UpdateUserPresence(ctx, userID, isOnline, lastSeen)
}

// recordingMirror collects presence writes.
type recordingMirror struct {
	mu      sync.Mutex
	changes []bool
}

func (m *recordingMirror) SetPresence(_ context.Context, _ uuid.UUID, online bool, _ time.Time) error {
	m.mu.Lock()
	m.changes = append(m.changes, online)
	m.mu.Unlock()
	return nil
}

func (m *recordingMirror) snapshot() []bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]bool(nil), m.changes...)
}

type testEnv struct {
	mem        *memory.Store
	store      *flakyStore
	broker     *Broker
	reconciler *Reconciler
	dispatcher *Dispatcher
}

func newTestEnv(t *testing.T, opts Options) *testEnv {
	t.Helper()
	mem := memory.New()
	store := &flakyStore{ChatStore: mem}
	logger := zap.NewNop()
	if opts.PresenceGrace == 0 {
		opts.PresenceGrace = time.Minute
	}

	broker := NewBroker(store, mem.Users(), opts, logger)
	t.Cleanup(broker.Close)
	reconciler := NewReconciler(store, broker, logger)
	return &testEnv{
		mem:        mem,
		store:      store,
		broker:     broker,
		reconciler: reconciler,
		dispatcher: NewDispatcher(broker, reconciler, logger),
	}
}

func (e *testEnv) user(t *testing.T, name string) uuid.UUID {
	t.Helper()
	u, err := e.mem.Users().Create(context.Background(), name+"@example.com", name, "hash")
	require.NoError(t, err)
	return u.ID
}

func (e *testEnv) conversation(t *testing.T, members ...uuid.UUID) uuid.UUID {
	t.Helper()
	conv, err := e.mem.Conversations().Create(context.Background(), nil, len(members) > 2, members)
	require.NoError(t, err)
	return conv.ID
}

func (e *testEnv) connect(t *testing.T, userID uuid.UUID) *recordingConn {
	t.Helper()
	conn := newRecordingConn(userID)
	require.NoError(t, e.broker.Connect(context.Background(), conn))
	return conn
}
