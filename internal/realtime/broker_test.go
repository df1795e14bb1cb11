package realtime

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/lalith-99/relaychat/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSendFansOutToRoom(t *testing.T) {
	env := newTestEnv(t, Options{})
	alice, bob := env.user(t, "alice"), env.user(t, "bob")
	conv := env.conversation(t, alice, bob)

	connA := env.connect(t, alice)
	connB := env.connect(t, bob)

	msg, err := env.broker.Send(context.Background(), ConnActor(connA), conv, "  hi bob  ")
	require.NoError(t, err)
	assert.Equal(t, "hi bob", msg.Content)
	assert.Equal(t, models.StatusSent, msg.Status)

	for _, conn := range []*recordingConn{connA, connB} {
		news := conn.events(EventMessageNew)
		require.Len(t, news, 1)
		got := decodeData[MessageNew](t, news[0])
		assert.Equal(t, msg.ID, got.Message.ID)
		assert.Equal(t, "alice", got.Sender.Username)

		updates := conn.events(EventConversationUpdate)
		require.Len(t, updates, 1)
		assert.Equal(t, msg.ID, decodeData[ConversationUpdate](t, updates[0]).LastMessage.ID)
	}

	stored, err := env.mem.GetMessage(context.Background(), msg.ID)
	require.NoError(t, err)
	require.NotNil(t, stored)
	assert.Equal(t, "hi bob", stored.Content)
}

func TestSendFromOutsiderIsRejected(t *testing.T) {
	env := newTestEnv(t, Options{})
	alice, bob, carol := env.user(t, "alice"), env.user(t, "bob"), env.user(t, "carol")
	conv := env.conversation(t, alice, bob)

	connA := env.connect(t, alice)
	connC := env.connect(t, carol)

	_, err := env.broker.Send(context.Background(), ConnActor(connC), conv, "let me in")
	assert.ErrorIs(t, err, ErrNotAParticipant)

	_, err = env.broker.Send(context.Background(), UserActor(carol), conv, "let me in")
	assert.ErrorIs(t, err, ErrNotAParticipant)

	msgs, err := env.mem.ListMessagesSince(context.Background(), conv, nil, uuid.Nil)
	require.NoError(t, err)
	assert.Empty(t, msgs)
	assert.Zero(t, connA.count(EventMessageNew))
}

func TestSendAfterLeavingRoomIsRejected(t *testing.T) {
	env := newTestEnv(t, Options{})
	alice, bob := env.user(t, "alice"), env.user(t, "bob")
	conv := env.conversation(t, alice, bob)
	connA := env.connect(t, alice)

	env.broker.LeaveConversation(connA, conv)
	assert.Equal(t, 1, connA.count(EventLeft))

	_, err := env.broker.Send(context.Background(), ConnActor(connA), conv, "hello?")
	assert.ErrorIs(t, err, ErrNotAParticipant)

	require.NoError(t, env.broker.JoinConversation(context.Background(), connA, conv))
	assert.Equal(t, 1, connA.count(EventJoined))
	_, err = env.broker.Send(context.Background(), ConnActor(connA), conv, "back")
	assert.NoError(t, err)
}

func TestSendValidatesContent(t *testing.T) {
	env := newTestEnv(t, Options{})
	alice, bob := env.user(t, "alice"), env.user(t, "bob")
	conv := env.conversation(t, alice, bob)

	_, err := env.broker.Send(context.Background(), UserActor(alice), conv, "   \n\t ")
	assert.ErrorIs(t, err, ErrEmptyContent)
	assert.Equal(t, "empty_content", Code(err))

	_, err = env.broker.Send(context.Background(), UserActor(alice), conv, strings.Repeat("é", MaxContentLength+1))
	assert.ErrorIs(t, err, ErrValidation)

	_, err = env.broker.Send(context.Background(), UserActor(alice), conv, strings.Repeat("é", MaxContentLength))
	assert.NoError(t, err)
}

func TestSendWithStoreDown(t *testing.T) {
	env := newTestEnv(t, Options{})
	alice, bob := env.user(t, "alice"), env.user(t, "bob")
	conv := env.conversation(t, alice, bob)
	connA := env.connect(t, alice)
	connB := env.connect(t, bob)

	env.store.down.Store(true)
	_, err := env.broker.Send(context.Background(), ConnActor(connA), conv, "lost")
	require.ErrorIs(t, err, ErrStoreUnavailable)
	assert.Equal(t, "store_unavailable", Code(err))
	assert.NotContains(t, Message(err), "connection refused")
	assert.Zero(t, connB.count(EventMessageNew))
}

func TestStoreTimeoutSurfacesAsUnavailable(t *testing.T) {
	const timeout = 50 * time.Millisecond
	env := newTestEnv(t, Options{StoreTimeout: timeout})
	alice, bob := env.user(t, "alice"), env.user(t, "bob")
	conv := env.conversation(t, alice, bob)
	connA := env.connect(t, alice)
	connB := env.connect(t, bob)
	later := env.conversation(t, alice, bob)
	ctx := context.Background()

	env.store.hang.Store(true)
	defer env.store.hang.Store(false)

	start := time.Now()
	_, err := env.broker.Send(ctx, ConnActor(connA), conv, "anyone?")
	require.ErrorIs(t, err, ErrStoreUnavailable)
	assert.Less(t, time.Since(start), 20*timeout)
	assert.Zero(t, connB.count(EventMessageNew))
	assert.Zero(t, connB.count(EventConversationUpdate))

	joined := connA.count(EventJoined)
	start = time.Now()
	err = env.broker.JoinConversation(ctx, connA, later)
	require.ErrorIs(t, err, ErrStoreUnavailable)
	assert.Less(t, time.Since(start), 20*timeout)
	assert.False(t, env.broker.Registry().InRoom(connA.ID(), later))
	assert.Equal(t, joined, connA.count(EventJoined))
}

func TestSendPrunesDeadConnections(t *testing.T) {
	env := newTestEnv(t, Options{})
	alice, bob := env.user(t, "alice"), env.user(t, "bob")
	conv := env.conversation(t, alice, bob)
	connA := env.connect(t, alice)
	connB := env.connect(t, bob)

	connB.breakConn()
	_, err := env.broker.Send(context.Background(), ConnActor(connA), conv, "anyone there?")
	require.NoError(t, err)

	assert.Equal(t, 1, connA.count(EventMessageNew))
	_, ok := env.broker.Registry().Get(connB.ID())
	assert.False(t, ok)
	assert.True(t, connB.isClosed())
	assert.Len(t, env.broker.Registry().ConnectionsInRoom(conv), 1)
}

func TestEditAndDeleteOwnershipRules(t *testing.T) {
	env := newTestEnv(t, Options{})
	alice, bob := env.user(t, "alice"), env.user(t, "bob")
	conv := env.conversation(t, alice, bob)
	connA := env.connect(t, alice)
	connB := env.connect(t, bob)
	ctx := context.Background()

	msg, err := env.broker.Send(ctx, ConnActor(connA), conv, "tpyo")
	require.NoError(t, err)

	_, err = env.broker.Edit(ctx, ConnActor(connB), msg.ID, "mine now")
	assert.ErrorIs(t, err, ErrForbidden)
	assert.ErrorIs(t, env.broker.Delete(ctx, ConnActor(connB), msg.ID), ErrForbidden)

	_, err = env.broker.Edit(ctx, ConnActor(connA), uuid.New(), "x")
	assert.ErrorIs(t, err, ErrNotFound)

	edited, err := env.broker.Edit(ctx, ConnActor(connA), msg.ID, "typo")
	require.NoError(t, err)
	assert.True(t, edited.IsEdited)
	updates := connB.events(EventMessageUpdated)
	require.Len(t, updates, 1)
	assert.Equal(t, "typo", decodeData[MessageUpdated](t, updates[0]).Message.Content)

	require.NoError(t, env.broker.Delete(ctx, ConnActor(connA), msg.ID))
	deletions := connB.events(EventMessageDeleted)
	require.Len(t, deletions, 1)
	got := decodeData[MessageDeleted](t, deletions[0])
	assert.Equal(t, msg.ID, got.MessageID)
	assert.Equal(t, conv, got.ConversationID)

	assert.ErrorIs(t, env.broker.Delete(ctx, ConnActor(connA), msg.ID), ErrNotFound)
}

func TestSetStatusOnlyMovesForward(t *testing.T) {
	env := newTestEnv(t, Options{})
	alice, bob := env.user(t, "alice"), env.user(t, "bob")
	conv := env.conversation(t, alice, bob)
	connA := env.connect(t, alice)
	connB := env.connect(t, bob)
	ctx := context.Background()

	msg, err := env.broker.Send(ctx, ConnActor(connA), conv, "hello")
	require.NoError(t, err)

	updated, changed, err := env.broker.SetStatus(ctx, ConnActor(connB), msg.ID, models.StatusDelivered)
	require.NoError(t, err)
	assert.True(t, changed)
	assert.Equal(t, models.StatusDelivered, updated.Status)

	_, changed, err = env.broker.SetStatus(ctx, ConnActor(connB), msg.ID, models.StatusRead)
	require.NoError(t, err)
	assert.True(t, changed)

	current, changed, err := env.broker.SetStatus(ctx, ConnActor(connB), msg.ID, models.StatusDelivered)
	require.NoError(t, err)
	assert.False(t, changed)
	assert.Equal(t, models.StatusRead, current.Status)

	_, _, err = env.broker.SetStatus(ctx, ConnActor(connB), msg.ID, models.StatusSent)
	assert.ErrorIs(t, err, ErrValidation)

	statuses := connA.events(EventStatusUpdate)
	require.Len(t, statuses, 2)
	first := decodeData[StatusUpdate](t, statuses[0])
	assert.Equal(t, models.StatusDelivered, first.Status)
	assert.Equal(t, bob, first.UpdatedBy)
	assert.Equal(t, models.StatusRead, decodeData[StatusUpdate](t, statuses[1]).Status)
}

func TestSetStatusRequiresRoomMembership(t *testing.T) {
	env := newTestEnv(t, Options{})
	alice, bob, carol := env.user(t, "alice"), env.user(t, "bob"), env.user(t, "carol")
	conv := env.conversation(t, alice, bob)
	connC := env.connect(t, carol)

	msg, err := env.broker.Send(context.Background(), UserActor(alice), conv, "private")
	require.NoError(t, err)

	_, _, err = env.broker.SetStatus(context.Background(), ConnActor(connC), msg.ID, models.StatusRead)
	assert.ErrorIs(t, err, ErrNotAParticipant)

	_, _, err = env.broker.SetStatus(context.Background(), ConnActor(connC), uuid.New(), models.StatusRead)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestTypingSkipsTheTypist(t *testing.T) {
	env := newTestEnv(t, Options{})
	alice, bob := env.user(t, "alice"), env.user(t, "bob")
	conv := env.conversation(t, alice, bob)
	phone := env.connect(t, alice)
	laptop := env.connect(t, alice)
	connB := env.connect(t, bob)
	ctx := context.Background()

	require.NoError(t, env.broker.SetTyping(ctx, ConnActor(phone), conv, true))
	require.NoError(t, env.broker.SetTyping(ctx, ConnActor(phone), conv, true))

	updates := connB.events(EventTypingUpdate)
	require.Len(t, updates, 1)
	got := decodeData[TypingUpdate](t, updates[0])
	assert.Equal(t, alice, got.UserID)
	assert.True(t, got.IsTyping)
	assert.Zero(t, phone.count(EventTypingUpdate))
	assert.Zero(t, laptop.count(EventTypingUpdate))

	users, err := env.broker.TypingUsers(ctx, UserActor(bob), conv)
	require.NoError(t, err)
	assert.Equal(t, []uuid.UUID{alice}, users)

	require.NoError(t, env.broker.SetTyping(ctx, ConnActor(phone), conv, false))
	require.NoError(t, env.broker.SetTyping(ctx, ConnActor(phone), conv, false))
	updates = connB.events(EventTypingUpdate)
	require.Len(t, updates, 2)
	assert.False(t, decodeData[TypingUpdate](t, updates[1]).IsTyping)
}

func TestSendClearsTyping(t *testing.T) {
	env := newTestEnv(t, Options{})
	alice, bob := env.user(t, "alice"), env.user(t, "bob")
	conv := env.conversation(t, alice, bob)
	connA := env.connect(t, alice)
	connB := env.connect(t, bob)
	ctx := context.Background()

	require.NoError(t, env.broker.SetTyping(ctx, UserActor(alice), conv, true))
	_, err := env.broker.Send(ctx, UserActor(alice), conv, "done typing")
	require.NoError(t, err)

	users, err := env.broker.TypingUsers(ctx, UserActor(bob), conv)
	require.NoError(t, err)
	assert.Empty(t, users)

	updates := connB.events(EventTypingUpdate)
	require.Len(t, updates, 2)
	assert.True(t, decodeData[TypingUpdate](t, updates[0]).IsTyping)
	stop := decodeData[TypingUpdate](t, updates[1])
	assert.False(t, stop.IsTyping)
	assert.Equal(t, alice, stop.UserID)
	assert.Zero(t, connA.count(EventTypingUpdate))

	// Without a live indicator sending says nothing about typing.
	_, err = env.broker.Send(ctx, UserActor(alice), conv, "again")
	require.NoError(t, err)
	assert.Len(t, connB.events(EventTypingUpdate), 2)
}

func TestAttachParticipantsJoinsLiveConnections(t *testing.T) {
	env := newTestEnv(t, Options{})
	alice, bob := env.user(t, "alice"), env.user(t, "bob")
	connA := env.connect(t, alice)
	connB := env.connect(t, bob)

	conv := env.conversation(t, alice, bob)
	assert.False(t, env.broker.Registry().InRoom(connA.ID(), conv))

	env.broker.AttachParticipants(conv, []uuid.UUID{alice, bob})
	assert.True(t, env.broker.Registry().InRoom(connA.ID(), conv))
	assert.True(t, env.broker.Registry().InRoom(connB.ID(), conv))
	assert.Equal(t, 1, connB.count(EventJoined))
}

func TestDisconnectIsIdempotent(t *testing.T) {
	env := newTestEnv(t, Options{})
	alice := env.user(t, "alice")
	conn := env.connect(t, alice)

	env.broker.Disconnect(conn.ID())
	env.broker.Disconnect(conn.ID())
	env.broker.Disconnect("never-registered")
	assert.Zero(t, env.broker.Registry().Count())
}
