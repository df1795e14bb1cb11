package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/lalith-99/relaychat/internal/auth"
	"github.com/lalith-99/relaychat/internal/cache"
	"github.com/lalith-99/relaychat/internal/middleware"
	"github.com/lalith-99/relaychat/internal/models"
	"github.com/lalith-99/relaychat/internal/realtime"
	"github.com/lalith-99/relaychat/internal/repository/memory"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type testServer struct {
	router *gin.Engine
	mem    *memory.Store
	broker *realtime.Broker
}

func newTestServer(t *testing.T, presence PresenceReader) *testServer {
	t.Helper()
	gin.SetMode(gin.TestMode)

	mem := memory.New()
	logger := zap.NewNop()
	broker := realtime.NewBroker(mem, mem.Users(), realtime.Options{}, logger)
	t.Cleanup(broker.Close)
	reconciler := realtime.NewReconciler(mem, broker, logger)
	jwt := auth.NewJWT("test-secret", time.Hour)

	authHandler := NewAuthHandler(mem.Users(), jwt, logger)
	userHandler := NewUserHandler(mem.Users(), presence, logger)
	convHandler := NewConversationHandler(mem.Conversations(), mem.Users(), broker, reconciler, logger)
	msgHandler := NewMessageHandler(mem.Conversations(), broker, logger)

	r := gin.New()
	r.POST("/v1/auth/signup", authHandler.Signup)
	r.POST("/v1/auth/login", authHandler.Login)

	v1 := r.Group("/v1")
	v1.Use(middleware.AuthMiddleware(jwt))
	v1.GET("/users/me", userHandler.GetMe)
	v1.GET("/users/:id/presence", userHandler.GetPresence)
	v1.GET("/conversations", convHandler.List)
	v1.POST("/conversations", convHandler.Create)
	v1.GET("/conversations/:id/messages", msgHandler.List)
	v1.POST("/conversations/:id/messages", msgHandler.Create)
	v1.POST("/conversations/:id/read", convHandler.MarkRead)
	v1.GET("/conversations/:id/unread", convHandler.Unread)
	v1.GET("/conversations/:id/typing", convHandler.Typing)
	v1.PUT("/messages/:id", msgHandler.Update)
	v1.DELETE("/messages/:id", msgHandler.Delete)

	return &testServer{router: r, mem: mem, broker: broker}
}

func (s *testServer) do(t *testing.T, method, path, token string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	w := httptest.NewRecorder()
	s.router.ServeHTTP(w, req)
	return w
}

type account struct {
	token string
	id    uuid.UUID
}

func (s *testServer) signup(t *testing.T, name string) account {
	t.Helper()
	w := s.do(t, http.MethodPost, "/v1/auth/signup", "", gin.H{
		"email":    name + "@example.com",
		"password": "correct horse",
		"username": name,
	})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	var resp authResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	return account{token: resp.Token, id: resp.UserID}
}

func (s *testServer) createConversation(t *testing.T, owner account, others ...account) uuid.UUID {
	t.Helper()
	ids := make([]uuid.UUID, 0, len(others))
	for _, o := range others {
		ids = append(ids, o.id)
	}
	w := s.do(t, http.MethodPost, "/v1/conversations", owner.token, gin.H{"participantIds": ids})
	require.Contains(t, []int{http.StatusCreated, http.StatusOK}, w.Code, w.Body.String())
	var conv models.Conversation
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &conv))
	return conv.ID
}

func decode[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &v), w.Body.String())
	return v
}

func errorCode(t *testing.T, w *httptest.ResponseRecorder) string {
	t.Helper()
	return decode[map[string]string](t, w)["code"]
}

func TestSignupLoginAndMe(t *testing.T) {
	s := newTestServer(t, nil)
	alice := s.signup(t, "alice")

	w := s.do(t, http.MethodPost, "/v1/auth/signup", "", gin.H{
		"email": "ALICE@example.com", "password": "another one", "username": "alice2",
	})
	assert.Equal(t, http.StatusConflict, w.Code)

	w = s.do(t, http.MethodPost, "/v1/auth/login", "", gin.H{"email": "alice@example.com", "password": "wrong password"})
	assert.Equal(t, http.StatusUnauthorized, w.Code)
	w = s.do(t, http.MethodPost, "/v1/auth/login", "", gin.H{"email": "nobody@example.com", "password": "correct horse"})
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w = s.do(t, http.MethodPost, "/v1/auth/login", "", gin.H{"email": "alice@example.com", "password": "correct horse"})
	require.Equal(t, http.StatusOK, w.Code)
	login := decode[authResponse](t, w)
	assert.Equal(t, alice.id, login.UserID)

	w = s.do(t, http.MethodGet, "/v1/users/me", login.Token, nil)
	require.Equal(t, http.StatusOK, w.Code)
	me := decode[map[string]any](t, w)
	assert.Equal(t, "alice", me["username"])
	assert.NotContains(t, me, "passwordHash")

	w = s.do(t, http.MethodGet, "/v1/users/me", "", nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
	w = s.do(t, http.MethodGet, "/v1/users/me", "garbage", nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestSignupValidation(t *testing.T) {
	s := newTestServer(t, nil)

	w := s.do(t, http.MethodPost, "/v1/auth/signup", "", gin.H{"email": "not-an-email", "password": "correct horse", "username": "x1"})
	assert.Equal(t, http.StatusBadRequest, w.Code)
	w = s.do(t, http.MethodPost, "/v1/auth/signup", "", gin.H{"email": "a@example.com", "password": "short", "username": "x1"})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestCreateConversation(t *testing.T) {
	s := newTestServer(t, nil)
	alice, bob, carol := s.signup(t, "alice"), s.signup(t, "bob"), s.signup(t, "carol")

	w := s.do(t, http.MethodPost, "/v1/conversations", alice.token, gin.H{"participantIds": []uuid.UUID{bob.id}})
	require.Equal(t, http.StatusCreated, w.Code)
	direct := decode[models.Conversation](t, w)
	assert.False(t, direct.IsGroup)

	// Same pair from the other side returns the existing conversation.
	w = s.do(t, http.MethodPost, "/v1/conversations", bob.token, gin.H{"participantIds": []uuid.UUID{alice.id, alice.id}})
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, direct.ID, decode[models.Conversation](t, w).ID)

	w = s.do(t, http.MethodPost, "/v1/conversations", alice.token, gin.H{
		"participantIds": []uuid.UUID{bob.id, carol.id},
		"name":           "team",
	})
	require.Equal(t, http.StatusCreated, w.Code)
	group := decode[models.Conversation](t, w)
	assert.True(t, group.IsGroup)
	require.NotNil(t, group.Name)
	assert.Equal(t, "team", *group.Name)

	w = s.do(t, http.MethodPost, "/v1/conversations", alice.token, gin.H{"participantIds": []uuid.UUID{alice.id}})
	assert.Equal(t, http.StatusBadRequest, w.Code)
	w = s.do(t, http.MethodPost, "/v1/conversations", alice.token, gin.H{"participantIds": []uuid.UUID{uuid.New()}})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestCreateConversationJoinsLiveConnections(t *testing.T) {
	s := newTestServer(t, nil)
	alice, bob := s.signup(t, "alice"), s.signup(t, "bob")

	conn := &stubConn{id: "bob-phone", userID: bob.id}
	require.NoError(t, s.broker.Connect(context.Background(), conn))

	conv := s.createConversation(t, alice, bob)
	assert.True(t, s.broker.Registry().InRoom(conn.ID(), conv))
}

func TestMessageLifecycleOverREST(t *testing.T) {
	s := newTestServer(t, nil)
	alice, bob, carol := s.signup(t, "alice"), s.signup(t, "bob"), s.signup(t, "carol")
	conv := s.createConversation(t, alice, bob)
	messagesPath := fmt.Sprintf("/v1/conversations/%s/messages", conv)

	w := s.do(t, http.MethodPost, messagesPath, alice.token, gin.H{"content": "first"})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	first := decode[models.Message](t, w)
	assert.Equal(t, models.StatusSent, first.Status)

	w = s.do(t, http.MethodPost, messagesPath, alice.token, gin.H{"content": "second"})
	require.Equal(t, http.StatusCreated, w.Code)

	w = s.do(t, http.MethodPost, messagesPath, carol.token, gin.H{"content": "intruder"})
	assert.Equal(t, http.StatusForbidden, w.Code)
	assert.Equal(t, "not_a_participant", errorCode(t, w))

	w = s.do(t, http.MethodPost, messagesPath, alice.token, gin.H{"content": "   "})
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, "empty_content", errorCode(t, w))

	w = s.do(t, http.MethodGet, messagesPath+"?limit=1", bob.token, nil)
	require.Equal(t, http.StatusOK, w.Code)
	page := decode[[]models.Message](t, w)
	require.Len(t, page, 1)
	assert.Equal(t, "second", page[0].Content)

	w = s.do(t, http.MethodGet, messagesPath+"?limit=abc", bob.token, nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	w = s.do(t, http.MethodGet, messagesPath, carol.token, nil)
	assert.Equal(t, http.StatusForbidden, w.Code)

	messagePath := "/v1/messages/" + first.ID.String()
	w = s.do(t, http.MethodPut, messagePath, bob.token, gin.H{"content": "edited by bob"})
	assert.Equal(t, http.StatusForbidden, w.Code)
	assert.Equal(t, "forbidden", errorCode(t, w))

	w = s.do(t, http.MethodPut, messagePath, alice.token, gin.H{"content": "first!"})
	require.Equal(t, http.StatusOK, w.Code)
	assert.True(t, decode[models.Message](t, w).IsEdited)

	w = s.do(t, http.MethodDelete, messagePath, alice.token, nil)
	assert.Equal(t, http.StatusNoContent, w.Code)
	w = s.do(t, http.MethodDelete, messagePath, alice.token, nil)
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = s.do(t, http.MethodPut, "/v1/messages/not-a-uuid", alice.token, gin.H{"content": "x"})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestReadAndUnreadEndpoints(t *testing.T) {
	s := newTestServer(t, nil)
	alice, bob := s.signup(t, "alice"), s.signup(t, "bob")
	conv := s.createConversation(t, alice, bob)
	base := "/v1/conversations/" + conv.String()

	for _, content := range []string{"a", "b"} {
		w := s.do(t, http.MethodPost, base+"/messages", alice.token, gin.H{"content": content})
		require.Equal(t, http.StatusCreated, w.Code)
	}

	w := s.do(t, http.MethodGet, base+"/unread", bob.token, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.EqualValues(t, 2, decode[map[string]any](t, w)["count"])

	w = s.do(t, http.MethodGet, "/v1/conversations", bob.token, nil)
	require.Equal(t, http.StatusOK, w.Code)
	summaries := decode[[]models.ConversationSummary](t, w)
	require.Len(t, summaries, 1)
	assert.Equal(t, 2, summaries[0].UnreadCount)
	assert.Len(t, summaries[0].Participants, 2)
	require.NotNil(t, summaries[0].LastMessage)
	assert.Equal(t, "b", summaries[0].LastMessage.Content)

	w = s.do(t, http.MethodPost, base+"/read", bob.token, nil)
	require.Equal(t, http.StatusOK, w.Code)
	result := decode[realtime.ReadResult](t, w)
	assert.Len(t, result.MessageIDs, 2)
	assert.NotNil(t, result.LastReadAt)

	w = s.do(t, http.MethodGet, base+"/unread", bob.token, nil)
	assert.EqualValues(t, 0, decode[map[string]any](t, w)["count"])

	w = s.do(t, http.MethodPost, base+"/read", bob.token, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Empty(t, decode[realtime.ReadResult](t, w).MessageIDs)

	carol := s.signup(t, "carol")
	w = s.do(t, http.MethodPost, base+"/read", carol.token, nil)
	assert.Equal(t, http.StatusForbidden, w.Code)
}

func TestTypingEndpoint(t *testing.T) {
	s := newTestServer(t, nil)
	alice, bob, carol := s.signup(t, "alice"), s.signup(t, "bob"), s.signup(t, "carol")
	conv := s.createConversation(t, alice, bob)
	path := "/v1/conversations/" + conv.String() + "/typing"

	require.NoError(t, s.broker.SetTyping(context.Background(), realtime.UserActor(alice.id), conv, true))

	w := s.do(t, http.MethodGet, path, bob.token, nil)
	require.Equal(t, http.StatusOK, w.Code)
	got := decode[struct {
		UserIDs []uuid.UUID `json:"userIds"`
	}](t, w)
	assert.Equal(t, []uuid.UUID{alice.id}, got.UserIDs)

	w = s.do(t, http.MethodGet, path, carol.token, nil)
	assert.Equal(t, http.StatusForbidden, w.Code)
}

func TestPresenceEndpoint(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	presence := cache.NewPresenceCacheFromClient(client)
	t.Cleanup(func() { _ = presence.Close() })

	s := newTestServer(t, presence)
	alice, bob := s.signup(t, "alice"), s.signup(t, "bob")

	// No mirror entry yet: the users row answers.
	w := s.do(t, http.MethodGet, "/v1/users/"+bob.id.String()+"/presence", alice.token, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, false, decode[map[string]any](t, w)["isOnline"])

	require.NoError(t, presence.SetPresence(context.Background(), bob.id, true, time.Now()))
	w = s.do(t, http.MethodGet, "/v1/users/"+bob.id.String()+"/presence", alice.token, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, true, decode[map[string]any](t, w)["isOnline"])

	w = s.do(t, http.MethodGet, "/v1/users/"+uuid.NewString()+"/presence", alice.token, nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
	w = s.do(t, http.MethodGet, "/v1/users/nope/presence", alice.token, nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestWriteErrorHidesStoreDetails(t *testing.T) {
	gin.SetMode(gin.TestMode)
	w := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(w)
	c.Request = httptest.NewRequest(http.MethodGet, "/", nil)

	writeError(c, zap.NewNop(), fmt.Errorf("insert message: %w: %w", realtime.ErrStoreUnavailable, fmt.Errorf("pq: password authentication failed")))

	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.Equal(t, "store_unavailable", errorCode(t, w))
	assert.NotContains(t, w.Body.String(), "password")
}

// stubConn is a connection that accepts and discards every frame.
type stubConn struct {
	id     string
	userID uuid.UUID
}

func (c *stubConn) ID() string          { return c.id }
func (c *stubConn) UserID() uuid.UUID   { return c.userID }
func (c *stubConn) Send(_ []byte) error { return nil }
func (c *stubConn) Close() error        { return nil }
