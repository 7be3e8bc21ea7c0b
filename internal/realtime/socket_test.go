package realtime

import (
	"context"
	"net/http"
	"net/url"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"petlify/api/internal/auth"
	"petlify/api/internal/chat"
	"petlify/api/internal/store"
)

func chatMessage(threadID string) store.Message {
	return store.Message{ID: "m-" + threadID, ThreadID: threadID, SenderEmail: "a@x.io", Text: "hi"}
}

type fakeConn struct {
	id     string
	u      url.URL
	header http.Header
	rooms  map[string]bool
	ctx    interface{}
}

func newFakeConn(query url.Values) *fakeConn {
	return &fakeConn{
		id:     "sid-1",
		u:      url.URL{Path: "/socket.io/", RawQuery: query.Encode()},
		header: http.Header{},
		rooms:  map[string]bool{},
	}
}

func (c *fakeConn) ID() string { return c.id }
func (c *fakeConn) URL() url.URL { return c.u }
func (c *fakeConn) RemoteHeader() http.Header { return c.header }
func (c *fakeConn) Join(room string) { c.rooms[room] = true }
func (c *fakeConn) Leave(room string) { delete(c.rooms, room) }
func (c *fakeConn) LeaveAll() { c.rooms = map[string]bool{} }
func (c *fakeConn) Context() interface{} { return c.ctx }
func (c *fakeConn) SetContext(ctx interface{}) { c.ctx = ctx }

type fakeChat struct {
	joinErr error
	postErr error
	posted  []chat.PostMessageRequest
}

func (f *fakeChat) AuthorizeJoin(_ context.Context, _ auth.Identity, threadID string) (store.Thread, error) {
	if f.joinErr != nil {
		return store.Thread{}, f.joinErr
	}
	return store.Thread{ID: threadID}, nil
}

func (f *fakeChat) PostMessage(_ context.Context, caller auth.Identity, req chat.PostMessageRequest) (store.Message, error) {
	if f.postErr != nil {
		return store.Message{}, f.postErr
	}
	f.posted = append(f.posted, req)
	return store.Message{ID: "m1", ThreadID: req.ThreadID, SenderEmail: caller.Email, Text: req.Text}, nil
}

func newTestGateway(t *testing.T, svc ChatService) (*Gateway, *auth.Verifier) {
	t.Helper()
	verifier := auth.NewVerifier("test-secret", time.Hour)
	return NewGateway(verifier, svc, nil, zerolog.Nop()), verifier
}

func connect(t *testing.T, g *Gateway, verifier *auth.Verifier, email string) *fakeConn {
	t.Helper()
	token, _, err := verifier.Issue(auth.Identity{Email: email, Role: auth.RoleUser})
	require.NoError(t, err)
	c := newFakeConn(url.Values{"token": {token}})
	require.NoError(t, g.onConnect(c))
	return c
}

func TestConnectJoinsPersonalRoom(t *testing.T) {
	g, verifier := newTestGateway(t, &fakeChat{})
	c := connect(t, g, verifier, "Alice@Example.com")

	require.True(t, c.rooms["user:alice@example.com"])
	sess, ok := sessionOf(c)
	require.True(t, ok)
	require.Equal(t, "alice@example.com", sess.identity.Email)
}

func TestConnectAcceptsBearerHeader(t *testing.T) {
	g, verifier := newTestGateway(t, &fakeChat{})
	token, _, err := verifier.Issue(auth.Identity{Email: "bob@example.com"})
	require.NoError(t, err)

	c := newFakeConn(nil)
	c.header.Set("Authorization", "Bearer "+token)
	require.NoError(t, g.onConnect(c))
	require.True(t, c.rooms["user:bob@example.com"])
}

func TestConnectRejectsMissingOrInvalidToken(t *testing.T) {
	g, _ := newTestGateway(t, &fakeChat{})

	missing := newFakeConn(nil)
	require.Error(t, g.onConnect(missing))
	require.Empty(t, missing.rooms)

	forged := newFakeConn(url.Values{"token": {"not-a-jwt"}})
	require.Error(t, g.onConnect(forged))
	require.Nil(t, forged.Context())
}

func TestJoinRequiresParticipation(t *testing.T) {
	svc := &fakeChat{}
	g, verifier := newTestGateway(t, svc)
	c := connect(t, g, verifier, "alice@example.com")

	ack := g.onJoin(c, "t1")
	require.True(t, ack.OK)
	require.True(t, c.rooms["thread:t1"])

	svc.joinErr = &chat.Error{Kind: chat.KindForbidden, Code: "FORBIDDEN", Message: "Forbidden"}
	ack = g.onJoin(c, "t2")
	require.False(t, ack.OK)
	require.Equal(t, "FORBIDDEN", ack.Code)
	require.False(t, c.rooms["thread:t2"])
}

func TestEventsBeforeHandshakeAreUnauthorized(t *testing.T) {
	g, _ := newTestGateway(t, &fakeChat{})
	c := newFakeConn(nil)

	require.Equal(t, "UNAUTHORIZED", g.onJoin(c, "t1").Code)
	require.Equal(t, "UNAUTHORIZED", g.onLeave(c, "t1").Code)
	require.Equal(t, "UNAUTHORIZED", g.onSend(c, chat.PostMessageRequest{ThreadID: "t1", Text: "x"}).Code)
}

func TestLeaveAndDisconnect(t *testing.T) {
	g, verifier := newTestGateway(t, &fakeChat{})
	c := connect(t, g, verifier, "alice@example.com")
	require.True(t, g.onJoin(c, "t1").OK)

	require.True(t, g.onLeave(c, "t1").OK)
	require.False(t, c.rooms["thread:t1"])

	g.onDisconnect(c, "client namespace disconnect")
	require.Empty(t, c.rooms)
}

func TestSendPostsThroughChatService(t *testing.T) {
	svc := &fakeChat{}
	g, verifier := newTestGateway(t, svc)
	c := connect(t, g, verifier, "alice@example.com")

	ack := g.onSend(c, chat.PostMessageRequest{ThreadID: "t1", Text: "found him"})
	require.True(t, ack.OK)
	require.NotNil(t, ack.Message)
	require.Equal(t, "alice@example.com", ack.Message.SenderEmail)
	require.Len(t, svc.posted, 1)

	svc.postErr = &chat.Error{Kind: chat.KindValidation, Code: "VALIDATION_ERROR", Message: "Message is empty"}
	ack = g.onSend(c, chat.PostMessageRequest{ThreadID: "t1"})
	require.False(t, ack.OK)
	require.Equal(t, "VALIDATION_ERROR", ack.Code)
	require.Equal(t, "Message is empty", ack.Error)
}

func TestErrorAckHidesInternalErrors(t *testing.T) {
	ack := errorAck(context.DeadlineExceeded)
	require.Equal(t, "SERVER_ERROR", ack.Code)
	require.Equal(t, "Server error", ack.Error)
}
