package realtime

import (
	"context"
	"errors"
	"net/http"
	"net/url"
	"strings"
	"time"

	socketio "github.com/googollee/go-socket.io"
	"github.com/googollee/go-socket.io/engineio"
	"github.com/googollee/go-socket.io/engineio/transport"
	"github.com/googollee/go-socket.io/engineio/transport/polling"
	"github.com/googollee/go-socket.io/engineio/transport/websocket"
	"github.com/rs/zerolog"

	"petlify/api/internal/auth"
	"petlify/api/internal/chat"
	"petlify/api/internal/metrics"
	"petlify/api/internal/store"
)

const (
	namespace      = "/"
	EventJoin      = "chat:join"
	EventLeave     = "chat:leave"
	EventSend      = "chat:send"
	handlerTimeout = 10 * time.Second
)

type TokenVerifier interface {
	Verify(token string) (auth.Identity, error)
}

// ChatService is the part of the chat core reachable from a socket.
type ChatService interface {
	AuthorizeJoin(ctx context.Context, caller auth.Identity, threadID string) (store.Thread, error)
	PostMessage(ctx context.Context, caller auth.Identity, req chat.PostMessageRequest) (store.Message, error)
}

// conn is the subset of socketio.Conn the gateway uses.
type conn interface {
	ID() string
	URL() url.URL
	RemoteHeader() http.Header
	Join(room string)
	Leave(room string)
	LeaveAll()
	Context() interface{}
	SetContext(ctx interface{})
}

// session is stored as the connection context once the handshake succeeds.
type session struct {
	identity auth.Identity
}

// Ack is the acknowledgement payload for client events.
type Ack struct {
	OK      bool           `json:"ok"`
	Code    string         `json:"code,omitempty"`
	Error   string         `json:"error,omitempty"`
	Message *store.Message `json:"message,omitempty"`
}

// Gateway binds socket events to the chat core.
type Gateway struct {
	verifier TokenVerifier
	chat     ChatService
	metrics  *metrics.Metrics
	log      zerolog.Logger
}

func NewGateway(verifier TokenVerifier, chatSvc ChatService, m *metrics.Metrics, log zerolog.Logger) *Gateway {
	return &Gateway{
		verifier: verifier,
		chat:     chatSvc,
		metrics:  m,
		log:      log.With().Str("component", "socket").Logger(),
	}
}

// NewServer creates the socket.io server with websocket and polling
// transports. An allowedOrigin of "*" accepts any origin.
func NewServer(allowedOrigin string) *socketio.Server {
	checkOrigin := func(r *http.Request) bool {
		if allowedOrigin == "" || allowedOrigin == "*" {
			return true
		}
		return strings.EqualFold(r.Header.Get("Origin"), allowedOrigin)
	}
	return socketio.NewServer(&engineio.Options{
		Transports: []transport.Transport{
			&websocket.Transport{CheckOrigin: checkOrigin},
			&polling.Transport{CheckOrigin: checkOrigin},
		},
	})
}

// Register installs the gateway's handlers on srv.
func (g *Gateway) Register(srv *socketio.Server) {
	srv.OnConnect(namespace, func(s socketio.Conn) error {
		if err := g.onConnect(s); err != nil {
			_ = s.Close()
			return err
		}
		return nil
	})
	srv.OnEvent(namespace, EventJoin, func(s socketio.Conn, threadID string) Ack {
		return g.onJoin(s, threadID)
	})
	srv.OnEvent(namespace, EventLeave, func(s socketio.Conn, threadID string) Ack {
		return g.onLeave(s, threadID)
	})
	srv.OnEvent(namespace, EventSend, func(s socketio.Conn, req chat.PostMessageRequest) Ack {
		return g.onSend(s, req)
	})
	srv.OnDisconnect(namespace, func(s socketio.Conn, reason string) {
		g.onDisconnect(s, reason)
	})
	srv.OnError(namespace, func(s socketio.Conn, err error) {
		if s == nil {
			g.log.Warn().Err(err).Msg("socket error")
			return
		}
		g.log.Warn().Err(err).Str("sid", s.ID()).Msg("socket error")
	})
}

func (g *Gateway) onConnect(s conn) error {
	u := s.URL()
	token := auth.TokenFromHandshake(u.Query(), s.RemoteHeader())
	identity, err := g.verifier.Verify(token)
	if err != nil {
		g.log.Info().Str("sid", s.ID()).Err(err).Msg("socket rejected")
		return err
	}

	s.SetContext(&session{identity: identity})
	s.Join(UserRoom(identity.Email))
	g.metrics.ConnectionOpened()
	g.log.Debug().Str("sid", s.ID()).Str("email", identity.Email).Msg("socket connected")
	return nil
}

func (g *Gateway) onJoin(s conn, threadID string) Ack {
	sess, ok := sessionOf(s)
	if !ok {
		return unauthorizedAck()
	}
	ctx, cancel := context.WithTimeout(context.Background(), handlerTimeout)
	defer cancel()

	thread, err := g.chat.AuthorizeJoin(ctx, sess.identity, threadID)
	if err != nil {
		return errorAck(err)
	}
	s.Join(ThreadRoom(thread.ID))
	return Ack{OK: true}
}

func (g *Gateway) onLeave(s conn, threadID string) Ack {
	if _, ok := sessionOf(s); !ok {
		return unauthorizedAck()
	}
	s.Leave(ThreadRoom(strings.TrimSpace(threadID)))
	return Ack{OK: true}
}

func (g *Gateway) onSend(s conn, req chat.PostMessageRequest) Ack {
	sess, ok := sessionOf(s)
	if !ok {
		return unauthorizedAck()
	}
	ctx, cancel := context.WithTimeout(context.Background(), handlerTimeout)
	defer cancel()

	msg, err := g.chat.PostMessage(ctx, sess.identity, req)
	if err != nil {
		return errorAck(err)
	}
	return Ack{OK: true, Message: &msg}
}

func (g *Gateway) onDisconnect(s conn, reason string) {
	s.LeaveAll()
	if _, ok := sessionOf(s); ok {
		g.metrics.ConnectionClosed()
	}
	g.log.Debug().Str("sid", s.ID()).Str("reason", reason).Msg("socket disconnected")
}

func sessionOf(s conn) (*session, bool) {
	sess, ok := s.Context().(*session)
	return sess, ok && sess != nil
}

func unauthorizedAck() Ack {
	return Ack{Code: "UNAUTHORIZED", Error: "Unauthorized"}
}

func errorAck(err error) Ack {
	var chatErr *chat.Error
	if errors.As(err, &chatErr) {
		return Ack{Code: chatErr.Code, Error: chatErr.Message}
	}
	return Ack{Code: "SERVER_ERROR", Error: "Server error"}
}

// ioEmitter adapts a socket.io server to Emitter on the default namespace.
type ioEmitter struct {
	srv *socketio.Server
}

func NewEmitter(srv *socketio.Server) Emitter {
	return ioEmitter{srv: srv}
}

func (e ioEmitter) BroadcastToRoom(room, event string, payload any) bool {
	return e.srv.BroadcastToRoom(namespace, room, event, payload)
}
