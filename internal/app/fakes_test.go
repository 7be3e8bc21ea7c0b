package app

import (
	"context"
	"io"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"petlify/api/internal/auth"
	"petlify/api/internal/authpw"
	"petlify/api/internal/chat"
	"petlify/api/internal/search"
	"petlify/api/internal/store"
)

type fakeChat struct {
	ensureThreadFn      func(context.Context, auth.Identity, chat.EnsureThreadRequest) (store.Thread, error)
	listThreadsFn       func(context.Context, auth.Identity) ([]store.Thread, error)
	deleteForCallerFn   func(context.Context, auth.Identity, string) error
	listMessagesFn      func(context.Context, auth.Identity, string) ([]store.Message, error)
	postMessageFn       func(context.Context, auth.Identity, chat.PostMessageRequest) (store.Message, error)
	uploadAttachmentsFn func(context.Context, auth.Identity, []chat.UploadFile) ([]store.Attachment, error)
}

func (f *fakeChat) EnsureThread(ctx context.Context, caller auth.Identity, req chat.EnsureThreadRequest) (store.Thread, error) {
	if f.ensureThreadFn != nil {
		return f.ensureThreadFn(ctx, caller, req)
	}
	return store.Thread{}, nil
}

func (f *fakeChat) ListThreads(ctx context.Context, caller auth.Identity) ([]store.Thread, error) {
	if f.listThreadsFn != nil {
		return f.listThreadsFn(ctx, caller)
	}
	return []store.Thread{}, nil
}

func (f *fakeChat) DeleteForCaller(ctx context.Context, caller auth.Identity, threadID string) error {
	if f.deleteForCallerFn != nil {
		return f.deleteForCallerFn(ctx, caller, threadID)
	}
	return nil
}

func (f *fakeChat) ListMessages(ctx context.Context, caller auth.Identity, threadID string) ([]store.Message, error) {
	if f.listMessagesFn != nil {
		return f.listMessagesFn(ctx, caller, threadID)
	}
	return []store.Message{}, nil
}

func (f *fakeChat) PostMessage(ctx context.Context, caller auth.Identity, req chat.PostMessageRequest) (store.Message, error) {
	if f.postMessageFn != nil {
		return f.postMessageFn(ctx, caller, req)
	}
	return store.Message{}, nil
}

func (f *fakeChat) UploadAttachments(ctx context.Context, caller auth.Identity, files []chat.UploadFile) ([]store.Attachment, error) {
	if f.uploadAttachmentsFn != nil {
		return f.uploadAttachmentsFn(ctx, caller, files)
	}
	return []store.Attachment{}, nil
}

type fakeAccounts struct {
	registerFn func(context.Context, authpw.Credentials) (auth.Identity, error)
	loginFn    func(context.Context, authpw.Credentials) (authpw.Session, error)
}

func (f *fakeAccounts) Register(ctx context.Context, req authpw.Credentials) (auth.Identity, error) {
	return f.registerFn(ctx, req)
}

func (f *fakeAccounts) Login(ctx context.Context, req authpw.Credentials) (authpw.Session, error) {
	return f.loginFn(ctx, req)
}

type fakeSearch struct {
	searchFn func(context.Context, auth.Identity, string, int) (search.Response, error)
}

func (f *fakeSearch) Search(ctx context.Context, caller auth.Identity, text string, limit int) (search.Response, error) {
	return f.searchFn(ctx, caller, text, limit)
}

type fakePinger struct {
	err error
}

func (f fakePinger) Ping(context.Context) error {
	return f.err
}

type testServer struct {
	*HTTPServer
	verifier *auth.Verifier
}

func newTestServer(t *testing.T, deps Deps) *testServer {
	t.Helper()
	verifier := auth.NewVerifier("test-secret", time.Hour)
	if deps.Chat == nil {
		deps.Chat = &fakeChat{}
	}
	if deps.DB == nil {
		deps.DB = fakePinger{}
	}
	deps.Verifier = verifier
	deps.Logger = zerolog.New(io.Discard)
	return &testServer{HTTPServer: NewHTTPServer(deps), verifier: verifier}
}

func (s *testServer) token(t *testing.T, email string) string {
	t.Helper()
	token, _, err := s.verifier.Issue(auth.Identity{Email: email, Role: auth.RoleUser})
	require.NoError(t, err)
	return token
}
