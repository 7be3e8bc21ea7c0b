// Package chat implements the conversation core: the thread registry, the
// message log and attachment uploads. Every state change is pushed to a
// Notifier after it has been committed.
package chat

import (
	"context"
	"errors"
	"io"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/rs/zerolog"

	"petlify/api/internal/access"
	"petlify/api/internal/auth"
	"petlify/api/internal/metrics"
	"petlify/api/internal/store"
	"petlify/api/internal/util"
)

// Store is the persistence the chat core needs.
type Store interface {
	FindThread(ctx context.Context, petID int64, owner, partner string) (store.Thread, error)
	CreateThread(ctx context.Context, t store.Thread) (store.Thread, bool, error)
	GetThread(ctx context.Context, id string) (store.Thread, error)
	RevealThread(ctx context.Context, id string, side store.Side) (store.Thread, error)
	ListVisibleThreads(ctx context.Context, email string) ([]store.Thread, error)
	HideThread(ctx context.Context, id string, side store.Side) (bool, error)
	ListMessages(ctx context.Context, threadID string) ([]store.Message, error)
	AppendMessage(ctx context.Context, msg store.Message, preview string) error
}

// Blob stores uploaded files and returns their public URL.
type Blob interface {
	Put(ctx context.Context, key, contentType string, size int64, body io.Reader) (string, error)
	Delete(ctx context.Context, key string) error
}

// Notifier delivers real-time events. Implementations are best effort and
// must not block on slow clients.
type Notifier interface {
	NewMessage(ctx context.Context, msg store.Message)
	Notify(ctx context.Context, email string, n Notification)
}

// Indexer feeds message search. Calls are fire-and-forget.
type Indexer interface {
	IndexMessage(msg store.Message, participants []string)
	DeleteThread(threadID string)
}

// Notification is the payload of the per-user notify event.
type Notification struct {
	ThreadID    string `json:"threadId"`
	Created     bool   `json:"created,omitempty"`
	Restored    bool   `json:"restored,omitempty"`
	Deleted     bool   `json:"deleted,omitempty"`
	Preview     string `json:"preview,omitempty"`
	SenderEmail string `json:"senderEmail,omitempty"`
	Hidden      bool   `json:"hidden,omitempty"`
}

type Options struct {
	DefaultSubject        string
	AttachmentPlaceholder string
	MaxMessageLength      int
	MaxUploadFiles        int
	MaxUploadBytes        int64
	UploadFolder          string
}

func DefaultOptions() Options {
	return Options{
		DefaultSubject:        "Pet",
		AttachmentPlaceholder: "Attachment",
		MaxMessageLength:      4000,
		MaxUploadFiles:        10,
		MaxUploadBytes:        10 << 20,
		UploadFolder:          "petlify/chat",
	}
}

type Deps struct {
	Store    Store
	Blob     Blob
	Notifier Notifier // nil = no real-time delivery
	Indexer  Indexer  // nil = no search indexing
	Metrics  *metrics.Metrics
	Logger   zerolog.Logger
}

type Service struct {
	store    Store
	blob     Blob
	notifier Notifier
	indexer  Indexer
	metrics  *metrics.Metrics
	log      zerolog.Logger
	opts     Options
	validate *validator.Validate
	now      func() time.Time
	newID    func() string
}

func NewService(deps Deps, opts Options) *Service {
	defaults := DefaultOptions()
	if strings.TrimSpace(opts.DefaultSubject) == "" {
		opts.DefaultSubject = defaults.DefaultSubject
	}
	if strings.TrimSpace(opts.AttachmentPlaceholder) == "" {
		opts.AttachmentPlaceholder = defaults.AttachmentPlaceholder
	}
	if opts.MaxMessageLength <= 0 {
		opts.MaxMessageLength = defaults.MaxMessageLength
	}
	if opts.MaxUploadFiles <= 0 {
		opts.MaxUploadFiles = defaults.MaxUploadFiles
	}
	if opts.MaxUploadBytes <= 0 {
		opts.MaxUploadBytes = defaults.MaxUploadBytes
	}
	if strings.Trim(opts.UploadFolder, "/ ") == "" {
		opts.UploadFolder = defaults.UploadFolder
	}
	opts.UploadFolder = strings.Trim(opts.UploadFolder, "/ ")

	notifier := deps.Notifier
	if notifier == nil {
		notifier = nopNotifier{}
	}
	indexer := deps.Indexer
	if indexer == nil {
		indexer = nopIndexer{}
	}

	return &Service{
		store:    deps.Store,
		blob:     deps.Blob,
		notifier: notifier,
		indexer:  indexer,
		metrics:  deps.Metrics,
		log:      deps.Logger.With().Str("component", "chat").Logger(),
		opts:     opts,
		validate: validator.New(),
		now:      time.Now,
		newID:    util.NewID,
	}
}

// timestamp is the server clock truncated to what Postgres stores, so that
// ordering seen in memory matches ordering read back.
func (s *Service) timestamp() time.Time {
	return s.now().UTC().Truncate(time.Microsecond)
}

func callerEmail(caller auth.Identity) (string, error) {
	email := auth.NormalizeEmail(caller.Email)
	if email == "" {
		return "", &Error{Kind: KindUnauthorized, Code: "UNAUTHORIZED", Message: "Unauthorized"}
	}
	return email, nil
}

// loadThread fetches a thread and checks caller may perform action on it.
func (s *Service) loadThread(ctx context.Context, caller auth.Identity, threadID string, action access.Action) (store.Thread, error) {
	if _, err := callerEmail(caller); err != nil {
		return store.Thread{}, err
	}
	threadID = strings.TrimSpace(threadID)
	if !util.IsID(threadID) {
		return store.Thread{}, notFoundError("Thread")
	}
	t, err := s.store.GetThread(ctx, threadID)
	if errors.Is(err, store.ErrNotFound) {
		return store.Thread{}, notFoundError("Thread")
	}
	if err != nil {
		return store.Thread{}, storageError("get thread", err)
	}
	if err := access.Check(caller, t, action); err != nil {
		return store.Thread{}, forbiddenError()
	}
	return t, nil
}

// AuthorizeJoin reports whether caller may subscribe to a thread's live feed.
func (s *Service) AuthorizeJoin(ctx context.Context, caller auth.Identity, threadID string) (store.Thread, error) {
	return s.loadThread(ctx, caller, threadID, access.ActionJoin)
}

type nopNotifier struct{}

func (nopNotifier) NewMessage(context.Context, store.Message) {}
func (nopNotifier) Notify(context.Context, string, Notification) {}

type nopIndexer struct{}

func (nopIndexer) IndexMessage(store.Message, []string) {}
func (nopIndexer) DeleteThread(string) {}
