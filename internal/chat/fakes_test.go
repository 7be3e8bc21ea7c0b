package chat

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"petlify/api/internal/store"
)

// memStore is an in-memory Store with the same identity and cascade rules
// as the Postgres schema.
type memStore struct {
	mu       sync.Mutex
	threads  map[string]store.Thread
	messages map[string][]store.Message

	getThreadErr error
	appendErr    error
}

func newMemStore() *memStore {
	return &memStore{threads: map[string]store.Thread{}, messages: map[string][]store.Message{}}
}

func identityKey(petID *int64, a, b string) string {
	pet := store.NoPet
	if petID != nil {
		pet = *petID
	}
	if b < a {
		a, b = b, a
	}
	return fmt.Sprintf("%d|%s|%s", pet, a, b)
}

func (m *memStore) FindThread(_ context.Context, petID int64, owner, partner string) (store.Thread, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	want := identityKey(&petID, owner, partner)
	for _, t := range m.threads {
		if identityKey(t.PetID, t.OwnerEmail, t.PartnerEmail) == want {
			return t, nil
		}
	}
	return store.Thread{}, store.ErrNotFound
}

func (m *memStore) CreateThread(_ context.Context, t store.Thread) (store.Thread, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	want := identityKey(t.PetID, t.OwnerEmail, t.PartnerEmail)
	for _, existing := range m.threads {
		if identityKey(existing.PetID, existing.OwnerEmail, existing.PartnerEmail) == want {
			return existing, false, nil
		}
	}
	m.threads[t.ID] = t
	return t, true, nil
}

func (m *memStore) GetThread(_ context.Context, id string) (store.Thread, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.getThreadErr != nil {
		return store.Thread{}, m.getThreadErr
	}
	t, ok := m.threads[id]
	if !ok {
		return store.Thread{}, store.ErrNotFound
	}
	return t, nil
}

func (m *memStore) RevealThread(_ context.Context, id string, side store.Side) (store.Thread, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.threads[id]
	if !ok {
		return store.Thread{}, store.ErrNotFound
	}
	if side == store.SideOwner {
		t.HiddenForOwner = false
	} else {
		t.HiddenForPartner = false
	}
	m.threads[id] = t
	return t, nil
}

func (m *memStore) ListVisibleThreads(_ context.Context, email string) ([]store.Thread, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []store.Thread
	for _, t := range m.threads {
		if (t.OwnerEmail == email && !t.HiddenForOwner) || (t.PartnerEmail == email && !t.HiddenForPartner) {
			out = append(out, t)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].ActivityAt().After(out[j].ActivityAt())
	})
	return out, nil
}

func (m *memStore) HideThread(_ context.Context, id string, side store.Side) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.threads[id]
	if !ok {
		return false, store.ErrNotFound
	}
	if side == store.SideOwner {
		t.HiddenForOwner = true
	} else {
		t.HiddenForPartner = true
	}
	if t.HiddenForOwner && t.HiddenForPartner {
		delete(m.threads, id)
		delete(m.messages, id)
		return true, nil
	}
	m.threads[id] = t
	return false, nil
}

func (m *memStore) ListMessages(_ context.Context, threadID string) ([]store.Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := append([]store.Message(nil), m.messages[threadID]...)
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}

func (m *memStore) AppendMessage(_ context.Context, msg store.Message, preview string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.appendErr != nil {
		return m.appendErr
	}
	t, ok := m.threads[msg.ThreadID]
	if !ok {
		return store.ErrNotFound
	}
	m.messages[msg.ThreadID] = append(m.messages[msg.ThreadID], msg)
	if t.LastTime == nil || !t.LastTime.After(msg.CreatedAt) {
		at := msg.CreatedAt
		t.LastMessage = &preview
		t.LastTime = &at
		m.threads[msg.ThreadID] = t
	}
	return nil
}

func (m *memStore) messageCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, msgs := range m.messages {
		n += len(msgs)
	}
	return n
}

type sentNotification struct {
	Email        string
	Notification Notification
}

type recordingNotifier struct {
	mu            sync.Mutex
	messages      []store.Message
	notifications []sentNotification
}

func (n *recordingNotifier) NewMessage(_ context.Context, msg store.Message) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.messages = append(n.messages, msg)
}

func (n *recordingNotifier) Notify(_ context.Context, email string, note Notification) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.notifications = append(n.notifications, sentNotification{Email: email, Notification: note})
}

func (n *recordingNotifier) reset() {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.messages = nil
	n.notifications = nil
}

func (n *recordingNotifier) sentTo(email string) []Notification {
	n.mu.Lock()
	defer n.mu.Unlock()
	var out []Notification
	for _, sent := range n.notifications {
		if sent.Email == email {
			out = append(out, sent.Notification)
		}
	}
	return out
}

type memBlob struct {
	mu      sync.Mutex
	objects map[string][]byte
	types   map[string]string
	deleted []string
	failOn  string // Put fails for a body equal to this
	puts    atomic.Int32
}

func newMemBlob() *memBlob {
	return &memBlob{objects: map[string][]byte{}, types: map[string]string{}}
}

func (b *memBlob) Put(_ context.Context, key, contentType string, _ int64, body io.Reader) (string, error) {
	b.puts.Add(1)
	data, err := io.ReadAll(body)
	if err != nil {
		return "", err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.failOn != "" && len(data) > 0 && string(data) == b.failOn {
		return "", errors.New("bucket unavailable")
	}
	b.objects[key] = data
	b.types[key] = contentType
	return "https://cdn.test/" + key, nil
}

func (b *memBlob) Delete(_ context.Context, key string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.objects, key)
	b.deleted = append(b.deleted, key)
	return nil
}

type recordingIndexer struct {
	mu      sync.Mutex
	indexed []store.Message
	dropped []string
}

func (i *recordingIndexer) IndexMessage(msg store.Message, _ []string) {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.indexed = append(i.indexed, msg)
}

func (i *recordingIndexer) DeleteThread(threadID string) {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.dropped = append(i.dropped, threadID)
}

type harness struct {
	svc      *Service
	store    *memStore
	notifier *recordingNotifier
	blob     *memBlob
	indexer  *recordingIndexer
	clock    time.Time
}

// newHarness builds a Service whose clock advances one millisecond per read
// so message order is deterministic.
func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{
		store:    newMemStore(),
		notifier: &recordingNotifier{},
		blob:     newMemBlob(),
		indexer:  &recordingIndexer{},
		clock:    time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC),
	}
	h.svc = NewService(Deps{
		Store:    h.store,
		Blob:     h.blob,
		Notifier: h.notifier,
		Indexer:  h.indexer,
		Logger:   zerolog.Nop(),
	}, DefaultOptions())

	var mu sync.Mutex
	h.svc.now = func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		h.clock = h.clock.Add(time.Millisecond)
		return h.clock
	}
	h.svc.newID = uuid.NewString
	return h
}
