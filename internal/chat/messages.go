package chat

import (
	"context"
	"errors"
	"net/url"
	"strings"
	"unicode/utf8"

	"github.com/samber/lo"

	"petlify/api/internal/access"
	"petlify/api/internal/auth"
	"petlify/api/internal/store"
)

type PostMessageRequest struct {
	ThreadID    string             `json:"threadId"`
	Text        string             `json:"text"`
	Attachments []store.Attachment `json:"attachments"`
}

// ListMessages returns a thread's full history, oldest first.
func (s *Service) ListMessages(ctx context.Context, caller auth.Identity, threadID string) ([]store.Message, error) {
	t, err := s.loadThread(ctx, caller, threadID, access.ActionRead)
	if err != nil {
		return nil, err
	}
	messages, err := s.store.ListMessages(ctx, t.ID)
	if err != nil {
		return nil, storageError("list messages", err)
	}
	if messages == nil {
		messages = []store.Message{}
	}
	return messages, nil
}

// PostMessage validates, persists and broadcasts one message. The HTTP
// endpoint and the socket send event both end up here.
func (s *Service) PostMessage(ctx context.Context, caller auth.Identity, req PostMessageRequest) (store.Message, error) {
	me, err := callerEmail(caller)
	if err != nil {
		return store.Message{}, err
	}

	t, err := s.loadThread(ctx, caller, req.ThreadID, access.ActionPost)
	if err != nil {
		return store.Message{}, err
	}

	text := strings.TrimSpace(req.Text)
	attachments, err := s.checkAttachments(req.Attachments)
	if err != nil {
		return store.Message{}, err
	}
	if text == "" && len(attachments) == 0 {
		return store.Message{}, validationError("message needs text or at least one image")
	}
	if utf8.RuneCountInString(text) > s.opts.MaxMessageLength {
		return store.Message{}, validationError("text must be at most %d characters", s.opts.MaxMessageLength)
	}

	msg := store.Message{
		ID:          s.newID(),
		ThreadID:    t.ID,
		SenderEmail: me,
		Text:        text,
		Attachments: attachments,
		CreatedAt:   s.timestamp(),
	}
	preview := s.preview(msg)

	if err := s.store.AppendMessage(ctx, msg, preview); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return store.Message{}, notFoundError("Thread")
		}
		return store.Message{}, storageError("append message", err)
	}
	s.metrics.MessagePosted()

	s.notifier.NewMessage(ctx, msg)
	for _, side := range []store.Side{store.SideOwner, store.SidePartner} {
		email := t.OwnerEmail
		if side == store.SidePartner {
			email = t.PartnerEmail
		}
		s.notifier.Notify(ctx, email, Notification{
			ThreadID:    t.ID,
			Preview:     preview,
			SenderEmail: me,
			Hidden:      t.HiddenFor(side),
		})
	}
	s.indexer.IndexMessage(msg, []string{t.OwnerEmail, t.PartnerEmail})
	return msg, nil
}

// checkAttachments applies the image-only rule to client supplied
// attachment metadata and fills in missing ids.
func (s *Service) checkAttachments(in []store.Attachment) ([]store.Attachment, error) {
	if len(in) > s.opts.MaxUploadFiles {
		return nil, validationError("at most %d images per message", s.opts.MaxUploadFiles)
	}
	out := make([]store.Attachment, 0, len(in))
	for _, a := range in {
		a.Type = normalizeMediaType(a.Type)
		if !isImageType(a.Type) {
			return nil, validationError("only images can be attached")
		}
		a.URL = strings.TrimSpace(a.URL)
		if !isWebURL(a.URL) {
			return nil, validationError("attachment url must be an http(s) URL")
		}
		if a.Size < 0 {
			return nil, validationError("attachment size must not be negative")
		}
		a.Name = strings.TrimSpace(a.Name)
		if a.ID == "" {
			a.ID = s.newID()
		}
		out = append(out, a)
	}
	return out, nil
}

// preview is the thread list summary for msg: its text, else the first
// attachment name, else the placeholder.
func (s *Service) preview(msg store.Message) string {
	if msg.Text != "" {
		return msg.Text
	}
	if first, ok := lo.First(msg.Attachments); ok && first.Name != "" {
		return first.Name
	}
	return s.opts.AttachmentPlaceholder
}

func normalizeMediaType(value string) string {
	value, _, _ = strings.Cut(value, ";")
	return strings.ToLower(strings.TrimSpace(value))
}

func isImageType(mediaType string) bool {
	return strings.HasPrefix(mediaType, "image/") && len(mediaType) > len("image/")
}

func isWebURL(raw string) bool {
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return false
	}
	return u.Scheme == "http" || u.Scheme == "https"
}
