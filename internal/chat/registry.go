package chat

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"

	"petlify/api/internal/access"
	"petlify/api/internal/auth"
	"petlify/api/internal/store"
)

type EnsureThreadRequest struct {
	Subject      string `json:"subject" validate:"max=200"`
	PetID        *int64 `json:"petId" validate:"omitempty,gt=0"`
	OwnerEmail   string `json:"ownerEmail" validate:"required,email"`
	PartnerEmail string `json:"partnerEmail" validate:"required,email"`
}

// canonicalPair orders two normalized emails so the smaller one takes the
// owner slot.
func canonicalPair(a, b string) (owner, partner string) {
	if a < b {
		return a, b
	}
	return b, a
}

// EnsureThread returns the thread for (pet, pair), creating it on first use
// and un-hiding it for the caller when the caller had deleted it.
func (s *Service) EnsureThread(ctx context.Context, caller auth.Identity, req EnsureThreadRequest) (store.Thread, error) {
	me, err := callerEmail(caller)
	if err != nil {
		return store.Thread{}, err
	}

	req.OwnerEmail = auth.NormalizeEmail(req.OwnerEmail)
	req.PartnerEmail = auth.NormalizeEmail(req.PartnerEmail)
	req.Subject = strings.TrimSpace(req.Subject)
	if err := s.validate.Struct(req); err != nil {
		return store.Thread{}, validationError("%s", describeValidation(err))
	}
	if req.OwnerEmail == req.PartnerEmail {
		return store.Thread{}, validationError("a thread needs two different participants")
	}
	if req.Subject == "" {
		req.Subject = s.opts.DefaultSubject
	}

	owner, partner := canonicalPair(req.OwnerEmail, req.PartnerEmail)
	pair := store.Thread{OwnerEmail: owner, PartnerEmail: partner}
	if err := access.Check(caller, pair, access.ActionEnsure); err != nil {
		return store.Thread{}, forbiddenError()
	}

	petID := store.NoPet
	if req.PetID != nil {
		petID = *req.PetID
	}

	// A thread purged between lookup and reveal is simply created again.
	for attempt := 0; attempt < 2; attempt++ {
		thread, err := s.ensureOnce(ctx, me, req.Subject, petID, owner, partner)
		if errors.Is(err, errThreadVanished) {
			continue
		}
		return thread, err
	}
	return store.Thread{}, storageError("ensure thread", errThreadVanished)
}

var errThreadVanished = errors.New("thread removed concurrently")

func (s *Service) ensureOnce(ctx context.Context, me, subject string, petID int64, owner, partner string) (store.Thread, error) {
	existing, err := s.store.FindThread(ctx, petID, owner, partner)
	switch {
	case err == nil:
		return s.revealFor(ctx, me, existing)
	case !errors.Is(err, store.ErrNotFound):
		return store.Thread{}, storageError("find thread", err)
	}

	candidate := store.Thread{
		ID:           s.newID(),
		Subject:      subject,
		OwnerEmail:   owner,
		PartnerEmail: partner,
		CreatedAt:    s.timestamp(),
	}
	if petID != store.NoPet {
		candidate.PetID = &petID
	}

	thread, created, err := s.store.CreateThread(ctx, candidate)
	if err != nil {
		return store.Thread{}, storageError("create thread", err)
	}
	if !created {
		// lost the insert race; the winner is returned as if found
		return s.revealFor(ctx, me, thread)
	}

	s.metrics.ThreadCreated()
	s.log.Debug().Str("threadId", thread.ID).Str("owner", owner).Str("partner", partner).Msg("thread created")
	for _, email := range []string{thread.OwnerEmail, thread.PartnerEmail} {
		s.notifier.Notify(ctx, email, Notification{ThreadID: thread.ID, Created: true})
	}
	return thread, nil
}

// revealFor clears me's hidden flag on t when it is set.
func (s *Service) revealFor(ctx context.Context, me string, t store.Thread) (store.Thread, error) {
	side, ok := t.SideOf(me)
	if !ok || !t.HiddenFor(side) {
		return t, nil
	}

	revealed, err := s.store.RevealThread(ctx, t.ID, side)
	if errors.Is(err, store.ErrNotFound) {
		return store.Thread{}, errThreadVanished
	}
	if err != nil {
		return store.Thread{}, storageError("reveal thread", err)
	}

	s.metrics.ThreadRestored()
	s.notifier.Notify(ctx, me, Notification{ThreadID: revealed.ID, Restored: true})
	return revealed, nil
}

// ListThreads returns the caller's visible threads, most recent activity first.
func (s *Service) ListThreads(ctx context.Context, caller auth.Identity) ([]store.Thread, error) {
	me, err := callerEmail(caller)
	if err != nil {
		return nil, err
	}
	threads, err := s.store.ListVisibleThreads(ctx, me)
	if err != nil {
		return nil, storageError("list threads", err)
	}
	if threads == nil {
		threads = []store.Thread{}
	}
	return threads, nil
}

// DeleteForCaller hides a thread on the caller's side only. Once both sides
// have hidden it the thread and its messages are removed.
func (s *Service) DeleteForCaller(ctx context.Context, caller auth.Identity, threadID string) error {
	t, err := s.loadThread(ctx, caller, threadID, access.ActionDelete)
	if err != nil {
		return err
	}
	me := auth.NormalizeEmail(caller.Email)
	side, _ := t.SideOf(me)

	purged, err := s.store.HideThread(ctx, t.ID, side)
	if errors.Is(err, store.ErrNotFound) {
		return notFoundError("Thread")
	}
	if err != nil {
		return storageError("hide thread", err)
	}

	if purged {
		s.metrics.ThreadPurged()
		s.indexer.DeleteThread(t.ID)
		s.log.Debug().Str("threadId", t.ID).Msg("thread purged")
	}
	s.notifier.Notify(ctx, me, Notification{ThreadID: t.ID, Deleted: true})
	return nil
}

func describeValidation(err error) string {
	var fieldErrs validator.ValidationErrors
	if !errors.As(err, &fieldErrs) || len(fieldErrs) == 0 {
		return "invalid request"
	}
	fe := fieldErrs[0]
	field := jsonName(fe.Field())
	switch fe.Tag() {
	case "required":
		return fmt.Sprintf("%s is required", field)
	case "email":
		return fmt.Sprintf("%s must be a valid email address", field)
	case "gt":
		return fmt.Sprintf("%s must be greater than %s", field, fe.Param())
	case "max":
		return fmt.Sprintf("%s must be at most %s characters", field, fe.Param())
	default:
		return fmt.Sprintf("%s is invalid", field)
	}
}

func jsonName(field string) string {
	if field == "" {
		return field
	}
	if field == "PetID" {
		return "petId"
	}
	return strings.ToLower(field[:1]) + field[1:]
}
