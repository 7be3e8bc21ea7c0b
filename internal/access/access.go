// Package access decides who may touch a thread. Participation is the only
// rule: roles grant nothing extra on conversations.
package access

import (
	"errors"

	"petlify/api/internal/auth"
	"petlify/api/internal/store"
)

type Action string

const (
	ActionRead   Action = "read"
	ActionPost   Action = "post"
	ActionDelete Action = "delete"
	ActionJoin   Action = "join"
	ActionEnsure Action = "ensure"
)

var ErrForbidden = errors.New("forbidden")

// IsParticipant reports whether caller occupies either slot of t.
func IsParticipant(caller auth.Identity, t store.Thread) bool {
	email := auth.NormalizeEmail(caller.Email)
	if email == "" {
		return false
	}
	_, ok := t.SideOf(email)
	return ok
}

// Can reports whether caller may perform action on t.
func Can(caller auth.Identity, t store.Thread, action Action) bool {
	switch action {
	case ActionRead, ActionPost, ActionDelete, ActionJoin, ActionEnsure:
		return IsParticipant(caller, t)
	default:
		return false
	}
}

// Check is Can returning ErrForbidden on denial.
func Check(caller auth.Identity, t store.Thread, action Action) error {
	if !Can(caller, t, action) {
		return ErrForbidden
	}
	return nil
}
