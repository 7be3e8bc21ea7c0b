package store

import (
	"strings"
	"time"
)

// NoPet is the value pet-less threads collapse to in the uniqueness index.
const NoPet int64 = 0

type User struct {
	Email        string
	PasswordHash string
	Role         string
	CreatedAt    time.Time
	LastLogin    *time.Time
}

// Side names one of the two participant slots of a thread.
type Side int

const (
	SideOwner Side = iota + 1
	SidePartner
)

type Thread struct {
	ID               string     `json:"id"`
	Subject          string     `json:"subject"`
	PetID            *int64     `json:"petId"`
	OwnerEmail       string     `json:"ownerEmail"`
	PartnerEmail     string     `json:"partnerEmail"`
	LastMessage      *string    `json:"lastMessage"`
	LastTime         *time.Time `json:"lastTime"`
	CreatedAt        time.Time  `json:"createdAt"`
	HiddenForOwner   bool       `json:"hiddenForOwner"`
	HiddenForPartner bool       `json:"hiddenForPartner"`
}

// SideOf reports which slot email occupies. Comparison is case-insensitive.
func (t Thread) SideOf(email string) (Side, bool) {
	email = strings.ToLower(strings.TrimSpace(email))
	switch email {
	case t.OwnerEmail:
		return SideOwner, true
	case t.PartnerEmail:
		return SidePartner, true
	default:
		return 0, false
	}
}

func (t Thread) HiddenFor(side Side) bool {
	switch side {
	case SideOwner:
		return t.HiddenForOwner
	case SidePartner:
		return t.HiddenForPartner
	default:
		return false
	}
}

// ActivityAt is the sort key used for thread listings.
func (t Thread) ActivityAt() time.Time {
	if t.LastTime != nil {
		return *t.LastTime
	}
	return t.CreatedAt
}

type Attachment struct {
	ID   string `json:"id"`
	Name string `json:"name"`
	Type string `json:"type"`
	Size int64  `json:"size"`
	URL  string `json:"url"`
}

type Message struct {
	ID          string       `json:"id"`
	ThreadID    string       `json:"threadId"`
	SenderEmail string       `json:"senderEmail"`
	Text        string       `json:"text"`
	Attachments []Attachment `json:"attachments"`
	CreatedAt   time.Time    `json:"createdAt"`
}

// MessageHit is a full-text search match over messages.
type MessageHit struct {
	MessageID   string    `json:"messageId"`
	ThreadID    string    `json:"threadId"`
	SenderEmail string    `json:"senderEmail"`
	Snippet     string    `json:"snippet"`
	CreatedAt   time.Time `json:"createdAt"`
}
