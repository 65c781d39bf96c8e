// Package model defines domain entities shared by the session, profile and chat layers.
package model

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// ID is an opaque identifier. The service emits integers, clients use strings.
type ID string

// UnmarshalJSON accepts both JSON strings and numbers.
func (id *ID) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if bytes.Equal(b, []byte("null")) {
		*id = ""
		return nil
	}
	if len(b) > 0 && b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		*id = ID(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(b, &n); err != nil {
		return fmt.Errorf("id: %w", err)
	}
	*id = ID(n.String())
	return nil
}

func (id ID) String() string { return string(id) }

// Credentials is the persisted part of a session.
// AccessToken and UserID are either both set or both empty.
type Credentials struct {
	AccessToken string
	UserID      string
	CSRFToken   string // optional, independent of the pair above
}

// NewCredentials returns credentials honoring the token/user pairing:
// if either half is missing the result is empty.
func NewCredentials(token, userID, csrf string) Credentials {
	if token == "" || userID == "" {
		return Credentials{}
	}
	return Credentials{AccessToken: token, UserID: userID, CSRFToken: csrf}
}

// Present reports whether credentials carry an identity.
func (c Credentials) Present() bool { return c.AccessToken != "" && c.UserID != "" }

// LoginResult is the tagged outcome of a login attempt.
type LoginResult struct {
	OK     bool
	UserID string
	Error  string // human-readable, set when !OK
}

// Profile is the authenticated user's profile. Never persisted.
type Profile struct {
	UserID    ID     `json:"user_id"`
	Username  string `json:"username"`
	Nickname  string `json:"nickname,omitempty"`
	AvatarURL string `json:"avatar_url,omitempty"`
}

// DisplayName falls back to Username when no nickname is set.
func (p Profile) DisplayName() string {
	if p.Nickname != "" {
		return p.Nickname
	}
	return p.Username
}

// ContactType distinguishes direct friends from groups.
type ContactType string

const (
	ContactFriend ContactType = "friend"
	ContactGroup  ContactType = "group"
)

// Valid reports whether t is a known contact type.
func (t ContactType) Valid() bool { return t == ContactFriend || t == ContactGroup }

// Contact is an entry of the contact list.
type Contact struct {
	ID              ID          `json:"contact_id"`
	Type            ContactType `json:"type"`
	Name            string      `json:"name"`
	AvatarURL       string      `json:"avatar_url,omitempty"`
	LastMessage     string      `json:"last_message,omitempty"`
	LastMessageTime string      `json:"last_message_time,omitempty"`
}

// Key identifies the message thread of the contact.
func (c Contact) Key() string { return string(c.Type) + "/" + string(c.ID) }

// Message is a single chat message.
type Message struct {
	ID              ID        `json:"id"`
	SenderID        ID        `json:"sender_id"`
	SenderNickname  string    `json:"sender_nickname,omitempty"`
	SenderAvatarURL string    `json:"sender_avatar_url,omitempty"`
	Content         string    `json:"content"`
	SentAt          Timestamp `json:"sent_at"`
	ClientKey       string    `json:"client_key,omitempty"`

	IsSelf  bool `json:"-"` // derived from the current profile
	Pending bool `json:"-"` // optimistic, not yet seen in a server listing
}

// Timestamp decodes RFC 3339 or the service's short "15:04" form.
type Timestamp struct{ time.Time }

// UnmarshalJSON implements json.Unmarshaler.
func (t *Timestamp) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		if bytes.Equal(bytes.TrimSpace(b), []byte("null")) {
			t.Time = time.Time{}
			return nil
		}
		return fmt.Errorf("sent_at: %w", err)
	}
	parsed, err := ParseTimestamp(s, time.Now())
	if err != nil {
		return err
	}
	t.Time = parsed
	return nil
}

// ParseTimestamp parses s; short "15:04" values are placed on now's date.
func ParseTimestamp(s string, now time.Time) (time.Time, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, nil
	}
	for _, layout := range []string{time.RFC3339Nano, "2006-01-02 15:04:05", "2006-01-02T15:04:05"} {
		if v, err := time.ParseInLocation(layout, s, now.Location()); err == nil {
			return v, nil
		}
	}
	hm, err := time.ParseInLocation("15:04", s, now.Location())
	if err != nil {
		return time.Time{}, fmt.Errorf("sent_at: unsupported format %q", s)
	}
	y, m, d := now.Date()
	return time.Date(y, m, d, hm.Hour(), hm.Minute(), 0, 0, now.Location()), nil
}
