package model

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestID_AcceptsStringAndNumber(t *testing.T) {
	t.Parallel()
	var v struct {
		A ID `json:"a"`
		B ID `json:"b"`
		C ID `json:"c"`
	}
	require.NoError(t, json.Unmarshal([]byte(`{"a":"x1","b":42,"c":null}`), &v))
	require.Equal(t, ID("x1"), v.A)
	require.Equal(t, ID("42"), v.B)
	require.Equal(t, ID(""), v.C)

	require.Error(t, json.Unmarshal([]byte(`{"a":true}`), &v))
}

func TestNewCredentials_Pairing(t *testing.T) {
	t.Parallel()
	require.Equal(t, Credentials{}, NewCredentials("t", "", "c"))
	require.Equal(t, Credentials{}, NewCredentials("", "u", "c"))
	c := NewCredentials("t", "u", "")
	require.True(t, c.Present())
	require.Empty(t, c.CSRFToken)
}

func TestProfile_DisplayName(t *testing.T) {
	t.Parallel()
	require.Equal(t, "alice", Profile{Username: "alice"}.DisplayName())
	require.Equal(t, "Al", Profile{Username: "alice", Nickname: "Al"}.DisplayName())
}

func TestContact(t *testing.T) {
	t.Parallel()
	var c Contact
	require.NoError(t, json.Unmarshal([]byte(`{"contact_id":3,"type":"group","name":"team"}`), &c))
	require.Equal(t, "group/3", c.Key())
	require.True(t, c.Type.Valid())
	require.False(t, ContactType("channel").Valid())
}

func TestParseTimestamp(t *testing.T) {
	t.Parallel()
	now := time.Date(2026, 5, 6, 20, 0, 0, 0, time.UTC)

	got, err := ParseTimestamp("10:30", now)
	require.NoError(t, err)
	require.Equal(t, time.Date(2026, 5, 6, 10, 30, 0, 0, time.UTC), got)

	got, err = ParseTimestamp("2026-01-02T03:04:05Z", now)
	require.NoError(t, err)
	require.Equal(t, 2026, got.Year())

	got, err = ParseTimestamp("2026-01-02 03:04:05", now)
	require.NoError(t, err)
	require.Equal(t, 3, got.Hour())

	got, err = ParseTimestamp("", now)
	require.NoError(t, err)
	require.True(t, got.IsZero())

	_, err = ParseTimestamp("yesterday", now)
	require.Error(t, err)
}

func TestMessage_Decode(t *testing.T) {
	t.Parallel()
	var m Message
	require.NoError(t, json.Unmarshal([]byte(`{"id":1,"sender_id":2,"content":"hi","sent_at":"2026-01-02T03:04:05Z","is_self":true}`), &m))
	require.Equal(t, ID("2"), m.SenderID)
	require.False(t, m.IsSelf, "IsSelf is derived, never decoded")
	require.False(t, m.Pending)
	require.Equal(t, 3, m.SentAt.Hour())
}
