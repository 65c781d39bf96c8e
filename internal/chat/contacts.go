// Package chat holds the contact list and message thread gateways. Both are
// gated on a resolved profile and never change session state except to
// force a logout when the server rejects the token.
package chat

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/and161185/kaguchat/internal/api"
	"github.com/and161185/kaguchat/internal/errs"
	"github.com/and161185/kaguchat/internal/model"
	"github.com/and161185/kaguchat/internal/notify"
	"github.com/and161185/kaguchat/internal/profile"
)

// ProfileSource is the part of profile.Resolver the gateways depend on.
type ProfileSource interface {
	Snapshot() profile.State
	Subscribe(fn func(profile.State)) (unsubscribe func())
}

// Invalidator forces a logout of the given session epoch.
type Invalidator interface {
	Invalidate(ctx context.Context, epoch uint64) bool
}

// ContactsAPI lists contacts.
type ContactsAPI interface {
	Contacts(ctx context.Context) ([]model.Contact, error)
}

const (
	msgContactsFailed = "Could not load contacts."
	msgMessagesFailed = "Could not load messages."
)

// ContactsState is the contact list as last fetched.
type ContactsState struct {
	Contacts []model.Contact
	Loading  bool
	Err      string
}

// Contacts is the contact list gateway.
type Contacts struct {
	prof ProfileSource
	sess Invalidator
	api  ContactsAPI
	log  *zap.Logger

	mu    sync.Mutex
	state ContactsState
	epoch uint64 // profile epoch the state belongs to
	unsub func()
	hub   notify.Hub[ContactsState]
}

// NewContacts wires a contacts gateway; call Start to follow the profile.
func NewContacts(prof ProfileSource, sess Invalidator, c ContactsAPI, log *zap.Logger) *Contacts {
	if log == nil {
		log = zap.NewNop()
	}
	return &Contacts{prof: prof, sess: sess, api: c, log: log}
}

// Start clears the list whenever the profile goes away.
func (g *Contacts) Start() {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.unsub == nil {
		g.unsub = g.prof.Subscribe(g.onProfile)
	}
}

// Stop unsubscribes from the profile resolver.
func (g *Contacts) Stop() {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.unsub != nil {
		g.unsub()
		g.unsub = nil
	}
}

// Snapshot returns a copy of the current state.
func (g *Contacts) Snapshot() ContactsState {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.copyLocked()
}

// Subscribe registers fn for every state change.
func (g *Contacts) Subscribe(fn func(ContactsState)) (unsubscribe func()) {
	return g.hub.Subscribe(fn)
}

// Load fetches the contact list. It requires a resolved profile. Failures
// are kept on the gateway; only a rejected token reaches the session.
func (g *Contacts) Load(ctx context.Context) ([]model.Contact, error) {
	ps := g.prof.Snapshot()
	if ps.Profile == nil {
		return nil, errs.ErrNoProfile
	}

	g.mu.Lock()
	g.epoch = ps.Epoch
	g.state.Loading = true
	g.publishLocked()
	g.mu.Unlock()
	g.hub.Drain()

	list, err := g.api.Contacts(ctx)
	current := g.prof.Snapshot().Epoch

	g.mu.Lock()
	if g.epoch != ps.Epoch || current != ps.Epoch {
		g.mu.Unlock()
		g.log.Debug("discarding stale contacts result", zap.Uint64("epoch", ps.Epoch))
		return nil, errs.ErrNoProfile
	}
	if err != nil {
		g.state.Loading = false
		g.state.Err = failureMessage(err, msgContactsFailed)
		g.publishLocked()
		g.mu.Unlock()
		g.hub.Drain()
		g.log.Warn("contacts fetch failed", zap.Error(err))
		if errs.IsSessionInvalid(err) {
			g.sess.Invalidate(context.Background(), ps.Epoch)
		}
		return nil, fmt.Errorf("contacts: %w", err)
	}
	g.state = ContactsState{Contacts: list}
	g.publishLocked()
	out := g.copyLocked().Contacts
	g.mu.Unlock()
	g.hub.Drain()
	g.log.Debug("contacts loaded", zap.Int("count", len(list)))
	return out, nil
}

func (g *Contacts) onProfile(ps profile.State) {
	g.mu.Lock()
	if ps.Profile != nil && ps.Epoch == g.epoch {
		g.mu.Unlock()
		return
	}
	g.epoch = 0
	if g.isEmptyLocked() {
		g.mu.Unlock()
		return
	}
	g.state = ContactsState{}
	g.publishLocked()
	g.mu.Unlock()
	g.hub.Drain()
}

func (g *Contacts) isEmptyLocked() bool {
	return g.state.Contacts == nil && !g.state.Loading && g.state.Err == ""
}

func (g *Contacts) copyLocked() ContactsState {
	s := g.state
	if s.Contacts != nil {
		s.Contacts = make([]model.Contact, len(g.state.Contacts))
		copy(s.Contacts, g.state.Contacts)
	}
	return s
}

func (g *Contacts) publishLocked() { g.hub.Queue(g.copyLocked()) }

// failureMessage turns err into text for the view. Validation messages and
// 4xx server messages are shown as is; everything else gets fallback.
func failureMessage(err error, fallback string) string {
	switch {
	case errors.Is(err, errs.ErrUnauthorized):
		return "Your session has expired. Please log in again."
	case errors.Is(err, errs.ErrTransient), errors.Is(err, errs.ErrMalformed):
		return fallback
	}
	if msg := api.ServerMessage(err); msg != "" {
		return msg
	}
	return fallback
}
