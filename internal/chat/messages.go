package chat

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/gofrs/uuid/v5"
	"go.uber.org/zap"

	"github.com/and161185/kaguchat/internal/errs"
	"github.com/and161185/kaguchat/internal/model"
	"github.com/and161185/kaguchat/internal/notify"
	"github.com/and161185/kaguchat/internal/profile"
)

// ErrSuperseded is returned when a newer selection replaced the one a
// fetch was started for. Its result was dropped.
var ErrSuperseded = errors.New("superseded by a newer selection")

// MessagesAPI lists the messages of one thread.
type MessagesAPI interface {
	Messages(ctx context.Context, typ model.ContactType, contactID model.ID) ([]model.Message, error)
}

// MessagesState is the selected thread.
type MessagesState struct {
	Contact  *model.Contact
	Messages []model.Message
	Loading  bool
	Err      string
}

// Messages is the message thread gateway. The last selection wins: results
// of fetches started for an earlier selection are dropped.
type Messages struct {
	prof ProfileSource
	sess Invalidator
	api  MessagesAPI
	log  *zap.Logger
	now  func() time.Time

	mu        sync.Mutex
	state     MessagesState
	selection uint64
	epoch     uint64
	pending   map[string][]model.Message // by contact key
	unsub     func()
	hub       notify.Hub[MessagesState]
}

// NewMessages wires a messages gateway; call Start to follow the profile.
func NewMessages(prof ProfileSource, sess Invalidator, c MessagesAPI, log *zap.Logger) *Messages {
	if log == nil {
		log = zap.NewNop()
	}
	return &Messages{prof: prof, sess: sess, api: c, log: log, now: time.Now}
}

// Start clears the thread whenever the profile goes away.
func (g *Messages) Start() {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.unsub == nil {
		g.unsub = g.prof.Subscribe(g.onProfile)
	}
}

// Stop unsubscribes from the profile resolver.
func (g *Messages) Stop() {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.unsub != nil {
		g.unsub()
		g.unsub = nil
	}
}

// Snapshot returns a copy of the current state.
func (g *Messages) Snapshot() MessagesState {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.copyLocked()
}

// Subscribe registers fn for every state change.
func (g *Messages) Subscribe(fn func(MessagesState)) (unsubscribe func()) {
	return g.hub.Subscribe(fn)
}

// Select makes c the current thread and fetches it.
func (g *Messages) Select(ctx context.Context, c model.Contact) error {
	if !c.Type.Valid() {
		return fmt.Errorf("%w: contact type %q", errs.ErrValidation, c.Type)
	}
	if c.ID == "" {
		return fmt.Errorf("%w: empty contact id", errs.ErrValidation)
	}
	ps := g.prof.Snapshot()
	if ps.Profile == nil {
		return errs.ErrNoProfile
	}

	g.mu.Lock()
	g.selection++
	sel := g.selection
	g.epoch = ps.Epoch
	g.state = MessagesState{Contact: &c, Loading: true}
	if p := g.pending[c.Key()]; len(p) > 0 {
		g.state.Messages = append([]model.Message(nil), p...)
	}
	g.publishLocked()
	g.mu.Unlock()
	g.hub.Drain()

	return g.fetch(ctx, sel, c, ps)
}

// Reload re-fetches the current thread, keeping what is shown until the
// result arrives.
func (g *Messages) Reload(ctx context.Context) error {
	ps := g.prof.Snapshot()
	if ps.Profile == nil {
		return errs.ErrNoProfile
	}

	g.mu.Lock()
	if g.state.Contact == nil {
		g.mu.Unlock()
		return fmt.Errorf("%w: no contact selected", errs.ErrValidation)
	}
	c := *g.state.Contact
	sel := g.selection
	g.state.Loading = true
	g.publishLocked()
	g.mu.Unlock()
	g.hub.Drain()

	return g.fetch(ctx, sel, c, ps)
}

// Send appends content to the current thread as a pending message. The entry
// stays pending until a later fetch lists a message with its client key.
func (g *Messages) Send(content string) (model.Message, error) {
	if strings.TrimSpace(content) == "" {
		return model.Message{}, fmt.Errorf("%w: empty message", errs.ErrValidation)
	}
	ps := g.prof.Snapshot()
	if ps.Profile == nil {
		return model.Message{}, errs.ErrNoProfile
	}
	id, err := uuid.NewV4()
	if err != nil {
		return model.Message{}, fmt.Errorf("message id: %w", err)
	}

	g.mu.Lock()
	if g.state.Contact == nil {
		g.mu.Unlock()
		return model.Message{}, fmt.Errorf("%w: no contact selected", errs.ErrValidation)
	}
	m := model.Message{
		ID:              model.ID(id.String()),
		SenderID:        ps.Profile.UserID,
		SenderNickname:  ps.Profile.DisplayName(),
		SenderAvatarURL: ps.Profile.AvatarURL,
		Content:         content,
		SentAt:          model.Timestamp{Time: g.now()},
		ClientKey:       id.String(),
		IsSelf:          true,
		Pending:         true,
	}
	if g.pending == nil {
		g.pending = make(map[string][]model.Message)
	}
	key := g.state.Contact.Key()
	g.pending[key] = append(g.pending[key], m)
	g.state.Messages = append(g.state.Messages, m)
	g.publishLocked()
	g.mu.Unlock()
	g.hub.Drain()
	return m, nil
}

func (g *Messages) fetch(ctx context.Context, sel uint64, c model.Contact, ps profile.State) error {
	list, err := g.api.Messages(ctx, c.Type, c.ID)

	g.mu.Lock()
	if sel != g.selection {
		g.mu.Unlock()
		g.log.Debug("discarding superseded messages result", zap.String("contact", c.Key()))
		return ErrSuperseded
	}
	if err != nil {
		g.state.Loading = false
		g.state.Err = failureMessage(err, msgMessagesFailed)
		g.publishLocked()
		g.mu.Unlock()
		g.hub.Drain()
		g.log.Warn("messages fetch failed", zap.String("contact", c.Key()), zap.Error(err))
		if errs.IsSessionInvalid(err) {
			g.sess.Invalidate(context.Background(), ps.Epoch)
		}
		return fmt.Errorf("messages: %w", err)
	}
	g.state.Messages = g.reconcileLocked(c.Key(), list, ps.Profile.UserID)
	g.state.Loading = false
	g.state.Err = ""
	g.publishLocked()
	g.mu.Unlock()
	g.hub.Drain()
	return nil
}

// reconcileLocked replaces the thread with the server list and re-appends
// pending messages of that contact the server has not listed yet.
func (g *Messages) reconcileLocked(key string, list []model.Message, self model.ID) []model.Message {
	pending := g.pending[key]
	seen := make(map[string]struct{}, len(list))
	out := make([]model.Message, 0, len(list)+len(pending))
	for _, m := range list {
		m.IsSelf = m.SenderID == self
		m.Pending = false
		if m.ClientKey != "" {
			seen[m.ClientKey] = struct{}{}
		}
		out = append(out, m)
	}
	still := pending[:0]
	for _, m := range pending {
		if _, ok := seen[m.ClientKey]; ok {
			continue
		}
		still = append(still, m)
		out = append(out, m)
	}
	if len(still) == 0 {
		delete(g.pending, key)
	} else {
		g.pending[key] = still
	}
	return out
}

func (g *Messages) onProfile(ps profile.State) {
	g.mu.Lock()
	if ps.Profile != nil && ps.Epoch == g.epoch {
		g.mu.Unlock()
		return
	}
	g.epoch = 0
	if g.state.Contact == nil && g.state.Messages == nil && !g.state.Loading && g.state.Err == "" {
		g.mu.Unlock()
		return
	}
	// in-flight fetches belong to the old selection
	g.selection++
	g.pending = nil
	g.state = MessagesState{}
	g.publishLocked()
	g.mu.Unlock()
	g.hub.Drain()
}

func (g *Messages) copyLocked() MessagesState {
	s := g.state
	if s.Contact != nil {
		c := *s.Contact
		s.Contact = &c
	}
	if s.Messages != nil {
		s.Messages = make([]model.Message, len(g.state.Messages))
		copy(s.Messages, g.state.Messages)
	}
	return s
}

func (g *Messages) publishLocked() { g.hub.Queue(g.copyLocked()) }
