// Package profile resolves the authenticated user's profile whenever the
// session becomes valid.
package profile

import (
	"context"
	"errors"
	"sync"

	"go.uber.org/zap"

	"github.com/and161185/kaguchat/internal/api"
	"github.com/and161185/kaguchat/internal/errs"
	"github.com/and161185/kaguchat/internal/model"
	"github.com/and161185/kaguchat/internal/notify"
	"github.com/and161185/kaguchat/internal/session"
)

// Session is the part of session.Manager the resolver depends on.
type Session interface {
	Snapshot() session.Snapshot
	Subscribe(fn func(session.Snapshot)) (unsubscribe func())
	Invalidate(ctx context.Context, epoch uint64) bool
}

// Fetcher loads the profile of the current credentials.
type Fetcher interface {
	Me(ctx context.Context) (model.Profile, error)
}

// State is what the resolver currently knows.
type State struct {
	Profile *model.Profile
	Loading bool
	Err     string
	// Epoch is the session epoch the state belongs to, 0 when signed out.
	Epoch uint64
}

const msgFetchFailed = "Could not load your profile. Try again later."

// Resolver keeps the profile in step with the session.
type Resolver struct {
	sess    Session
	fetcher Fetcher
	log     *zap.Logger

	mu      sync.Mutex
	state   State
	cancel  context.CancelFunc
	unsub   func()
	stopped bool
	wg      sync.WaitGroup
	hub     notify.Hub[State]
}

// NewResolver wires a resolver; call Start to begin following the session.
func NewResolver(sess Session, fetcher Fetcher, log *zap.Logger) *Resolver {
	if log == nil {
		log = zap.NewNop()
	}
	return &Resolver{sess: sess, fetcher: fetcher, log: log}
}

// Start subscribes to the session and reacts to its current state.
func (r *Resolver) Start() {
	r.mu.Lock()
	if r.unsub != nil || r.stopped {
		r.mu.Unlock()
		return
	}
	r.unsub = r.sess.Subscribe(r.onSession)
	r.mu.Unlock()
	r.onSession(r.sess.Snapshot())
}

// Stop unsubscribes, cancels any in-flight fetch and waits for it to exit.
func (r *Resolver) Stop() {
	r.mu.Lock()
	r.stopped = true
	if r.unsub != nil {
		r.unsub()
		r.unsub = nil
	}
	if r.cancel != nil {
		r.cancel()
		r.cancel = nil
	}
	r.mu.Unlock()
	r.wg.Wait()
}

// Snapshot returns a copy of the current state. It is empty whenever the
// session is not valid for the state's epoch, even before the resolver has
// been notified of the change.
func (r *Resolver) Snapshot() State {
	sess := r.sess.Snapshot()
	r.mu.Lock()
	defer r.mu.Unlock()
	if !sess.Valid() || sess.Epoch != r.state.Epoch {
		return State{}
	}
	return r.copyLocked()
}

// Subscribe registers fn for every state change.
func (r *Resolver) Subscribe(fn func(State)) (unsubscribe func()) {
	return r.hub.Subscribe(fn)
}

// Refresh re-fetches the profile synchronously.
func (r *Resolver) Refresh(ctx context.Context) error {
	snap := r.sess.Snapshot()
	if !snap.Valid() {
		return errs.ErrNoSession
	}

	r.mu.Lock()
	if r.state.Epoch != snap.Epoch {
		r.mu.Unlock()
		return errs.ErrNoSession
	}
	r.state.Loading = true
	r.publishLocked()
	r.mu.Unlock()
	r.hub.Drain()

	return r.fetch(ctx, snap.Epoch)
}

func (r *Resolver) onSession(s session.Snapshot) {
	r.mu.Lock()
	if r.stopped {
		r.mu.Unlock()
		return
	}
	if !s.Valid() {
		if r.cancel != nil {
			r.cancel()
			r.cancel = nil
		}
		if r.state == (State{}) {
			r.mu.Unlock()
			return
		}
		r.state = State{}
		r.publishLocked()
		r.mu.Unlock()
		r.hub.Drain()
		return
	}
	if s.Epoch == r.state.Epoch {
		r.mu.Unlock()
		return
	}
	if r.cancel != nil {
		r.cancel()
	}
	ctx, cancel := context.WithCancel(context.Background())
	r.cancel = cancel
	r.state = State{Loading: true, Epoch: s.Epoch}
	r.publishLocked()
	r.wg.Add(1)
	r.mu.Unlock()
	r.hub.Drain()

	go func() {
		defer r.wg.Done()
		defer cancel()
		_ = r.fetch(ctx, s.Epoch)
	}()
}

// fetch runs Me and applies the result if epoch is still current.
func (r *Resolver) fetch(ctx context.Context, epoch uint64) error {
	p, err := r.fetcher.Me(ctx)
	sess := r.sess.Snapshot()

	r.mu.Lock()
	if r.state.Epoch != epoch || ctx.Err() != nil || !sess.Valid() || sess.Epoch != epoch {
		r.mu.Unlock()
		r.log.Debug("discarding stale profile result", zap.Uint64("epoch", epoch))
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return errs.ErrNoSession
	}
	if err == nil {
		r.state.Profile = &p
		r.state.Err = ""
		r.state.Loading = false
		r.publishLocked()
		r.mu.Unlock()
		r.hub.Drain()
		r.log.Debug("profile resolved", zap.String("user_id", p.UserID.String()))
		return nil
	}

	if errs.IsSessionInvalid(err) {
		r.mu.Unlock()
		r.log.Info("profile fetch rejected, invalidating session", zap.Error(err))
		// the resulting Invalid snapshot clears the state through onSession
		r.sess.Invalidate(context.Background(), epoch)
		return err
	}

	r.state.Loading = false
	r.state.Err = message(err)
	r.publishLocked()
	r.mu.Unlock()
	r.hub.Drain()
	r.log.Warn("profile fetch failed", zap.Error(err))
	return err
}

func message(err error) string {
	if msg := api.ServerMessage(err); msg != "" && !errors.Is(err, errs.ErrTransient) {
		return msg
	}
	return msgFetchFailed
}

func (r *Resolver) copyLocked() State {
	s := r.state
	if s.Profile != nil {
		p := *s.Profile
		s.Profile = &p
	}
	return s
}

func (r *Resolver) publishLocked() { r.hub.Queue(r.copyLocked()) }
