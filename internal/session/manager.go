// Package session owns the client session: login, logout and startup restore.
package session

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/and161185/kaguchat/internal/api"
	"github.com/and161185/kaguchat/internal/credstore"
	"github.com/and161185/kaguchat/internal/model"
	"github.com/and161185/kaguchat/internal/notify"
)

// State is the validation state of the session.
type State int

const (
	Unvalidated State = iota
	Validating
	Valid
	Invalid
)

func (s State) String() string {
	switch s {
	case Unvalidated:
		return "unvalidated"
	case Validating:
		return "validating"
	case Valid:
		return "valid"
	case Invalid:
		return "invalid"
	default:
		return "unknown"
	}
}

// Snapshot is an immutable view of the session.
type Snapshot struct {
	Credentials model.Credentials
	State       State
	// Epoch increases on every state transition; results fetched under an
	// older epoch are stale.
	Epoch uint64
	// StartupCheckComplete is false until the first restore resolves.
	// Consumers must treat the window before it as unknown.
	StartupCheckComplete bool
	// Rejected is set when the server, not the user, ended the session.
	Rejected bool
}

// Valid reports whether the session may be used for authenticated calls.
func (s Snapshot) Valid() bool { return s.State == Valid }

// AuthService is the remote side of login and token confirmation.
type AuthService interface {
	Login(ctx context.Context, username, password string) (api.LoginResponse, error)
	Me(ctx context.Context) (model.Profile, error)
}

// Messages shown to the user on failed login.
const (
	msgLoginUnexpected = "Login failed due to an unexpected error."
	msgLoginRequired   = "Username and password are required."
)

// Manager is the single owner of session state. Safe for concurrent use.
type Manager struct {
	store credstore.Store
	auth  AuthService
	log   *zap.Logger

	mu             sync.Mutex
	snap           Snapshot
	restoreStarted bool
	hub            notify.Hub[Snapshot]
}

// NewManager constructs a manager in the Unvalidated state.
func NewManager(store credstore.Store, auth AuthService, log *zap.Logger) *Manager {
	if log == nil {
		log = zap.NewNop()
	}
	return &Manager{store: store, auth: auth, log: log}
}

// Snapshot returns the current session view.
func (m *Manager) Snapshot() Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.snap
}

// Credentials implements api.CredentialSource.
func (m *Manager) Credentials() model.Credentials {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.snap.Credentials
}

// Subscribe registers fn for every transition. Calls happen outside the
// manager lock, in transition order; fn may call back into the manager.
func (m *Manager) Subscribe(fn func(Snapshot)) (unsubscribe func()) {
	return m.hub.Subscribe(fn)
}

// Login authenticates and, on success, persists and activates the session.
// Any failure leaves a clean Invalid session. It never returns an error.
func (m *Manager) Login(ctx context.Context, username, password string) model.LoginResult {
	if username == "" || password == "" {
		return model.LoginResult{Error: msgLoginRequired}
	}

	resp, err := m.auth.Login(ctx, username, password)
	if err != nil {
		m.log.Info("login failed", zap.String("username", username), zap.Error(err))
		m.resetLogged(ctx)
		msg := api.ServerMessage(err)
		if msg == "" {
			msg = msgLoginUnexpected
		}
		return model.LoginResult{Error: msg}
	}

	creds := model.NewCredentials(resp.AccessToken, resp.UserID.String(), resp.CSRFToken)

	m.mu.Lock()
	if err := m.store.Save(ctx, creds); err != nil {
		m.mu.Unlock()
		m.log.Error("persist session", zap.Error(err))
		m.resetLogged(ctx)
		return model.LoginResult{Error: msgLoginUnexpected}
	}
	m.transitionLocked(creds, Valid)
	m.mu.Unlock()
	m.drain()

	m.log.Info("logged in", zap.String("user_id", creds.UserID))
	return model.LoginResult{OK: true, UserID: creds.UserID}
}

// Logout clears persisted and in-memory credentials. Idempotent. The session
// is Invalid afterwards even if the store could not be cleared; that failure
// is returned.
func (m *Manager) Logout(ctx context.Context) error {
	return m.reset(ctx)
}

// Invalidate is the forced logout used when the server rejects the
// session. It applies only if epoch is still current and valid.
func (m *Manager) Invalidate(ctx context.Context, epoch uint64) bool {
	m.mu.Lock()
	if m.snap.Epoch != epoch || m.snap.State != Valid {
		m.mu.Unlock()
		return false
	}
	err := m.clearLocked(ctx, true)
	m.mu.Unlock()
	m.drain()
	if err != nil {
		m.log.Error("session rejected but persisted credentials remain", zap.Error(err))
	}
	m.log.Warn("session rejected by server, logged out", zap.Uint64("epoch", epoch))
	return true
}

// RestoreOnStartup reads persisted credentials. If present the session
// becomes Valid at once and is then confirmed with the server; any
// confirmation failure logs out. It blocks until the check resolves and
// runs at most once per manager.
func (m *Manager) RestoreOnStartup(ctx context.Context) Snapshot {
	m.mu.Lock()
	if m.restoreStarted {
		defer m.mu.Unlock()
		return m.snap
	}
	m.restoreStarted = true
	if m.snap.State != Unvalidated {
		// a login or logout already decided the session
		m.completeStartupLocked()
		m.mu.Unlock()
		m.drain()
		return m.Snapshot()
	}
	m.transitionLocked(m.snap.Credentials, Validating)
	m.mu.Unlock()
	m.drain()

	creds := m.store.Load(ctx)

	m.mu.Lock()
	switch {
	case m.snap.State != Validating:
		// a login or logout won the race; it already decided the state
		m.completeStartupLocked()
		m.mu.Unlock()
		m.drain()
		return m.Snapshot()
	case !creds.Present():
		m.snap.StartupCheckComplete = true
		m.transitionLocked(model.Credentials{}, Invalid)
		m.mu.Unlock()
		m.drain()
		return m.Snapshot()
	}
	m.transitionLocked(creds, Valid)
	epoch := m.snap.Epoch
	m.mu.Unlock()
	m.drain()

	_, err := m.auth.Me(ctx)

	m.mu.Lock()
	if err != nil && m.snap.Epoch == epoch {
		if ctx.Err() != nil {
			m.log.Debug("startup check interrupted", zap.Error(err))
		} else {
			m.log.Info("persisted session rejected, logging out", zap.Error(err))
			if cerr := m.clearLocked(ctx, true); cerr != nil {
				m.log.Error("persisted credentials remain after rejection", zap.Error(cerr))
			}
		}
	}
	m.completeStartupLocked()
	m.mu.Unlock()
	m.drain()
	return m.Snapshot()
}

// reset clears the session and persisted state.
func (m *Manager) reset(ctx context.Context) error {
	m.mu.Lock()
	err := m.clearLocked(ctx, false)
	m.mu.Unlock()
	m.drain()
	return err
}

func (m *Manager) resetLogged(ctx context.Context) {
	if err := m.reset(ctx); err != nil {
		m.log.Error("persisted credentials remain after failed login", zap.Error(err))
	}
}

// clearLocked always leaves the in-memory session Invalid and reports a
// store failure.
func (m *Manager) clearLocked(ctx context.Context, rejected bool) error {
	var err error
	if cerr := m.store.Clear(ctx); cerr != nil {
		err = fmt.Errorf("clear persisted session: %w", cerr)
	}
	if m.snap.State == Invalid && !m.snap.Credentials.Present() {
		return err
	}
	m.setLocked(model.Credentials{}, Invalid, rejected)
	return err
}

func (m *Manager) completeStartupLocked() {
	if m.snap.StartupCheckComplete {
		return
	}
	m.snap.StartupCheckComplete = true
	m.hub.Queue(m.snap)
}

// transitionLocked sets credentials and state together and queues a
// notification. Credentials go through NewCredentials so the token/user
// pair is never split.
func (m *Manager) transitionLocked(c model.Credentials, st State) {
	m.setLocked(c, st, false)
}

func (m *Manager) setLocked(c model.Credentials, st State, rejected bool) {
	m.snap.Credentials = model.NewCredentials(c.AccessToken, c.UserID, c.CSRFToken)
	m.snap.State = st
	m.snap.Rejected = rejected
	m.snap.Epoch++
	m.hub.Queue(m.snap)
}

func (m *Manager) drain() { m.hub.Drain() }
