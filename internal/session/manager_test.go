package session

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/and161185/kaguchat/internal/api"
	"github.com/and161185/kaguchat/internal/credstore"
	"github.com/and161185/kaguchat/internal/errs"
	"github.com/and161185/kaguchat/internal/model"
)

type fakeAuth struct {
	mu sync.Mutex

	loginResp api.LoginResponse
	loginErr  error

	meErr   error
	meGate  chan struct{} // when set, Me blocks until closed
	meCalls int
}

var _ AuthService = (*fakeAuth)(nil)

func (f *fakeAuth) Login(context.Context, string, string) (api.LoginResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.loginResp, f.loginErr
}

func (f *fakeAuth) Me(ctx context.Context) (model.Profile, error) {
	f.mu.Lock()
	f.meCalls++
	gate, err := f.meGate, f.meErr
	f.mu.Unlock()
	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return model.Profile{}, ctx.Err()
		}
	}
	if err != nil {
		return model.Profile{}, err
	}
	return model.Profile{UserID: "u", Username: "alice"}, nil
}

// recorder captures every snapshot and checks the token/user pairing.
type recorder struct {
	t    *testing.T
	mu   sync.Mutex
	seen []Snapshot
}

func record(t *testing.T, m *Manager) *recorder {
	r := &recorder{t: t}
	unsub := m.Subscribe(func(s Snapshot) {
		if (s.Credentials.AccessToken == "") != (s.Credentials.UserID == "") {
			t.Errorf("mixed credentials observed: %+v", s.Credentials)
		}
		r.mu.Lock()
		r.seen = append(r.seen, s)
		r.mu.Unlock()
	})
	t.Cleanup(unsub)
	return r
}

func (r *recorder) states() []State {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]State, 0, len(r.seen))
	for _, s := range r.seen {
		out = append(out, s.State)
	}
	return out
}

func newManager(t *testing.T, auth *fakeAuth) (*Manager, *credstore.MemoryStore) {
	t.Helper()
	store := credstore.NewMemory()
	return NewManager(store, auth, zaptest.NewLogger(t)), store
}

func TestLogin_Success_PersistsAndValid(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	auth := &fakeAuth{loginResp: api.LoginResponse{AccessToken: "t", UserID: "42", CSRFToken: "c"}}
	m, store := newManager(t, auth)
	rec := record(t, m)

	res := m.Login(ctx, "alice", "pw")
	require.True(t, res.OK)
	require.Equal(t, "42", res.UserID)

	snap := m.Snapshot()
	require.Equal(t, Valid, snap.State)
	require.Equal(t, model.Credentials{AccessToken: "t", UserID: "42", CSRFToken: "c"}, snap.Credentials)
	require.Equal(t, snap.Credentials, store.Load(ctx))
	require.Equal(t, snap.Credentials, m.Credentials())
	require.Equal(t, []State{Valid}, rec.states())
}

func TestLogin_Failure_ClearsPriorSession(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	auth := &fakeAuth{loginResp: api.LoginResponse{AccessToken: "t", UserID: "1"}}
	m, store := newManager(t, auth)
	require.True(t, m.Login(ctx, "alice", "pw").OK)

	auth.mu.Lock()
	auth.loginErr = &api.APIError{Status: http.StatusUnauthorized, Msg: "Bad username or password"}
	auth.mu.Unlock()

	res := m.Login(ctx, "alice", "wrong")
	require.False(t, res.OK)
	require.Equal(t, "Bad username or password", res.Error)
	require.Equal(t, Invalid, m.Snapshot().State)
	require.False(t, m.Snapshot().Credentials.Present())
	require.False(t, store.Load(ctx).Present())
}

func TestLogin_NetworkError_GenericMessage(t *testing.T) {
	t.Parallel()
	auth := &fakeAuth{loginErr: errs.ErrTransient}
	m, _ := newManager(t, auth)

	res := m.Login(context.Background(), "alice", "pw")
	require.False(t, res.OK)
	require.Equal(t, msgLoginUnexpected, res.Error)
	require.Equal(t, Invalid, m.Snapshot().State)
}

func TestLogin_EmptyFields_NoNetworkNoStateChange(t *testing.T) {
	t.Parallel()
	auth := &fakeAuth{loginErr: errors.New("must not be called")}
	m, _ := newManager(t, auth)

	res := m.Login(context.Background(), "", "pw")
	require.False(t, res.OK)
	require.Equal(t, msgLoginRequired, res.Error)
	require.Equal(t, Unvalidated, m.Snapshot().State)
}

func TestLogout_Idempotent(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	auth := &fakeAuth{loginResp: api.LoginResponse{AccessToken: "t", UserID: "1"}}
	m, store := newManager(t, auth)
	require.True(t, m.Login(ctx, "a", "b").OK)
	rec := record(t, m)

	require.NoError(t, m.Logout(ctx))
	once := m.Snapshot()
	require.NoError(t, m.Logout(ctx))
	twice := m.Snapshot()

	require.Equal(t, once, twice)
	require.Equal(t, Invalid, twice.State)
	require.False(t, twice.Rejected)
	require.False(t, store.Load(ctx).Present())
	require.Equal(t, []State{Invalid}, rec.states(), "second logout must not notify")
}

// stickyStore keeps its credentials however often Clear is called.
type stickyStore struct {
	*credstore.MemoryStore
}

var errStuck = errors.New("read-only filesystem")

func (stickyStore) Clear(context.Context) error { return errStuck }

func TestLogout_ReportsStoreClearFailure(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	store := stickyStore{credstore.NewMemory()}
	auth := &fakeAuth{loginResp: api.LoginResponse{AccessToken: "t", UserID: "u"}}
	m := NewManager(store, auth, zaptest.NewLogger(t))
	require.True(t, m.Login(ctx, "a", "b").OK)

	err := m.Logout(ctx)
	require.ErrorIs(t, err, errStuck)
	require.Equal(t, Invalid, m.Snapshot().State, "memory is cleared even when the store is not")
	require.False(t, m.Snapshot().Credentials.Present())
	require.True(t, store.Load(ctx).Present())

	require.ErrorIs(t, m.Logout(ctx), errStuck, "a retry reports the same failure")
}

func TestRestore_AfterLoginKeepsSession(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	auth := &fakeAuth{loginResp: api.LoginResponse{AccessToken: "t", UserID: "u"}}
	m, _ := newManager(t, auth)
	rec := record(t, m)

	require.True(t, m.Login(ctx, "a", "b").OK)
	epoch := m.Snapshot().Epoch

	snap := m.RestoreOnStartup(ctx)
	require.Equal(t, Valid, snap.State)
	require.True(t, snap.StartupCheckComplete)
	require.Equal(t, epoch, snap.Epoch)
	require.Zero(t, auth.meCalls)
	require.Equal(t, []State{Valid, Valid}, rec.states())
}

func TestRestore_ConfirmedSession(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	m, store := newManager(t, &fakeAuth{})
	require.NoError(t, store.Save(ctx, model.Credentials{AccessToken: "t", UserID: "u"}))
	rec := record(t, m)

	snap := m.RestoreOnStartup(ctx)
	require.Equal(t, Valid, snap.State)
	require.True(t, snap.StartupCheckComplete)
	require.Equal(t, "t", snap.Credentials.AccessToken)
	require.Equal(t, []State{Validating, Valid, Valid}, rec.states())
}

func TestRestore_RejectedSession(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	m, store := newManager(t, &fakeAuth{meErr: &api.APIError{Status: http.StatusUnauthorized}})
	require.NoError(t, store.Save(ctx, model.Credentials{AccessToken: "t", UserID: "u"}))

	snap := m.RestoreOnStartup(ctx)
	require.Equal(t, Invalid, snap.State)
	require.True(t, snap.StartupCheckComplete)
	require.True(t, snap.Rejected)
	require.False(t, store.Load(ctx).Present())
}

func TestRestore_NetworkErrorLogsOut(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	m, store := newManager(t, &fakeAuth{meErr: errs.ErrTransient})
	require.NoError(t, store.Save(ctx, model.Credentials{AccessToken: "t", UserID: "u"}))

	require.Equal(t, Invalid, m.RestoreOnStartup(ctx).State)
}

func TestRestore_NothingPersisted(t *testing.T) {
	t.Parallel()
	auth := &fakeAuth{}
	m, _ := newManager(t, auth)

	snap := m.RestoreOnStartup(context.Background())
	require.Equal(t, Invalid, snap.State)
	require.True(t, snap.StartupCheckComplete)
	require.Zero(t, auth.meCalls)
}

func TestRestore_OptimisticValidBeforeConfirmation(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	auth := &fakeAuth{meGate: make(chan struct{})}
	m, store := newManager(t, auth)
	require.NoError(t, store.Save(ctx, model.Credentials{AccessToken: "t", UserID: "u"}))

	validSeen := make(chan Snapshot, 1)
	m.Subscribe(func(s Snapshot) {
		if s.State == Valid && !s.StartupCheckComplete {
			validSeen <- s
		}
	})

	done := make(chan Snapshot)
	go func() { done <- m.RestoreOnStartup(ctx) }()

	s := <-validSeen
	require.False(t, m.Snapshot().StartupCheckComplete)
	require.Equal(t, "t", s.Credentials.AccessToken)

	close(auth.meGate)
	final := <-done
	require.Equal(t, Valid, final.State)
	require.True(t, final.StartupCheckComplete)
}

func TestRestore_RunsOnce(t *testing.T) {
	t.Parallel()
	auth := &fakeAuth{}
	m, store := newManager(t, auth)
	require.NoError(t, store.Save(context.Background(), model.Credentials{AccessToken: "t", UserID: "u"}))

	m.RestoreOnStartup(context.Background())
	m.RestoreOnStartup(context.Background())
	require.Equal(t, 1, auth.meCalls)
}

func TestInvalidate_OnlyCurrentEpoch(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	auth := &fakeAuth{loginResp: api.LoginResponse{AccessToken: "t", UserID: "1"}}
	m, store := newManager(t, auth)

	require.True(t, m.Login(ctx, "a", "b").OK)
	stale := m.Snapshot().Epoch
	require.True(t, m.Login(ctx, "a", "b").OK)

	require.False(t, m.Invalidate(ctx, stale), "stale epoch must not log out a newer session")
	require.Equal(t, Valid, m.Snapshot().State)

	require.True(t, m.Invalidate(ctx, m.Snapshot().Epoch))
	require.Equal(t, Invalid, m.Snapshot().State)
	require.True(t, m.Snapshot().Rejected)
	require.False(t, store.Load(ctx).Present())
}

func TestListenerMayCallBack(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	auth := &fakeAuth{loginResp: api.LoginResponse{AccessToken: "t", UserID: "1"}}
	m, _ := newManager(t, auth)
	rec := record(t, m)

	// a listener that logs out on every valid session
	m.Subscribe(func(s Snapshot) {
		if s.Valid() {
			m.Invalidate(ctx, s.Epoch)
		}
	})

	require.True(t, m.Login(ctx, "a", "b").OK)
	require.Equal(t, Invalid, m.Snapshot().State)
	require.Equal(t, []State{Valid, Invalid}, rec.states())
}

func TestConcurrentLoginLogout_NeverMixed(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	auth := &fakeAuth{loginResp: api.LoginResponse{AccessToken: "t", UserID: "1"}}
	m, _ := newManager(t, auth)
	record(t, m)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				m.Login(ctx, "a", "b")
			}
		}()
		go func() {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				_ = m.Logout(ctx)
				c := m.Credentials()
				if (c.AccessToken == "") != (c.UserID == "") {
					t.Errorf("mixed credentials: %+v", c)
				}
			}
		}()
	}
	wg.Wait()
}

func TestStateString(t *testing.T) {
	t.Parallel()
	require.Equal(t, "valid", Valid.String())
	require.Equal(t, "unknown", State(99).String())
}
