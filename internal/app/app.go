// Package app wires the client components together.
package app

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"

	"go.uber.org/zap"

	"github.com/and161185/kaguchat/internal/api"
	"github.com/and161185/kaguchat/internal/chat"
	"github.com/and161185/kaguchat/internal/config"
	"github.com/and161185/kaguchat/internal/credstore"
	"github.com/and161185/kaguchat/internal/migrate"
	"github.com/and161185/kaguchat/internal/model"
	"github.com/and161185/kaguchat/internal/profile"
	"github.com/and161185/kaguchat/internal/session"
)

// App holds one wired client: a single session, its profile and the
// dependent gateways. Nothing here is global; tests build as many as they
// need.
type App struct {
	Config   config.Config
	Log      *zap.Logger
	API      *api.Client
	Session  *session.Manager
	Profile  *profile.Resolver
	Contacts *chat.Contacts
	Messages *chat.Messages

	store    credstore.Store
	closeFns []func()
}

// New builds the store, API client and state owners from cfg.
func New(ctx context.Context, cfg config.Config, log *zap.Logger) (*App, error) {
	if log == nil {
		log = zap.NewNop()
	}
	store, closeStore, err := openStore(ctx, cfg, log)
	if err != nil {
		return nil, err
	}
	return build(cfg, store, closeStore, log, api.WithTimeout(cfg.Timeout)), nil
}

// NewWithStore wires an app around an existing store; extra options are
// passed to the API client.
func NewWithStore(cfg config.Config, store credstore.Store, log *zap.Logger, opts ...api.Option) *App {
	if log == nil {
		log = zap.NewNop()
	}
	return build(cfg, store, nil, log, opts...)
}

func build(cfg config.Config, store credstore.Store, closeStore func(), log *zap.Logger, opts ...api.Option) *App {
	a := &App{Config: cfg, Log: log, store: store}
	if closeStore != nil {
		a.closeFns = append(a.closeFns, closeStore)
	}

	// The client reads credentials from the manager at call time; the
	// manager needs the client for login. The closure breaks the cycle.
	creds := api.CredentialFunc(func() model.Credentials {
		if a.Session == nil {
			return model.Credentials{}
		}
		return a.Session.Credentials()
	})
	opts = append([]api.Option{api.WithCredentials(creds), api.WithLogger(log.Named("api"))}, opts...)
	a.API = api.New(cfg.BaseURL, opts...)

	a.Session = session.NewManager(store, a.API, log.Named("session"))
	a.Profile = profile.NewResolver(a.Session, a.API, log.Named("profile"))
	a.Contacts = chat.NewContacts(a.Profile, a.Session, a.API, log.Named("contacts"))
	a.Messages = chat.NewMessages(a.Profile, a.Session, a.API, log.Named("messages"))

	a.Contacts.Start()
	a.Messages.Start()
	a.Profile.Start()
	a.closeFns = append(a.closeFns, a.Profile.Stop, a.Messages.Stop, a.Contacts.Stop)
	return a
}

func openStore(ctx context.Context, cfg config.Config, log *zap.Logger) (credstore.Store, func(), error) {
	switch strings.ToLower(cfg.Store) {
	case config.StoreMemory:
		return credstore.NewMemory(), nil, nil
	case config.StorePostgres:
		if err := migrate.Up(ctx, cfg.DSN, log.Named("migrate")); err != nil {
			return nil, nil, err
		}
		s, err := credstore.NewPG(ctx, cfg.DSN, cfg.Profile, log.Named("credstore"))
		if err != nil {
			return nil, nil, fmt.Errorf("open credential db: %w", err)
		}
		return s, s.Close, nil
	case config.StoreFile, "":
		opts := []credstore.FileOption{credstore.WithFileLogger(log.Named("credstore"))}
		if cfg.Passphrase != "" {
			opts = append(opts, credstore.WithPassphrase(cfg.Passphrase))
		}
		dir := cfg.StateDir
		if cfg.Profile != "" && cfg.Profile != "default" {
			dir = filepath.Join(dir, "profiles", cfg.Profile)
		}
		return credstore.NewFile(dir, opts...), nil, nil
	default:
		return nil, nil, fmt.Errorf("unknown store %q", cfg.Store)
	}
}

// Start restores the persisted session. It blocks until the server has
// confirmed or rejected it.
func (a *App) Start(ctx context.Context) session.Snapshot {
	return a.Session.RestoreOnStartup(ctx)
}

// Close stops the background followers and releases the store.
func (a *App) Close() {
	for _, fn := range a.closeFns {
		fn()
	}
	a.closeFns = nil
}
