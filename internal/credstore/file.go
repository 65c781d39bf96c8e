package credstore

import (
	"context"
	"encoding/json"
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"go.uber.org/zap"

	"github.com/and161185/kaguchat/internal/crypto/clientcrypto"
	"github.com/and161185/kaguchat/internal/model"
)

const fileName = "credentials.json"

var sealAAD = []byte("kaguchat/credentials/v1")

type fileRecord struct {
	AccessToken string     `json:"access_token,omitempty"`
	UserID      string     `json:"user_id,omitempty"`
	CSRFToken   string     `json:"csrf_token,omitempty"`
	ExpiresAt   *time.Time `json:"expires_at,omitempty"` // diagnostics only
	SavedAt     time.Time  `json:"saved_at"`
}

type sealedRecord struct {
	Salt   []byte `json:"salt"`
	Sealed []byte `json:"sealed"`
}

// FileStore keeps credentials in a JSON file, optionally sealed with a passphrase.
type FileStore struct {
	dir        string
	passphrase []byte
	log        *zap.Logger
	now        func() time.Time
}

// FileOption configures a FileStore.
type FileOption func(*FileStore)

// WithPassphrase seals the file at rest.
func WithPassphrase(p string) FileOption {
	return func(s *FileStore) {
		if p != "" {
			s.passphrase = []byte(p)
		}
	}
}

// WithFileLogger sets the logger.
func WithFileLogger(l *zap.Logger) FileOption { return func(s *FileStore) { s.log = l } }

// NewFile constructs a file store rooted at dir.
func NewFile(dir string, opts ...FileOption) *FileStore {
	s := &FileStore{dir: dir, log: zap.NewNop(), now: time.Now}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Path returns the credentials file path.
func (s *FileStore) Path() string { return filepath.Join(s.dir, fileName) }

// Save writes the record atomically (temp file + rename).
func (s *FileStore) Save(_ context.Context, c model.Credentials) error {
	c = model.NewCredentials(c.AccessToken, c.UserID, c.CSRFToken)
	rec := fileRecord{AccessToken: c.AccessToken, UserID: c.UserID, CSRFToken: c.CSRFToken, SavedAt: s.now().UTC()}
	if exp, ok := tokenExpiry(c.AccessToken); ok {
		rec.ExpiresAt = &exp
	}
	data, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		return err
	}
	if s.passphrase != nil {
		if data, err = s.seal(data); err != nil {
			return err
		}
	}
	if err := os.MkdirAll(s.dir, 0o700); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(s.dir, fileName+".*")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return err
	}
	if err := tmp.Chmod(0o600); err != nil {
		_ = tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), s.Path())
}

// Load never fails; anything unusable is reported as no session.
func (s *FileStore) Load(_ context.Context) model.Credentials {
	b, err := os.ReadFile(s.Path())
	if err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			s.log.Debug("credentials unreadable", zap.Error(err))
		}
		return model.Credentials{}
	}

	var sealed sealedRecord
	if json.Unmarshal(b, &sealed) == nil && len(sealed.Sealed) > 0 {
		if s.passphrase == nil {
			s.log.Debug("credentials are sealed but no passphrase configured")
			return model.Credentials{}
		}
		key := clientcrypto.DeriveKey(s.passphrase, sealed.Salt)
		if b, err = clientcrypto.Open(key, sealAAD, sealed.Sealed); err != nil {
			s.log.Debug("credentials cannot be opened", zap.Error(err))
			return model.Credentials{}
		}
	}

	var rec fileRecord
	if err := json.Unmarshal(b, &rec); err != nil {
		s.log.Debug("credentials corrupt", zap.Error(err))
		return model.Credentials{}
	}
	if expired(rec.AccessToken, s.now()) {
		s.log.Debug("persisted token expired")
		return model.Credentials{}
	}
	return model.NewCredentials(rec.AccessToken, rec.UserID, rec.CSRFToken)
}

// Clear removes the file; a missing file is success.
func (s *FileStore) Clear(_ context.Context) error {
	err := os.Remove(s.Path())
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	return nil
}

func (s *FileStore) seal(plain []byte) ([]byte, error) {
	salt, err := clientcrypto.Rand(clientcrypto.SaltLen)
	if err != nil {
		return nil, err
	}
	ct, err := clientcrypto.Seal(clientcrypto.DeriveKey(s.passphrase, salt), sealAAD, plain)
	if err != nil {
		return nil, err
	}
	return json.Marshal(sealedRecord{Salt: salt, Sealed: ct})
}
