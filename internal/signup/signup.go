// Package signup validates and submits the registration form.
package signup

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/gabriel-vasile/mimetype"
	"go.uber.org/zap"

	"github.com/and161185/kaguchat/internal/api"
	"github.com/and161185/kaguchat/internal/errs"
)

// MaxAvatarSize is the largest avatar accepted.
const MaxAvatarSize = 16 << 20

const (
	msgSuccess = "Registration successful!"
	msgFailed  = "Registration failed. Please try again later."
)

var avatarTypes = []string{"image/png", "image/jpeg", "image/gif"}

// Form is the registration input.
type Form struct {
	Username   string
	Password   string
	Confirm    string
	Phone      string
	Nickname   string // defaults to Username
	AvatarPath string // optional
}

// Error is a form problem found before any request is made.
type Error struct{ Msg string }

func (e *Error) Error() string { return e.Msg }

// Unwrap maps every form problem to errs.ErrValidation.
func (e *Error) Unwrap() error { return errs.ErrValidation }

func invalid(msg string) error { return &Error{Msg: msg} }

// Validate checks the form without touching the network or the avatar
// content beyond its header.
func (f Form) Validate() error {
	switch {
	case strings.TrimSpace(f.Username) == "" || f.Password == "":
		return invalid("Username and password are required.")
	case f.Password != f.Confirm:
		return invalid("Passwords do not match.")
	case !elevenDigits(f.Phone):
		return invalid("Phone number must be 11 digits.")
	}
	if f.AvatarPath != "" {
		fh, err := os.Open(f.AvatarPath)
		if err != nil {
			return invalid("Cannot read avatar file.")
		}
		defer fh.Close()
		return checkAvatar(fh)
	}
	return nil
}

func elevenDigits(s string) bool {
	if len(s) != 11 {
		return false
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}

func checkAvatar(fh *os.File) error {
	fi, err := fh.Stat()
	if err != nil {
		return invalid("Cannot read avatar file.")
	}
	if fi.Size() > MaxAvatarSize {
		return invalid("File is too large. Maximum size is 16MB.")
	}
	mt, err := mimetype.DetectReader(fh)
	if err != nil {
		return invalid("Cannot read avatar file.")
	}
	if !allowedAvatar(mt) {
		return invalid("Invalid file type. Only PNG, JPG, GIF are allowed.")
	}
	return nil
}

func allowedAvatar(mt *mimetype.MIME) bool {
	for _, t := range avatarTypes {
		if mt.Is(t) {
			return true
		}
	}
	return false
}

// Registrar submits a registration.
type Registrar interface {
	Signup(ctx context.Context, in api.SignupRequest) (string, error)
}

// Register validates f and submits it. The returned string is the message
// to show on success; use Message for the text of a failure. The session is
// not touched: a new account still has to log in.
func Register(ctx context.Context, r Registrar, f Form, log *zap.Logger) (string, error) {
	if log == nil {
		log = zap.NewNop()
	}
	if err := f.Validate(); err != nil {
		return "", err
	}

	req := api.SignupRequest{
		Username: strings.TrimSpace(f.Username),
		Password: f.Password,
		Phone:    f.Phone,
		Nickname: f.Nickname,
	}
	if req.Nickname == "" {
		req.Nickname = req.Username
	}
	if f.AvatarPath != "" {
		fh, err := os.Open(f.AvatarPath)
		if err != nil {
			return "", invalid("Cannot read avatar file.")
		}
		defer fh.Close()
		req.Avatar = fh
		req.AvatarName = filepath.Base(f.AvatarPath)
	}

	msg, err := r.Signup(ctx, req)
	if err != nil {
		log.Info("signup failed", zap.String("username", req.Username), zap.Error(err))
		return "", fmt.Errorf("signup: %w", err)
	}
	log.Info("signed up", zap.String("username", req.Username))
	if msg == "" {
		msg = msgSuccess
	}
	return msg, nil
}

// Message returns the display text of a Register error.
func Message(err error) string {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Msg
	}
	if m := api.ServerMessage(err); m != "" {
		return m
	}
	return msgFailed
}
