package api

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"

	"github.com/and161185/kaguchat/internal/errs"
	"github.com/and161185/kaguchat/internal/model"
)

// LoginResponse is the 2xx body of POST /api/auth/login.
type LoginResponse struct {
	AccessToken string   `json:"access_token"`
	UserID      model.ID `json:"user_id"`
	CSRFToken   string   `json:"csrf_token,omitempty"`
}

// Login exchanges username/password for session tokens.
func (c *Client) Login(ctx context.Context, username, password string) (LoginResponse, error) {
	body, err := jsonBody(map[string]string{"username": username, "password": password})
	if err != nil {
		return LoginResponse{}, err
	}
	var out LoginResponse
	if _, err := c.do(ctx, request{
		method:      http.MethodPost,
		path:        "/api/auth/login",
		body:        body,
		contentType: "application/json",
	}, &out); err != nil {
		return LoginResponse{}, err
	}
	if out.AccessToken == "" || out.UserID == "" {
		return LoginResponse{}, fmt.Errorf("login: %w: missing access_token/user_id", errs.ErrMalformed)
	}
	return out, nil
}

// Me returns the profile of the user the current token belongs to.
func (c *Client) Me(ctx context.Context) (model.Profile, error) {
	var p model.Profile
	if _, err := c.do(ctx, request{method: http.MethodGet, path: "/api/auth/me", auth: true}, &p); err != nil {
		return model.Profile{}, err
	}
	if p.UserID == "" {
		return model.Profile{}, fmt.Errorf("me: %w: missing user_id", errs.ErrMalformed)
	}
	return p, nil
}

// SignupRequest is the multipart form of POST /api/auth/signup.
type SignupRequest struct {
	Username   string
	Password   string
	Phone      string
	Nickname   string
	Avatar     io.Reader // optional
	AvatarName string
}

// Signup registers a new account and returns the server message.
func (c *Client) Signup(ctx context.Context, in SignupRequest) (string, error) {
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	fields := [][2]string{
		{"username", in.Username},
		{"password", in.Password},
		{"phone", in.Phone},
		{"nickname", in.Nickname},
	}
	for _, f := range fields {
		if err := mw.WriteField(f[0], f[1]); err != nil {
			return "", err
		}
	}
	if in.Avatar != nil {
		fw, err := mw.CreateFormFile("avatar", in.AvatarName)
		if err != nil {
			return "", err
		}
		if _, err := io.Copy(fw, in.Avatar); err != nil {
			return "", err
		}
	}
	if err := mw.Close(); err != nil {
		return "", err
	}

	var out struct {
		Msg string `json:"msg"`
	}
	status, err := c.do(ctx, request{
		method:      http.MethodPost,
		path:        "/api/auth/signup",
		body:        &buf,
		contentType: mw.FormDataContentType(),
	}, &out)
	if err != nil {
		return "", err
	}
	if status != http.StatusCreated {
		return "", &APIError{Status: status, Msg: out.Msg}
	}
	return out.Msg, nil
}
