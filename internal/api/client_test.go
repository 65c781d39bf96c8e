package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/and161185/kaguchat/internal/errs"
	"github.com/and161185/kaguchat/internal/model"
)

func newTestClient(t *testing.T, h http.HandlerFunc, creds *model.Credentials) *Client {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	opts := []Option{WithLogger(zaptest.NewLogger(t)), WithTimeout(2 * time.Second)}
	if creds != nil {
		opts = append(opts, WithCredentials(CredentialFunc(func() model.Credentials { return *creds })))
	}
	return New(srv.URL+"/", opts...)
}

func TestLogin_OK_NumericUserID(t *testing.T) {
	t.Parallel()

	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPost, r.Method)
		require.Equal(t, "/api/auth/login", r.URL.Path)
		require.Empty(t, r.Header.Get(HeaderAuthorization))
		var in map[string]string
		require.NoError(t, json.NewDecoder(r.Body).Decode(&in))
		require.Equal(t, "alice", in["username"])
		require.Equal(t, "pw", in["password"])
		_, _ = io.WriteString(w, `{"access_token":"T","user_id":42,"csrf_token":"C"}`)
	}, nil)

	out, err := c.Login(context.Background(), "alice", "pw")
	require.NoError(t, err)
	require.Equal(t, "T", out.AccessToken)
	require.Equal(t, model.ID("42"), out.UserID)
	require.Equal(t, "C", out.CSRFToken)
}

func TestLogin_ErrorMessageAndMalformed(t *testing.T) {
	t.Parallel()

	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		_, _ = io.WriteString(w, `{"msg":"Bad username or password"}`)
	}, nil)
	_, err := c.Login(context.Background(), "a", "b")
	require.Error(t, err)
	require.Equal(t, "Bad username or password", ServerMessage(err))

	c = newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, `{"access_token":""}`)
	}, nil)
	_, err = c.Login(context.Background(), "a", "b")
	require.ErrorIs(t, err, errs.ErrMalformed)

	c = newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, `not json`)
	}, nil)
	_, err = c.Login(context.Background(), "a", "b")
	require.ErrorIs(t, err, errs.ErrMalformed)
}

func TestAuthenticatedRequest_HeadersReadAtCallTime(t *testing.T) {
	t.Parallel()

	creds := model.Credentials{AccessToken: "t1", UserID: "u"}
	var gotAuth, gotCSRF []string
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		gotAuth = append(gotAuth, r.Header.Get(HeaderAuthorization))
		gotCSRF = append(gotCSRF, r.Header.Get(HeaderCSRF))
		_, _ = io.WriteString(w, `{"user_id":"u","username":"alice"}`)
	}, &creds)

	_, err := c.Me(context.Background())
	require.NoError(t, err)

	creds = model.Credentials{AccessToken: "t2", UserID: "u", CSRFToken: "x"}
	_, err = c.Me(context.Background())
	require.NoError(t, err)

	require.Equal(t, []string{"Bearer t1", "Bearer t2"}, gotAuth)
	require.Equal(t, []string{"", "x"}, gotCSRF)
}

func TestErrorTaxonomy(t *testing.T) {
	t.Parallel()

	cases := []struct {
		status int
		want   error
	}{
		{http.StatusUnauthorized, errs.ErrUnauthorized},
		{http.StatusUnprocessableEntity, errs.ErrUnauthorized},
		{http.StatusInternalServerError, errs.ErrTransient},
		{http.StatusBadGateway, errs.ErrTransient},
	}
	for _, tc := range cases {
		status := tc.status
		c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(status)
			_, _ = io.WriteString(w, `{"error":"boom"}`)
		}, &model.Credentials{AccessToken: "t", UserID: "u"})
		_, err := c.Contacts(context.Background())
		require.ErrorIs(t, err, tc.want, "status %d", status)
		require.Equal(t, "boom", ServerMessage(err))
	}

	// 400 is neither session-invalid nor transient
	ae := &APIError{Status: http.StatusBadRequest}
	require.False(t, errors.Is(ae, errs.ErrUnauthorized))
	require.False(t, errors.Is(ae, errs.ErrTransient))
}

func TestNetworkErrorIsTransient(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	c := New(url, WithLogger(zaptest.NewLogger(t)))
	_, err := c.Me(context.Background())
	require.ErrorIs(t, err, errs.ErrTransient)
	require.False(t, errs.IsSessionInvalid(err))
}

func TestMessages_PathAndDecode(t *testing.T) {
	t.Parallel()

	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/api/chat/messages/group/7", r.URL.Path)
		_, _ = io.WriteString(w, `{"messages":[{"id":1,"sender_id":3,"content":"hi","sent_at":"09:30"}]}`)
	}, &model.Credentials{AccessToken: "t", UserID: "3"})

	msgs, err := c.Messages(context.Background(), model.ContactGroup, "7")
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	require.Equal(t, model.ID("3"), msgs[0].SenderID)
	require.Equal(t, 9, msgs[0].SentAt.Hour())

	_, err = c.Messages(context.Background(), "channel", "7")
	require.ErrorIs(t, err, errs.ErrValidation)
}

func TestContacts_EmptyList(t *testing.T) {
	t.Parallel()

	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, `{}`)
	}, &model.Credentials{AccessToken: "t", UserID: "u"})
	list, err := c.Contacts(context.Background())
	require.NoError(t, err)
	require.NotNil(t, list)
	require.Empty(t, list)
}

func TestSignup_Multipart(t *testing.T) {
	t.Parallel()

	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		require.True(t, strings.HasPrefix(r.Header.Get("Content-Type"), "multipart/form-data"))
		require.NoError(t, r.ParseMultipartForm(1<<20))
		require.Equal(t, "bob", r.FormValue("username"))
		require.Equal(t, "13800000000", r.FormValue("phone"))
		f, hdr, err := r.FormFile("avatar")
		require.NoError(t, err)
		defer f.Close()
		require.Equal(t, "a.png", hdr.Filename)
		w.WriteHeader(http.StatusCreated)
		_, _ = io.WriteString(w, `{"msg":"User created"}`)
	}, nil)

	msg, err := c.Signup(context.Background(), SignupRequest{
		Username: "bob", Password: "pw", Phone: "13800000000", Nickname: "bob",
		Avatar: strings.NewReader("png"), AvatarName: "a.png",
	})
	require.NoError(t, err)
	require.Equal(t, "User created", msg)
}
