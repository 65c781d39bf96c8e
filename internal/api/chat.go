package api

import (
	"context"
	"fmt"
	"net/http"
	"net/url"

	"github.com/and161185/kaguchat/internal/errs"
	"github.com/and161185/kaguchat/internal/model"
)

// Contacts lists the contacts of the authenticated user.
func (c *Client) Contacts(ctx context.Context) ([]model.Contact, error) {
	var out struct {
		Contacts []model.Contact `json:"contacts"`
	}
	if _, err := c.do(ctx, request{method: http.MethodGet, path: "/api/chat/contacts", auth: true}, &out); err != nil {
		return nil, err
	}
	if out.Contacts == nil {
		return []model.Contact{}, nil
	}
	return out.Contacts, nil
}

// Messages lists the thread with a friend or group, oldest first.
func (c *Client) Messages(ctx context.Context, typ model.ContactType, contactID model.ID) ([]model.Message, error) {
	if !typ.Valid() {
		return nil, fmt.Errorf("%w: contact type %q", errs.ErrValidation, typ)
	}
	if contactID == "" {
		return nil, fmt.Errorf("%w: empty contact id", errs.ErrValidation)
	}
	path := "/api/chat/messages/" + url.PathEscape(string(typ)) + "/" + url.PathEscape(string(contactID))

	var out struct {
		Messages []model.Message `json:"messages"`
	}
	if _, err := c.do(ctx, request{method: http.MethodGet, path: path, auth: true}, &out); err != nil {
		return nil, err
	}
	if out.Messages == nil {
		return []model.Message{}, nil
	}
	return out.Messages, nil
}
