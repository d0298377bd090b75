package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"

	"github.com/basket/go-tracker/internal/model"
)

const authEntity = "auth"

// Login posts credentials to /login. On success the backend sets the
// credential cookie, which the client keeps for later calls.
func (c *Client) Login(ctx context.Context, creds model.Credentials) (model.User, error) {
	return c.authenticate(ctx, "/login", creds)
}

// Register creates an account via /register and signs it in.
func (c *Client) Register(ctx context.Context, creds model.Credentials) (model.User, error) {
	return c.authenticate(ctx, "/register", creds)
}

func (c *Client) authenticate(ctx context.Context, path string, creds model.Credentials) (model.User, error) {
	cl := call{entity: authEntity, method: http.MethodPost, path: path, body: creds}
	raw, err := c.do(ctx, cl)
	if err != nil {
		return model.User{}, err
	}
	var user model.User
	if err := c.decode(cl.op(), schemaUser, raw, &user); err != nil {
		return model.User{}, err
	}
	return user, nil
}

// Verify asks the backend who the held credential belongs to. ok is false when
// the backend answers with its "no session" marker (a payload carrying a
// message, or no user id at all).
func (c *Client) Verify(ctx context.Context) (model.User, bool, error) {
	cl := call{entity: authEntity, method: http.MethodGet, path: "/verify"}
	raw, err := c.do(ctx, cl)
	if err != nil {
		return model.User{}, false, err
	}
	if noSession(raw) {
		return model.User{}, false, nil
	}
	var user model.User
	if err := c.decode(cl.op(), schemaUser, raw, &user); err != nil {
		return model.User{}, false, err
	}
	return user, true, nil
}

// Logout calls the sign-out endpoint. Local credentials are left alone; the
// caller decides when to drop them.
func (c *Client) Logout(ctx context.Context) error {
	_, err := c.do(ctx, call{entity: authEntity, method: http.MethodPost, path: "/logout"})
	return err
}

func noSession(raw []byte) bool {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return true
	}
	var probe struct {
		ID      string `json:"_id"`
		Message string `json:"message"`
	}
	if err := json.Unmarshal(trimmed, &probe); err != nil {
		return false
	}
	return probe.Message != "" || probe.ID == ""
}
