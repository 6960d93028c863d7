package webcom

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
)

// ErrNoAuth is returned when the backend cannot manage sessions.
var ErrNoAuth = errors.New("backend does not support authentication")

// resumer is implemented by backends that can restore a session token.
type resumer interface {
	Become(ctx context.Context, token string) (*User, error)
}

// Signup creates an account and logs it in.
func (c *Client) Signup(ctx context.Context, username, email, password string) (*Session, error) {
	auth, ok := c.backend.(Authenticator)
	if !ok {
		return nil, ErrNoAuth
	}
	u, err := auth.SignUp(ctx, username, email, password)
	if err != nil {
		return nil, fmt.Errorf("signup: %w", err)
	}
	return c.startSession(u)
}

// Login authenticates and switches the client to that user.
func (c *Client) Login(ctx context.Context, username, password string) (*Session, error) {
	auth, ok := c.backend.(Authenticator)
	if !ok {
		return nil, ErrNoAuth
	}
	u, err := auth.LogIn(ctx, username, password)
	if err != nil {
		return nil, fmt.Errorf("login: %w", err)
	}
	return c.startSession(u)
}

// Logout ends the session. The user's cache is kept for the next login.
func (c *Client) Logout(ctx context.Context) error {
	if auth, ok := c.backend.(Authenticator); ok {
		if err := auth.LogOut(ctx); err != nil {
			c.logger.Warn("remote logout failed", "error", err)
		}
	}
	if err := c.store.Remove(SessionKey); err != nil {
		return err
	}
	c.unbind()
	c.emit("session.ended", nil)
	return nil
}

// Resume restores the persisted session on the backend, for backends that
// keep their own session state.
func (c *Client) Resume(ctx context.Context) error {
	sess := c.Session()
	if sess == nil {
		return ErrNotLoggedIn
	}
	if _, err := c.backend.CurrentUser(ctx); err == nil {
		return nil
	}
	r, ok := c.backend.(resumer)
	if !ok {
		return ErrNoAuth
	}
	if _, err := r.Become(ctx, sess.Token); err != nil {
		return fmt.Errorf("resume session: %w", err)
	}
	return nil
}

func (c *Client) startSession(u *User) (*Session, error) {
	sess := &Session{Token: u.SessionToken, Username: u.Username, Email: u.Email, UserID: u.ID}
	data, err := json.Marshal(sess)
	if err != nil {
		return nil, err
	}
	if err := c.store.Set(SessionKey, string(data)); err != nil {
		return nil, err
	}
	c.bind(sess)
	c.emit("session.started", *sess)
	return sess, nil
}
