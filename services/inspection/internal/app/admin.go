package app

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"lemmacheck/internal/util"
	"lemmacheck/pkg/auth"
	"lemmacheck/pkg/domain"
)

// dummyHash keeps login timing similar for unknown users.
var dummyHash = sync.OnceValue(func() string {
	hash, _ := auth.HashPassword(util.NewID())
	return hash
})

// AdminEnabled reports whether admin tokens can be issued.
func (a *App) AdminEnabled() bool { return a.tokens != nil }

// BootstrapAdmin creates or refreshes the configured admin account.
func (a *App) BootstrapAdmin(ctx context.Context, username, password string) error {
	username = strings.TrimSpace(username)
	if username == "" || password == "" {
		return nil
	}
	if err := auth.ValidatePassword(password); err != nil {
		return fmt.Errorf("admin password: %w", err)
	}
	hash, err := auth.HashPassword(password)
	if err != nil {
		return fmt.Errorf("hash admin password: %w", err)
	}
	if _, err := a.store.SaveUser(ctx, domain.User{Username: username, PasswordHash: hash, IsAdmin: true}); err != nil {
		return fmt.Errorf("save admin: %w", err)
	}
	util.LoggerFromContext(ctx).Info("admin_bootstrapped", "username", username)
	return nil
}

// Login checks admin credentials and returns a signed token.
func (a *App) Login(ctx context.Context, username, password string) (string, error) {
	if a.tokens == nil {
		return "", ErrAdminDisabled
	}
	user, ok, err := a.store.GetUserByUsername(ctx, strings.TrimSpace(username))
	if err != nil {
		return "", fmt.Errorf("load user: %w", err)
	}
	if !ok {
		auth.CheckPassword(password, dummyHash())
		return "", ErrInvalidCredentials
	}
	if !auth.CheckPassword(password, user.PasswordHash) || !user.IsAdmin {
		return "", ErrInvalidCredentials
	}
	token, err := a.tokens.Issue(user.Username, true)
	if err != nil {
		return "", fmt.Errorf("issue token: %w", err)
	}
	return token, nil
}

// VerifyAdmin validates a bearer token and returns the admin's username.
func (a *App) VerifyAdmin(token string) (string, error) {
	if a.tokens == nil {
		return "", ErrAdminDisabled
	}
	if token == "" {
		return "", ErrUnauthorized
	}
	claims, err := a.tokens.Verify(token)
	if err != nil {
		return "", ErrUnauthorized
	}
	if !claims.Admin {
		return "", ErrForbidden
	}
	return claims.Subject, nil
}
