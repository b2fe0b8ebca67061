// Package auth checks the two configured users' credentials and tracks
// session tokens.
package auth

import (
	"crypto/subtle"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"

	"whisper/chat-service/internal/models"
)

const DefaultSessionTTL = 12 * time.Hour

type Authenticator struct {
	users map[string]string
	ttl   time.Duration
	now   func() time.Time

	mu       sync.Mutex
	sessions map[string]models.Session
}

// New expects exactly two users, mapping name to a plaintext password or a
// bcrypt hash (values starting with "$2"). Names are matched case-insensitively
// and kept in lower case, the form viper hands them over in.
func New(users map[string]string, ttl time.Duration, now func() time.Time) (*Authenticator, error) {
	if len(users) != 2 {
		return nil, fmt.Errorf("auth: exactly two users must be configured, got %d", len(users))
	}
	copied := make(map[string]string, len(users))
	for name, secret := range users {
		if err := models.ValidateUserID(name); err != nil {
			return nil, err
		}
		if secret == "" {
			return nil, fmt.Errorf("auth: user %q has an empty password", name)
		}
		key := canonicalName(name)
		if _, dup := copied[key]; dup {
			return nil, fmt.Errorf("auth: user %q is configured twice", key)
		}
		copied[key] = secret
	}
	if ttl <= 0 {
		ttl = DefaultSessionTTL
	}
	if now == nil {
		now = time.Now
	}

	return &Authenticator{
		users:    copied,
		ttl:      ttl,
		now:      now,
		sessions: make(map[string]models.Session),
	}, nil
}

// Users returns the configured user names in sorted order.
func (a *Authenticator) Users() []string {
	names := make([]string, 0, len(a.users))
	for name := range a.users {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (a *Authenticator) Login(username, password string) (models.Session, error) {
	username = canonicalName(username)
	secret, ok := a.users[username]
	if !ok || !checkPassword(secret, password) {
		return models.Session{}, models.ErrUnauthenticated
	}

	var partner string
	for name := range a.users {
		if name != username {
			partner = name
		}
	}

	session := models.Session{
		Token:     uuid.NewString(),
		User:      username,
		Partner:   partner,
		ExpiresAt: a.now().Add(a.ttl),
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	a.pruneLocked()
	a.sessions[session.Token] = session
	return session, nil
}

func (a *Authenticator) Resolve(token string) (models.Session, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	session, ok := a.sessions[token]
	if !ok {
		return models.Session{}, models.ErrUnauthenticated
	}
	if !a.now().Before(session.ExpiresAt) {
		delete(a.sessions, token)
		return models.Session{}, models.ErrUnauthenticated
	}
	return session, nil
}

func (a *Authenticator) Logout(token string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	delete(a.sessions, token)
}

func (a *Authenticator) pruneLocked() {
	now := a.now()
	for token, session := range a.sessions {
		if !now.Before(session.ExpiresAt) {
			delete(a.sessions, token)
		}
	}
}

func canonicalName(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}

func checkPassword(secret, password string) bool {
	if strings.HasPrefix(secret, "$2") {
		return bcrypt.CompareHashAndPassword([]byte(secret), []byte(password)) == nil
	}
	return subtle.ConstantTimeCompare([]byte(secret), []byte(password)) == 1
}
