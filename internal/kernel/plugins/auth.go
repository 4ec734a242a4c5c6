package plugins

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"sync"

	"github.com/brokerhq/chatkernel/internal/kernelerr"
)

// StaticAuthPlugin is the fallback auth plugin: token format, session
// storage and real credential checking are explicitly out of scope
// (spec.md §1 "authentication token format" is an external collaborator's
// concern), so this default exists only to satisfy the role contract when
// no real auth plugin is registered. It holds an in-memory username/token
// table and allows every model request.
type StaticAuthPlugin struct {
	mu     sync.RWMutex
	users  map[string]string // username -> password, empty password = any
	tokens map[string]string // token -> username
}

// NewStaticAuthPlugin seeds the plugin with a fixed username/password set.
func NewStaticAuthPlugin(users map[string]string) *StaticAuthPlugin {
	u := make(map[string]string, len(users))
	for k, v := range users {
		u[k] = v
	}
	return &StaticAuthPlugin{users: u, tokens: make(map[string]string)}
}

func (p *StaticAuthPlugin) Priority() int { return 0 }

func (p *StaticAuthPlugin) Shutdown(ctx context.Context) error { return nil }

func (p *StaticAuthPlugin) AuthenticateUser(ctx context.Context, username, password string) (string, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	want, ok := p.users[username]
	if !ok || (want != "" && want != password) {
		return "", false
	}
	return "user", true
}

func (p *StaticAuthPlugin) CreateToken(ctx context.Context, user string) (string, error) {
	tok, err := randomToken(32)
	if err != nil {
		return "", kernelerr.Wrap(kernelerr.ProviderError, "auth.CreateToken", err)
	}
	p.mu.Lock()
	p.tokens[tok] = user
	p.mu.Unlock()
	return tok, nil
}

func (p *StaticAuthPlugin) VerifyToken(ctx context.Context, token string) (string, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	user, ok := p.tokens[token]
	return user, ok
}

// RequestAllowed always allows; real rate limiting/model gating is an
// external collaborator's concern per spec.md §1.
func (p *StaticAuthPlugin) RequestAllowed(ctx context.Context, username, model string) bool {
	return true
}

func randomToken(n int) (string, error) {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}
