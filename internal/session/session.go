// Package session holds who is logged in. A Manager starts in Loading,
// settles once on Authenticated or Unauthenticated, and only moves between
// those two afterwards.
package session

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"expenseclient/internal/api"
	"expenseclient/internal/credentials"
	"expenseclient/internal/log"
	"expenseclient/internal/store"
)

// ErrNotAuthenticated is returned by calls that need a logged in user.
var ErrNotAuthenticated = errors.New("session: not authenticated")

// WarningsShownKey marks that budget warnings were shown during the current
// login. It lives next to the tokens and is removed whenever they change
// hands, so every process sharing the state sees the same answer.
const WarningsShownKey = "budget_warnings_shown"

type Status int

const (
	Loading Status = iota
	Authenticated
	Unauthenticated
)

func (s Status) String() string {
	switch s {
	case Loading:
		return "loading"
	case Authenticated:
		return "authenticated"
	case Unauthenticated:
		return "unauthenticated"
	default:
		return fmt.Sprintf("status(%d)", int(s))
	}
}

// Backend is the part of the API the session needs.
type Backend interface {
	Login(ctx context.Context, creds api.Credentials) (api.TokenPair, error)
	Me(ctx context.Context) (api.Identity, error)
	Register(ctx context.Context, req api.RegisterRequest) error
}

// ChangeFunc observes status changes. It runs without the manager's lock held.
type ChangeFunc func(status Status, identity *api.Identity)

type Manager struct {
	backend Backend
	creds   credentials.Store
	flags   store.Store
	logger  *log.Logger

	initOnce   sync.Once
	initStatus Status

	mu            sync.RWMutex
	status        Status
	identity      *api.Identity
	warningsShown bool
	onChange      []ChangeFunc
}

type Option func(*Manager)

func WithLogger(l *log.Logger) Option {
	return func(m *Manager) { m.logger = l.WithComponent(log.ComponentSession) }
}

// WithFlagStore persists per-login flags in kv. Without it they only live
// as long as the Manager.
func WithFlagStore(kv store.Store) Option {
	return func(m *Manager) { m.flags = kv }
}

// WithChangeHandler registers fn to be told about every status change.
func WithChangeHandler(fn ChangeFunc) Option {
	return func(m *Manager) { m.onChange = append(m.onChange, fn) }
}

func NewManager(backend Backend, creds credentials.Store, opts ...Option) *Manager {
	m := &Manager{
		backend: backend,
		creds:   creds,
		logger:  log.Discard().WithComponent(log.ComponentSession),
		status:  Loading,
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.flags == nil {
		m.flags = store.NewMemoryStore()
	}
	return m
}

// Initialize resolves the stored session once per process. Later calls
// return the first outcome. Failures are not returned: an unusable stored
// session simply ends up Unauthenticated with its tokens cleared.
func (m *Manager) Initialize(ctx context.Context) Status {
	m.initOnce.Do(func() {
		m.initStatus = m.initialize(ctx)
	})
	return m.initStatus
}

func (m *Manager) initialize(ctx context.Context) Status {
	access, err := m.creds.AccessToken(ctx)
	if err != nil {
		m.logger.WarnContext(ctx, "Failed to read stored access token",
			log.FieldOperation, log.OpInit,
			log.FieldError, err)
	}
	if access == "" {
		m.set(Unauthenticated, nil, false)
		m.logger.DebugContext(ctx, "No stored session", log.FieldOperation, log.OpInit)
		return Unauthenticated
	}

	identity, err := m.backend.Me(ctx)
	if err != nil {
		m.logger.InfoContext(ctx, "Stored session is no longer valid",
			log.FieldOperation, log.OpInit,
			log.FieldError, err)
		if clearErr := m.creds.Clear(ctx); clearErr != nil {
			m.logger.ErrorContext(ctx, "Failed to clear tokens", log.FieldError, clearErr)
		}
		m.forgetFlags(ctx)
		m.set(Unauthenticated, nil, false)
		return Unauthenticated
	}

	m.set(Authenticated, &identity, m.storedWarningsShown(ctx))
	m.logger.InfoContext(ctx, "Restored session",
		log.FieldOperation, log.OpInit,
		log.FieldUserID, identity.ID,
		log.FieldUsername, identity.Username)
	return Authenticated
}

// Login exchanges credentials for tokens and loads the identity. Backend
// errors, including bad credentials, come back unchanged and leave the
// session logged out.
func (m *Manager) Login(ctx context.Context, username, password string) (api.Identity, error) {
	pair, err := m.backend.Login(ctx, api.Credentials{Username: username, Password: password})
	if err != nil {
		m.logger.InfoContext(ctx, "Login failed",
			log.FieldOperation, log.OpLogin,
			log.FieldUsername, username,
			log.FieldError, err)
		return api.Identity{}, err
	}

	if err := m.creds.SetTokens(ctx, pair.Access, pair.Refresh); err != nil {
		return api.Identity{}, err
	}
	m.forgetFlags(ctx)

	identity, err := m.backend.Me(ctx)
	if err != nil {
		if clearErr := m.creds.Clear(ctx); clearErr != nil {
			m.logger.ErrorContext(ctx, "Failed to clear tokens", log.FieldError, clearErr)
		}
		return api.Identity{}, fmt.Errorf("load identity: %w", err)
	}

	m.set(Authenticated, &identity, false)
	m.logger.InfoContext(ctx, "Logged in",
		log.FieldOperation, log.OpLogin,
		log.FieldUserID, identity.ID,
		log.FieldUsername, identity.Username)
	return identity, nil
}

// Register creates an account. It does not log in.
func (m *Manager) Register(ctx context.Context, req api.RegisterRequest) error {
	return m.backend.Register(ctx, req)
}

// Logout forgets the tokens and the identity locally. The backend is not
// called. The in-memory state is cleared even when the store fails.
func (m *Manager) Logout(ctx context.Context) error {
	err := m.creds.Clear(ctx)
	m.forgetFlags(ctx)
	m.set(Unauthenticated, nil, false)
	m.logger.InfoContext(ctx, "Logged out", log.FieldOperation, log.OpLogout)
	if err != nil {
		return fmt.Errorf("logout: %w", err)
	}
	return nil
}

// HandleLoggedOut is registered with the gateway. The gateway has already
// cleared the tokens when it runs.
func (m *Manager) HandleLoggedOut(ctx context.Context, cause error) {
	m.logger.WarnContext(ctx, "Session ended by the gateway",
		log.FieldOperation, log.OpLogout,
		log.FieldError, cause)
	m.forgetFlags(ctx)
	m.set(Unauthenticated, nil, false)
}

func (m *Manager) Status() Status {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.status
}

// Identity returns the logged in user, if any.
func (m *Manager) Identity() (api.Identity, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.identity == nil {
		return api.Identity{}, false
	}
	return *m.identity, true
}

// RequireIdentity is Identity for callers that cannot proceed without one.
func (m *Manager) RequireIdentity() (api.Identity, error) {
	id, ok := m.Identity()
	if !ok {
		return api.Identity{}, ErrNotAuthenticated
	}
	return id, nil
}

// IsPrivileged reports whether admin screens should be offered. It is a
// presentation hint; the backend enforces authorization.
func (m *Manager) IsPrivileged() bool {
	id, ok := m.Identity()
	return ok && id.IsPrivileged()
}

// WarningsShown reports whether the budget warnings dialog was already
// shown during this login, by this or any process sharing the flag store.
func (m *Manager) WarningsShown() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.warningsShown
}

// MarkWarningsShown records that the warnings were shown. The in-memory
// flag is set even when persisting it fails.
func (m *Manager) MarkWarningsShown(ctx context.Context) error {
	m.mu.Lock()
	m.warningsShown = true
	m.mu.Unlock()
	if err := m.flags.Set(ctx, WarningsShownKey, "1"); err != nil {
		return fmt.Errorf("persist warnings flag: %w", err)
	}
	return nil
}

func (m *Manager) storedWarningsShown(ctx context.Context) bool {
	v, err := m.flags.Get(ctx, WarningsShownKey)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		m.logger.WarnContext(ctx, "Failed to read warnings flag", log.FieldError, err)
	}
	return v == "1"
}

func (m *Manager) forgetFlags(ctx context.Context) {
	if err := m.flags.Delete(ctx, WarningsShownKey); err != nil {
		m.logger.WarnContext(ctx, "Failed to clear warnings flag", log.FieldError, err)
	}
}

func (m *Manager) set(status Status, identity *api.Identity, warningsShown bool) {
	m.mu.Lock()
	changed := m.status != status || identity != nil && (m.identity == nil || m.identity.ID != identity.ID)
	m.status = status
	m.identity = identity
	m.warningsShown = warningsShown
	handlers := append([]ChangeFunc(nil), m.onChange...)
	m.mu.Unlock()

	if !changed {
		return
	}
	for _, fn := range handlers {
		fn(status, identity)
	}
}
