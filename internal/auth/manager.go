package auth

import (
	"sync"
	"time"

	"github.com/vibe80/orchestrator/internal/apierr"
	"github.com/vibe80/orchestrator/internal/idgen"
	"github.com/vibe80/orchestrator/internal/storage"
)

// TokenPair is the (access, refresh) pair returned on login, refresh,
// and handoff-consume.
type TokenPair struct {
	AccessToken  string
	RefreshToken string
	ExpiresAt    time.Time
}

// handoffEntry is a single-use short-TTL handoff token bound to a
// specific session (spec §4.3).
type handoffEntry struct {
	workspaceID string
	sessionID   string
	expiresAt   time.Time
	consumed    bool
}

// monoAuthEntry is the single-tenant short-circuit token (spec §4.3).
type monoAuthEntry struct {
	workspaceID string
	expiresAt   time.Time
	consumed    bool
}

// cachedRotation is the in-memory cache of a winning refresh rotation's
// minted pair, keyed by the presented (now-superseded) token hash, so a
// racing replay within the grace window gets back the exact same pair
// rather than a second independently-minted one (spec §4.3: "return new
// pair already generated during the winning rotation").
type cachedRotation struct {
	pair      TokenPair
	expiresAt time.Time
}

// Manager implements the full Auth Manager contract (spec §4.3): access
// token mint/verify, refresh rotation with grace-window replay
// tolerance and reuse detection, handoff tokens, and mono-auth tokens.
// Grounded on the teacher's auth/session.go in-memory TTL-map-with-sweep
// pattern, repurposed here for token bookkeeping instead of cookies.
type Manager struct {
	signer  *Signer
	store   storage.Storage
	single  bool

	refreshTTL    time.Duration
	rotationGrace time.Duration
	handoffTTL    time.Duration
	monoAuthTTL   time.Duration

	mu        sync.Mutex
	handoffs  map[string]*handoffEntry
	monoAuths map[string]*monoAuthEntry
	rotations map[string]*cachedRotation

	stopSweep chan struct{}
}

// Config configures a Manager's TTLs; zero values fall back to the
// defaults documented in spec.md.
type Config struct {
	RefreshTokenTTL           time.Duration
	RefreshTokenRotationGrace time.Duration
	HandoffTokenTTL           time.Duration
	MonoAuthTokenTTL          time.Duration
	SweepInterval             time.Duration
}

// New builds a Manager and starts its background sweeper.
func New(signer *Signer, store storage.Storage, singleTenant bool, cfg Config) *Manager {
	if cfg.RefreshTokenTTL == 0 {
		cfg.RefreshTokenTTL = 30 * 24 * time.Hour
	}
	if cfg.RefreshTokenRotationGrace == 0 {
		cfg.RefreshTokenRotationGrace = 20 * time.Second
	}
	if cfg.HandoffTokenTTL == 0 {
		cfg.HandoffTokenTTL = 120 * time.Second
	}
	if cfg.MonoAuthTokenTTL == 0 {
		cfg.MonoAuthTokenTTL = 5 * time.Minute
	}
	if cfg.SweepInterval == 0 {
		cfg.SweepInterval = time.Minute
	}

	m := &Manager{
		signer:        signer,
		store:         store,
		single:        singleTenant,
		refreshTTL:    cfg.RefreshTokenTTL,
		rotationGrace: cfg.RefreshTokenRotationGrace,
		handoffTTL:    cfg.HandoffTokenTTL,
		monoAuthTTL:   cfg.MonoAuthTokenTTL,
		handoffs:      make(map[string]*handoffEntry),
		monoAuths:     make(map[string]*monoAuthEntry),
		rotations:     make(map[string]*cachedRotation),
		stopSweep:     make(chan struct{}),
	}
	go m.sweepLoop(cfg.SweepInterval)
	return m
}

// Stop halts the background sweeper.
func (m *Manager) Stop() { close(m.stopSweep) }

func (m *Manager) sweepLoop(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			m.sweep()
		case <-m.stopSweep:
			return
		}
	}
}

func (m *Manager) sweep() {
	now := time.Now()
	m.mu.Lock()
	defer m.mu.Unlock()
	for k, v := range m.handoffs {
		if now.After(v.expiresAt) {
			delete(m.handoffs, k)
		}
	}
	for k, v := range m.monoAuths {
		if now.After(v.expiresAt) {
			delete(m.monoAuths, k)
		}
	}
	for k, v := range m.rotations {
		if now.After(v.expiresAt) {
			delete(m.rotations, k)
		}
	}
}

// Login mints a fresh (access, refresh) pair for workspaceID.
func (m *Manager) Login(workspaceID string) (TokenPair, error) {
	return m.mintPair(workspaceID)
}

func (m *Manager) mintPair(workspaceID string) (TokenPair, error) {
	access, err := m.signer.Mint(workspaceID)
	if err != nil {
		return TokenPair{}, apierr.Wrap(apierr.Internal, 500, "failed to mint access token", err)
	}
	refreshToken := idgen.Token()
	expiresAt := time.Now().Add(m.refreshTTL)

	if err := m.store.SaveWorkspaceRefreshToken(workspaceID, storage.HashToken(refreshToken), expiresAt, "", time.Time{}); err != nil {
		return TokenPair{}, apierr.Wrap(apierr.Internal, 500, "failed to persist refresh token", err)
	}
	return TokenPair{AccessToken: access, RefreshToken: refreshToken, ExpiresAt: expiresAt}, nil
}

// VerifyAccessToken validates a bearer token and returns its workspace id.
func (m *Manager) VerifyAccessToken(token string) (string, error) {
	return m.signer.Verify(token)
}

// Refresh rotates a presented refresh token per the table in spec §4.3.
func (m *Manager) Refresh(presented string) (TokenPair, error) {
	presentedHash := storage.HashToken(presented)
	nextRefresh := idgen.Token()
	nextHash := storage.HashToken(nextRefresh)
	nextExpiresAt := time.Now().Add(m.refreshTTL)

	outcome, err := m.store.RotateWorkspaceRefreshToken(presentedHash, nextHash, nextExpiresAt, m.rotationGrace)
	if err != nil {
		return TokenPair{}, apierr.Wrap(apierr.Internal, 500, "refresh rotation failed", err)
	}

	if !outcome.OK {
		switch outcome.Code {
		case "reuse":
			return TokenPair{}, apierr.New(apierr.RefreshTokenReused, 401, "refresh token reuse detected")
		case "expired":
			return TokenPair{}, apierr.New(apierr.RefreshTokenExpired, 401, "refresh token expired")
		default:
			return TokenPair{}, apierr.New(apierr.InvalidRefreshToken, 401, "refresh token is not recognized")
		}
	}

	access, err := m.signer.Mint(outcome.WorkspaceID)
	if err != nil {
		return TokenPair{}, apierr.Wrap(apierr.Internal, 500, "failed to mint access token", err)
	}

	if outcome.Replayed {
		// A racing rotation already won; return its cached pair rather
		// than the pair built around nextHash, which was never persisted.
		m.mu.Lock()
		cached, ok := m.rotations[presentedHash]
		m.mu.Unlock()
		if ok {
			return cached.pair, nil
		}
		// No cached pair survived (process restart or a very slow
		// straggler past our own cache TTL): mint a pair from the
		// signer only — the refresh half is unusable since the row
		// wasn't updated for this call, so the client must try again.
		return TokenPair{AccessToken: access, RefreshToken: "", ExpiresAt: nextExpiresAt}, nil
	}

	pair := TokenPair{AccessToken: access, RefreshToken: nextRefresh, ExpiresAt: nextExpiresAt}
	m.mu.Lock()
	m.rotations[presentedHash] = &cachedRotation{pair: pair, expiresAt: time.Now().Add(m.rotationGrace)}
	m.mu.Unlock()
	return pair, nil
}

// IssueHandoffToken mints a single-use short-TTL token bound to sessionID.
func (m *Manager) IssueHandoffToken(workspaceID, sessionID string) string {
	token := idgen.Token()
	m.mu.Lock()
	m.handoffs[token] = &handoffEntry{
		workspaceID: workspaceID,
		sessionID:   sessionID,
		expiresAt:   time.Now().Add(m.handoffTTL),
	}
	m.mu.Unlock()
	return token
}

// ConsumeHandoffToken exchanges a handoff token for a fresh pair,
// bound to the sessionId it was minted for. It may be consumed exactly
// once.
func (m *Manager) ConsumeHandoffToken(token string) (TokenPair, string, error) {
	m.mu.Lock()
	entry, ok := m.handoffs[token]
	if !ok || entry.consumed || time.Now().After(entry.expiresAt) {
		m.mu.Unlock()
		return TokenPair{}, "", apierr.New(apierr.InvalidRefreshToken, 401, "handoff token is invalid, expired, or already used")
	}
	entry.consumed = true
	workspaceID, sessionID := entry.workspaceID, entry.sessionID
	m.mu.Unlock()

	pair, err := m.mintPair(workspaceID)
	if err != nil {
		return TokenPair{}, "", err
	}
	return pair, sessionID, nil
}

// IssueMonoAuthToken mints a mono-auth token, valid only in single-tenant
// mode, that short-circuits workspace login.
func (m *Manager) IssueMonoAuthToken(workspaceID string) (string, error) {
	if !m.single {
		return "", apierr.New(apierr.MonoAuthTokenInvalid, 400, "mono-auth tokens are only available in single-tenant mode")
	}
	token := idgen.Token()
	m.mu.Lock()
	m.monoAuths[token] = &monoAuthEntry{workspaceID: workspaceID, expiresAt: time.Now().Add(m.monoAuthTTL)}
	m.mu.Unlock()
	return token, nil
}

// ConsumeMonoAuthToken exchanges a mono-auth token for a fresh pair.
func (m *Manager) ConsumeMonoAuthToken(token string) (TokenPair, error) {
	m.mu.Lock()
	entry, ok := m.monoAuths[token]
	if !ok {
		m.mu.Unlock()
		return TokenPair{}, apierr.New(apierr.MonoAuthTokenInvalid, 401, "mono-auth token is invalid")
	}
	if entry.consumed {
		m.mu.Unlock()
		return TokenPair{}, apierr.New(apierr.MonoAuthTokenUsed, 401, "mono-auth token already used")
	}
	if time.Now().After(entry.expiresAt) {
		m.mu.Unlock()
		return TokenPair{}, apierr.New(apierr.MonoAuthTokenExpired, 401, "mono-auth token expired")
	}
	entry.consumed = true
	workspaceID := entry.workspaceID
	m.mu.Unlock()

	return m.mintPair(workspaceID)
}
