// Package security implements authentication, the fixed role-permission
// mapping, session management, and audit logging.
package security

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"nowhere-ai/internal/domain"
	"nowhere-ai/internal/infra/config"
)

const (
	// UserCollection holds user records.
	UserCollection = "users"
	// SessionCollection holds sessions keyed by token hash.
	SessionCollection = "sessions"
)

// storedUser is the persisted user shape. The hash lives outside domain.User
// so it never leaks through API serialization.
type storedUser struct {
	domain.User
	PasswordHash string `json:"password_hash"`
}

// AuthService authenticates users and authorizes sessions against the closed
// role-permission mapping.
type AuthService struct {
	store  domain.Store
	ids    domain.IDSource
	clock  domain.Clock
	audit  domain.AuditLogger
	logger *slog.Logger
	cfg    config.SecurityConfig

	mu       sync.Mutex
	limiters map[string]*rate.Limiter
}

// NewAuthService wires the auth service. audit may be nil in tests.
func NewAuthService(store domain.Store, ids domain.IDSource, clock domain.Clock,
	audit domain.AuditLogger, cfg config.SecurityConfig, logger *slog.Logger) *AuthService {
	if audit == nil {
		audit = NopAuditLogger{}
	}
	return &AuthService{
		store:    store,
		ids:      ids,
		clock:    clock,
		audit:    audit,
		logger:   logger,
		cfg:      cfg,
		limiters: make(map[string]*rate.Limiter),
	}
}

// Init declares the auth collections.
func (s *AuthService) Init(ctx context.Context) error {
	if err := s.store.EnsureCollection(ctx, domain.CollectionSpec{
		Name:    UserCollection,
		Indexed: []string{"tenant_id", "email", "status"},
		Unique:  []domain.UniqueSpec{{Fields: []string{"tenant_id", "email"}}},
	}); err != nil {
		return err
	}
	return s.store.EnsureCollection(ctx, domain.CollectionSpec{
		Name:    SessionCollection,
		Indexed: []string{"tenant_id", "user_id"},
	})
}

// Bootstrap seeds the initial platform operator when the user table is empty.
func (s *AuthService) Bootstrap(ctx context.Context) error {
	b := s.cfg.Bootstrap
	if b.Email == "" || b.Password == "" {
		return nil
	}
	n, err := s.store.Count(ctx, UserCollection, domain.Filter{})
	if err != nil {
		return err
	}
	if n > 0 {
		return nil
	}
	_, err = s.CreateUser(ctx, b.TenantID, b.Email, b.Password, domain.RoleSuperAdmin)
	if err != nil {
		return fmt.Errorf("bootstrap operator: %w", err)
	}
	s.logger.Info("bootstrap operator created", "email", b.Email, "tenant_id", b.TenantID)
	return nil
}

// CreateUser registers a user under a tenant. Email is unique per tenant.
func (s *AuthService) CreateUser(ctx context.Context, tenantID, email, password string, role domain.Role) (*domain.User, error) {
	const op = "security.create_user"

	email = strings.ToLower(strings.TrimSpace(email))
	if email == "" || !strings.Contains(email, "@") {
		return nil, domain.NewValidationError(op, "email is not valid", "email")
	}
	if tenantID == "" {
		return nil, domain.NewValidationError(op, "tenant_id must not be empty", "tenant_id")
	}
	if !domain.IsValidRole(string(role)) {
		return nil, domain.NewValidationError(op, "unknown role "+string(role), "role")
	}
	if err := ValidatePasswordPolicy(password); err != nil {
		return nil, err
	}

	hash, err := HashPassword(password)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	now := s.clock.Now().UTC()
	u := storedUser{
		User: domain.User{
			ID:              s.ids.NewID(),
			TenantID:        tenantID,
			Email:           email,
			PasswordVersion: 1,
			Role:            role,
			Status:          domain.UserActive,
			CreatedAt:       now,
			UpdatedAt:       now,
		},
		PasswordHash: hash,
	}
	data, err := json.Marshal(u)
	if err != nil {
		return nil, fmt.Errorf("%s: marshal user: %w", op, err)
	}
	if _, err := s.store.Put(ctx, UserCollection, u.ID, data); err != nil {
		if errors.Is(err, domain.ErrConflict) {
			return nil, domain.NewDomainError(op, domain.ErrConflict, "email already registered for tenant")
		}
		return nil, domain.WrapOp(op, err)
	}

	s.logAudit(ctx, domain.AuditEvent{
		TenantID: tenantID,
		ActorID:  actorID(ctx),
		Action:   domain.AuditUserCreate,
		Subject:  u.ID,
		Outcome:  domain.OutcomeSuccess,
		Detail:   map[string]string{"email": email, "role": string(role)},
	})
	out := u.User
	return &out, nil
}

// limiter returns the login failure limiter for one (tenant, email) pair.
func (s *AuthService) limiter(key string) *rate.Limiter {
	s.mu.Lock()
	defer s.mu.Unlock()
	lim, ok := s.limiters[key]
	if !ok {
		attempts := s.cfg.LoginAttempts
		if attempts <= 0 {
			attempts = 5
		}
		window := s.cfg.LoginWindow
		if window <= 0 {
			window = time.Minute
		}
		lim = rate.NewLimiter(rate.Every(window/time.Duration(attempts)), attempts)
		s.limiters[key] = lim
	}
	return lim
}

// Authenticate verifies credentials and opens a session. Repeated failures for
// the same (tenant, email) are rate limited.
func (s *AuthService) Authenticate(ctx context.Context, tenantID, email, password string) (*domain.Session, error) {
	const op = "security.authenticate"

	email = strings.ToLower(strings.TrimSpace(email))
	lim := s.limiter(tenantID + "\x00" + email)
	if lim.Tokens() < 1 {
		s.logAudit(ctx, domain.AuditEvent{
			TenantID: tenantID, Action: domain.AuditUserLogin, Subject: email,
			Outcome: domain.OutcomeDenied, Detail: map[string]string{"reason": "rate_limited"},
		})
		return nil, domain.NewDomainError(op, domain.ErrRateLimited, "too many failed logins")
	}

	fail := func(reason string) (*domain.Session, error) {
		lim.Allow()
		s.logAudit(ctx, domain.AuditEvent{
			TenantID: tenantID, Action: domain.AuditUserLogin, Subject: email,
			Outcome: domain.OutcomeFailure, Detail: map[string]string{"reason": reason},
		})
		return nil, domain.NewDomainError(op, domain.ErrUnauthorized, "invalid credentials")
	}

	u, err := s.userByEmail(ctx, tenantID, email)
	if err != nil {
		return fail("unknown_user")
	}
	if u.Status != domain.UserActive {
		return fail("suspended")
	}
	if !VerifyPassword(u.PasswordHash, password) {
		return fail("bad_password")
	}

	token, err := s.ids.NewToken()
	if err != nil {
		return nil, domain.WrapOp(op, err)
	}
	now := s.clock.Now().UTC()
	sess := domain.Session{
		Token:           token,
		UserID:          u.ID,
		TenantID:        u.TenantID,
		Role:            u.Role,
		PasswordVersion: u.PasswordVersion,
		IssuedAt:        now,
		ExpiresAt:       now.Add(s.cfg.SessionTTL),
	}
	// Persist under the token hash so the clear token never rests in storage.
	stored := sess
	stored.Token = ""
	data, err := json.Marshal(stored)
	if err != nil {
		return nil, fmt.Errorf("%s: marshal session: %w", op, err)
	}
	if _, err := s.store.Put(ctx, SessionCollection, tokenHash(token), data); err != nil {
		return nil, domain.WrapOp(op, err)
	}

	s.logAudit(ctx, domain.AuditEvent{
		TenantID: u.TenantID, ActorID: u.ID, Action: domain.AuditUserLogin,
		Subject: u.ID, Outcome: domain.OutcomeSuccess,
	})
	return &sess, nil
}

// Validate resolves a token and checks perm. For task.view.own the subject
// must be the session's own user unless the role also carries task.view.any.
func (s *AuthService) Validate(ctx context.Context, token string, perm domain.Permission, subject string) (*domain.Session, error) {
	const op = "security.validate"

	rec, err := s.store.Get(ctx, SessionCollection, tokenHash(token))
	if err != nil {
		return nil, domain.NewDomainError(op, domain.ErrUnauthorized, "unknown session")
	}
	var sess domain.Session
	if err := json.Unmarshal(rec.Data, &sess); err != nil {
		return nil, fmt.Errorf("%s: decode session: %w", op, err)
	}
	sess.Token = token
	if !sess.Live(s.clock.Now()) {
		return nil, domain.NewDomainError(op, domain.ErrUnauthorized, "session expired or revoked")
	}

	u, err := s.userByID(ctx, sess.UserID)
	if err != nil || u.Status != domain.UserActive {
		return nil, domain.NewDomainError(op, domain.ErrUnauthorized, "user unavailable")
	}
	if u.PasswordVersion != sess.PasswordVersion {
		return nil, domain.NewDomainError(op, domain.ErrUnauthorized, "session predates password rotation")
	}

	if perm == "" {
		return &sess, nil
	}
	allowed := domain.HasPermission(sess.Role, perm)
	if perm == domain.PermTaskViewOwn && allowed && subject != "" && subject != sess.UserID {
		// Viewing someone else's task needs the broader grant.
		allowed = domain.HasPermission(sess.Role, domain.PermTaskViewAny)
	}
	if !allowed {
		s.logAudit(ctx, domain.AuditEvent{
			TenantID: sess.TenantID, ActorID: sess.UserID,
			Action: domain.AuditAccessDenied, Subject: subject,
			Outcome: domain.OutcomeDenied, Detail: map[string]string{"permission": string(perm)},
		})
		return nil, domain.WrapOp(op, &domain.ForbiddenError{Missing: perm})
	}
	return &sess, nil
}

// Revoke invalidates one session immediately.
func (s *AuthService) Revoke(ctx context.Context, token string) error {
	const op = "security.revoke"

	id := tokenHash(token)
	rec, err := s.store.Get(ctx, SessionCollection, id)
	if err != nil {
		return domain.WrapOp(op, err)
	}
	var sess domain.Session
	if err := json.Unmarshal(rec.Data, &sess); err != nil {
		return fmt.Errorf("%s: decode session: %w", op, err)
	}
	sess.Revoked = true
	data, err := json.Marshal(sess)
	if err != nil {
		return fmt.Errorf("%s: marshal session: %w", op, err)
	}
	if _, err := s.store.Update(ctx, SessionCollection, id, rec.Version, data); err != nil {
		return domain.WrapOp(op, err)
	}
	s.logAudit(ctx, domain.AuditEvent{
		TenantID: sess.TenantID, ActorID: sess.UserID,
		Action: domain.AuditSessionRevoke, Subject: sess.UserID,
		Outcome: domain.OutcomeSuccess,
	})
	return nil
}

// RotatePassword sets a new password and bumps PasswordVersion, which
// invalidates every session issued before the rotation.
func (s *AuthService) RotatePassword(ctx context.Context, userID, newPassword string) error {
	const op = "security.rotate_password"
	if err := ValidatePasswordPolicy(newPassword); err != nil {
		return err
	}
	hash, err := HashPassword(newPassword)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}

	for attempt := 0; attempt < 3; attempt++ {
		rec, err := s.store.Get(ctx, UserCollection, userID)
		if err != nil {
			return domain.WrapOp(op, err)
		}
		var u storedUser
		if err := json.Unmarshal(rec.Data, &u); err != nil {
			return fmt.Errorf("%s: decode user: %w", op, err)
		}
		u.PasswordHash = hash
		u.PasswordVersion++
		u.UpdatedAt = s.clock.Now().UTC()
		data, err := json.Marshal(u)
		if err != nil {
			return fmt.Errorf("%s: marshal user: %w", op, err)
		}
		_, err = s.store.Update(ctx, UserCollection, userID, rec.Version, data)
		if err == nil {
			s.logger.Info("password rotated", "user_id", userID, "password_version", u.PasswordVersion)
			return nil
		}
		if !errors.Is(err, domain.ErrConflict) {
			return domain.WrapOp(op, err)
		}
	}
	return domain.NewDomainError(op, domain.ErrConflict, "password rotation contended, retries exhausted")
}

// ReapSessions deletes expired and revoked sessions. Wired to the scheduler's
// session_reap job.
func (s *AuthService) ReapSessions(ctx context.Context) (int, error) {
	now := s.clock.Now()
	var stale []string
	for rec, err := range s.store.Stream(ctx, SessionCollection, domain.Filter{}, nil) {
		if err != nil {
			return 0, err
		}
		var sess domain.Session
		if json.Unmarshal(rec.Data, &sess) != nil {
			stale = append(stale, rec.ID)
			continue
		}
		if !sess.Live(now) {
			stale = append(stale, rec.ID)
		}
	}
	removed := 0
	for _, id := range stale {
		if err := s.store.Delete(ctx, SessionCollection, id); err == nil {
			removed++
		}
	}
	return removed, nil
}

func (s *AuthService) userByEmail(ctx context.Context, tenantID, email string) (*storedUser, error) {
	recs, err := s.store.Query(ctx, UserCollection, domain.Filter{Eq: map[string]string{
		"tenant_id": tenantID,
		"email":     email,
	}}, nil, 1)
	if err != nil {
		return nil, err
	}
	if len(recs) == 0 {
		return nil, domain.NewDomainError("security.user_by_email", domain.ErrNotFound, "no such user")
	}
	var u storedUser
	if err := json.Unmarshal(recs[0].Data, &u); err != nil {
		return nil, err
	}
	return &u, nil
}

func (s *AuthService) userByID(ctx context.Context, id string) (*storedUser, error) {
	rec, err := s.store.Get(ctx, UserCollection, id)
	if err != nil {
		return nil, err
	}
	var u storedUser
	if err := json.Unmarshal(rec.Data, &u); err != nil {
		return nil, err
	}
	return &u, nil
}

// logAudit appends an event, logging but not propagating sink failures so
// audit outages cannot take down the auth path.
func (s *AuthService) logAudit(ctx context.Context, event domain.AuditEvent) {
	event.ID = s.ids.NewID()
	event.Timestamp = s.clock.Now().UTC()
	if err := s.audit.Log(ctx, event); err != nil {
		s.logger.Error("audit write failed", "action", event.Action, "error", err)
	}
}

func actorID(ctx context.Context) string {
	if sess := domain.SessionFromContext(ctx); sess != nil {
		return sess.UserID
	}
	return "system"
}

func tokenHash(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}
