package security

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"nowhere-ai/internal/adapter/store"
	"nowhere-ai/internal/domain"
	"nowhere-ai/internal/infra/config"
)

const goodPassword = "Str0ng&Secret!pw"

func newAuthService(t *testing.T) *AuthService {
	t.Helper()
	clk := domain.SystemClock{}
	svc := NewAuthService(store.NewMemoryStore(clk), domain.NewULIDSource(clk), clk, nil,
		config.SecurityConfig{
			SessionTTL:    time.Hour,
			LoginAttempts: 3,
			LoginWindow:   time.Minute,
		},
		slog.New(slog.NewTextHandler(io.Discard, nil)))
	require.NoError(t, svc.Init(context.Background()))
	return svc
}

func TestPasswordPolicy(t *testing.T) {
	cases := []struct {
		password string
		ok       bool
	}{
		{goodPassword, true},
		{"Short1!aA", false},           // under 12 chars
		{"nouppercase1!aaaa", false},   // no upper
		{"NOLOWERCASE1!AAAA", false},   // no lower
		{"NoDigitsHere!abc", false},    // no digit
		{"NoSymbolsHere1abc", false},   // no symbol
		{"G00d&Enough#Pass", true},
	}
	for _, tc := range cases {
		err := ValidatePasswordPolicy(tc.password)
		if tc.ok {
			assert.NoError(t, err, tc.password)
		} else {
			assert.True(t, errors.Is(err, domain.ErrValidation), tc.password)
		}
	}
}

func TestHashVerifyRoundTrip(t *testing.T) {
	hash, err := HashPassword(goodPassword)
	require.NoError(t, err)
	assert.True(t, VerifyPassword(hash, goodPassword))
	assert.False(t, VerifyPassword(hash, "wrong-password"))
	assert.False(t, VerifyPassword("garbage", goodPassword))

	// Per-user salts make identical passwords hash differently.
	other, err := HashPassword(goodPassword)
	require.NoError(t, err)
	assert.NotEqual(t, hash, other)
}

func TestCreateUserDuplicateEmailPerTenant(t *testing.T) {
	svc := newAuthService(t)
	ctx := context.Background()

	_, err := svc.CreateUser(ctx, "acme", "ops@acme.example", goodPassword, domain.RoleOperator)
	require.NoError(t, err)

	_, err = svc.CreateUser(ctx, "acme", "ops@acme.example", goodPassword, domain.RoleViewer)
	assert.True(t, errors.Is(err, domain.ErrConflict))

	// Same email under a different tenant is fine.
	_, err = svc.CreateUser(ctx, "globex", "ops@acme.example", goodPassword, domain.RoleOperator)
	assert.NoError(t, err)
}

func TestAuthenticateAndValidate(t *testing.T) {
	svc := newAuthService(t)
	ctx := context.Background()

	u, err := svc.CreateUser(ctx, "acme", "ops@acme.example", goodPassword, domain.RoleOperator)
	require.NoError(t, err)

	sess, err := svc.Authenticate(ctx, "acme", "ops@acme.example", goodPassword)
	require.NoError(t, err)
	assert.NotEmpty(t, sess.Token)
	assert.Equal(t, u.ID, sess.UserID)
	assert.Equal(t, domain.RoleOperator, sess.Role)

	got, err := svc.Validate(ctx, sess.Token, domain.PermAgentSubmit, "")
	require.NoError(t, err)
	assert.Equal(t, u.ID, got.UserID)

	// Operators lack audit.read.
	_, err = svc.Validate(ctx, sess.Token, domain.PermAuditRead, "")
	assert.True(t, errors.Is(err, domain.ErrForbidden))
	var fe *domain.ForbiddenError
	require.True(t, errors.As(err, &fe))
	assert.Equal(t, domain.PermAuditRead, fe.Missing)
}

func TestAuthenticateBadPassword(t *testing.T) {
	svc := newAuthService(t)
	ctx := context.Background()

	_, err := svc.CreateUser(ctx, "acme", "ops@acme.example", goodPassword, domain.RoleOperator)
	require.NoError(t, err)

	_, err = svc.Authenticate(ctx, "acme", "ops@acme.example", "Wrong&Password9x")
	assert.True(t, errors.Is(err, domain.ErrUnauthorized))
}

func TestAuthenticateRateLimited(t *testing.T) {
	svc := newAuthService(t)
	ctx := context.Background()

	_, err := svc.CreateUser(ctx, "acme", "ops@acme.example", goodPassword, domain.RoleOperator)
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		_, err = svc.Authenticate(ctx, "acme", "ops@acme.example", "Wrong&Password9x")
		assert.True(t, errors.Is(err, domain.ErrUnauthorized), "attempt %d", i)
	}
	// Budget exhausted: even the right password is refused now.
	_, err = svc.Authenticate(ctx, "acme", "ops@acme.example", goodPassword)
	assert.True(t, errors.Is(err, domain.ErrRateLimited))
}

func TestValidateTaskViewOwnSubject(t *testing.T) {
	svc := newAuthService(t)
	ctx := context.Background()

	viewer, err := svc.CreateUser(ctx, "acme", "viewer@acme.example", goodPassword, domain.RoleViewer)
	require.NoError(t, err)
	_, err = svc.CreateUser(ctx, "acme", "admin@acme.example", goodPassword, domain.RoleTenantAdmin)
	require.NoError(t, err)

	vs, err := svc.Authenticate(ctx, "acme", "viewer@acme.example", goodPassword)
	require.NoError(t, err)
	as, err := svc.Authenticate(ctx, "acme", "admin@acme.example", goodPassword)
	require.NoError(t, err)

	// Viewers may see their own tasks only.
	_, err = svc.Validate(ctx, vs.Token, domain.PermTaskViewOwn, viewer.ID)
	assert.NoError(t, err)
	_, err = svc.Validate(ctx, vs.Token, domain.PermTaskViewOwn, "someone-else")
	assert.True(t, errors.Is(err, domain.ErrForbidden))

	// Admins carry task.view.any, so any subject passes.
	_, err = svc.Validate(ctx, as.Token, domain.PermTaskViewOwn, viewer.ID)
	assert.NoError(t, err)
}

func TestRevokeEndsSession(t *testing.T) {
	svc := newAuthService(t)
	ctx := context.Background()

	_, err := svc.CreateUser(ctx, "acme", "ops@acme.example", goodPassword, domain.RoleOperator)
	require.NoError(t, err)
	sess, err := svc.Authenticate(ctx, "acme", "ops@acme.example", goodPassword)
	require.NoError(t, err)

	require.NoError(t, svc.Revoke(ctx, sess.Token))
	_, err = svc.Validate(ctx, sess.Token, domain.PermAgentSubmit, "")
	assert.True(t, errors.Is(err, domain.ErrUnauthorized))
}

func TestRotatePasswordInvalidatesSessions(t *testing.T) {
	svc := newAuthService(t)
	ctx := context.Background()

	u, err := svc.CreateUser(ctx, "acme", "ops@acme.example", goodPassword, domain.RoleOperator)
	require.NoError(t, err)
	sess, err := svc.Authenticate(ctx, "acme", "ops@acme.example", goodPassword)
	require.NoError(t, err)

	const rotated = "An0ther&Secret!pw"
	require.NoError(t, svc.RotatePassword(ctx, u.ID, rotated))

	_, err = svc.Validate(ctx, sess.Token, domain.PermAgentSubmit, "")
	assert.True(t, errors.Is(err, domain.ErrUnauthorized), "old session predates rotation")

	_, err = svc.Authenticate(ctx, "acme", "ops@acme.example", goodPassword)
	assert.True(t, errors.Is(err, domain.ErrUnauthorized), "old password no longer works")

	fresh, err := svc.Authenticate(ctx, "acme", "ops@acme.example", rotated)
	require.NoError(t, err)
	_, err = svc.Validate(ctx, fresh.Token, domain.PermAgentSubmit, "")
	assert.NoError(t, err)
}

func TestReapSessions(t *testing.T) {
	clk := domain.SystemClock{}
	svc := NewAuthService(store.NewMemoryStore(clk), domain.NewULIDSource(clk), clk, nil,
		config.SecurityConfig{SessionTTL: -time.Second, LoginAttempts: 10, LoginWindow: time.Minute},
		slog.New(slog.NewTextHandler(io.Discard, nil)))
	require.NoError(t, svc.Init(context.Background()))
	ctx := context.Background()

	_, err := svc.CreateUser(ctx, "acme", "ops@acme.example", goodPassword, domain.RoleOperator)
	require.NoError(t, err)
	// SessionTTL is negative, so the session is born expired.
	_, err = svc.Authenticate(ctx, "acme", "ops@acme.example", goodPassword)
	require.NoError(t, err)

	removed, err := svc.ReapSessions(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, removed)
}

func TestBootstrapSeedsOperatorOnce(t *testing.T) {
	clk := domain.SystemClock{}
	svc := NewAuthService(store.NewMemoryStore(clk), domain.NewULIDSource(clk), clk, nil,
		config.SecurityConfig{
			SessionTTL:    time.Hour,
			LoginAttempts: 5,
			LoginWindow:   time.Minute,
			Bootstrap: config.BootstrapConfig{
				TenantID: "platform",
				Email:    "root@platform.example",
				Password: goodPassword,
			},
		},
		slog.New(slog.NewTextHandler(io.Discard, nil)))
	require.NoError(t, svc.Init(context.Background()))
	ctx := context.Background()

	require.NoError(t, svc.Bootstrap(ctx))
	sess, err := svc.Authenticate(ctx, "platform", "root@platform.example", goodPassword)
	require.NoError(t, err)
	assert.Equal(t, domain.RoleSuperAdmin, sess.Role)

	// Second run is a no-op.
	require.NoError(t, svc.Bootstrap(ctx))
}
