package services

import (
	"context"
	"testing"
	"time"

	"github.com/duckpass/duckpass/internal/common"
	"github.com/duckpass/duckpass/internal/server/totp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func totpVerifier() totp.Verifier { return totp.DefaultVerifier() }

// wrongCode flips the lowest bit of the last digit.
func wrongCode(code string) string {
	b := []byte(code)
	b[len(b)-1] ^= 1
	return string(b)
}

func currentCode(t *testing.T, secret string) string {
	t.Helper()
	code, err := totpVerifier().Code(secret, time.Now())
	require.NoError(t, err)
	return code
}

func TestGenerateAuthKey(t *testing.T) {
	env := newTestEnv(t)
	u := env.registerVerified(t, "alice@example.com", hashH1)

	key, err := env.tfa.GenerateAuthKey(context.Background(), u)
	require.NoError(t, err)
	assert.Len(t, key.Secret, 32)
	assert.Contains(t, key.URL, "otpauth://totp/")
	assert.Contains(t, key.URL, "secret="+key.Secret)
	assert.False(t, env.repo.get(t, u.Email).HasTwoFactorAuth, "generating a key stores nothing")

	u.HasTwoFactorAuth = true
	_, err = env.tfa.GenerateAuthKey(context.Background(), u)
	assert.ErrorIs(t, err, common.ErrTwoFactorAlreadyEnabled)
}

func TestEnableCheckDisable(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	u := env.registerVerified(t, "alice@example.com", hashH1)

	key, err := env.tfa.GenerateAuthKey(ctx, u)
	require.NoError(t, err)

	err = env.tfa.Enable(ctx, u, key.Secret, wrongCode(currentCode(t, key.Secret)))
	assert.ErrorIs(t, err, common.ErrInvalidCode)
	assert.False(t, env.repo.get(t, u.Email).HasTwoFactorAuth)

	env.expectTx()
	require.NoError(t, env.tfa.Enable(ctx, u, key.Secret, currentCode(t, key.Secret)))
	stored := env.repo.get(t, u.Email)
	assert.True(t, stored.HasTwoFactorAuth)
	assert.Equal(t, key.Secret, stored.TwoFactorAuth)

	assert.ErrorIs(t, env.tfa.Enable(ctx, stored, key.Secret, currentCode(t, key.Secret)), common.ErrTwoFactorAlreadyEnabled)

	token, err := env.tfa.Check(ctx, u.Email, hashH1, currentCode(t, key.Secret))
	require.NoError(t, err)
	sub, err := env.tokens.Parse(token)
	require.NoError(t, err)
	assert.Equal(t, u.Email, sub)

	_, err = env.tfa.Check(ctx, u.Email, hashH1, wrongCode(currentCode(t, key.Secret)))
	assert.ErrorIs(t, err, common.ErrorUnauthorized)

	_, err = env.tfa.Check(ctx, u.Email, hashH2, currentCode(t, key.Secret))
	assert.ErrorIs(t, err, common.ErrInvalidCredentials)

	env.expectTx()
	require.NoError(t, env.tfa.Disable(ctx, stored))
	disabled := env.repo.get(t, u.Email)
	assert.False(t, disabled.HasTwoFactorAuth)
	assert.Equal(t, common.TwoFactorDisabledSecret, disabled.TwoFactorAuth)

	assert.ErrorIs(t, env.tfa.Disable(ctx, disabled), common.ErrTwoFactorNotEnabled)
	assert.NoError(t, env.mock.ExpectationsWereMet())
}

func TestCheck_Gates(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	_, err := env.users.Register(ctx, "new@example.com", creds(hashH1))
	require.NoError(t, err)
	_, err = env.tfa.Check(ctx, "new@example.com", hashH1, "000000")
	assert.ErrorIs(t, err, common.ErrNotVerified)

	env.registerVerified(t, "plain@example.com", hashH1)
	_, err = env.tfa.Check(ctx, "plain@example.com", hashH1, "000000")
	assert.ErrorIs(t, err, common.ErrTwoFactorNotEnabled)
}

func TestEnable_RejectsSentinelSecret(t *testing.T) {
	env := newTestEnv(t)
	u := env.registerVerified(t, "alice@example.com", hashH1)

	err := env.tfa.Enable(context.Background(), u, common.TwoFactorDisabledSecret, "123456")
	assert.ErrorIs(t, err, common.ErrorValidation)
}
