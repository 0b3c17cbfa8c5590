package cmd

import (
	"bytes"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mwork/credit-ledger/internal/pkg/jwt"
)

func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetErr(&out)
	rootCmd.SetArgs(args)
	err := rootCmd.Execute()
	return out.String(), err
}

func TestTokenCommand(t *testing.T) {
	t.Setenv("ENV", "test")
	t.Setenv("JWT_SECRET", "cli-secret")

	out, err := run(t, "token", "--user", "ops", "--role", "admin")
	require.NoError(t, err)

	claims, err := jwt.NewService("cli-secret", 0).ValidateAccessToken(strings.TrimSpace(out))
	require.NoError(t, err)
	assert.Equal(t, "ops", claims.UserID)
	assert.Equal(t, "admin", claims.Role)

	_, err = run(t, "token", "--user", "ops", "--role", "root")
	assert.Error(t, err)
}

func TestDistributeOnMemoryStore(t *testing.T) {
	t.Setenv("ENV", "test")
	t.Setenv("STORE_DRIVER", "memory")
	t.Setenv("REDIS_URL", "")

	out, err := run(t, "distribute")
	require.NoError(t, err)
	assert.Contains(t, out, `"skipped": false`)
}

func TestMigrateRejectsUnknownDirection(t *testing.T) {
	t.Setenv("ENV", "test")
	_, err := run(t, "migrate", "sideways")
	assert.Error(t, err)
}
