package keys

import (
	"context"
	"regexp"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newTestService(t *testing.T) *Service {
	t.Helper()

	db, err := OpenDB(DBConfig{Driver: "sqlite", DSN: ":memory:", Logger: zap.NewNop()})
	require.NoError(t, err)
	t.Cleanup(func() {
		sqlDB, err := db.DB()
		if err == nil {
			_ = sqlDB.Close()
		}
	})

	return NewService(db)
}

func TestGenerateKeyFormat(t *testing.T) {
	seen := make(map[string]bool)
	format := regexp.MustCompile(`^sa_live_[0-9a-f]{32}$`)

	for i := 0; i < 50; i++ {
		key, err := GenerateKey()
		require.NoError(t, err)
		assert.Regexp(t, format, key)
		assert.False(t, seen[key], "generated keys must not repeat")
		seen[key] = true
	}
}

func TestHashKeyIsDeterministicHex(t *testing.T) {
	h1 := HashKey("sa_live_0123456789abcdef0123456789abcdef")
	h2 := HashKey("sa_live_0123456789abcdef0123456789abcdef")

	assert.Equal(t, h1, h2)
	assert.Regexp(t, `^[0-9a-f]{64}$`, h1)
	assert.NotEqual(t, h1, HashKey("sa_live_ffffffffffffffffffffffffffffffff"))
}

func TestCreateValidateRevokeRoundTrip(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	created, err := svc.Create(ctx, "proj-x", "ci key", "tester")
	require.NoError(t, err)
	assert.Regexp(t, `^sa_live_[0-9a-f]{32}$`, created.APIKey)
	assert.Equal(t, created.APIKey[:12], created.KeyPrefix)

	assert.True(t, svc.Validate(ctx, "proj-x", created.APIKey))
	assert.False(t, svc.Validate(ctx, "proj-x", "sa_live_ffffffffffffffffffffffffffffffff"))
	assert.False(t, svc.Validate(ctx, "other-proj", created.APIKey))

	require.NoError(t, svc.Revoke(ctx, "proj-x"))
	assert.False(t, svc.Validate(ctx, "proj-x", created.APIKey))
}

func TestCreateRejectsSecondActiveKey(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	_, err := svc.Create(ctx, "proj-x", "", "")
	require.NoError(t, err)

	_, err = svc.Create(ctx, "proj-x", "", "")
	assert.ErrorIs(t, err, ErrActiveKeyExists)
}

func TestCreateReusesRevokedRow(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	first, err := svc.Create(ctx, "proj-x", "", "")
	require.NoError(t, err)
	require.NoError(t, svc.Revoke(ctx, "proj-x"))

	second, err := svc.Create(ctx, "proj-x", "rotated", "ops")
	require.NoError(t, err)
	assert.NotEqual(t, first.APIKey, second.APIKey)

	// Only the new key validates.
	assert.False(t, svc.Validate(ctx, "proj-x", first.APIKey))
	assert.True(t, svc.Validate(ctx, "proj-x", second.APIKey))

	// Still a single row for the project.
	rows, err := svc.List(ctx)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, "rotated", rows[0].Description)
}

func TestValidateRejectsMalformedKeys(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	created, err := svc.Create(ctx, "proj-x", "", "")
	require.NoError(t, err)

	assert.False(t, svc.Validate(ctx, "proj-x", ""))
	assert.False(t, svc.Validate(ctx, "proj-x", "not-a-key"))
	assert.False(t, svc.Validate(ctx, "proj-x", "sk_live_"+created.APIKey[8:]))

	// sa_test_ passes the shape gate but never matches a stored hash.
	assert.False(t, svc.Validate(ctx, "proj-x", "sa_test_0123456789abcdef0123456789abcdef"))
}

func TestValidateSchedulesLastUsedUpdate(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	created, err := svc.Create(ctx, "proj-x", "", "")
	require.NoError(t, err)

	before, err := svc.Describe(ctx, "proj-x")
	require.NoError(t, err)
	require.Nil(t, before.LastUsedAt)

	require.True(t, svc.Validate(ctx, "proj-x", created.APIKey))

	assert.Eventually(t, func() bool {
		row, err := svc.Describe(ctx, "proj-x")
		return err == nil && row.LastUsedAt != nil
	}, 2*time.Second, 20*time.Millisecond)
}

func TestDescribeAndRevokeUnknownProject(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	_, err := svc.Describe(ctx, "ghost")
	assert.ErrorIs(t, err, ErrNotFound)
	assert.ErrorIs(t, svc.Revoke(ctx, "ghost"), ErrNotFound)
}

func TestPing(t *testing.T) {
	db, err := OpenDB(DBConfig{Driver: "sqlite", DSN: ":memory:", Logger: zap.NewNop()})
	require.NoError(t, err)
	assert.NoError(t, Ping(context.Background(), db))
}

func TestOpenDBRejectsUnknownDriver(t *testing.T) {
	_, err := OpenDB(DBConfig{Driver: "oracle", DSN: "x", Logger: zap.NewNop()})
	assert.Error(t, err)
}
