package keystore

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/imamfahrudin/ai-api-middleware/internal/models"
	"github.com/imamfahrudin/ai-api-middleware/internal/services/database"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type testClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

func newTestStore(t *testing.T) (*Store, *testClock) {
	t.Helper()

	db, err := database.New(models.DatabaseConfig{
		Type:     models.SQLite,
		FilePath: filepath.Join(t.TempDir(), "keys.db"),
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	clock := &testClock{t: time.Date(2025, 3, 14, 12, 0, 0, 0, time.UTC)}
	store := New(db.DB, WithClock(clock.Now))
	require.NoError(t, store.AutoMigrate())
	require.NoError(t, store.SeedSettings(context.Background()))
	return store, clock
}

func addKeys(t *testing.T, s *Store, secrets ...string) []uint {
	t.Helper()
	ids := make([]uint, 0, len(secrets))
	for _, secret := range secrets {
		cred, err := s.AddCredential(context.Background(), models.CredentialCreateRequest{Key: secret})
		require.NoError(t, err)
		ids = append(ids, cred.ID)
	}
	return ids
}

func TestAddCredential(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	cred, err := s.AddCredential(ctx, models.CredentialCreateRequest{Key: "AIzaSyA-first-key", Name: "  primary ", Note: "team"})
	require.NoError(t, err)
	assert.Equal(t, "primary", cred.Name)
	assert.Equal(t, models.StatusHealthy, cred.Status)
	assert.True(t, cred.LastRotatedAt.Equal(time.Unix(0, 0)))

	_, err = s.AddCredential(ctx, models.CredentialCreateRequest{Key: "AIzaSyA-first-key"})
	assert.ErrorIs(t, err, ErrKeyExists)

	_, err = s.AddCredential(ctx, models.CredentialCreateRequest{Key: "short"})
	assert.ErrorIs(t, err, ErrInvalidKey)

	_, err = s.AddCredential(ctx, models.CredentialCreateRequest{Key: ""})
	assert.ErrorIs(t, err, ErrInvalidKey)

	unnamed, err := s.AddCredential(ctx, models.CredentialCreateRequest{Key: "AIzaSyA-second-key"})
	require.NoError(t, err)
	assert.Equal(t, "Unnamed", unnamed.Name)
}

func TestUpdateCredential(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()
	ids := addKeys(t, s, "AIzaSyA-key-one", "AIzaSyA-key-two")

	name := "renamed"
	require.NoError(t, s.UpdateCredential(ctx, ids[0], models.CredentialUpdateRequest{Name: &name}))
	got, err := s.GetCredential(ctx, ids[0])
	require.NoError(t, err)
	assert.Equal(t, "renamed", got.Name)

	t.Run("no fields", func(t *testing.T) {
		assert.ErrorIs(t, s.UpdateCredential(ctx, ids[0], models.CredentialUpdateRequest{}), ErrNoValidData)
	})

	t.Run("resting is not accepted", func(t *testing.T) {
		resting := string(models.StatusResting)
		assert.ErrorIs(t, s.UpdateCredential(ctx, ids[0], models.CredentialUpdateRequest{Status: &resting}), ErrNoValidData)
	})

	t.Run("short secret is ignored", func(t *testing.T) {
		short := "abc"
		assert.ErrorIs(t, s.UpdateCredential(ctx, ids[0], models.CredentialUpdateRequest{Key: &short}), ErrNoValidData)
	})

	t.Run("duplicate secret", func(t *testing.T) {
		dup := "AIzaSyA-key-two"
		assert.ErrorIs(t, s.UpdateCredential(ctx, ids[0], models.CredentialUpdateRequest{Key: &dup}), ErrUpdateFailed)
	})

	t.Run("missing credential", func(t *testing.T) {
		assert.ErrorIs(t, s.UpdateCredential(ctx, 9999, models.CredentialUpdateRequest{Name: &name}), ErrNotFound)
	})

	t.Run("unchanged values", func(t *testing.T) {
		same := "renamed"
		note := ""
		require.NoError(t, s.UpdateCredential(ctx, ids[0], models.CredentialUpdateRequest{Name: &same, Note: &note}))
		require.NoError(t, s.UpdateCredential(ctx, ids[0], models.CredentialUpdateRequest{Name: &same, Note: &note}))
	})

	t.Run("missing credential with duplicate secret", func(t *testing.T) {
		dup := "AIzaSyA-key-two"
		assert.ErrorIs(t, s.UpdateCredential(ctx, 9999, models.CredentialUpdateRequest{Key: &dup}), ErrNotFound)
	})

	t.Run("explicit status clears cooldown", func(t *testing.T) {
		_, err := s.BulkSetStatus(ctx, []uint{ids[1]}, string(models.StatusResting))
		require.NoError(t, err)

		healthy := string(models.StatusHealthy)
		require.NoError(t, s.UpdateCredential(ctx, ids[1], models.CredentialUpdateRequest{Status: &healthy}))

		var cred models.Credential
		require.NoError(t, s.db.First(&cred, ids[1]).Error)
		assert.Equal(t, models.StatusHealthy, cred.Status)
		assert.Nil(t, cred.DisabledUntil)
	})
}

func TestRemoveCredentialDeletesStats(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()
	ids := addKeys(t, s, "AIzaSyA-key-one")

	require.NoError(t, s.RecordOutcome(ctx, models.Outcome{KeyID: ids[0], Success: true, Model: "gemini-pro"}))

	deleted, err := s.RemoveCredential(ctx, ids[0])
	require.NoError(t, err)
	assert.True(t, deleted)

	var n int64
	require.NoError(t, s.db.Model(&models.DailyStat{}).Count(&n).Error)
	assert.Zero(t, n)

	deleted, err = s.RemoveCredential(ctx, ids[0])
	require.NoError(t, err)
	assert.False(t, deleted)
}

func TestBulkSetStatus(t *testing.T) {
	s, clock := newTestStore(t)
	ctx := context.Background()
	ids := addKeys(t, s, "AIzaSyA-key-one", "AIzaSyA-key-two", "AIzaSyA-key-three")

	msg, err := s.BulkSetStatus(ctx, ids[:2], string(models.StatusResting))
	require.NoError(t, err)
	assert.Equal(t, "2 keys updated to Resting.", msg)

	var cred models.Credential
	require.NoError(t, s.db.First(&cred, ids[0]).Error)
	require.NotNil(t, cred.DisabledUntil)
	assert.True(t, cred.DisabledUntil.Equal(clock.Now().Add(time.Hour)))

	_, err = s.BulkSetStatus(ctx, nil, string(models.StatusHealthy))
	assert.ErrorIs(t, err, ErrInvalidBulk)

	_, err = s.BulkSetStatus(ctx, ids, "Sleeping")
	assert.ErrorIs(t, err, ErrInvalidBulk)

	_, err = s.BulkSetStatus(ctx, ids[:1], string(models.StatusDisabled))
	require.NoError(t, err)
	require.NoError(t, s.db.First(&cred, ids[0]).Error)
	assert.Equal(t, models.StatusDisabled, cred.Status)
	assert.Nil(t, cred.DisabledUntil)
}

func TestGetCredentialNotFound(t *testing.T) {
	s, _ := newTestStore(t)
	_, err := s.GetCredential(context.Background(), 42)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestImportIsIdempotent(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	batch := []models.ExportedCredential{
		{Name: "a", KeyValue: "AIzaSyA-import-one", Note: "n1"},
		{Name: "b", KeyValue: "AIzaSyA-import-two"},
		{Name: "c", KeyValue: "AIzaSyA-import-three", Status: "Disabled"},
	}

	imported, skipped, err := s.ImportMany(ctx, batch)
	require.NoError(t, err)
	assert.Equal(t, 3, imported)
	assert.Equal(t, 0, skipped)

	imported, skipped, err = s.ImportMany(ctx, batch)
	require.NoError(t, err)
	assert.Equal(t, 0, imported)
	assert.Equal(t, len(batch), skipped)

	var cred models.Credential
	require.NoError(t, s.db.Where("key_value = ?", "AIzaSyA-import-three").First(&cred).Error)
	assert.Equal(t, models.StatusDisabled, cred.Status)
}

func TestImportSkipsInvalidEntries(t *testing.T) {
	s, _ := newTestStore(t)

	imported, skipped, err := s.ImportMany(context.Background(), []models.ExportedCredential{
		{KeyValue: "tiny"},
		{KeyValue: "AIzaSyA-import-one"},
		{KeyValue: "AIzaSyA-import-one"},
		{KeyValue: "AIzaSyA-import-two", Status: "Resting"},
	})
	require.NoError(t, err)
	assert.Equal(t, 2, imported)
	assert.Equal(t, 2, skipped)

	var cred models.Credential
	require.NoError(t, s.db.Where("key_value = ?", "AIzaSyA-import-two").First(&cred).Error)
	assert.Equal(t, models.StatusHealthy, cred.Status)
}

func TestExportImportRoundTrip(t *testing.T) {
	src, _ := newTestStore(t)
	ctx := context.Background()

	for _, req := range []models.CredentialCreateRequest{
		{Key: "AIzaSyA-round-one", Name: "one", Note: "first"},
		{Key: "AIzaSyA-round-two", Name: "two"},
		{Key: "AIzaSyA-round-three", Note: "third"},
	} {
		_, err := src.AddCredential(ctx, req)
		require.NoError(t, err)
	}

	exported, err := src.ExportAll(ctx)
	require.NoError(t, err)
	require.Len(t, exported, 3)

	dst, _ := newTestStore(t)
	imported, skipped, err := dst.ImportMany(ctx, exported)
	require.NoError(t, err)
	assert.Equal(t, 3, imported)
	assert.Zero(t, skipped)

	reexported, err := dst.ExportAll(ctx)
	require.NoError(t, err)
	assert.ElementsMatch(t, exported, reexported)
}

func TestSeedFromEnv(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	n, err := s.SeedFromEnv(ctx, []string{" AIzaSyA-seed-one ", "", "AIzaSyA-seed-one", "short", "AIzaSyA-seed-two"})
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	n, err = s.SeedFromEnv(ctx, []string{"AIzaSyA-seed-three"})
	require.NoError(t, err)
	assert.Zero(t, n)

	list, err := s.ListWithPerformanceIndex(ctx)
	require.NoError(t, err)
	assert.Len(t, list, 2)
}
