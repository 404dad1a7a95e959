package services

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/ViljarVoidula/graphql-gateway/model"
	"github.com/ViljarVoidula/graphql-gateway/shared"
)

func newTestSql(t *testing.T) *SqlService {
	t.Helper()
	ds := &SqlService{driver: "sqlite", dsn: filepath.Join(t.TempDir(), "gateway_test.db")}
	require.NoError(t, ds.Start())
	return ds
}

func newTestKeyManager(t *testing.T) (*KeyManagerService, *SqlService) {
	t.Helper()
	ds := newTestSql(t)
	km := &KeyManagerService{
		sqlSvc:      ds,
		masterKey:   sha256.Sum256([]byte("test-master-key")),
		gracePeriod: KeyRotationGracePeriod,
	}
	return km, ds
}

func signWith(secret string, payload []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(payload)
	return hex.EncodeToString(mac.Sum(nil))
}

func TestGenerateKeySingleActivePerService(t *testing.T) {
	km, _ := newTestKeyManager(t)

	key, err := km.GenerateKey("svc-1")
	require.NoError(t, err)
	require.Contains(t, key.KeyID, "gwk_")
	require.Len(t, key.SecretKey, 64)

	_, err = km.GenerateKey("svc-1")
	require.Error(t, err)
	require.True(t, shared.IsConflict(err))
}

func TestSecretStoredEncrypted(t *testing.T) {
	km, ds := newTestKeyManager(t)

	key, err := km.GenerateKey("svc-1")
	require.NoError(t, err)

	stored, err := ds.GetActiveKey("svc-1")
	require.NoError(t, err)
	require.NotEqual(t, []byte(key.SecretKey), stored.SecretEncrypted)

	plaintext, err := km.open(stored.SecretEncrypted)
	require.NoError(t, err)
	require.Equal(t, key.SecretKey, string(plaintext))
}

func TestGetActiveKeyNilWhenNone(t *testing.T) {
	km, _ := newTestKeyManager(t)

	info, err := km.GetActiveKey("svc-1")
	require.NoError(t, err)
	require.Nil(t, info)
}

func TestRotateKeepsOldKeyDuringGrace(t *testing.T) {
	km, ds := newTestKeyManager(t)
	payload := []byte("POST /graphql {}")

	oldKey, err := km.GenerateKey("svc-1")
	require.NoError(t, err)

	rotated, err := km.RotateKey("svc-1")
	require.NoError(t, err)
	require.True(t, rotated.Success)
	require.NotNil(t, rotated.OldKeyID)
	require.Equal(t, oldKey.KeyID, *rotated.OldKeyID)
	require.NotEqual(t, oldKey.KeyID, rotated.NewKey.KeyID)

	// Inside the grace window both generations verify.
	ok, err := km.VerifySignature("svc-1", payload, signWith(oldKey.SecretKey, payload))
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = km.VerifySignature("svc-1", payload, signWith(rotated.NewKey.SecretKey, payload))
	require.NoError(t, err)
	require.True(t, ok)

	stored, err := ds.GetKey(oldKey.KeyID)
	require.NoError(t, err)
	require.Equal(t, model.KeyStatusExpired, stored.Status)
	require.NotNil(t, stored.ExpiresAt)
	require.WithinDuration(t, time.Now().Add(KeyRotationGracePeriod), *stored.ExpiresAt, time.Minute)

	// Past the grace window the old key stops verifying.
	past := time.Now().Add(-time.Second)
	require.NoError(t, ds.UpdateKeyStatus(oldKey.KeyID, model.KeyStatusExpired, &past))

	ok, err = km.VerifySignature("svc-1", payload, signWith(oldKey.SecretKey, payload))
	require.NoError(t, err)
	require.False(t, ok)

	ok, err = km.VerifySignature("svc-1", payload, signWith(rotated.NewKey.SecretKey, payload))
	require.NoError(t, err)
	require.True(t, ok)
}

func TestRotateWithoutExistingKey(t *testing.T) {
	km, _ := newTestKeyManager(t)

	rotated, err := km.RotateKey("svc-1")
	require.NoError(t, err)
	require.Nil(t, rotated.OldKeyID)
	require.NotNil(t, rotated.NewKey)
}

func TestRevokeOverridesGraceWindow(t *testing.T) {
	km, _ := newTestKeyManager(t)
	payload := []byte("payload")

	oldKey, err := km.GenerateKey("svc-1")
	require.NoError(t, err)
	_, err = km.RotateKey("svc-1")
	require.NoError(t, err)

	revoked, err := km.RevokeKey(oldKey.KeyID)
	require.NoError(t, err)
	require.True(t, revoked)

	// Revocation wins even though the grace window has not elapsed.
	ok, err := km.VerifyWithKeyID(oldKey.KeyID, payload, signWith(oldKey.SecretKey, payload))
	require.NoError(t, err)
	require.False(t, ok)

	ok, err = km.VerifySignature("svc-1", payload, signWith(oldKey.SecretKey, payload))
	require.NoError(t, err)
	require.False(t, ok)

	// Revoking twice is a no-op.
	revoked, err = km.RevokeKey(oldKey.KeyID)
	require.NoError(t, err)
	require.False(t, revoked)
}

func TestSignVerifyRoundTrip(t *testing.T) {
	km, _ := newTestKeyManager(t)
	payload := []byte(`{"query":"{ _service { sdl } }"}`)

	_, err := km.GenerateKey("svc-1")
	require.NoError(t, err)

	keyID, signature, err := km.Sign("svc-1", payload)
	require.NoError(t, err)

	ok, err := km.VerifyWithKeyID(keyID, payload, signature)
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = km.VerifyWithKeyID(keyID, []byte("tampered"), signature)
	require.NoError(t, err)
	require.False(t, ok)
}

func TestServiceKeyListingHidesSecrets(t *testing.T) {
	km, _ := newTestKeyManager(t)

	_, err := km.GenerateKey("svc-1")
	require.NoError(t, err)
	_, err = km.RotateKey("svc-1")
	require.NoError(t, err)

	infos, err := km.GetServiceKeys("svc-1")
	require.NoError(t, err)
	require.Len(t, infos, 2)
	for _, info := range infos {
		require.NotEmpty(t, info.KeyID)
		require.Equal(t, "svc-1", info.ServiceID)
		require.NotEmpty(t, info.Status)
	}
}

func TestKeyStats(t *testing.T) {
	km, _ := newTestKeyManager(t)

	_, err := km.GenerateKey("svc-a")
	require.NoError(t, err)
	_, err = km.RotateKey("svc-a")
	require.NoError(t, err)

	keyB, err := km.GenerateKey("svc-b")
	require.NoError(t, err)
	_, err = km.RevokeKey(keyB.KeyID)
	require.NoError(t, err)

	stats, err := km.GetStats()
	require.NoError(t, err)
	require.Equal(t, int64(3), stats.TotalKeys)
	require.Equal(t, int64(1), stats.ActiveKeys)
	require.Equal(t, int64(1), stats.RevokedKeys)
	require.Equal(t, int64(2), stats.Services)
}
