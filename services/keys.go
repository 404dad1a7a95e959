package services

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/alphabatem/common/context"
	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
	"golang.org/x/crypto/nacl/secretbox"

	"github.com/ViljarVoidula/graphql-gateway/dto"
	"github.com/ViljarVoidula/graphql-gateway/model"
	"github.com/ViljarVoidula/graphql-gateway/shared"
)

// KeyRotationGracePeriod is the window after rotation during which the
// replaced key still verifies. In-flight requests signed with the old key
// keep working; there is no coordination with in-flight verifications beyond
// this overlap.
const KeyRotationGracePeriod = time.Hour

// KeyManagerService issues, rotates and revokes the HMAC credentials used
// for gateway-to-service authentication. It performs no identity checks;
// authorization is the caller's responsibility.
type KeyManagerService struct {
	context.DefaultService

	sqlSvc      *SqlService
	masterKey   [32]byte
	gracePeriod time.Duration
}

const KEY_MANAGER_SVC = "key_manager_svc"

func (svc KeyManagerService) Id() string {
	return KEY_MANAGER_SVC
}

func (svc *KeyManagerService) Configure(ctx *context.Context) error {
	master := os.Getenv("MASTER_ENCRYPTION_KEY")
	if master == "" {
		return fmt.Errorf("MASTER_ENCRYPTION_KEY is not set")
	}
	svc.masterKey = sha256.Sum256([]byte(master))
	svc.gracePeriod = KeyRotationGracePeriod

	return svc.DefaultService.Configure(ctx)
}

func (svc *KeyManagerService) Start() error {
	svc.sqlSvc = svc.Service(SQL_SVC).(*SqlService)
	return nil
}

// GenerateKey mints a fresh credential for a service. The plaintext secret
// exists only in the returned value; what hits the database is the
// secretbox-sealed form. Fails with Conflict if the service already holds an
// active key (rotate instead).
func (svc *KeyManagerService) GenerateKey(serviceID string) (*dto.HMACKeyResponse, error) {
	if existing, err := svc.sqlSvc.GetActiveKey(serviceID); err == nil && existing != nil {
		return nil, shared.ErrConflict("service already has an active key")
	} else if err != nil && !shared.IsNotFound(err) {
		return nil, err
	}

	return svc.mintKey(serviceID)
}

func (svc *KeyManagerService) mintKey(serviceID string) (*dto.HMACKeyResponse, error) {
	secretBytes := make([]byte, 32)
	if _, err := io.ReadFull(rand.Reader, secretBytes); err != nil {
		return nil, fmt.Errorf("failed to generate secret: %w", err)
	}
	secret := hex.EncodeToString(secretBytes)

	sealed, err := svc.seal([]byte(secret))
	if err != nil {
		return nil, err
	}

	key := &model.ServiceKey{
		KeyID:           "gwk_" + uuid.NewString(),
		ServiceID:       serviceID,
		SecretEncrypted: sealed,
		Status:          model.KeyStatusActive,
		CreatedAt:       time.Now(),
	}
	if err := svc.sqlSvc.SaveKey(key); err != nil {
		return nil, err
	}

	log.WithFields(log.Fields{"key_id": key.KeyID, "service_id": serviceID}).Info("Issued service key")

	return &dto.HMACKeyResponse{KeyID: key.KeyID, SecretKey: secret}, nil
}

// RotateKey creates a new active key and moves the previous active key (if
// any) into its grace window. During the window both keys verify.
func (svc *KeyManagerService) RotateKey(serviceID string) (*dto.RotateKeyResponse, error) {
	var oldKeyID *string
	if old, err := svc.sqlSvc.GetActiveKey(serviceID); err == nil {
		expiresAt := time.Now().Add(svc.gracePeriod)
		if err := svc.sqlSvc.UpdateKeyStatus(old.KeyID, model.KeyStatusExpired, &expiresAt); err != nil {
			return nil, err
		}
		oldKeyID = &old.KeyID
	} else if !shared.IsNotFound(err) {
		return nil, err
	}

	newKey, err := svc.mintKey(serviceID)
	if err != nil {
		return nil, err
	}

	log.WithFields(log.Fields{"service_id": serviceID, "new_key_id": newKey.KeyID}).Info("Rotated service key")

	return &dto.RotateKeyResponse{OldKeyID: oldKeyID, NewKey: newKey, Success: true}, nil
}

// RevokeKey is immediate and irreversible: a revoked key fails verification
// regardless of any remaining grace window.
func (svc *KeyManagerService) RevokeKey(keyID string) (bool, error) {
	key, err := svc.sqlSvc.GetKey(keyID)
	if err != nil {
		return false, err
	}
	if key.Status == model.KeyStatusRevoked {
		return false, nil
	}
	if err := svc.sqlSvc.UpdateKeyStatus(keyID, model.KeyStatusRevoked, nil); err != nil {
		return false, err
	}

	log.WithFields(log.Fields{"key_id": keyID, "service_id": key.ServiceID}).Warn("Revoked service key")
	return true, nil
}

// GetActiveKey returns the service's active key metadata, or nil when none
// exists.
func (svc *KeyManagerService) GetActiveKey(serviceID string) (*dto.ServiceKeyInfo, error) {
	key, err := svc.sqlSvc.GetActiveKey(serviceID)
	if err != nil {
		if shared.IsNotFound(err) {
			return nil, nil
		}
		return nil, err
	}
	info := keyInfo(key)
	return &info, nil
}

func (svc *KeyManagerService) GetServiceKeys(serviceID string) ([]dto.ServiceKeyInfo, error) {
	keys, err := svc.sqlSvc.ListServiceKeys(serviceID)
	if err != nil {
		return nil, err
	}
	out := make([]dto.ServiceKeyInfo, 0, len(keys))
	for i := range keys {
		out = append(out, keyInfo(&keys[i]))
	}
	return out, nil
}

func (svc *KeyManagerService) GetStats() (*dto.KeyStatsResponse, error) {
	total, err := svc.sqlSvc.CountKeys()
	if err != nil {
		return nil, err
	}
	active, err := svc.sqlSvc.CountKeysByStatus(model.KeyStatusActive)
	if err != nil {
		return nil, err
	}
	revoked, err := svc.sqlSvc.CountKeysByStatus(model.KeyStatusRevoked)
	if err != nil {
		return nil, err
	}
	services, err := svc.sqlSvc.CountKeyedServices()
	if err != nil {
		return nil, err
	}

	return &dto.KeyStatsResponse{
		TotalKeys:   total,
		ActiveKeys:  active,
		RevokedKeys: revoked,
		Services:    services,
	}, nil
}

// VerifySignature checks an HMAC-SHA256 signature against every key currently
// allowed to verify for the service: the active key and any expired key still
// inside its grace window.
func (svc *KeyManagerService) VerifySignature(serviceID string, payload []byte, signature string) (bool, error) {
	keys, err := svc.sqlSvc.ListVerifiableKeys(serviceID, time.Now())
	if err != nil {
		return false, err
	}

	for i := range keys {
		ok, err := svc.verifyWithKey(&keys[i], payload, signature)
		if err != nil {
			return false, err
		}
		if ok {
			return true, nil
		}
	}
	return false, nil
}

// VerifyWithKeyID checks a signature against one specific key, honouring its
// status and grace window.
func (svc *KeyManagerService) VerifyWithKeyID(keyID string, payload []byte, signature string) (bool, error) {
	key, err := svc.sqlSvc.GetKey(keyID)
	if err != nil {
		return false, err
	}
	if !key.Verifiable(time.Now()) {
		return false, nil
	}
	return svc.verifyWithKey(key, payload, signature)
}

// Sign produces the HMAC-SHA256 signature of payload under the service's
// active key, for outbound gateway-to-service calls.
func (svc *KeyManagerService) Sign(serviceID string, payload []byte) (keyID, signature string, err error) {
	key, err := svc.sqlSvc.GetActiveKey(serviceID)
	if err != nil {
		return "", "", err
	}
	secret, err := svc.open(key.SecretEncrypted)
	if err != nil {
		return "", "", err
	}
	mac := hmac.New(sha256.New, secret)
	mac.Write(payload)
	return key.KeyID, hex.EncodeToString(mac.Sum(nil)), nil
}

func (svc *KeyManagerService) verifyWithKey(key *model.ServiceKey, payload []byte, signature string) (bool, error) {
	secret, err := svc.open(key.SecretEncrypted)
	if err != nil {
		return false, err
	}

	mac := hmac.New(sha256.New, secret)
	mac.Write(payload)
	expected := hex.EncodeToString(mac.Sum(nil))
	return hmac.Equal([]byte(expected), []byte(signature)), nil
}

// ==================== SECRET ENCRYPTION ====================

func (svc *KeyManagerService) seal(plaintext []byte) ([]byte, error) {
	var nonce [24]byte
	if _, err := io.ReadFull(rand.Reader, nonce[:]); err != nil {
		return nil, fmt.Errorf("failed to generate nonce: %w", err)
	}
	return secretbox.Seal(nonce[:], plaintext, &nonce, &svc.masterKey), nil
}

func (svc *KeyManagerService) open(sealed []byte) ([]byte, error) {
	if len(sealed) < 24 {
		return nil, fmt.Errorf("sealed secret too short")
	}
	var nonce [24]byte
	copy(nonce[:], sealed[:24])
	plaintext, ok := secretbox.Open(nil, sealed[24:], &nonce, &svc.masterKey)
	if !ok {
		return nil, fmt.Errorf("failed to decrypt service key secret")
	}
	return plaintext, nil
}

func keyInfo(key *model.ServiceKey) dto.ServiceKeyInfo {
	return dto.ServiceKeyInfo{
		KeyID:     key.KeyID,
		ServiceID: key.ServiceID,
		Status:    key.Status,
		CreatedAt: key.CreatedAt,
		ExpiresAt: key.ExpiresAt,
	}
}
