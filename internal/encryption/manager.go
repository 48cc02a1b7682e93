package encryption

import (
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/kms"
	"github.com/aws/aws-sdk-go-v2/service/kms/types"

	"delivery-guard/internal/config"
	"delivery-guard/internal/models"
	"delivery-guard/internal/util"
)

var (
	ErrEncryptionFailed = errors.New("encryption failed")
	ErrDecryptionFailed = errors.New("decryption failed")
)

const localKeyID = "local"

// KMSAPI is the subset of the KMS client used for envelope encryption.
type KMSAPI interface {
	GenerateDataKey(ctx context.Context, in *kms.GenerateDataKeyInput, optFns ...func(*kms.Options)) (*kms.GenerateDataKeyOutput, error)
	Decrypt(ctx context.Context, in *kms.DecryptInput, optFns ...func(*kms.Options)) (*kms.DecryptOutput, error)
}

// Manager seals PII such as phone destinations and claimant contacts with a
// per-value data key. The data key is wrapped by KMS, or by a process-local
// master key when KMS is disabled.
type Manager struct {
	kms       KMSAPI
	keyID     string
	masterKey []byte
	keyCache  sync.Map
}

type dataKey struct {
	plaintext  []byte
	ciphertext []byte
	keyID      string
}

func NewManager(cfg config.KMSConfig, api KMSAPI) *Manager {
	m := &Manager{keyID: cfg.KeyID}
	if cfg.Enabled && api != nil {
		m.kms = api
		return m
	}

	m.masterKey = make([]byte, 32)
	if _, err := rand.Read(m.masterKey); err != nil {
		util.Fatal("Failed to generate local master key", util.ErrorField(err))
	}
	util.Warn("KMS disabled, encrypted fields are readable only by this process")
	return m
}

func (m *Manager) generateDataKey(ctx context.Context) (*dataKey, error) {
	if m.kms != nil {
		out, err := m.kms.GenerateDataKey(ctx, &kms.GenerateDataKeyInput{
			KeyId:   aws.String(m.keyID),
			KeySpec: types.DataKeySpecAes256,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to generate data key: %w", err)
		}
		return &dataKey{plaintext: out.Plaintext, ciphertext: out.CiphertextBlob, keyID: m.keyID}, nil
	}

	key := make([]byte, 32)
	if _, err := rand.Read(key); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrEncryptionFailed, err)
	}
	wrapped, err := seal(m.masterKey, key)
	if err != nil {
		return nil, err
	}
	return &dataKey{plaintext: key, ciphertext: wrapped, keyID: localKeyID}, nil
}

func (m *Manager) unwrapDataKey(ctx context.Context, wrapped []byte) ([]byte, error) {
	if m.kms != nil {
		out, err := m.kms.Decrypt(ctx, &kms.DecryptInput{CiphertextBlob: wrapped})
		if err != nil {
			return nil, fmt.Errorf("%w: failed to decrypt DEK: %v", ErrDecryptionFailed, err)
		}
		return out.Plaintext, nil
	}
	return open(m.masterKey, wrapped)
}

// Encrypt seals plaintext under a fresh data key.
func (m *Manager) Encrypt(ctx context.Context, plaintext string) (models.EncryptedField, error) {
	dk, err := m.generateDataKey(ctx)
	if err != nil {
		return models.EncryptedField{}, err
	}

	sealed, err := seal(dk.plaintext, []byte(plaintext))
	if err != nil {
		return models.EncryptedField{}, err
	}

	wrapped := base64.StdEncoding.EncodeToString(dk.ciphertext)
	m.keyCache.Store(wrapped, dk.plaintext)

	return models.EncryptedField{
		Value: base64.StdEncoding.EncodeToString(sealed),
		DEK:   wrapped,
		KeyID: dk.keyID,
	}, nil
}

func (m *Manager) Decrypt(ctx context.Context, field models.EncryptedField) (string, error) {
	sealed, err := base64.StdEncoding.DecodeString(field.Value)
	if err != nil {
		return "", fmt.Errorf("%w: invalid ciphertext format", ErrDecryptionFailed)
	}

	var key []byte
	if cached, ok := m.keyCache.Load(field.DEK); ok {
		key = cached.([]byte)
	} else {
		wrapped, err := base64.StdEncoding.DecodeString(field.DEK)
		if err != nil {
			return "", fmt.Errorf("%w: invalid DEK format", ErrDecryptionFailed)
		}
		key, err = m.unwrapDataKey(ctx, wrapped)
		if err != nil {
			return "", err
		}
		m.keyCache.Store(field.DEK, key)
	}

	plain, err := open(key, sealed)
	if err != nil {
		return "", err
	}
	return string(plain), nil
}

func seal(key, plaintext []byte) ([]byte, error) {
	gcm, err := newGCM(key)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrEncryptionFailed, err)
	}
	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrEncryptionFailed, err)
	}
	return gcm.Seal(nonce, nonce, plaintext, nil), nil
}

func open(key, sealed []byte) ([]byte, error) {
	gcm, err := newGCM(key)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecryptionFailed, err)
	}
	if len(sealed) < gcm.NonceSize() {
		return nil, fmt.Errorf("%w: ciphertext too short", ErrDecryptionFailed)
	}
	nonce, body := sealed[:gcm.NonceSize()], sealed[gcm.NonceSize():]
	plain, err := gcm.Open(nil, nonce, body, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecryptionFailed, err)
	}
	return plain, nil
}

func newGCM(key []byte) (cipher.AEAD, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	return cipher.NewGCM(block)
}
