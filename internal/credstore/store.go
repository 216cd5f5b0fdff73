package credstore

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	dbmodel "lantern/cli/internal/db"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const (
	keyServiceEndpoint  = "service_endpoint"
	keyServiceModel     = "service_model"
	keyServiceAPIKeyEnc = "service_api_key_enc"
	keyWorkerAPIKeyEnc  = "worker_api_key_enc"
	secretKeySize       = 32
)

// ServiceCredentials locate and authorize the reasoning service.
type ServiceCredentials struct {
	Endpoint  string
	Model     string
	APIKey    string
	APIKeySet bool
}

// Store keeps credentials in the config table; API keys are AES-GCM sealed
// with a key file that never leaves the config dir.
type Store struct {
	db   *gorm.DB
	aead cipher.AEAD
}

// NewStore uses the shared process DB. Caller must not close the db.
func NewStore(db *gorm.DB, secretPath string) (*Store, error) {
	if db == nil {
		return nil, errors.New("db is required")
	}
	key, err := loadOrCreateSecretKey(secretPath)
	if err != nil {
		return nil, err
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}
	return &Store{db: db, aead: aead}, nil
}

// SaveService stores endpoint and model; an empty APIKey keeps the stored one.
func (s *Store) SaveService(c ServiceCredentials) error {
	if s == nil || s.db == nil {
		return errors.New("credential store is not initialized")
	}
	return s.db.Transaction(func(tx *gorm.DB) error {
		if err := upsertValue(tx, keyServiceEndpoint, strings.TrimSpace(c.Endpoint)); err != nil {
			return err
		}
		if err := upsertValue(tx, keyServiceModel, strings.TrimSpace(c.Model)); err != nil {
			return err
		}
		return s.putSecret(tx, keyServiceAPIKeyEnc, c.APIKey)
	})
}

func (s *Store) LoadService() (ServiceCredentials, error) {
	if s == nil || s.db == nil {
		return ServiceCredentials{}, errors.New("credential store is not initialized")
	}
	endpoint, _, err := s.value(keyServiceEndpoint)
	if err != nil {
		return ServiceCredentials{}, err
	}
	model, _, err := s.value(keyServiceModel)
	if err != nil {
		return ServiceCredentials{}, err
	}
	apiKey, ok, err := s.secret(keyServiceAPIKeyEnc)
	if err != nil {
		return ServiceCredentials{}, err
	}
	return ServiceCredentials{
		Endpoint:  strings.TrimSpace(endpoint),
		Model:     strings.TrimSpace(model),
		APIKey:    apiKey,
		APIKeySet: ok,
	}, nil
}

// SaveWorkerKey stores the credential handed to sandbox workers.
func (s *Store) SaveWorkerKey(apiKey string) error {
	if s == nil || s.db == nil {
		return errors.New("credential store is not initialized")
	}
	return s.putSecret(s.db, keyWorkerAPIKeyEnc, apiKey)
}

func (s *Store) WorkerKey() (string, bool, error) {
	if s == nil || s.db == nil {
		return "", false, errors.New("credential store is not initialized")
	}
	return s.secret(keyWorkerAPIKeyEnc)
}

// Resolve overlays non-empty env values on the stored credentials.
func (s *Store) Resolve(endpoint, model, apiKey string) (ServiceCredentials, error) {
	out, err := s.LoadService()
	if err != nil {
		return ServiceCredentials{}, err
	}
	if v := strings.TrimSpace(endpoint); v != "" {
		out.Endpoint = v
	}
	if v := strings.TrimSpace(model); v != "" {
		out.Model = v
	}
	if v := strings.TrimSpace(apiKey); v != "" {
		out.APIKey = v
		out.APIKeySet = true
	}
	return out, nil
}

// Close is a no-op; DB is process-wide and must not be closed by the store.
func (s *Store) Close() error {
	return nil
}

func (s *Store) putSecret(tx *gorm.DB, key, plain string) error {
	if strings.TrimSpace(plain) == "" {
		return nil
	}
	sealed, err := s.seal(plain)
	if err != nil {
		return err
	}
	return upsertValue(tx, key, sealed)
}

func (s *Store) secret(key string) (string, bool, error) {
	raw, ok, err := s.value(key)
	if err != nil || !ok || strings.TrimSpace(raw) == "" {
		return "", false, err
	}
	plain, err := s.open(raw)
	if err != nil {
		return "", false, fmt.Errorf("decrypt %s: %w", key, err)
	}
	return plain, true, nil
}

func (s *Store) value(key string) (string, bool, error) {
	var row dbmodel.Config
	err := s.db.Model(&dbmodel.Config{}).Select("value").Where("key = ?", key).Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return row.Value, true, nil
}

func (s *Store) seal(plain string) (string, error) {
	nonce := make([]byte, s.aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", err
	}
	out := s.aead.Seal(nonce, nonce, []byte(plain), nil)
	return base64.StdEncoding.EncodeToString(out), nil
}

func (s *Store) open(sealed string) (string, error) {
	blob, err := base64.StdEncoding.DecodeString(sealed)
	if err != nil {
		return "", err
	}
	n := s.aead.NonceSize()
	if len(blob) < n {
		return "", errors.New("ciphertext too short")
	}
	plain, err := s.aead.Open(nil, blob[:n], blob[n:], nil)
	if err != nil {
		return "", err
	}
	return string(plain), nil
}

func upsertValue(tx *gorm.DB, key, value string) error {
	row := dbmodel.Config{
		Key:       key,
		Value:     value,
		UpdatedAt: time.Now().UTC().UnixMilli(),
	}
	return tx.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "key"}},
		DoUpdates: clause.AssignmentColumns([]string{"value", "updated_at"}),
	}).Create(&row).Error
}

func loadOrCreateSecretKey(secretPath string) ([]byte, error) {
	if err := os.MkdirAll(filepath.Dir(secretPath), 0o755); err != nil {
		return nil, err
	}
	b, err := os.ReadFile(secretPath)
	if err == nil {
		if len(b) != secretKeySize {
			return nil, fmt.Errorf("invalid secret key size: got %d", len(b))
		}
		return b, nil
	}
	if !errors.Is(err, os.ErrNotExist) {
		return nil, err
	}
	key := make([]byte, secretKeySize)
	if _, err := io.ReadFull(rand.Reader, key); err != nil {
		return nil, err
	}
	if err := os.WriteFile(secretPath, key, 0o600); err != nil {
		return nil, err
	}
	return key, nil
}
