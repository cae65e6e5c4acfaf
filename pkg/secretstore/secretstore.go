package secretstore

import (
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"

	badger "github.com/dgraph-io/badger/v4"
)

// Store is a small encrypted-at-rest KV wrapper (Badger) holding broker
// credentials. Encryption is provided by Badger options (value log + key
// registry), not by this wrapper.
type Store struct {
	db *badger.DB
}

// Keys under which broker credentials are stored.
const (
	KeyAppKey      = "broker/app_key"
	KeyAppSecret   = "broker/app_secret"
	KeyAccessToken = "broker/access_token"
	KeyAccountID   = "broker/account_id"
)

// Credentials 网关鉴权凭据
type Credentials struct {
	AppKey      string
	AppSecret   string
	AccessToken string
	AccountID   string
}

type OpenOptions struct {
	Path          string
	EncryptionKey []byte // 32 bytes; if nil, DB is opened without encryption (not recommended)
	ReadOnly      bool
}

func Open(opts OpenOptions) (*Store, error) {
	if strings.TrimSpace(opts.Path) == "" {
		return nil, errors.New("secretstore: path is required")
	}
	bopts := badger.DefaultOptions(opts.Path).
		WithLogger(nil).
		WithReadOnly(opts.ReadOnly)
	if len(opts.EncryptionKey) > 0 {
		// Badger requires index cache for encrypted workloads
		bopts = bopts.
			WithEncryptionKey(opts.EncryptionKey).
			WithIndexCacheSize(100 << 20) // 100MB
	}
	db, err := badger.Open(bopts)
	if err != nil {
		return nil, err
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *Store) GetString(key string) (string, bool, error) {
	if s == nil || s.db == nil {
		return "", false, errors.New("secretstore: not opened")
	}
	k := []byte(strings.TrimSpace(key))
	if len(k) == 0 {
		return "", false, errors.New("secretstore: key is empty")
	}
	var out string
	found := false
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(k)
		if err != nil {
			if errors.Is(err, badger.ErrKeyNotFound) {
				return nil
			}
			return err
		}
		found = true
		return item.Value(func(val []byte) error {
			out = string(val)
			return nil
		})
	})
	if err != nil {
		return "", false, err
	}
	return out, found, nil
}

func (s *Store) SetString(key string, val string) error {
	if s == nil || s.db == nil {
		return errors.New("secretstore: not opened")
	}
	k := []byte(strings.TrimSpace(key))
	if len(k) == 0 {
		return errors.New("secretstore: key is empty")
	}
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Set(k, []byte(val))
	})
}

// LoadCredentials 读取完整的网关凭据；任一必需字段缺失返回错误
func (s *Store) LoadCredentials() (*Credentials, error) {
	var c Credentials
	fields := []struct {
		key      string
		dst      *string
		required bool
	}{
		{KeyAppKey, &c.AppKey, true},
		{KeyAppSecret, &c.AppSecret, true},
		{KeyAccessToken, &c.AccessToken, true},
		{KeyAccountID, &c.AccountID, false},
	}
	for _, f := range fields {
		v, ok, err := s.GetString(f.key)
		if err != nil {
			return nil, err
		}
		if !ok && f.required {
			return nil, fmt.Errorf("secretstore: missing credential %s", f.key)
		}
		*f.dst = v
	}
	return &c, nil
}

// SaveCredentials 写入网关凭据（空字段跳过）
func (s *Store) SaveCredentials(c Credentials) error {
	pairs := map[string]string{
		KeyAppKey:      c.AppKey,
		KeyAppSecret:   c.AppSecret,
		KeyAccessToken: c.AccessToken,
		KeyAccountID:   c.AccountID,
	}
	for k, v := range pairs {
		if v == "" {
			continue
		}
		if err := s.SetString(k, v); err != nil {
			return err
		}
	}
	return nil
}

// ParseKey expects 32 bytes (base64 or hex). Returns nil if input is empty.
func ParseKey(raw string) ([]byte, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, nil
	}
	rawHex := strings.TrimPrefix(raw, "0x")
	if b, err := hex.DecodeString(rawHex); err == nil {
		if len(b) == 32 {
			return b, nil
		}
		return nil, fmt.Errorf("decoded key length must be 32, got %d", len(b))
	}
	if b, err := base64.StdEncoding.DecodeString(raw); err == nil {
		if len(b) != 32 {
			return nil, fmt.Errorf("decoded key length must be 32, got %d", len(b))
		}
		return b, nil
	}
	return nil, errors.New("key must be base64(32 bytes) or hex(32 bytes)")
}
