package store

import (
	"context"
	"crypto/cipher"
	"crypto/rand"
	"errors"
	"fmt"

	"golang.org/x/crypto/chacha20poly1305"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

var (
	// ErrCorrupted means a stored value failed authentication on decrypt.
	// It indicates tampering or an encryption key mismatch and is never
	// retried; the operation touching the entity must abort.
	ErrCorrupted = errors.New("store: record failed authentication")
)

// Store persists entities as independently encrypted records in a single
// ordered key-value table. Every value is sealed with ChaCha20-Poly1305
// under one process-wide key before it reaches the database, with the record
// key bound as associated data so records cannot be swapped between keys.
type Store struct {
	db   *gorm.DB
	aead cipher.AEAD
}

type record struct {
	K string `gorm:"primaryKey;column:k"`
	V []byte `gorm:"column:v"`
}

func (record) TableName() string { return "records" }

// Options selects the database substrate. DSN wins over Path.
type Options struct {
	// Path to a SQLite file, the default substrate.
	Path string
	// DSN for Postgres when running against a shared database.
	DSN string
	// Key is the 32-byte at-rest encryption key. The store keeps only the
	// derived cipher state; the caller owns zeroing the key material.
	Key []byte
}

// Open connects to the substrate, migrates the records table and derives the
// cipher state.
func Open(opts Options) (*Store, error) {
	aead, err := chacha20poly1305.New(opts.Key)
	if err != nil {
		return nil, fmt.Errorf("store: bad encryption key: %w", err)
	}

	gormCfg := &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)}
	var db *gorm.DB
	if opts.DSN != "" {
		db, err = gorm.Open(postgres.Open(opts.DSN), gormCfg)
	} else {
		db, err = gorm.Open(sqlite.Open(opts.Path), gormCfg)
	}
	if err != nil {
		return nil, fmt.Errorf("store: failed to open database: %w", err)
	}

	if err := db.AutoMigrate(&record{}); err != nil {
		return nil, fmt.Errorf("store: migration failed: %w", err)
	}

	return &Store{db: db, aead: aead}, nil
}

// Put serializes and encrypts value under key. Writes to the same key are
// last-writer-wins; the SQL substrate serializes them so a concurrent pair
// never interleaves into a corrupt value.
func (s *Store) Put(ctx context.Context, key string, plaintext []byte) error {
	sealed, err := s.seal(key, plaintext)
	if err != nil {
		return err
	}
	res := s.db.WithContext(ctx).Save(&record{K: key, V: sealed})
	if res.Error != nil {
		return fmt.Errorf("store: put %s: %w", key, res.Error)
	}
	return nil
}

// Get returns the decrypted value for key, or found=false when absent.
func (s *Store) Get(ctx context.Context, key string) ([]byte, bool, error) {
	var rec record
	res := s.db.WithContext(ctx).First(&rec, "k = ?", key)
	if errors.Is(res.Error, gorm.ErrRecordNotFound) {
		return nil, false, nil
	}
	if res.Error != nil {
		return nil, false, fmt.Errorf("store: get %s: %w", key, res.Error)
	}
	plaintext, err := s.open(key, rec.V)
	if err != nil {
		return nil, false, err
	}
	return plaintext, true, nil
}

// Delete removes key. Deleting an absent key is not an error.
func (s *Store) Delete(ctx context.Context, key string) error {
	res := s.db.WithContext(ctx).Delete(&record{}, "k = ?", key)
	if res.Error != nil {
		return fmt.Errorf("store: delete %s: %w", key, res.Error)
	}
	return nil
}

// List range-scans one entity-type prefix in key order and returns the
// decrypted values. Records of unrelated types are never read or decrypted.
func (s *Store) List(ctx context.Context, prefix string) ([][]byte, error) {
	var recs []record
	res := s.db.WithContext(ctx).
		Where("k LIKE ?", prefix+"%").
		Order("k").
		Find(&recs)
	if res.Error != nil {
		return nil, fmt.Errorf("store: list %s: %w", prefix, res.Error)
	}
	values := make([][]byte, 0, len(recs))
	for _, rec := range recs {
		plaintext, err := s.open(rec.K, rec.V)
		if err != nil {
			return nil, err
		}
		values = append(values, plaintext)
	}
	return values, nil
}

// DeletePrefix removes every record under one entity-type prefix. Used for
// the guild -> gates cascade.
func (s *Store) DeletePrefix(ctx context.Context, prefix string) error {
	res := s.db.WithContext(ctx).Delete(&record{}, "k LIKE ?", prefix+"%")
	if res.Error != nil {
		return fmt.Errorf("store: delete prefix %s: %w", prefix, res.Error)
	}
	return nil
}

func (s *Store) seal(key string, plaintext []byte) ([]byte, error) {
	nonce := make([]byte, s.aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("store: nonce generation failed: %w", err)
	}
	return s.aead.Seal(nonce, nonce, plaintext, []byte(key)), nil
}

func (s *Store) open(key string, sealed []byte) ([]byte, error) {
	if len(sealed) < s.aead.NonceSize() {
		return nil, fmt.Errorf("%w: record %s too short", ErrCorrupted, key)
	}
	nonce, ciphertext := sealed[:s.aead.NonceSize()], sealed[s.aead.NonceSize():]
	plaintext, err := s.aead.Open(nil, nonce, ciphertext, []byte(key))
	if err != nil {
		return nil, fmt.Errorf("%w: record %s", ErrCorrupted, key)
	}
	return plaintext, nil
}

// Close releases the underlying database connection.
func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
