// calltip/store.go
// TipStore persists extracted tips across sessions using bbolt, keyed by
// method signature. A warm store turns first-trigger cache misses into hits
// without re-running extraction.
package calltip

import (
	"bytes"
	"encoding/gob"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.etcd.io/bbolt"
)

var tipBucketName = []byte("TipCache")

// storedTip is the gob-encoded record written per signature.
type storedTip struct {
	SchemaVersion int
	Text          string
	Format        TipFormat
	SavedAt       time.Time
}

// TipStore wraps a bbolt database holding one bucket of tips.
type TipStore struct {
	mu     sync.RWMutex
	db     *bbolt.DB
	logger *slog.Logger
}

// NewTipStore opens (or creates) the store at path and ensures the bucket
// exists.
func NewTipStore(path string, logger *slog.Logger) (*TipStore, error) {
	if logger == nil {
		logger = slog.Default()
	}
	storeLogger := logger.With("component", "TipStore", "path", path)

	opts := &bbolt.Options{Timeout: 1 * time.Second}
	db, err := bbolt.Open(path, 0600, opts)
	if err != nil {
		return nil, fmt.Errorf("%w: opening tip store: %w", ErrCacheRead, err)
	}
	err = db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(tipBucketName)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("%w: creating bucket %s: %w", ErrCacheWrite, string(tipBucketName), err)
	}
	storeLogger.Info("Opened tip store", "schema_version", storeSchemaVersion)
	return &TipStore{db: db, logger: storeLogger}, nil
}

// Get returns the stored tip for signature, if present and schema-compatible.
// Stale-schema records are treated as misses and deleted in the background.
func (s *TipStore) Get(signature MethodSignature) (TipContent, bool, error) {
	s.mu.RLock()
	db := s.db
	s.mu.RUnlock()
	if db == nil {
		return TipContent{}, false, ErrStoreClosed
	}

	var record *storedTip
	err := db.View(func(tx *bbolt.Tx) error {
		b := tx.Bucket(tipBucketName)
		if b == nil {
			return nil
		}
		raw := b.Get([]byte(signature))
		if raw == nil {
			return nil
		}
		var decoded storedTip
		if err := gob.NewDecoder(bytes.NewReader(raw)).Decode(&decoded); err != nil {
			return fmt.Errorf("%w: %w", ErrCacheDecode, err)
		}
		record = &decoded
		return nil
	})
	if err != nil {
		if errors.Is(err, ErrCacheDecode) {
			go s.Delete(signature)
		}
		return TipContent{}, false, fmt.Errorf("%w: %w", ErrCacheRead, err)
	}
	if record == nil {
		return TipContent{}, false, nil
	}
	if record.SchemaVersion != storeSchemaVersion {
		s.logger.Warn("Stored tip has old schema version, ignoring", "signature", signature, "stored_version", record.SchemaVersion)
		go s.Delete(signature)
		return TipContent{}, false, nil
	}
	return TipContent{Text: record.Text, Format: record.Format}, true, nil
}

// Put writes the tip for signature, overwriting any previous record.
func (s *TipStore) Put(signature MethodSignature, content TipContent) error {
	s.mu.RLock()
	db := s.db
	s.mu.RUnlock()
	if db == nil {
		return ErrStoreClosed
	}

	record := storedTip{
		SchemaVersion: storeSchemaVersion,
		Text:          content.Text,
		Format:        content.Format,
		SavedAt:       time.Now(),
	}
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(&record); err != nil {
		return fmt.Errorf("%w: %w", ErrCacheEncode, err)
	}
	err := db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(tipBucketName)
		if b == nil {
			return fmt.Errorf("bucket %s disappeared", string(tipBucketName))
		}
		return b.Put([]byte(signature), buf.Bytes())
	})
	if err != nil {
		return fmt.Errorf("%w: %w", ErrCacheWrite, err)
	}
	return nil
}

// Delete removes one signature's record. Missing keys are not an error.
func (s *TipStore) Delete(signature MethodSignature) error {
	s.mu.RLock()
	db := s.db
	s.mu.RUnlock()
	if db == nil {
		return ErrStoreClosed
	}
	err := db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(tipBucketName)
		if b == nil {
			return nil
		}
		return b.Delete([]byte(signature))
	})
	if err != nil {
		return fmt.Errorf("%w: deleting %s: %w", ErrCacheWrite, signature, err)
	}
	return nil
}

// DeleteAll drops and recreates the bucket.
func (s *TipStore) DeleteAll() error {
	s.mu.RLock()
	db := s.db
	s.mu.RUnlock()
	if db == nil {
		return ErrStoreClosed
	}
	err := db.Update(func(tx *bbolt.Tx) error {
		if err := tx.DeleteBucket(tipBucketName); err != nil && !errors.Is(err, bbolt.ErrBucketNotFound) {
			return err
		}
		_, err := tx.CreateBucketIfNotExists(tipBucketName)
		return err
	})
	if err != nil {
		return fmt.Errorf("%w: clearing tip store: %w", ErrCacheWrite, err)
	}
	s.logger.Info("Tip store cleared")
	return nil
}

// Close closes the underlying database. Idempotent.
func (s *TipStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.db == nil {
		return nil
	}
	err := s.db.Close()
	s.db = nil
	if err != nil {
		return fmt.Errorf("closing tip store: %w", err)
	}
	return nil
}
