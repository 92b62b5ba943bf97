package store

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	bolt "go.etcd.io/bbolt"
)

// Registration code failure modes.
var (
	ErrCodeExpired = errors.New("registration code expired")
	ErrCodeUsed    = errors.New("registration code already used")
)

// HashCode returns the hex SHA-256 of a registration code or agent token.
// Raw secrets are never written to disk.
func HashCode(code string) string {
	sum := sha256.Sum256([]byte(code))
	return hex.EncodeToString(sum[:])
}

// HashEqual compares a stored hash against the hash of a presented secret in
// constant time.
func HashEqual(storedHash, presented string) bool {
	return subtle.ConstantTimeCompare([]byte(storedHash), []byte(HashCode(presented))) == 1
}

// MintRegistrationCode creates and persists a single-use enrollment code for
// the given server and returns the raw code. Only its hash is stored.
func (s *Store) MintRegistrationCode(serverID string, ttl time.Duration, now time.Time) (string, error) {
	raw := make([]byte, 24)
	if _, err := rand.Read(raw); err != nil {
		return "", fmt.Errorf("mint registration code: %w", err)
	}
	code := base64.RawURLEncoding.EncodeToString(raw)

	rec := RegistrationCode{
		CodeHash:  HashCode(code),
		ServerID:  serverID,
		CreatedAt: now,
		ExpiresAt: now.Add(ttl),
	}
	data, err := json.Marshal(rec)
	if err != nil {
		return "", fmt.Errorf("marshal registration code: %w", err)
	}
	err = s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketRegCodes).Put([]byte(rec.CodeHash), data)
	})
	if err != nil {
		return "", err
	}
	return code, nil
}

// ConsumeRegistrationCode validates a presented code and marks it used in a
// single transaction, so two concurrent enrollments cannot both succeed.
// Returns the server id the code was minted for.
func (s *Store) ConsumeRegistrationCode(code string, now time.Time) (string, error) {
	var serverID string
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketRegCodes)
		key := []byte(HashCode(code))
		v := b.Get(key)
		if v == nil {
			return ErrNotFound
		}
		var rec RegistrationCode
		if err := json.Unmarshal(v, &rec); err != nil {
			return err
		}
		if !rec.UsedAt.IsZero() {
			return ErrCodeUsed
		}
		if now.After(rec.ExpiresAt) {
			return ErrCodeExpired
		}
		rec.UsedAt = now
		data, err := json.Marshal(rec)
		if err != nil {
			return err
		}
		if err := b.Put(key, data); err != nil {
			return err
		}
		serverID = rec.ServerID
		return nil
	})
	return serverID, err
}

// PurgeExpiredCodes removes codes whose expiry passed before the cutoff and
// returns how many were dropped. Used codes are kept until they expire so a
// second enrollment attempt gets ErrCodeUsed rather than ErrNotFound.
func (s *Store) PurgeExpiredCodes(cutoff time.Time) (int, error) {
	var purged int
	err := s.db.Update(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketRegCodes).Cursor()
		for k, v := c.First(); k != nil; k, v = c.Next() {
			var rec RegistrationCode
			if err := json.Unmarshal(v, &rec); err != nil {
				continue
			}
			if rec.ExpiresAt.Before(cutoff) {
				if err := c.Delete(); err != nil {
					return err
				}
				purged++
			}
		}
		return nil
	})
	return purged, err
}
