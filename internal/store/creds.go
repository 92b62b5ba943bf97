package store

import (
	bolt "go.etcd.io/bbolt"
)

// Credential kinds stored per server.
const (
	CredSSHPassword = "ssh_password"
	CredSSHKey      = "ssh_private_key"
	CredAgentToken  = "agent_token"
)

// Sealer encrypts secrets before they touch disk and decrypts them on read.
type Sealer interface {
	Encrypt(plaintext []byte) (string, error)
	Decrypt(encoded string) ([]byte, error)
}

// SaveCredential encrypts and stores one credential for a server. The bucket
// only ever holds ciphertext.
func (s *Store) SaveCredential(sealer Sealer, serverID, kind string, secret []byte) error {
	sealed, err := sealer.Encrypt(secret)
	if err != nil {
		return err
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketCredentials).Put(credKey(serverID, kind), []byte(sealed))
	})
}

// GetCredential loads and decrypts one credential, or returns ErrNotFound.
func (s *Store) GetCredential(sealer Sealer, serverID, kind string) ([]byte, error) {
	var sealed string
	err := s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(bucketCredentials).Get(credKey(serverID, kind))
		if v == nil {
			return ErrNotFound
		}
		sealed = string(v)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return sealer.Decrypt(sealed)
}

// DeleteCredential removes one credential. Deleting a missing key is not an
// error.
func (s *Store) DeleteCredential(serverID, kind string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketCredentials).Delete(credKey(serverID, kind))
	})
}

// HasCredential reports whether a credential of the given kind exists.
func (s *Store) HasCredential(serverID, kind string) (bool, error) {
	var found bool
	err := s.db.View(func(tx *bolt.Tx) error {
		found = tx.Bucket(bucketCredentials).Get(credKey(serverID, kind)) != nil
		return nil
	})
	return found, err
}

func credKey(serverID, kind string) []byte {
	return []byte(serverID + "::" + kind)
}
