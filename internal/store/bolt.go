// Package store persists fleet state in a local BoltDB file: server records,
// agent state, registration codes, and encrypted connection credentials.
package store

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	bolt "go.etcd.io/bbolt"
)

var (
	bucketServers     = []byte("servers")
	bucketAgents      = []byte("agents")
	bucketRegCodes    = []byte("registration_codes")
	bucketCredentials = []byte("credentials")
)

// ErrNotFound is returned when a record does not exist.
var ErrNotFound = errors.New("record not found")

// Agent connection status values.
const (
	StatusOnline  = "online"
	StatusOffline = "offline"
	StatusStale   = "stale"
)

// Server is a managed host. Exactly one of the two command transports may be
// available at a time: an installed agent, SSH credentials, or both.
type Server struct {
	ID       string `json:"id"`
	Name     string `json:"name"`
	Host     string `json:"host"`
	SSHPort  int    `json:"ssh_port"`
	SSHUser  string `json:"ssh_user"`
	HasAgent bool   `json:"has_agent"`
}

// HeartbeatMetrics is the telemetry payload an agent reports on every
// heartbeat.
type HeartbeatMetrics struct {
	CPUPercent        float64 `json:"cpu_percent"`
	MemoryPercent     float64 `json:"memory_percent"`
	DiskPercent       float64 `json:"disk_percent"`
	ContainersRunning int     `json:"containers_running"`
	ContainersTotal   int     `json:"containers_total"`
}

// Agent is the persisted state of an installed agent.
type Agent struct {
	ID        string           `json:"id"`
	ServerID  string           `json:"server_id"`
	Version   string           `json:"version"`
	Status    string           `json:"status"`
	TokenHash string           `json:"token_hash"`
	LastSeen  time.Time        `json:"last_seen"`
	Metrics   HeartbeatMetrics `json:"metrics"`
}

// RegistrationCode is a single-use, time-limited credential for enrolling a
// new agent. Only the SHA-256 hash of the code is stored.
type RegistrationCode struct {
	CodeHash  string    `json:"code_hash"`
	ServerID  string    `json:"server_id"`
	CreatedAt time.Time `json:"created_at"`
	ExpiresAt time.Time `json:"expires_at"`
	UsedAt    time.Time `json:"used_at,omitempty"`
}

// Store wraps a BoltDB database for dockyard persistence.
type Store struct {
	db *bolt.DB
}

// Open creates or opens a BoltDB database at the given path and ensures
// all required buckets exist.
func Open(path string) (*Store, error) {
	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("open bolt db: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		for _, b := range [][]byte{bucketServers, bucketAgents, bucketRegCodes, bucketCredentials} {
			if _, err := tx.CreateBucketIfNotExists(b); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("create buckets: %w", err)
	}

	return &Store{db: db}, nil
}

// Close closes the underlying BoltDB.
func (s *Store) Close() error {
	return s.db.Close()
}

// SaveServer inserts or replaces a server record.
func (s *Store) SaveServer(srv Server) error {
	data, err := json.Marshal(srv)
	if err != nil {
		return fmt.Errorf("marshal server: %w", err)
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketServers).Put([]byte(srv.ID), data)
	})
}

// GetServer returns the server with the given id, or ErrNotFound.
func (s *Store) GetServer(id string) (Server, error) {
	var srv Server
	err := s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(bucketServers).Get([]byte(id))
		if v == nil {
			return ErrNotFound
		}
		return json.Unmarshal(v, &srv)
	})
	return srv, err
}

// ListServers returns all server records in key order.
func (s *Store) ListServers() ([]Server, error) {
	var servers []Server
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketServers).ForEach(func(_, v []byte) error {
			var srv Server
			if err := json.Unmarshal(v, &srv); err != nil {
				return err
			}
			servers = append(servers, srv)
			return nil
		})
	})
	return servers, err
}

// DeleteServer removes a server record and its stored credentials.
func (s *Store) DeleteServer(id string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		if err := tx.Bucket(bucketServers).Delete([]byte(id)); err != nil {
			return err
		}
		c := tx.Bucket(bucketCredentials).Cursor()
		prefix := []byte(id + "::")
		for k, _ := c.Seek(prefix); k != nil && hasPrefix(k, prefix); k, _ = c.Next() {
			if err := c.Delete(); err != nil {
				return err
			}
		}
		return nil
	})
}

// SaveAgent inserts or replaces an agent record.
func (s *Store) SaveAgent(a Agent) error {
	data, err := json.Marshal(a)
	if err != nil {
		return fmt.Errorf("marshal agent: %w", err)
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketAgents).Put([]byte(a.ID), data)
	})
}

// GetAgent returns the agent with the given id, or ErrNotFound.
func (s *Store) GetAgent(id string) (Agent, error) {
	var a Agent
	err := s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(bucketAgents).Get([]byte(id))
		if v == nil {
			return ErrNotFound
		}
		return json.Unmarshal(v, &a)
	})
	return a, err
}

// GetAgentByServer returns the agent installed on the given server, or
// ErrNotFound when the server has no enrolled agent.
func (s *Store) GetAgentByServer(serverID string) (Agent, error) {
	var found Agent
	err := s.db.View(func(tx *bolt.Tx) error {
		var match bool
		err := tx.Bucket(bucketAgents).ForEach(func(_, v []byte) error {
			var a Agent
			if err := json.Unmarshal(v, &a); err != nil {
				return err
			}
			if a.ServerID == serverID {
				found = a
				match = true
			}
			return nil
		})
		if err != nil {
			return err
		}
		if !match {
			return ErrNotFound
		}
		return nil
	})
	return found, err
}

// GetAgentByTokenHash returns the agent whose auth token hashes to the given
// value, or ErrNotFound. Used by the authenticate handshake, which presents a
// token without claiming an agent id.
func (s *Store) GetAgentByTokenHash(hash string) (Agent, error) {
	var found Agent
	err := s.db.View(func(tx *bolt.Tx) error {
		var match bool
		err := tx.Bucket(bucketAgents).ForEach(func(_, v []byte) error {
			var a Agent
			if err := json.Unmarshal(v, &a); err != nil {
				return err
			}
			if a.TokenHash != "" && a.TokenHash == hash {
				found = a
				match = true
			}
			return nil
		})
		if err != nil {
			return err
		}
		if !match {
			return ErrNotFound
		}
		return nil
	})
	return found, err
}

// ListAgents returns all agent records.
func (s *Store) ListAgents() ([]Agent, error) {
	var agents []Agent
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketAgents).ForEach(func(_, v []byte) error {
			var a Agent
			if err := json.Unmarshal(v, &a); err != nil {
				return err
			}
			agents = append(agents, a)
			return nil
		})
	})
	return agents, err
}

// SetAgentStatus updates only the status field of an agent record.
func (s *Store) SetAgentStatus(id, status string) error {
	return s.updateAgent(id, func(a *Agent) {
		a.Status = status
	})
}

// TouchHeartbeat records a heartbeat: refreshes last-seen, stores the
// reported metrics, and forces status online.
func (s *Store) TouchHeartbeat(id string, at time.Time, m HeartbeatMetrics) error {
	return s.updateAgent(id, func(a *Agent) {
		a.LastSeen = at
		a.Metrics = m
		a.Status = StatusOnline
	})
}

// MarkStale flags every online agent whose last-seen is before the cutoff
// and returns the ids it changed.
func (s *Store) MarkStale(cutoff time.Time) ([]string, error) {
	var marked []string
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketAgents)
		c := b.Cursor()
		for k, v := c.First(); k != nil; k, v = c.Next() {
			var a Agent
			if err := json.Unmarshal(v, &a); err != nil {
				continue
			}
			if a.Status != StatusOnline || !a.LastSeen.Before(cutoff) {
				continue
			}
			a.Status = StatusStale
			data, err := json.Marshal(a)
			if err != nil {
				return err
			}
			if err := b.Put(k, data); err != nil {
				return err
			}
			marked = append(marked, a.ID)
		}
		return nil
	})
	return marked, err
}

// ResetStatuses marks every non-offline agent offline. Run once at startup:
// any "online" record in the database is a leftover from a previous process
// and no connection for it exists yet.
func (s *Store) ResetStatuses() (int, error) {
	var reset int
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketAgents)
		c := b.Cursor()
		for k, v := c.First(); k != nil; k, v = c.Next() {
			var a Agent
			if err := json.Unmarshal(v, &a); err != nil {
				continue
			}
			if a.Status == StatusOffline {
				continue
			}
			a.Status = StatusOffline
			data, err := json.Marshal(a)
			if err != nil {
				return err
			}
			if err := b.Put(k, data); err != nil {
				return err
			}
			reset++
		}
		return nil
	})
	return reset, err
}

func (s *Store) updateAgent(id string, mutate func(*Agent)) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketAgents)
		v := b.Get([]byte(id))
		if v == nil {
			return ErrNotFound
		}
		var a Agent
		if err := json.Unmarshal(v, &a); err != nil {
			return err
		}
		mutate(&a)
		data, err := json.Marshal(a)
		if err != nil {
			return err
		}
		return b.Put([]byte(id), data)
	})
}

func hasPrefix(k, prefix []byte) bool {
	return len(k) >= len(prefix) && string(k[:len(prefix)]) == string(prefix)
}
