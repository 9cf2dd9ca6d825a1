package state

import (
	"encoding/json"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/tradeyard/tradeyard-sync/internal/models"
	bolt "go.etcd.io/bbolt"
)

const (
	// stateDirPerm is the permission mode for the state directory.
	stateDirPerm = fs.FileMode(0o700)

	// stateFilePerm is the permission mode for the state database file.
	stateFilePerm = fs.FileMode(0o600)

	// stateOpenTimeout is the maximum time to wait for the bolt database lock.
	stateOpenTimeout = 5 * time.Second
)

var (
	appBucket = []byte("app")
	tokenKey  = []byte("token")
)

func conversationsBucket(accountID string) []byte {
	return []byte("account:" + accountID + ":conversations")
}

func notificationsBucket(accountID string) []byte {
	return []byte("account:" + accountID + ":notifications")
}

func messagesBucket(accountID, conversationID string) []byte {
	return []byte("account:" + accountID + ":messages:" + conversationID)
}

// State wraps a bbolt database holding the last pulled snapshot of
// conversations, messages, and notifications per account, plus the cached
// session token. It warm-starts the in-memory stores on restart and is
// the ground truth retained between runs.
type State struct {
	db *bolt.DB
}

// Load opens the state database under dir, creating it if needed.
func Load(dir string) (*State, error) {
	return LoadAt(filepath.Join(dir, "state.db"))
}

// LoadAt opens a state database at the given path, creating it if it
// does not exist. Useful for tests that need an isolated database.
func LoadAt(path string) (*State, error) {
	if err := os.MkdirAll(filepath.Dir(path), stateDirPerm); err != nil {
		return nil, fmt.Errorf("creating state directory: %w", err)
	}

	db, err := bolt.Open(path, stateFilePerm, &bolt.Options{Timeout: stateOpenTimeout})
	if err != nil {
		return nil, fmt.Errorf("opening state db: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(appBucket)

		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("initializing state db: %w", err)
	}

	return &State{db: db}, nil
}

// Close closes the database.
func (s *State) Close() error {
	return s.db.Close()
}

// Token returns the cached session token, or empty string.
func (s *State) Token() string {
	var token string

	_ = s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(appBucket)

		v := b.Get(tokenKey)
		if v != nil {
			token = string(v)
		}

		return nil
	})

	return token
}

// SetToken persists the session token.
func (s *State) SetToken(token string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(appBucket).Put(tokenKey, []byte(token))
	})
}

// InitAccountBuckets ensures the conversation and notification buckets
// exist for the given account. Call once after signin.
func (s *State) InitAccountBuckets(accountID string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists(conversationsBucket(accountID)); err != nil {
			return err
		}

		_, err := tx.CreateBucketIfNotExists(notificationsBucket(accountID))

		return err
	})
}

// SetConversation persists one conversation snapshot.
func (s *State) SetConversation(accountID string, c models.Conversation) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(conversationsBucket(accountID))
		if b == nil {
			return fmt.Errorf("conversation bucket not initialized for account %s", accountID)
		}

		data, err := json.Marshal(c)
		if err != nil {
			return err
		}

		return b.Put([]byte(c.ID), data)
	})
}

// AllConversations returns the cached conversation snapshots for an account.
func (s *State) AllConversations(accountID string) (map[string]models.Conversation, error) {
	result := make(map[string]models.Conversation)
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(conversationsBucket(accountID))
		if b == nil {
			return nil
		}

		return b.ForEach(func(k, v []byte) error {
			var c models.Conversation
			if err := json.Unmarshal(v, &c); err != nil {
				return err
			}

			result[string(k)] = c

			return nil
		})
	})

	return result, err
}

// SetMessage persists one message snapshot for a conversation. The
// per-conversation bucket is created on demand since conversations appear
// over time.
func (s *State) SetMessage(accountID string, m models.Message) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b, err := tx.CreateBucketIfNotExists(messagesBucket(accountID, m.ConversationID))
		if err != nil {
			return err
		}

		data, err := json.Marshal(m)
		if err != nil {
			return err
		}

		return b.Put([]byte(m.ID), data)
	})
}

// DeleteMessage removes a message snapshot. Used when an optimistic
// placeholder is replaced by its confirmed identity; tombstoned messages
// stay stored.
func (s *State) DeleteMessage(accountID, conversationID, messageID string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(messagesBucket(accountID, conversationID))
		if b == nil {
			return nil
		}

		return b.Delete([]byte(messageID))
	})
}

// AllMessages returns the cached message snapshots for a conversation.
func (s *State) AllMessages(accountID, conversationID string) (map[string]models.Message, error) {
	result := make(map[string]models.Message)
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(messagesBucket(accountID, conversationID))
		if b == nil {
			return nil
		}

		return b.ForEach(func(k, v []byte) error {
			var m models.Message
			if err := json.Unmarshal(v, &m); err != nil {
				return err
			}

			result[string(k)] = m

			return nil
		})
	})

	return result, err
}

// SetNotification persists one notification snapshot.
func (s *State) SetNotification(accountID string, n models.Notification) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(notificationsBucket(accountID))
		if b == nil {
			return fmt.Errorf("notification bucket not initialized for account %s", accountID)
		}

		data, err := json.Marshal(n)
		if err != nil {
			return err
		}

		return b.Put([]byte(n.ID), data)
	})
}

// AllNotifications returns the cached notification snapshots for an account.
func (s *State) AllNotifications(accountID string) (map[string]models.Notification, error) {
	result := make(map[string]models.Notification)
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(notificationsBucket(accountID))
		if b == nil {
			return nil
		}

		return b.ForEach(func(k, v []byte) error {
			var n models.Notification
			if err := json.Unmarshal(v, &n); err != nil {
				return err
			}

			result[string(k)] = n

			return nil
		})
	})

	return result, err
}
