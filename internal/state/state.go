package state

import (
	"encoding/json"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/lmoretti/filecourier/internal/courier"
)

const (
	// stateDirPerm is the permission mode for the state directory
	// (~/.filecourier/).
	stateDirPerm = fs.FileMode(0o700)

	// stateFilePerm is the permission mode for the state database file.
	stateFilePerm = fs.FileMode(0o600)

	// stateOpenTimeout is the maximum time to wait for the bolt
	// database lock.
	stateOpenTimeout = 5 * time.Second
)

var (
	appBucket   = []byte("app")
	filesBucket = []byte("files")

	settingsKey = []byte("settings")
	sealedKey   = []byte("sealed_password")
)

// Settings holds the plain (non-secret) connection settings persisted
// across runs. The application password is sealed separately.
type Settings struct {
	SiteURL  string `json:"siteUrl"`
	Username string `json:"username"`
}

// State wraps a bbolt database holding settings, the sealed credential,
// and the shared file item list. Every mutation runs inside one bolt
// update transaction, which gives the item store its atomic
// read-modify-write per key.
type State struct {
	db *bolt.DB
}

// Load opens the state database at ~/.filecourier/state.db, creating it
// if it does not exist.
func Load() (*State, error) {
	return LoadAt(dbPath())
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
		if _, err := tx.CreateBucketIfNotExists(appBucket); err != nil {
			return err
		}

		_, err := tx.CreateBucketIfNotExists(filesBucket)

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

// Settings returns the persisted connection settings, empty when none
// were saved yet.
func (s *State) Settings() (Settings, error) {
	var settings Settings

	err := s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(appBucket).Get(settingsKey)
		if v == nil {
			return nil
		}

		return json.Unmarshal(v, &settings)
	})

	return settings, err
}

// SetSettings persists the connection settings.
func (s *State) SetSettings(settings Settings) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		data, err := json.Marshal(settings)
		if err != nil {
			return err
		}

		return tx.Bucket(appBucket).Put(settingsKey, data)
	})
}

// SealedPassword returns the sealed application password, or nil when
// none is stored.
func (s *State) SealedPassword() ([]byte, error) {
	var sealed []byte

	err := s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(appBucket).Get(sealedKey)
		if v != nil {
			sealed = append([]byte(nil), v...)
		}

		return nil
	})

	return sealed, err
}

// SetSealedPassword persists the sealed application password. Only
// ciphertext ever reaches disk; sealing happens in the secure package.
func (s *State) SetSealedPassword(sealed []byte) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(appBucket).Put(sealedKey, sealed)
	})
}

// ClearCredentials removes the persisted settings and sealed password.
func (s *State) ClearCredentials() error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(appBucket)

		if err := b.Delete(settingsKey); err != nil {
			return err
		}

		return b.Delete(sealedKey)
	})
}

// GetItem returns the file item with the given id, or nil if not found.
func (s *State) GetItem(id string) (*courier.FileItem, error) {
	var item *courier.FileItem

	err := s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(filesBucket).Get([]byte(id))
		if v == nil {
			return nil
		}

		item = &courier.FileItem{}

		return json.Unmarshal(v, item)
	})

	return item, err
}

// PutItem persists a file item keyed by its id.
func (s *State) PutItem(item courier.FileItem) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		data, err := json.Marshal(item)
		if err != nil {
			return err
		}

		return tx.Bucket(filesBucket).Put([]byte(item.ID), data)
	})
}

// UpdateItem applies fn to the stored item inside a single update
// transaction. Unknown ids are a no-op, so a progress tick racing a
// deletion does not resurrect the item.
func (s *State) UpdateItem(id string, fn func(*courier.FileItem)) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(filesBucket)

		v := b.Get([]byte(id))
		if v == nil {
			return nil
		}

		var item courier.FileItem
		if err := json.Unmarshal(v, &item); err != nil {
			return err
		}

		fn(&item)

		data, err := json.Marshal(item)
		if err != nil {
			return err
		}

		return b.Put([]byte(id), data)
	})
}

// DeleteItem removes a file item.
func (s *State) DeleteItem(id string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(filesBucket).Delete([]byte(id))
	})
}

// AllItems returns every stored file item, in unspecified order.
func (s *State) AllItems() ([]courier.FileItem, error) {
	var items []courier.FileItem

	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(filesBucket).ForEach(func(_, v []byte) error {
			var item courier.FileItem
			if err := json.Unmarshal(v, &item); err != nil {
				return err
			}

			items = append(items, item)

			return nil
		})
	})

	return items, err
}

func dbPath() string {
	dir, err := os.UserHomeDir()
	if err != nil {
		// Fail loudly rather than silently writing to the current
		// directory where the database (containing sealed credentials)
		// might end up with wrong permissions or inside a
		// source-controlled tree.
		fmt.Fprintf(os.Stderr, "fatal: cannot determine home directory: %v\n", err)
		os.Exit(1)
	}

	return filepath.Join(dir, ".filecourier", "state.db")
}
