package bundle

import (
	"database/sql"
	"errors"
	"fmt"

	"github.com/meow-io/go-omemo/internal/db"
	"github.com/meow-io/go-omemo/migration"
)

type identity struct {
	ID                 int    `db:"id"`
	DeviceID           uint32 `db:"device_id"`
	PrivateKey         []byte `db:"private_key"`
	NextPreKeyID       uint32 `db:"next_prekey_id"`
	NextSignedPreKeyID uint32 `db:"next_signed_prekey_id"`
	CtimeMs            uint64 `db:"ctime_ms"`
	// BundleVersion counts changes to the bundle, PublishedVersion is the last one the transport accepted.
	BundleVersion    uint64 `db:"bundle_version"`
	PublishedVersion uint64 `db:"published_version"`
}

type signedPreKey struct {
	ID         uint32 `db:"id"`
	PrivateKey []byte `db:"private_key"`
	PublicKey  []byte `db:"public_key"`
	Signature  []byte `db:"signature"`
	CtimeMs    uint64 `db:"ctime_ms"`
}

type preKey struct {
	ID         uint32 `db:"id"`
	PrivateKey []byte `db:"private_key"`
	PublicKey  []byte `db:"public_key"`
}

type database struct {
	*db.Database
}

func newDatabase(internalDB *db.Database) (*database, error) {
	d := &database{internalDB}

	if err := internalDB.MigrateNoLock("_bundle", []*migration.Migration{
		{
			Name: "Create initial tables",
			Func: func(tx *sql.Tx) error {
				_, err := tx.Exec(`
					CREATE TABLE _identity (
						id INTEGER PRIMARY KEY CHECK (id = 1),
						device_id INTEGER NOT NULL,
						private_key BLOB NOT NULL,
						next_prekey_id INTEGER NOT NULL,
						next_signed_prekey_id INTEGER NOT NULL,
						ctime_ms INTEGER NOT NULL
					);

					CREATE TABLE _signed_prekeys (
						id INTEGER PRIMARY KEY,
						private_key BLOB NOT NULL,
						public_key BLOB NOT NULL,
						signature BLOB NOT NULL,
						ctime_ms INTEGER NOT NULL
					);

					CREATE TABLE _prekeys (
						id INTEGER PRIMARY KEY,
						private_key BLOB NOT NULL,
						public_key BLOB NOT NULL
					);
				`)
				return err
			},
		},
		{
			Name: "Track published bundle version",
			Func: func(tx *sql.Tx) error {
				_, err := tx.Exec(`
					ALTER TABLE _identity ADD COLUMN bundle_version INTEGER NOT NULL DEFAULT 0;
					ALTER TABLE _identity ADD COLUMN published_version INTEGER NOT NULL DEFAULT 0;
				`)
				return err
			},
		},
	}); err != nil {
		return nil, err
	}
	return d, nil
}

func (db *database) identity() (*identity, bool, error) {
	i := &identity{}
	if err := db.Tx.Get(i, "SELECT * FROM _identity WHERE id = 1"); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("bundle: error getting identity: %w", err)
	}
	return i, true, nil
}

func (db *database) upsertIdentity(i *identity) error {
	if _, err := db.Tx.NamedExec("INSERT INTO _identity (id, device_id, private_key, next_prekey_id, next_signed_prekey_id, ctime_ms, bundle_version, published_version) VALUES (1, :device_id, :private_key, :next_prekey_id, :next_signed_prekey_id, :ctime_ms, :bundle_version, :published_version) ON CONFLICT(id) DO UPDATE SET next_prekey_id = :next_prekey_id, next_signed_prekey_id = :next_signed_prekey_id, bundle_version = :bundle_version, published_version = :published_version", i); err != nil {
		return fmt.Errorf("bundle: error upserting identity: %w", err)
	}
	return nil
}

func (db *database) signedPreKeys() ([]*signedPreKey, error) {
	var keys []*signedPreKey
	if err := db.Tx.Select(&keys, "SELECT * FROM _signed_prekeys ORDER BY ctime_ms DESC, id DESC"); err != nil {
		return nil, fmt.Errorf("bundle: error getting signed prekeys: %w", err)
	}
	return keys, nil
}

func (db *database) signedPreKey(id uint32) (*signedPreKey, bool, error) {
	k := &signedPreKey{}
	if err := db.Tx.Get(k, "SELECT * FROM _signed_prekeys WHERE id = $1", id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("bundle: error getting signed prekey: %w", err)
	}
	return k, true, nil
}

func (db *database) insertSignedPreKey(k *signedPreKey) error {
	if _, err := db.Tx.NamedExec("INSERT INTO _signed_prekeys (id, private_key, public_key, signature, ctime_ms) VALUES (:id, :private_key, :public_key, :signature, :ctime_ms)", k); err != nil {
		return fmt.Errorf("bundle: error inserting signed prekey: %w", err)
	}
	return nil
}

func (db *database) deleteSignedPreKey(id uint32) error {
	if _, err := db.Tx.Exec("DELETE FROM _signed_prekeys WHERE id = $1", id); err != nil {
		return fmt.Errorf("bundle: error deleting signed prekey: %w", err)
	}
	return nil
}

func (db *database) preKeys() ([]*preKey, error) {
	var keys []*preKey
	if err := db.Tx.Select(&keys, "SELECT * FROM _prekeys ORDER BY id"); err != nil {
		return nil, fmt.Errorf("bundle: error getting prekeys: %w", err)
	}
	return keys, nil
}

func (db *database) preKey(id uint32) (*preKey, bool, error) {
	k := &preKey{}
	if err := db.Tx.Get(k, "SELECT * FROM _prekeys WHERE id = $1", id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("bundle: error getting prekey: %w", err)
	}
	return k, true, nil
}

func (db *database) countPreKeys() (int, error) {
	var count int
	if err := db.Tx.Get(&count, "SELECT count(*) FROM _prekeys"); err != nil {
		return 0, fmt.Errorf("bundle: error counting prekeys: %w", err)
	}
	return count, nil
}

func (db *database) insertPreKey(k *preKey) error {
	if _, err := db.Tx.NamedExec("INSERT INTO _prekeys (id, private_key, public_key) VALUES (:id, :private_key, :public_key)", k); err != nil {
		return fmt.Errorf("bundle: error inserting prekey: %w", err)
	}
	return nil
}

func (db *database) deletePreKey(id uint32) error {
	if _, err := db.Tx.Exec("DELETE FROM _prekeys WHERE id = $1", id); err != nil {
		return fmt.Errorf("bundle: error deleting prekey: %w", err)
	}
	return nil
}
