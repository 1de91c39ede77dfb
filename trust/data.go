package trust

import (
	"database/sql"
	"errors"
	"fmt"

	"github.com/meow-io/go-omemo/internal/db"
	"github.com/meow-io/go-omemo/migration"
)

const (
	trustUndecided = 0
	trustTrusted   = 1
	trustUntrusted = 2
)

type record struct {
	Name        string `db:"name"`
	DeviceID    uint32 `db:"device_id"`
	IdentityKey []byte `db:"identity_key"`
	Trust       int    `db:"trust"`
	Current     bool   `db:"current"`
	CtimeMs     uint64 `db:"ctime_ms"`
	MtimeMs     uint64 `db:"mtime_ms"`
}

type database struct {
	*db.Database
}

func newDatabase(internalDB *db.Database) (*database, error) {
	d := &database{internalDB}

	if err := internalDB.MigrateNoLock("_trust", []*migration.Migration{
		{
			Name: "Create initial tables",
			Func: func(tx *sql.Tx) error {
				_, err := tx.Exec(`
					CREATE TABLE _identities (
						name STRING NOT NULL,
						device_id INTEGER NOT NULL,
						identity_key BLOB NOT NULL,
						trust INTEGER NOT NULL,
						current INTEGER NOT NULL,
						ctime_ms INTEGER NOT NULL,
						mtime_ms INTEGER NOT NULL,
						PRIMARY KEY (name, device_id, identity_key)
					);
					CREATE INDEX identities_current on _identities (name, device_id, current);
				`)
				return err
			},
		},
	}); err != nil {
		return nil, err
	}
	return d, nil
}

func (db *database) record(name string, deviceID uint32, key []byte) (*record, bool, error) {
	r := &record{}
	if err := db.Tx.Get(r, "SELECT * FROM _identities WHERE name = $1 AND device_id = $2 AND identity_key = $3", name, deviceID, key); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("trust: error getting identity: %w", err)
	}
	return r, true, nil
}

func (db *database) currentRecord(name string, deviceID uint32) (*record, bool, error) {
	r := &record{}
	if err := db.Tx.Get(r, "SELECT * FROM _identities WHERE name = $1 AND device_id = $2 AND current = 1", name, deviceID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("trust: error getting current identity: %w", err)
	}
	return r, true, nil
}

func (db *database) records(name string) ([]*record, error) {
	var records []*record
	if err := db.Tx.Select(&records, "SELECT * FROM _identities WHERE name = $1 ORDER BY device_id, current DESC, mtime_ms DESC", name); err != nil {
		return nil, fmt.Errorf("trust: error getting identities: %w", err)
	}
	return records, nil
}

func (db *database) upsertRecord(r *record) error {
	if _, err := db.Tx.NamedExec("INSERT INTO _identities (name, device_id, identity_key, trust, current, ctime_ms, mtime_ms) VALUES (:name, :device_id, :identity_key, :trust, :current, :ctime_ms, :mtime_ms) ON CONFLICT(name, device_id, identity_key) DO UPDATE SET trust = :trust, current = :current, mtime_ms = :mtime_ms", r); err != nil {
		return fmt.Errorf("trust: error upserting identity: %w", err)
	}
	return nil
}

func (db *database) clearCurrent(name string, deviceID uint32) error {
	if _, err := db.Tx.Exec("UPDATE _identities SET current = 0 WHERE name = $1 AND device_id = $2", name, deviceID); err != nil {
		return fmt.Errorf("trust: error clearing current identity: %w", err)
	}
	return nil
}
