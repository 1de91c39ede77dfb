package directory

import (
	"database/sql"
	"errors"
	"fmt"

	"github.com/meow-io/go-omemo/internal/db"
	"github.com/meow-io/go-omemo/migration"
)

type device struct {
	Name          string `db:"name"`
	DeviceID      uint32 `db:"device_id"`
	Active        bool   `db:"active"`
	BundleMissing bool   `db:"bundle_missing"`
	FirstSeenMs   uint64 `db:"first_seen_ms"`
	LastSeenMs    uint64 `db:"last_seen_ms"`
}

type database struct {
	*db.Database
}

func newDatabase(internalDB *db.Database) (*database, error) {
	d := &database{internalDB}

	if err := internalDB.MigrateNoLock("_directory", []*migration.Migration{
		{
			Name: "Create initial tables",
			Func: func(tx *sql.Tx) error {
				_, err := tx.Exec(`
					CREATE TABLE _devices (
						name STRING NOT NULL,
						device_id INTEGER NOT NULL,
						active INTEGER NOT NULL,
						bundle_missing INTEGER NOT NULL,
						first_seen_ms INTEGER NOT NULL,
						last_seen_ms INTEGER NOT NULL,
						PRIMARY KEY (name, device_id)
					);
				`)
				return err
			},
		},
	}); err != nil {
		return nil, err
	}
	return d, nil
}

func (db *database) devices(name string) ([]*device, error) {
	var devices []*device
	if err := db.Tx.Select(&devices, "SELECT * FROM _devices WHERE name = $1 ORDER BY device_id", name); err != nil {
		return nil, fmt.Errorf("directory: error getting devices: %w", err)
	}
	return devices, nil
}

func (db *database) device(name string, deviceID uint32) (*device, bool, error) {
	d := &device{}
	if err := db.Tx.Get(d, "SELECT * FROM _devices WHERE name = $1 AND device_id = $2", name, deviceID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("directory: error getting device: %w", err)
	}
	return d, true, nil
}

func (db *database) upsertDevice(d *device) error {
	if _, err := db.Tx.NamedExec("INSERT INTO _devices (name, device_id, active, bundle_missing, first_seen_ms, last_seen_ms) VALUES (:name, :device_id, :active, :bundle_missing, :first_seen_ms, :last_seen_ms) ON CONFLICT(name, device_id) DO UPDATE SET active = :active, bundle_missing = :bundle_missing, last_seen_ms = :last_seen_ms", d); err != nil {
		return fmt.Errorf("directory: error upserting device: %w", err)
	}
	return nil
}

func (db *database) setBundleMissing(name string, deviceID uint32, missing bool) (bool, error) {
	res, err := db.Tx.Exec("UPDATE _devices SET bundle_missing = $1 WHERE name = $2 AND device_id = $3", missing, name, deviceID)
	if err != nil {
		return false, fmt.Errorf("directory: error updating bundle_missing: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("directory: error updating bundle_missing: %w", err)
	}
	return n != 0, nil
}

func (db *database) deleteDevice(name string, deviceID uint32) error {
	if _, err := db.Tx.Exec("DELETE FROM _devices WHERE name = $1 AND device_id = $2", name, deviceID); err != nil {
		return fmt.Errorf("directory: error deleting device: %w", err)
	}
	return nil
}
