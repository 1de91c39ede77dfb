package db

import (
	"database/sql"
	"fmt"

	"github.com/meow-io/go-omemo/config"
	"github.com/meow-io/go-omemo/migration"
	"go.uber.org/zap"
)

// Every component records the migrations it applied in one shared table, numbered from zero.
const schemaVersionsTable = `
	CREATE TABLE IF NOT EXISTS _schema_versions (
		component STRING NOT NULL,
		number INTEGER NOT NULL,
		name STRING NOT NULL,
		PRIMARY KEY (component, number)
	)`

type migrator struct {
	db         *Database
	component  string
	log        *zap.SugaredLogger
	migrations []*migration.Migration
	lock       bool
}

func newMigrator(c *config.Config, db *Database, component string, migrations []*migration.Migration, lock bool) *migrator {
	return &migrator{
		db:         db,
		log:        c.Logger("migrator:" + component),
		component:  component,
		migrations: migrations,
		lock:       lock,
	}
}

func (m *migrator) migrate() error {
	var applied []string
	if err := m.run(fmt.Sprintf("read %s schema version", m.component), func() error {
		if _, err := m.db.Tx.Exec(schemaVersionsTable); err != nil {
			return err
		}
		return m.db.Tx.Select(&applied, "SELECT name FROM _schema_versions WHERE component = $1 ORDER BY number", m.component)
	}); err != nil {
		return err
	}
	if len(applied) > len(m.migrations) {
		return fmt.Errorf("migrator: %s has %d migrations applied but only %d defined", m.component, len(applied), len(m.migrations))
	}
	for i, name := range applied {
		if m.migrations[i].Name != name {
			return fmt.Errorf("migrator: %s migration %d is %q in the database but %q in code", m.component, i, name, m.migrations[i].Name)
		}
	}

	for number := len(applied); number < len(m.migrations); number++ {
		if err := m.apply(number, m.migrations[number]); err != nil {
			return fmt.Errorf("migrator: error migrating %s: %w", m.component, err)
		}
	}
	return nil
}

func (m *migrator) apply(number int, mig *migration.Migration) error {
	return m.run(fmt.Sprintf("%s migration %s", m.component, mig), func() error {
		m.log.Debugf("applying migration %d %q", number, mig.Name)
		if err := mig.Func(m.db.Tx.Tx); err != nil {
			return fmt.Errorf("error executing migration %s: %w", mig.Name, err)
		}
		if _, err := m.db.Tx.Exec("INSERT INTO _schema_versions (component, number, name) VALUES ($1, $2, $3)", m.component, number, mig.Name); err != nil {
			return fmt.Errorf("error recording migration %s: %w", mig.Name, err)
		}
		return nil
	})
}

func (m *migrator) run(label string, f RunnerFunc) error {
	if m.lock {
		return m.db.Run(label, f)
	}
	return m.db.RunTx(label, &sql.TxOptions{Isolation: sql.LevelDefault, ReadOnly: false}, f)
}
