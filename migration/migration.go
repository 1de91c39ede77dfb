// Package migration describes a named schema change applied once per database.
package migration

import (
	"database/sql"
)

type Migration struct {
	Name string
	Func func(*sql.Tx) error
}

func (m *Migration) String() string {
	return m.Name
}
