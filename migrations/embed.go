// Package migrations embeds the SQL schema history into the binary.
//
// The permission store, history and audit tables are owned by this single
// versioned history; runtime code never creates or alters tables.
package migrations

import (
	"embed"

	"github.com/nerrad567/gray-logic-access/internal/infrastructure/database"
)

//go:embed *.sql
var migrationsFS embed.FS

func init() {
	database.MigrationsFS = migrationsFS
	database.MigrationsDir = "."
}
