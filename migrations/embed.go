// Package migrations embeds the bridge's SQL migration files into the binary.
//
// Importing this package (for side effects) registers the embedded filesystem
// with the database package:
//
//	import _ "github.com/nerrad567/gray-logic-evok/migrations"
package migrations

import (
	"embed"

	"github.com/nerrad567/gray-logic-evok/internal/infrastructure/database"
)

//go:embed *.sql
var migrationsFS embed.FS

func init() {
	database.MigrationsFS = migrationsFS
	database.MigrationsDir = "."
}
