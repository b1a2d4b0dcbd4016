// Package migrations embeds the goose SQL migrations so the binary is self-contained.
// Each supported database has its own directory because the append-only audit
// triggers are dialect-specific.
package migrations

import (
	"embed"
	"fmt"
	"io/fs"
)

//go:embed sqlite/*.sql postgres/*.sql
var embedded embed.FS

// FS returns the migration files for driver ("sqlite" or "postgres").
func FS(driver string) (fs.FS, error) {
	switch driver {
	case "sqlite", "postgres":
		return fs.Sub(embedded, driver)
	default:
		return nil, fmt.Errorf("no migrations for driver %q", driver)
	}
}
