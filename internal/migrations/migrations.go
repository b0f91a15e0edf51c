package migrations

import (
	"embed"
	"fmt"
	"os"
	"path/filepath"
)

const initialSchemaFile = "001_initial_schema.sql"

var (
	// MigrationsDir can be overridden in tests or by the application. When it holds
	// a schema file, that file wins over the embedded copy.
	MigrationsDir = ""

	//go:embed sql/*.sql
	embedded embed.FS
)

// GetInitialSchema returns the initial database schema
func GetInitialSchema() (string, error) {
	if MigrationsDir != "" {
		content, err := os.ReadFile(filepath.Join(MigrationsDir, initialSchemaFile))
		if err == nil {
			return string(content), nil
		}
		if !os.IsNotExist(err) {
			return "", fmt.Errorf("failed to read schema override: %w", err)
		}
	}

	content, err := embedded.ReadFile("sql/" + initialSchemaFile)
	if err != nil {
		return "", fmt.Errorf("could not read embedded schema: %w", err)
	}
	return string(content), nil
}
