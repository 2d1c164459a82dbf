// Command generate_schema migrates an in-memory journal to the latest version
// and writes its schema to internal/database/schema.sql, or to the path given
// as the first argument.
package main

import (
	"fmt"
	"os"
	"path/filepath"

	"tbup-go/internal/database"
)

const header = `-- This file is auto-generated from migration files.
-- DO NOT EDIT MANUALLY. Run 'go generate ./internal/database' to regenerate.
-- Source: internal/database/migrations/files/*.sql

`

func main() {
	outPath := filepath.Join("internal", "database", "schema.sql")
	if len(os.Args) > 1 {
		outPath = os.Args[1]
	}

	if err := run(outPath); err != nil {
		fmt.Fprintf(os.Stderr, "generate_schema: %v\n", err)
		os.Exit(1)
	}
}

func run(outPath string) error {
	db, err := database.NewSQLiteDatabase(":memory:")
	if err != nil {
		return err
	}
	defer db.Close()

	if err := db.Migrate(); err != nil {
		return err
	}
	st, err := db.SchemaStatus()
	if err != nil {
		return err
	}
	schema, err := db.DumpSchema()
	if err != nil {
		return err
	}

	if err := os.WriteFile(outPath, []byte(header+schema), 0o644); err != nil {
		return fmt.Errorf("writing %s: %w", outPath, err)
	}
	fmt.Printf("wrote %s (journal schema v%d)\n", outPath, st.Current)
	return nil
}
