// Command dumpschema writes the cache schema produced by the embedded
// migrations to internal/cache/schema.sql, for reading and review.
package main

import (
	"fmt"
	"os"

	"assetsync/internal/cache"
	"assetsync/internal/cache/migrations"
)

// Relative to internal/cache/migrations, where go generate runs.
const outPath = "../schema.sql"

const header = `-- Generated from internal/cache/migrations/files/*.sql. Do not edit.
-- Regenerate with: go generate ./internal/cache/migrations

`

func main() {
	db, err := cache.OpenConnection(":memory:")
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to open database: %v\n", err)
		os.Exit(1)
	}
	defer db.Close()

	if err := migrations.Up(db); err != nil {
		fmt.Fprintf(os.Stderr, "Migration failed: %v\n", err)
		os.Exit(1)
	}

	schema, err := migrations.Schema(db)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to extract schema: %v\n", err)
		os.Exit(1)
	}

	if err := os.WriteFile(outPath, []byte(header+schema), 0644); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to write schema file: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("Generated %s from migrations\n", outPath)
}
