package database

import _ "embed"

// Schema is the journal schema at the latest migration, for tests that skip migrate.
//
//go:embed schema.sql
var Schema string
