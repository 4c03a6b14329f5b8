// Package migrations embeds the SQL schema and seed files so the binaries
// can apply them without a deploy-time copy of the repo.
package migrations

import "embed"

//go:embed *.sql seeds/*.sql
var Files embed.FS

const (
	// Dir is the migrations directory inside Files.
	Dir = "."
	// SeedsDir is the seed directory inside Files.
	SeedsDir = "seeds"
)
