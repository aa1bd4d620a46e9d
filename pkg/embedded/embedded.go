// Package embedded provides static assets compiled into the binary.
package embedded

import (
	"embed"
)

// Schemas contains the SQL schema files applied to each database at startup.
// Keeping them in the binary means a deployed instance can always migrate
// itself, regardless of working directory or install location.
//
//go:embed schemas
var Schemas embed.FS
