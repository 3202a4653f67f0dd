// Package schemasassets provides embedded JSON schemas for standalone binary behavior.
//
// Schemas are embedded at compile time so request validation works
// regardless of the working directory or installation location.
package schemasassets

import _ "embed"

// JobRequestSchema is the embedded job-request JSON schema.
//
//go:embed job-request.schema.json
var JobRequestSchema []byte
