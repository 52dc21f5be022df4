package config

import (
	_ "embed"
	"fmt"

	"cuelang.org/go/cue"
)

//go:embed schema.cue
var schemaSource string

// configSchema compiles the embedded schema and returns its #Config
// definition. Definitions are closed, so unknown fields are rejected.
func configSchema(ctx *cue.Context) (cue.Value, error) {
	val := ctx.CompileString(schemaSource, cue.Filename("schema.cue"))
	if err := val.Err(); err != nil {
		return cue.Value{}, fmt.Errorf("failed to compile config schema: %w", err)
	}

	def := val.LookupPath(cue.ParsePath("#Config"))
	if err := def.Err(); err != nil {
		return cue.Value{}, fmt.Errorf("config schema has no #Config: %w", err)
	}
	return def, nil
}
