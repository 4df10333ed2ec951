package audioscribe

import _ "embed"

// SchemaSQL is applied by database.InitSchema on a fresh database.
//
//go:embed schema.sql
var SchemaSQL []byte
