package migrations

import "embed"

// PostgresFS embeds the journal schema migrations, applied in file name order.
//
//go:embed postgres/*.sql
var PostgresFS embed.FS
