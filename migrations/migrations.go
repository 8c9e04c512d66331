// Package migrations embeds the schema applied by the migrate command.
package migrations

import _ "embed"

//go:embed 001_init.sql
var MySQL string

//go:embed clickhouse_001_usage_events.sql
var ClickHouse string
