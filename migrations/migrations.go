// Package migrations embeds the Postgres schema of both services. Each
// script is idempotent so it can be applied on every start.
package migrations

import _ "embed"

//go:embed orders.sql
var orders string

//go:embed inventory.sql
var inventory string

func Orders() string { return orders }

func Inventory() string { return inventory }
