// Package migrations embeds the action durability store's SQL migrations
// for use with golang-migrate's iofs source driver.
package migrations

import "embed"

//go:embed *.sql
var FS embed.FS
