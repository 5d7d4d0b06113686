// Package db embeds the billing schema applied by repository.RunMigrations.
package db

import _ "embed"

// Schema creates users, coupons, assessments, payments, referrals,
// affiliate_stats and api_keys. Every statement is idempotent.
//
//go:embed migrations/001_schema.sql
var Schema string
