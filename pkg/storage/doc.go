// Package storage persists the mirrored billing objects in PostgreSQL.
// Writes are idempotent upserts keyed on the processor identifier, so a
// webhook replay or a full sync converges on the same rows. Child rows
// without stable processor identifiers (plan tiers, invoice line items)
// are replaced wholesale inside the parent's transaction.
package storage
