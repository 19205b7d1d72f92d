// Package entities defines the locally mirrored billing objects. Every type
// carries the payment processor's identifier as its natural key; local rows
// are a mirror, never the source of truth.
package entities
