// Package config loads application configuration from BILLSYNC_*
// environment variables with sane defaults for local development.
package config
