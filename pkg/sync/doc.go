// Package sync reconciles processor objects into the local mirror. Each
// reconciler accepts the processor's representation, translates it, and
// upserts through the storage layer, so webhook deliveries and scheduled
// full syncs share one code path. The processor stays authoritative:
// local rows are never treated as the source of truth.
package sync
