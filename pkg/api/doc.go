// Package api exposes the HTTP surface: the webhook endpoint, the user
// billing actions, reporting, and operational endpoints. Handlers stay
// thin; the actions, events, and reports services do the work.
package api
