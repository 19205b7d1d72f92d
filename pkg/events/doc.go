// Package events ingests webhook deliveries from the payment processor.
// Every delivery is recorded in an append-only ledger before anything
// else happens, validated against the processor by refetching the event,
// and only then dispatched to the reconcilers. Failures while handling a
// delivery are captured as error records rather than bounced back to the
// processor, so a poison event cannot wedge the webhook endpoint.
package events
