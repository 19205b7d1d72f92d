// Package actions implements the user-facing billing operations:
// subscribing, changing plan or card, canceling, and invoice and SKU
// administration. Every action goes to the processor first and then
// reconciles the local mirror, so the mirror never leads the processor.
package actions
