// Package processor wraps the payment processor's Go SDK behind a narrow
// interface. Retrieve operations treat "no such object" responses as a nil
// result rather than an error; everything else propagates unchanged.
package processor
