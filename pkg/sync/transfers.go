package sync

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	stripe "github.com/stripe/stripe-go/v72"

	"github.com/billsync/billsync/pkg/entities"
)

// transferPayload is the shape of a transfer object on webhook payloads,
// which still carries the payout status and fee summary the list API
// no longer returns.
type transferPayload struct {
	ID          string `json:"id"`
	Amount      int64  `json:"amount"`
	Currency    string `json:"currency"`
	Status      string `json:"status"`
	Date        int64  `json:"date"`
	Created     int64  `json:"created"`
	Description string `json:"description"`
	Summary     struct {
		Net            int64 `json:"net"`
		ChargeFees     int64 `json:"charge_fees"`
		AdjustmentFees int64 `json:"adjustment_fees"`
		RefundFees     int64 `json:"refund_fees"`
		ValidationFees int64 `json:"validation_fees"`
	} `json:"summary"`
}

// TransferFromEvent mirrors a transfer from a webhook payload, keeping
// the fee breakdown the payload carries.
func (s *Syncer) TransferFromEvent(ctx context.Context, eventStripeID string, data json.RawMessage) (err error) {
	defer func(start time.Time) { s.observe("transfer", start, err) }(time.Now())

	var payload transferPayload
	if err := json.Unmarshal(data, &payload); err != nil {
		return fmt.Errorf("failed to decode transfer payload: %w", err)
	}
	if payload.ID == "" {
		return fmt.Errorf("transfer payload has no id")
	}

	date := payload.Date
	if date == 0 {
		date = payload.Created
	}
	status := payload.Status
	if status == "" {
		status = "paid"
	}

	transfer := &entities.Transfer{
		StripeID:       payload.ID,
		EventStripeID:  eventStripeID,
		Amount:         entities.AmountFromCents(payload.Amount, payload.Currency),
		Currency:       payload.Currency,
		Status:         status,
		Date:           timeFromUnix(date),
		Description:    payload.Description,
		Net:            entities.AmountFromCents(payload.Summary.Net, payload.Currency),
		ChargeFees:     entities.AmountFromCents(payload.Summary.ChargeFees, payload.Currency),
		AdjustmentFees: entities.AmountFromCents(payload.Summary.AdjustmentFees, payload.Currency),
		RefundFees:     entities.AmountFromCents(payload.Summary.RefundFees, payload.Currency),
		ValidationFees: entities.AmountFromCents(payload.Summary.ValidationFees, payload.Currency),
	}
	return s.store.UpsertTransfer(ctx, transfer)
}

// Transfer mirrors a transfer from the list API. The fee summary is not
// available there, so the row is only inserted when the transfer is not
// already known; webhook payloads stay authoritative for fees.
func (s *Syncer) Transfer(ctx context.Context, st *stripe.Transfer) (err error) {
	defer func(start time.Time) { s.observe("transfer", start, err) }(time.Now())

	currency := string(st.Currency)
	transfer := &entities.Transfer{
		StripeID:    st.ID,
		Amount:      entities.AmountFromCents(st.Amount, currency),
		Currency:    currency,
		Status:      "paid",
		Date:        timeFromUnix(st.Created),
		Description: st.Description,
		Net:         entities.AmountFromCents(st.Amount, currency),
	}
	return s.store.InsertTransferIfAbsent(ctx, transfer)
}

// Transfers mirrors every transfer the processor lists
func (s *Syncer) Transfers(ctx context.Context) error {
	transfers, err := s.client.ListTransfers(ctx)
	if err != nil {
		return err
	}
	for _, st := range transfers {
		if err := s.Transfer(ctx, st); err != nil {
			return err
		}
	}
	s.logger.WithField("count", len(transfers)).Info("transfers synced")
	return nil
}
