package api

import (
	"errors"
	"io"
	"net/http"

	"github.com/billsync/billsync/pkg/events"
	"github.com/billsync/billsync/pkg/httputil"
)

// handleWebhook handles POST /webhooks/stripe. Replayed and invalid
// deliveries are answered 200 so the processor stops retrying them;
// only undecodable payloads get a 400.
func (s *Server) handleWebhook(w http.ResponseWriter, r *http.Request) {
	payload, err := io.ReadAll(r.Body)
	if err != nil {
		httputil.WriteBadRequest(w, "failed to read request body")
		return
	}

	err = s.events.Ingest(r.Context(), payload, r.Header.Get("Stripe-Signature"))
	if err != nil {
		if errors.Is(err, events.ErrBadPayload) {
			httputil.WriteBadRequest(w, err.Error())
			return
		}
		s.logger.WithError(err).Error("webhook ingest failed")
		httputil.WriteInternalError(w, errors.New("event ingest failed"))
		return
	}
	httputil.WriteSuccess(w, map[string]string{"status": "received"})
}
