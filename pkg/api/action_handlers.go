package api

import (
	"errors"
	"net/http"

	stripe "github.com/stripe/stripe-go/v72"

	"github.com/billsync/billsync/pkg/actions"
	"github.com/billsync/billsync/pkg/httputil"
	"github.com/billsync/billsync/pkg/processor"
	"github.com/billsync/billsync/pkg/storage"
)

type subscribeRequest struct {
	Email     string `json:"email"`
	Plan      string `json:"plan"`
	CardToken string `json:"card_token,omitempty"`
	Coupon    string `json:"coupon,omitempty"`
	Quantity  int64  `json:"quantity,omitempty"`
}

type changePlanRequest struct {
	Plan     string `json:"plan"`
	Coupon   string `json:"coupon,omitempty"`
	Quantity int64  `json:"quantity,omitempty"`
}

type changeCardRequest struct {
	Token string `json:"token"`
}

type createSKURequest struct {
	Product           string            `json:"product"`
	PriceCents        int64             `json:"price_cents"`
	Currency          string            `json:"currency"`
	Attributes        map[string]string `json:"attributes,omitempty"`
	Image             string            `json:"image,omitempty"`
	InventoryType     string            `json:"inventory_type,omitempty"`
	InventoryQuantity int64             `json:"inventory_quantity,omitempty"`
}

// writeActionError maps action failures onto HTTP statuses. Card declines
// get 402 so clients can prompt for a new card.
func (s *Server) writeActionError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, storage.ErrNotFound):
		httputil.WriteNotFound(w, "not found")
	case errors.Is(err, actions.ErrNoSubscription):
		httputil.WriteNotFound(w, err.Error())
	case errors.Is(err, actions.ErrNoCard),
		errors.Is(err, actions.ErrInvoiceNotPayable),
		errors.Is(err, actions.ErrNotDraft):
		httputil.WriteConflict(w, err.Error())
	case processor.IsCardError(err):
		httputil.WriteErrorMessage(w, http.StatusPaymentRequired, "card declined")
	default:
		s.logger.WithError(err).Error("billing action failed")
		httputil.WriteInternalError(w, errors.New("billing action failed"))
	}
}

// handleSubscribe handles POST /api/v1/users/{user_id}/subscribe
func (s *Server) handleSubscribe(w http.ResponseWriter, r *http.Request) {
	userID, ok := httputil.ParsePathInt64OrError(w, r, "user_id")
	if !ok {
		return
	}
	var req subscribeRequest
	if !httputil.ParseJSONOrError(w, r, &req) {
		return
	}
	if !httputil.RequireNonEmpty(w, req.Plan, "plan") {
		return
	}

	sub, err := s.actions.Subscribe(r.Context(), userID, req.Email, req.Plan, req.CardToken,
		processor.SubscribeOptions{Coupon: req.Coupon, Quantity: req.Quantity})
	if err != nil {
		s.writeActionError(w, err)
		return
	}
	httputil.WriteCreated(w, sub)
}

// handleChangePlan handles POST /api/v1/users/{user_id}/plan
func (s *Server) handleChangePlan(w http.ResponseWriter, r *http.Request) {
	userID, ok := httputil.ParsePathInt64OrError(w, r, "user_id")
	if !ok {
		return
	}
	var req changePlanRequest
	if !httputil.ParseJSONOrError(w, r, &req) {
		return
	}
	if !httputil.RequireNonEmpty(w, req.Plan, "plan") {
		return
	}

	sub, err := s.actions.ChangePlan(r.Context(), userID, req.Plan,
		processor.SubscribeOptions{Coupon: req.Coupon, Quantity: req.Quantity})
	if err != nil {
		s.writeActionError(w, err)
		return
	}
	httputil.WriteSuccess(w, sub)
}

// handleChangeCard handles POST /api/v1/users/{user_id}/card
func (s *Server) handleChangeCard(w http.ResponseWriter, r *http.Request) {
	userID, ok := httputil.ParsePathInt64OrError(w, r, "user_id")
	if !ok {
		return
	}
	var req changeCardRequest
	if !httputil.ParseJSONOrError(w, r, &req) {
		return
	}
	if !httputil.RequireNonEmpty(w, req.Token, "token") {
		return
	}

	cust, err := s.actions.ChangeCard(r.Context(), userID, req.Token)
	if err != nil {
		s.writeActionError(w, err)
		return
	}
	httputil.WriteSuccess(w, cust)
}

// handleCancel handles POST /api/v1/users/{user_id}/cancel. Cancellation
// runs at period end unless at_period_end=false is given.
func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	userID, ok := httputil.ParsePathInt64OrError(w, r, "user_id")
	if !ok {
		return
	}
	atPeriodEnd, err := httputil.ParseQueryBool(r, "at_period_end", true)
	if err != nil {
		httputil.WriteBadRequest(w, err.Error())
		return
	}

	sub, err := s.actions.Cancel(r.Context(), userID, atPeriodEnd)
	if err != nil {
		s.writeActionError(w, err)
		return
	}
	httputil.WriteSuccess(w, sub)
}

// handleGetSubscription handles GET /api/v1/users/{user_id}/subscription
func (s *Server) handleGetSubscription(w http.ResponseWriter, r *http.Request) {
	userID, ok := httputil.ParsePathInt64OrError(w, r, "user_id")
	if !ok {
		return
	}

	cust, err := s.store.GetCustomerByUserID(r.Context(), userID)
	if err != nil {
		s.writeActionError(w, err)
		return
	}
	sub, err := s.store.GetSubscriptionByCustomerID(r.Context(), cust.ID)
	if err != nil {
		s.writeActionError(w, err)
		return
	}
	httputil.WriteSuccess(w, map[string]interface{}{
		"customer":     cust,
		"subscription": sub,
	})
}

// handleCreateInvoice handles POST /api/v1/users/{user_id}/invoices
func (s *Server) handleCreateInvoice(w http.ResponseWriter, r *http.Request) {
	userID, ok := httputil.ParsePathInt64OrError(w, r, "user_id")
	if !ok {
		return
	}

	inv, err := s.actions.CreateInvoice(r.Context(), userID)
	if err != nil {
		s.writeActionError(w, err)
		return
	}
	if inv == nil {
		// Nothing pending to invoice.
		httputil.WriteNoContent(w)
		return
	}
	httputil.WriteCreated(w, inv)
}

// handlePayInvoice handles POST /api/v1/invoices/{stripe_id}/pay
func (s *Server) handlePayInvoice(w http.ResponseWriter, r *http.Request) {
	stripeID, ok := httputil.ParsePathStringOrError(w, r, "stripe_id")
	if !ok {
		return
	}

	inv, err := s.actions.PayInvoice(r.Context(), stripeID)
	if err != nil {
		s.writeActionError(w, err)
		return
	}
	httputil.WriteSuccess(w, inv)
}

// handleDeleteInvoice handles DELETE /api/v1/invoices/{stripe_id}
func (s *Server) handleDeleteInvoice(w http.ResponseWriter, r *http.Request) {
	stripeID, ok := httputil.ParsePathStringOrError(w, r, "stripe_id")
	if !ok {
		return
	}

	if err := s.actions.DeleteDraftInvoice(r.Context(), stripeID); err != nil {
		s.writeActionError(w, err)
		return
	}
	httputil.WriteNoContent(w)
}

// handleListPlans handles GET /api/v1/plans
func (s *Server) handleListPlans(w http.ResponseWriter, r *http.Request) {
	plans, err := s.store.ListPlans(r.Context())
	if err != nil {
		s.writeActionError(w, err)
		return
	}
	httputil.WriteSuccess(w, plans)
}

// handleListSKUs handles GET /api/v1/skus
func (s *Server) handleListSKUs(w http.ResponseWriter, r *http.Request) {
	skus, err := s.store.ListSKUs(r.Context())
	if err != nil {
		s.writeActionError(w, err)
		return
	}
	httputil.WriteSuccess(w, skus)
}

// handleCreateSKU handles POST /api/v1/skus
func (s *Server) handleCreateSKU(w http.ResponseWriter, r *http.Request) {
	var req createSKURequest
	if !httputil.ParseJSONOrError(w, r, &req) {
		return
	}
	if !httputil.RequireNonEmpty(w, req.Product, "product") {
		return
	}
	if !httputil.RequireNonEmpty(w, req.Currency, "currency") {
		return
	}

	params := &stripe.SKUParams{
		Product:    stripe.String(req.Product),
		Price:      stripe.Int64(req.PriceCents),
		Currency:   stripe.String(req.Currency),
		Attributes: req.Attributes,
	}
	if req.Image != "" {
		params.Image = stripe.String(req.Image)
	}
	if req.InventoryType != "" {
		params.Inventory = &stripe.InventoryParams{
			Type:     stripe.String(req.InventoryType),
			Quantity: stripe.Int64(req.InventoryQuantity),
		}
	}

	sku, err := s.actions.CreateSKU(r.Context(), params)
	if err != nil {
		s.writeActionError(w, err)
		return
	}
	httputil.WriteCreated(w, sku)
}
