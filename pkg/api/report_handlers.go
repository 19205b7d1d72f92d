package api

import (
	"context"
	"errors"
	"net/http"

	"github.com/billsync/billsync/pkg/async"
	"github.com/billsync/billsync/pkg/httputil"
)

// handleSubscriberReport handles GET /api/v1/reports/subscribers
func (s *Server) handleSubscriberReport(w http.ResponseWriter, r *http.Request) {
	year, month, err := httputil.ParseMonth(r)
	if err != nil {
		httputil.WriteBadRequest(w, err.Error())
		return
	}

	ctx := r.Context()
	started, err := s.reports.StartedCount(ctx, year, month)
	if err != nil {
		s.writeReportError(w, err)
		return
	}
	canceled, err := s.reports.CanceledCount(ctx, year, month)
	if err != nil {
		s.writeReportError(w, err)
		return
	}
	active, err := s.reports.ActiveCount(ctx)
	if err != nil {
		s.writeReportError(w, err)
		return
	}

	httputil.WriteSuccess(w, map[string]interface{}{
		"year":     year,
		"month":    int(month),
		"started":  started,
		"canceled": canceled,
		"active":   active,
	})
}

// handlePlanReport handles GET /api/v1/reports/plans. The cohort query
// parameter selects started, active, or canceled subscriptions.
func (s *Server) handlePlanReport(w http.ResponseWriter, r *http.Request) {
	year, month, err := httputil.ParseMonth(r)
	if err != nil {
		httputil.WriteBadRequest(w, err.Error())
		return
	}

	cohort := r.URL.Query().Get("cohort")
	if cohort == "" {
		cohort = "active"
	}

	ctx := r.Context()
	switch cohort {
	case "started":
		summaries, err := s.reports.StartedPlanSummary(ctx, year, month)
		if err != nil {
			s.writeReportError(w, err)
			return
		}
		httputil.WriteSuccess(w, summaries)
	case "active":
		summaries, err := s.reports.ActivePlanSummary(ctx)
		if err != nil {
			s.writeReportError(w, err)
			return
		}
		httputil.WriteSuccess(w, summaries)
	case "canceled":
		summaries, err := s.reports.CanceledPlanSummary(ctx, year, month)
		if err != nil {
			s.writeReportError(w, err)
			return
		}
		httputil.WriteSuccess(w, summaries)
	default:
		httputil.WriteBadRequest(w, "cohort must be started, active, or canceled")
	}
}

// handleChurnReport handles GET /api/v1/reports/churn
func (s *Server) handleChurnReport(w http.ResponseWriter, r *http.Request) {
	churn, err := s.reports.Churn(r.Context())
	if err != nil {
		s.writeReportError(w, err)
		return
	}
	httputil.WriteSuccess(w, map[string]string{"churn": churn.String()})
}

// handleTransferReport handles GET /api/v1/reports/transfers
func (s *Server) handleTransferReport(w http.ResponseWriter, r *http.Request) {
	year, month, err := httputil.ParseMonth(r)
	if err != nil {
		httputil.WriteBadRequest(w, err.Error())
		return
	}

	ctx := r.Context()
	transfers, err := s.reports.TransfersDuring(ctx, year, month)
	if err != nil {
		s.writeReportError(w, err)
		return
	}
	totals, err := s.reports.TransferPaidTotals(ctx, year, month)
	if err != nil {
		s.writeReportError(w, err)
		return
	}

	httputil.WriteSuccess(w, map[string]interface{}{
		"year":        year,
		"month":       int(month),
		"transfers":   transfers,
		"paid_totals": totals,
	})
}

// handleTriggerSync handles POST /api/v1/sync, kicking off a full
// reconciliation in the background.
func (s *Server) handleTriggerSync(w http.ResponseWriter, r *http.Request) {
	async.SafeGo(context.Background(), s.logger, fullSyncTimeout, "full sync", func(ctx context.Context) error {
		return s.syncer.All(ctx)
	})
	httputil.WriteJSON(w, http.StatusAccepted, map[string]string{"status": "sync started"})
}

func (s *Server) writeReportError(w http.ResponseWriter, err error) {
	s.logger.WithError(err).Error("report query failed")
	httputil.WriteInternalError(w, errors.New("report query failed"))
}
