package sync

import (
	"time"

	"github.com/billsync/billsync/pkg/observability"
	"github.com/billsync/billsync/pkg/processor"
	"github.com/billsync/billsync/pkg/storage"
)

// Syncer reconciles processor objects into the local store
type Syncer struct {
	store   *storage.Store
	client  processor.Client
	logger  *observability.Logger
	metrics *observability.Metrics
}

// New creates a Syncer
func New(store *storage.Store, client processor.Client, logger *observability.Logger, metrics *observability.Metrics) *Syncer {
	return &Syncer{
		store:   store,
		client:  client,
		logger:  logger,
		metrics: metrics,
	}
}

// observe records one sync operation's outcome and duration
func (s *Syncer) observe(entity string, start time.Time, err error) {
	if s.metrics == nil {
		return
	}
	status := "success"
	if err != nil {
		status = "error"
	}
	s.metrics.SyncOperationsTotal.WithLabelValues(entity, status).Inc()
	s.metrics.SyncDuration.WithLabelValues(entity).Observe(time.Since(start).Seconds())
}

func timeFromUnix(sec int64) time.Time {
	return time.Unix(sec, 0).UTC()
}

func timePtrFromUnix(sec int64) *time.Time {
	if sec == 0 {
		return nil
	}
	t := time.Unix(sec, 0).UTC()
	return &t
}
