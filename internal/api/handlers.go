package api

import (
	"log/slog"
	"net/http"

	"github.com/BTreeMap/WhatsHook/internal/dedup"
	"github.com/BTreeMap/WhatsHook/internal/messaging"
	"github.com/BTreeMap/WhatsHook/internal/models"
	"github.com/BTreeMap/WhatsHook/internal/queue"
)

// HealthReport is the body of GET /health.
type HealthReport struct {
	Dedup         dedup.Health              `json:"dedup"`
	Queue         queue.Stats               `json:"queue"`
	SideCacheSize int                       `json:"sideCacheSize"`
	Accounts      []messaging.AccountStatus `json:"accounts"`
}

// StatsReport is the body of GET /stats.
type StatsReport struct {
	Dedup           dedup.Stats `json:"dedup"`
	Queue           queue.Stats `json:"queue"`
	SideCacheSize   int         `json:"sideCacheSize"`
	FeedSubscribers int         `json:"feedSubscribers"`
	FeedDropped     int64       `json:"feedDropped"`
}

func (s *Server) healthHandler(w http.ResponseWriter, r *http.Request) {
	if !requireMethod(w, r, http.MethodGet, "healthHandler") {
		return
	}
	report := HealthReport{
		Dedup:         s.dedup.Health(),
		Queue:         s.queue.Stats(),
		SideCacheSize: s.extractor.SideCacheSize(),
		Accounts:      s.registry.Snapshot(),
	}
	if report.Dedup.Status == dedup.HealthCritical {
		slog.Warn("Server.healthHandler: deduplicator critical", "issues", report.Dedup.Issues)
		writeJSONResponse(w, http.StatusServiceUnavailable, models.APIResponse{
			Status:  string(models.APIStatusError),
			Message: "Deduplicator is critical",
			Result:  report,
		})
		return
	}
	writeJSONResponse(w, http.StatusOK, models.Success(report))
}

func (s *Server) statsHandler(w http.ResponseWriter, r *http.Request) {
	if !requireMethod(w, r, http.MethodGet, "statsHandler") {
		return
	}
	writeJSONResponse(w, http.StatusOK, models.Success(StatsReport{
		Dedup:           s.dedup.Stats(),
		Queue:           s.queue.Stats(),
		SideCacheSize:   s.extractor.SideCacheSize(),
		FeedSubscribers: s.hub.Subscribers(),
		FeedDropped:     s.hub.Dropped(),
	}))
}

func (s *Server) processQueueHandler(w http.ResponseWriter, r *http.Request) {
	if r.Body != nil {
		defer r.Body.Close()
	}
	if !requireMethod(w, r, http.MethodPost, "processQueueHandler") {
		return
	}
	result := s.queue.ForceProcess(r.Context())
	if result.Skipped {
		slog.Info("Server.processQueueHandler: drain already running")
		writeJSONResponse(w, http.StatusConflict, models.APIResponse{
			Status:  string(models.APIStatusError),
			Message: "A drain is already in progress",
			Result:  result,
		})
		return
	}
	slog.Info("Server.processQueueHandler: forced drain finished", "processed", result.Processed)
	writeJSONResponse(w, http.StatusOK, models.Success(result))
}

func (s *Server) resetHandler(w http.ResponseWriter, r *http.Request) {
	if r.Body != nil {
		defer r.Body.Close()
	}
	if !requireMethod(w, r, http.MethodPost, "resetHandler") {
		return
	}
	s.dedup.Clear()
	s.extractor.Clear()
	s.queue.Clear()
	slog.Warn("Server.resetHandler: deduplication state, side cache and queue cleared")
	writeJSONResponse(w, http.StatusOK, models.SuccessWithMessage("State cleared", nil))
}
