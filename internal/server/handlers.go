package server

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/agustin-herrera/taxdocs-tracker/constants"
	"github.com/agustin-herrera/taxdocs-tracker/internal/common"
	"github.com/agustin-herrera/taxdocs-tracker/internal/entity"
	"github.com/agustin-herrera/taxdocs-tracker/internal/telemetry"
)

type ingestRequest struct {
	OwnerID   string           `json:"owner_id"`
	Documents []ingestDocument `json:"documents"`
}

type ingestDocument struct {
	FileName      string `json:"file_name"`
	MediaType     string `json:"media_type"`
	ContentBase64 string `json:"content_base64"`
}

type ingestRejection struct {
	FileName string `json:"file_name"`
	Reason   string `json:"reason"`
}

type ingestResponse struct {
	Accepted int               `json:"accepted"`
	Rejected int               `json:"rejected"`
	ItemIDs  []string          `json:"item_ids"`
	Failures []ingestRejection `json:"failures,omitempty"`
}

// handleIngest validates each document independently: one oversized or
// unsupported file never sinks its siblings in the same call.
func (s *Server) handleIngest(w http.ResponseWriter, r *http.Request) {
	var req ingestRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "malformed JSON body")
		return
	}
	ownerID, err := uuid.Parse(req.OwnerID)
	if err != nil {
		writeError(w, http.StatusBadRequest, "owner_id must be a UUID")
		return
	}
	if len(req.Documents) == 0 {
		writeError(w, http.StatusBadRequest, "documents is empty")
		return
	}
	if len(req.Documents) > constants.MaxDocumentsPerCall {
		writeError(w, http.StatusBadRequest,
			fmt.Sprintf("too many documents: %d exceeds the limit of %d", len(req.Documents), constants.MaxDocumentsPerCall))
		return
	}

	resp := ingestResponse{ItemIDs: []string{}}
	for _, doc := range req.Documents {
		reason, payload := validateDocument(doc)
		if reason != "" {
			resp.Rejected++
			resp.Failures = append(resp.Failures, ingestRejection{FileName: doc.FileName, Reason: reason})
			continue
		}

		item := &entity.QueueItem{
			ID:        uuid.New(),
			OwnerID:   ownerID,
			FileName:  doc.FileName,
			MediaType: constants.NormalizeMediaType(doc.MediaType),
			Payload:   payload,
			Status:    constants.ItemStatusPending,
			CreatedAt: time.Now().UTC(),
		}
		if err := s.items.Enqueue(r.Context(), item); err != nil {
			s.logger.Error("ingest.enqueue.failed", "file_name", doc.FileName, "err", err)
			resp.Rejected++
			resp.Failures = append(resp.Failures, ingestRejection{FileName: doc.FileName, Reason: "internal error"})
			continue
		}
		telemetry.ItemsEnqueued.Inc()
		resp.Accepted++
		resp.ItemIDs = append(resp.ItemIDs, item.ID.String())
	}

	s.logger.Info("ingest.done", "owner_id", ownerID, "accepted", resp.Accepted, "rejected", resp.Rejected)
	writeJSON(w, http.StatusAccepted, resp)
}

func validateDocument(doc ingestDocument) (reason string, payload []byte) {
	if doc.FileName == "" {
		return "file_name is required", nil
	}
	if !constants.AllowedMediaType(doc.MediaType) {
		return fmt.Sprintf("unsupported media type %q", doc.MediaType), nil
	}
	raw, err := base64.StdEncoding.DecodeString(doc.ContentBase64)
	if err != nil {
		return "content_base64 is not valid base64", nil
	}
	if len(raw) == 0 {
		return "document is empty", nil
	}
	if len(raw) > constants.MaxDocumentBytes {
		return fmt.Sprintf("document exceeds %d bytes", constants.MaxDocumentBytes), nil
	}
	return "", raw
}

type scheduleRequest struct {
	OwnerID   string   `json:"owner_id"`
	Period    string   `json:"period"`
	TargetIDs []string `json:"target_ids"`
}

func (s *Server) handleSchedule(w http.ResponseWriter, r *http.Request) {
	var req scheduleRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "malformed JSON body")
		return
	}
	ownerID, err := uuid.Parse(req.OwnerID)
	if err != nil {
		writeError(w, http.StatusBadRequest, "owner_id must be a UUID")
		return
	}
	targetIDs := make([]uuid.UUID, 0, len(req.TargetIDs))
	for _, raw := range req.TargetIDs {
		id, err := uuid.Parse(raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, fmt.Sprintf("target id %q is not a UUID", raw))
			return
		}
		targetIDs = append(targetIDs, id)
	}

	result, err := s.scheduler.Schedule(r.Context(), ownerID, req.Period, targetIDs)
	if err != nil {
		switch {
		case errors.Is(err, common.ErrInvalidInput):
			writeError(w, http.StatusBadRequest, err.Error())
		case errors.Is(err, common.ErrUnauthorized):
			writeError(w, http.StatusForbidden, err.Error())
		default:
			s.logger.Error("schedule.failed", "owner_id", ownerID, "err", err)
			writeError(w, http.StatusInternalServerError, "internal error")
		}
		return
	}
	writeJSON(w, http.StatusAccepted, result)
}

func (s *Server) handleBatchProgress(w http.ResponseWriter, r *http.Request) {
	batchID, err := uuid.Parse(chi.URLParam(r, "batchID"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "batch id must be a UUID")
		return
	}
	progress, err := s.progress.Progress(r.Context(), batchID)
	if err != nil {
		if errors.Is(err, common.ErrNotFound) {
			writeError(w, http.StatusNotFound, "batch not found")
			return
		}
		s.logger.Error("progress.failed", "batch_id", batchID, "err", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	writeJSON(w, http.StatusOK, progress)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if s.db != nil {
		if err := s.db.HealthCheck(r.Context(), 2*time.Second); err != nil {
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "degraded", "db": err.Error()})
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
