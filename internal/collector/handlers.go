package collector

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/klauspost/compress/gzip"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/ashita-ai/kansoku/internal/delivery"
	"github.com/ashita-ai/kansoku/internal/model"
	"github.com/ashita-ai/kansoku/internal/storage"
)

type collectResponse struct {
	Accepted  int  `json:"accepted"`
	Duplicate bool `json:"duplicate,omitempty"`
}

type healthResponse struct {
	Status  string `json:"status"`
	Version string `json:"version,omitempty"`
}

var errBodyTooLarge = errors.New("request body too large")

// handleCollect accepts one batch. A batch whose ID was already stored is
// acknowledged without being stored again.
func (s *Server) handleCollect(w http.ResponseWriter, r *http.Request) {
	clientKey := r.PathValue("clientKey")
	if err := model.ValidateClientKey(clientKey); err != nil {
		writeError(w, r, http.StatusBadRequest, "invalid client key")
		return
	}

	batchID := uuid.New()
	if raw := r.Header.Get(delivery.BatchIDHeader); raw != "" {
		id, err := uuid.Parse(raw)
		if err != nil {
			writeError(w, r, http.StatusBadRequest, "invalid batch id")
			return
		}
		batchID = id
	}

	body, err := s.readBody(w, r)
	if err != nil {
		if errors.Is(err, errBodyTooLarge) {
			writeError(w, r, http.StatusRequestEntityTooLarge, err.Error())
			return
		}
		writeError(w, r, http.StatusBadRequest, "unreadable body")
		return
	}

	var batch model.Batch
	if err := json.Unmarshal(body, &batch); err != nil {
		writeError(w, r, http.StatusBadRequest, "invalid batch")
		return
	}

	rec := storage.BatchRecord{
		BatchID:    batchID,
		ClientKey:  clientKey,
		ReceivedAt: time.Now().UTC(),
		Batch:      batch,
	}
	ctx := r.Context()
	if err := s.sink.Store(ctx, rec); err != nil {
		if errors.Is(err, storage.ErrDuplicateBatch) {
			s.replayed.Add(ctx, 1)
			s.logger.Info("collector: replayed batch discarded", "batch_id", batchID,
				"request_id", RequestIDFromContext(ctx))
			writeJSON(w, http.StatusOK, collectResponse{Duplicate: true})
			return
		}
		s.logger.Error("collector: store batch failed", "error", err, "batch_id", batchID,
			"request_id", RequestIDFromContext(ctx))
		writeError(w, r, http.StatusInternalServerError, "failed to store batch")
		return
	}

	attrs := metric.WithAttributes(attribute.Bool("test_key", model.IsTestKey(clientKey)))
	s.batches.Add(ctx, 1, attrs)
	s.events.Add(ctx, int64(len(batch.Events)), attrs)
	s.logger.Debug("collector: batch stored", "batch_id", batchID, "session_id", batch.SessionID,
		"batch_size", len(batch.Events))
	writeJSON(w, http.StatusOK, collectResponse{Accepted: len(batch.Events)})
}

// readBody returns the request body, decompressed when the request declares
// gzip. Both the wire size and the decoded size are bounded by maxBody.
func (s *Server) readBody(w http.ResponseWriter, r *http.Request) ([]byte, error) {
	var src io.Reader = http.MaxBytesReader(w, r.Body, s.maxBody)
	if strings.EqualFold(r.Header.Get("Content-Encoding"), "gzip") {
		zr, err := gzip.NewReader(src)
		if err != nil {
			return nil, err
		}
		defer func() { _ = zr.Close() }()
		src = zr
	}
	body, err := io.ReadAll(io.LimitReader(src, s.maxBody+1))
	if err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			return nil, errBodyTooLarge
		}
		return nil, err
	}
	if int64(len(body)) > s.maxBody {
		return nil, errBodyTooLarge
	}
	return body, nil
}

// handleConfig serves the remote configuration for a client key.
func (s *Server) handleConfig(w http.ResponseWriter, r *http.Request) {
	clientKey := r.PathValue("clientKey")
	if err := model.ValidateClientKey(clientKey); err != nil {
		writeError(w, r, http.StatusBadRequest, "invalid client key")
		return
	}
	cfg, ok, err := s.configs.Config(r.Context(), clientKey)
	if err != nil {
		s.logger.Error("collector: config lookup failed", "error", err,
			"request_id", RequestIDFromContext(r.Context()))
		writeError(w, r, http.StatusInternalServerError, "config lookup failed")
		return
	}
	if !ok {
		writeError(w, r, http.StatusNotFound, "unknown client key")
		return
	}
	writeJSON(w, http.StatusOK, cfg)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if s.sink == nil {
		writeJSON(w, http.StatusServiceUnavailable, healthResponse{Status: "no sink", Version: s.version})
		return
	}
	if err := s.sink.Ping(r.Context()); err != nil {
		s.logger.Warn("collector: health check failed", "error", err)
		writeJSON(w, http.StatusServiceUnavailable, healthResponse{Status: "unhealthy", Version: s.version})
		return
	}
	writeJSON(w, http.StatusOK, healthResponse{Status: "healthy", Version: s.version})
}
