package api

import (
	"context"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"pricing/internal/models"
)

// BatchReader is the read side of the batch window tracker.
type BatchReader interface {
	Latest(ctx context.Context) (*models.LatestUpdate, error)
	LatestProcessed(ctx context.Context) (int64, error)
	Status(ctx context.Context, batch int64) (*models.BatchStatus, error)
}

// DeadLetterReader lists dead letters.
type DeadLetterReader interface {
	List(ctx context.Context, limit int64) ([]models.DeadLetter, error)
}

// BatchesHandler serves batch progress and per-batch rankings.
type BatchesHandler struct {
	batches    BatchReader
	dispersion DispersionReader
	logger     *slog.Logger
}

// NewBatchesHandler creates the batch handlers.
func NewBatchesHandler(batches BatchReader, dispersion DispersionReader, logger *slog.Logger) *BatchesHandler {
	return &BatchesHandler{
		batches:    batches,
		dispersion: dispersion,
		logger:     logger.With("handler", "batches"),
	}
}

// Latest handles GET /batches/latest.
func (h *BatchesHandler) Latest(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	update, err := h.batches.Latest(ctx)
	if err != nil {
		sendStoreError(w, h.logger, "latest_update", err)
		return
	}
	processed, err := h.batches.LatestProcessed(ctx)
	if err != nil {
		sendStoreError(w, h.logger, "latest_processed", err)
		return
	}

	overview := models.BatchOverview{LatestUpdate: update, LatestProcessedBatch: processed}
	if update != nil {
		if overview.Current, err = h.batches.Status(ctx, update.LastBatch); err != nil {
			sendStoreError(w, h.logger, "batch_status", err)
			return
		}
	}
	sendJSON(w, h.logger, overview)
}

// Ranking handles GET /batches/{batch}/ranking?limit=N, where batch is an id or
// "latest" for the most recent fully processed batch.
func (h *BatchesHandler) Ranking(w http.ResponseWriter, r *http.Request) {
	limit, err := intParam(r, "limit", defaultListLimit, maxListLimit)
	if err != nil {
		sendError(w, h.logger, http.StatusBadRequest, "invalid_parameter", err.Error())
		return
	}

	ctx := r.Context()
	param := chi.URLParam(r, "batch")

	var batch int64
	if param == "latest" {
		if batch, err = h.batches.LatestProcessed(ctx); err != nil {
			sendStoreError(w, h.logger, "latest_processed", err)
			return
		}
		if batch == 0 {
			sendJSON(w, h.logger, models.BatchRanking{Status: models.StatusNotComputed, Items: []models.DispersionRecord{}})
			return
		}
	} else {
		batch, err = strconv.ParseInt(param, 10, 64)
		if err != nil || batch < 1 {
			sendError(w, h.logger, http.StatusBadRequest, "invalid_parameter", "batch must be a positive integer or \"latest\"")
			return
		}
	}

	status, err := h.batches.Status(ctx, batch)
	if err != nil {
		sendStoreError(w, h.logger, "batch_status", err)
		return
	}
	items, err := h.dispersion.Ranked(ctx, batch, limit)
	if err != nil {
		sendStoreError(w, h.logger, "ranked", err)
		return
	}
	if items == nil {
		items = []models.DispersionRecord{}
	}

	ranking := models.BatchRanking{
		Batch:     batch,
		Processed: status.Processed,
		Status:    models.StatusOK,
		Items:     items,
	}
	if !status.Processed {
		ranking.Status = models.StatusNotComputed
	}
	sendJSON(w, h.logger, ranking)
}

// DeadLettersHandler handles GET /dead-letters?limit=N.
func DeadLettersHandler(reader DeadLetterReader, logger *slog.Logger) http.HandlerFunc {
	logger = logger.With("handler", "dead_letters")
	return func(w http.ResponseWriter, r *http.Request) {
		limit, err := intParam(r, "limit", defaultListLimit, maxListLimit)
		if err != nil {
			sendError(w, logger, http.StatusBadRequest, "invalid_parameter", err.Error())
			return
		}
		letters, err := reader.List(r.Context(), int64(limit))
		if err != nil {
			sendStoreError(w, logger, "dead_letters", err)
			return
		}
		if letters == nil {
			letters = []models.DeadLetter{}
		}
		sendJSON(w, logger, letters)
	}
}
