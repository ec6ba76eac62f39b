package api

import (
	"context"
	"log/slog"
	"net/http"
	"net/url"
	"sort"
	"strings"

	"github.com/go-chi/chi/v5"

	"pricing/internal/models"
)

const (
	defaultListLimit    = 100
	maxListLimit        = 1000
	defaultHistoryLimit = 10
	maxHistoryLimit     = 1000
)

// PriceReader is the read side of the price store.
type PriceReader interface {
	Pairs(ctx context.Context) ([]string, error)
	LatestMany(ctx context.Context, pairs []string) (map[string]models.PricePoint, error)
	History(ctx context.Context, pair string, limit int) ([]models.PricePoint, error)
}

// DispersionReader is the read side of the aggregate store.
type DispersionReader interface {
	Latest(ctx context.Context, pair string) (*models.DispersionRecord, error)
	LatestAll(ctx context.Context) (map[string]models.DispersionRecord, error)
	Ranked(ctx context.Context, batch int64, limit int) ([]models.DispersionRecord, error)
}

// PairsHandler serves the pair listing and pair detail.
type PairsHandler struct {
	prices     PriceReader
	dispersion DispersionReader
	logger     *slog.Logger
}

// NewPairsHandler creates the pair handlers.
func NewPairsHandler(prices PriceReader, dispersion DispersionReader, logger *slog.Logger) *PairsHandler {
	return &PairsHandler{
		prices:     prices,
		dispersion: dispersion,
		logger:     logger.With("handler", "coin_pairs"),
	}
}

// List handles GET /coin-pairs?limit=N. Pairs with a statistic come first, highest
// stddev first and pair ascending on ties; pairs without one follow in pair order.
func (h *PairsHandler) List(w http.ResponseWriter, r *http.Request) {
	limit, err := intParam(r, "limit", defaultListLimit, maxListLimit)
	if err != nil {
		sendError(w, h.logger, http.StatusBadRequest, "invalid_parameter", err.Error())
		return
	}

	ctx := r.Context()
	pairs, err := h.prices.Pairs(ctx)
	if err != nil {
		sendStoreError(w, h.logger, "pairs", err)
		return
	}
	prices, err := h.prices.LatestMany(ctx, pairs)
	if err != nil {
		sendStoreError(w, h.logger, "latest_prices", err)
		return
	}
	records, err := h.dispersion.LatestAll(ctx)
	if err != nil {
		sendStoreError(w, h.logger, "latest_dispersion", err)
		return
	}

	summaries := make([]models.PairSummary, 0, len(pairs))
	for _, pair := range pairs {
		var price *models.PricePoint
		if p, ok := prices[pair]; ok {
			price = &p
		}
		var rec *models.DispersionRecord
		if dr, ok := records[pair]; ok {
			rec = &dr
		}
		summaries = append(summaries, models.SummaryOf(pair, price, rec))
	}

	sortSummaries(summaries)
	if len(summaries) > limit {
		summaries = summaries[:limit]
	}

	h.logger.Debug("coin_pairs_listed", "pairs", len(pairs), "returned", len(summaries))
	sendJSON(w, h.logger, summaries)
}

// Get handles GET /coin-pairs/{pair}?history=N. The pair may contain '/', either raw
// or escaped.
func (h *PairsHandler) Get(w http.ResponseWriter, r *http.Request) {
	pair, err := url.PathUnescape(chi.URLParam(r, "*"))
	pair = strings.Trim(pair, "/")
	if err != nil || pair == "" {
		sendError(w, h.logger, http.StatusBadRequest, "invalid_parameter", "pair is required")
		return
	}

	historyLimit, err := intParam(r, "history", defaultHistoryLimit, maxHistoryLimit)
	if err != nil {
		sendError(w, h.logger, http.StatusBadRequest, "invalid_parameter", err.Error())
		return
	}

	ctx := r.Context()
	history, err := h.prices.History(ctx, pair, historyLimit)
	if err != nil {
		sendStoreError(w, h.logger, "history", err)
		return
	}
	if len(history) == 0 {
		h.logger.Debug("pair_not_found", "pair", pair)
		sendError(w, h.logger, http.StatusNotFound, "pair_not_found", "No data found for coin pair: "+pair)
		return
	}

	rec, err := h.dispersion.Latest(ctx, pair)
	if err != nil {
		sendStoreError(w, h.logger, "latest_dispersion", err)
		return
	}

	detail := models.PairDetail{
		PairSummary: models.SummaryOf(pair, &history[0], rec),
		History:     history,
	}
	sendJSON(w, h.logger, detail)
}

func sortSummaries(s []models.PairSummary) {
	sort.SliceStable(s, func(i, j int) bool {
		a, b := s[i], s[j]
		if (a.StdDev != nil) != (b.StdDev != nil) {
			return a.StdDev != nil
		}
		if a.StdDev != nil && *a.StdDev != *b.StdDev {
			return *a.StdDev > *b.StdDev
		}
		return a.Pair < b.Pair
	})
}
