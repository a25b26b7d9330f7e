package api

import (
	"encoding/json"
	"net/http"
	"time"

	"go.uber.org/zap"
)

// timeRange parses optional from/to query parameters (RFC 3339). The
// default window is the last 24 hours.
func (h *Handler) timeRange(w http.ResponseWriter, r *http.Request) (time.Time, time.Time, bool) {
	to := time.Now().UTC()
	from := to.Add(-24 * time.Hour)

	if raw := r.URL.Query().Get("from"); raw != "" {
		t, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			h.writeError(w, http.StatusBadRequest, "invalid_request", "Invalid from", "from must be an RFC 3339 timestamp")
			return time.Time{}, time.Time{}, false
		}
		from = t
	}
	if raw := r.URL.Query().Get("to"); raw != "" {
		t, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			h.writeError(w, http.StatusBadRequest, "invalid_request", "Invalid to", "to must be an RFC 3339 timestamp")
			return time.Time{}, time.Time{}, false
		}
		to = t
	}
	if !to.After(from) {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Invalid time range", "to must be after from")
		return time.Time{}, time.Time{}, false
	}
	return from, to, true
}

// NotificationTrail handles GET /v1/analytics/notifications/{id}
func (h *Handler) NotificationTrail(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	id, ok := h.pathUUID(w, r, "id")
	if !ok {
		return
	}

	events, err := h.analytics.NotificationTrail(ctx, id)
	if err != nil {
		h.logger.Error("failed to load notification trail", zap.Error(err), zap.String("id", id.String()))
		h.writeError(w, http.StatusInternalServerError, "database_error", "Failed to load notification trail", "")
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(map[string]interface{}{
		"data":  events,
		"count": len(events),
	})
}

// AnalyticsSummary handles GET /v1/analytics/summary?tenant_id=xxx&from=...&to=...
func (h *Handler) AnalyticsSummary(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	tenantID, ok := h.queryUUID(w, r, "tenant_id")
	if !ok {
		return
	}
	from, to, ok := h.timeRange(w, r)
	if !ok {
		return
	}

	summary, err := h.analytics.TenantSummary(ctx, tenantID, from, to)
	if err != nil {
		h.logger.Error("failed to build analytics summary",
			zap.Error(err),
			zap.String("tenant_id", tenantID.String()),
		)
		h.writeError(w, http.StatusInternalServerError, "database_error", "Failed to build summary", "")
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(summary)
}

// AnalyticsTimeSeries handles GET /v1/analytics/timeseries?tenant_id=xxx&interval=1h
func (h *Handler) AnalyticsTimeSeries(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	tenantID, ok := h.queryUUID(w, r, "tenant_id")
	if !ok {
		return
	}
	from, to, ok := h.timeRange(w, r)
	if !ok {
		return
	}

	interval := time.Hour
	if raw := r.URL.Query().Get("interval"); raw != "" {
		d, err := time.ParseDuration(raw)
		if err != nil || d <= 0 {
			h.writeError(w, http.StatusBadRequest, "invalid_request", "Invalid interval", "interval must be a positive duration, e.g. 1h")
			return
		}
		interval = d
	}

	buckets, err := h.analytics.TimeSeries(ctx, tenantID, from, to, interval)
	if err != nil {
		h.logger.Error("failed to build analytics time series",
			zap.Error(err),
			zap.String("tenant_id", tenantID.String()),
		)
		h.writeError(w, http.StatusInternalServerError, "database_error", "Failed to build time series", "")
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(map[string]interface{}{
		"data":     buckets,
		"interval": interval.String(),
		"count":    len(buckets),
	})
}

// AnalyticsFunnel handles GET /v1/analytics/funnel?tenant_id=xxx
func (h *Handler) AnalyticsFunnel(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	tenantID, ok := h.queryUUID(w, r, "tenant_id")
	if !ok {
		return
	}
	from, to, ok := h.timeRange(w, r)
	if !ok {
		return
	}

	stages, err := h.analytics.Funnel(ctx, tenantID, from, to)
	if err != nil {
		h.logger.Error("failed to build analytics funnel",
			zap.Error(err),
			zap.String("tenant_id", tenantID.String()),
		)
		h.writeError(w, http.StatusInternalServerError, "database_error", "Failed to build funnel", "")
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(map[string]interface{}{"stages": stages})
}

// AnalyticsExport handles GET /v1/analytics/export?tenant_id=xxx&format=csv
func (h *Handler) AnalyticsExport(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	tenantID, ok := h.queryUUID(w, r, "tenant_id")
	if !ok {
		return
	}
	from, to, ok := h.timeRange(w, r)
	if !ok {
		return
	}

	format := r.URL.Query().Get("format")
	if format == "" {
		format = "json"
	}

	switch format {
	case "csv":
		w.Header().Set("Content-Type", "text/csv")
		w.Header().Set("Content-Disposition", `attachment; filename="events.csv"`)
		if err := h.analytics.ExportCSV(ctx, w, tenantID, from, to); err != nil {
			h.logger.Error("analytics csv export failed",
				zap.Error(err),
				zap.String("tenant_id", tenantID.String()),
			)
		}
	case "json":
		w.Header().Set("Content-Type", "application/json")
		if err := h.analytics.ExportJSON(ctx, w, tenantID, from, to); err != nil {
			h.logger.Error("analytics json export failed",
				zap.Error(err),
				zap.String("tenant_id", tenantID.String()),
			)
		}
	default:
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Invalid format", "format must be csv or json")
	}
}
