package api

import (
	"net/http"
	"strconv"
	"time"

	"github.com/ai-icarus/icarus/internal/auth"
	"github.com/ai-icarus/icarus/pkg/audit"
	"github.com/rs/zerolog/log"
)

const (
	defaultAuditPageSize = 100
	maxAuditPageSize     = 1000
)

// AuditResponse is the page returned by GET /api/audit.
type AuditResponse struct {
	Events []audit.Event `json:"events"`
	Total  int           `json:"total"`
	Limit  int           `json:"limit"`
	Offset int           `json:"offset"`
}

// handleAuditQuery serves the audit trail to operators. The route sits
// outside caller authentication on purpose: auditors hold the admin token,
// not a delegated Azure identity.
func (r *Router) handleAuditQuery(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodGet {
		writeErrorResponse(w, req, http.StatusMethodNotAllowed, "method_not_allowed", "Method not allowed", nil)
		return
	}

	if r.config.AdminTokenHash == "" {
		writeErrorResponse(w, req, http.StatusForbidden, "configuration",
			"audit queries are disabled: no admin token configured", nil)
		return
	}

	token := auth.TokenFromRequest(req)
	if token == "" {
		writeErrorResponse(w, req, http.StatusUnauthorized, "authentication", "admin token required", nil)
		return
	}
	if !auth.CheckAdminToken(token, r.config.AdminTokenHash) {
		log.Warn().Str("path", req.URL.Path).Msg("Audit query with invalid admin token")
		writeErrorResponse(w, req, http.StatusForbidden, "authentication", "admin token rejected", nil)
		return
	}

	filter, err := auditFilterFromQuery(req)
	if err != nil {
		writeErrorResponse(w, req, http.StatusBadRequest, "invalid_request", err.Error(), nil)
		return
	}

	logger := audit.GetLogger()
	events, err := logger.Query(filter)
	if err != nil {
		log.Error().Err(err).Msg("Audit query failed")
		writeErrorResponse(w, req, http.StatusInternalServerError, "internal_error", "audit query failed", nil)
		return
	}
	total, err := logger.Count(filter)
	if err != nil {
		log.Error().Err(err).Msg("Audit count failed")
		writeErrorResponse(w, req, http.StatusInternalServerError, "internal_error", "audit query failed", nil)
		return
	}

	if events == nil {
		events = []audit.Event{}
	}
	writeJSON(w, http.StatusOK, AuditResponse{
		Events: events,
		Total:  total,
		Limit:  filter.Limit,
		Offset: filter.Offset,
	})
}

// auditFilterFromQuery builds a QueryFilter from URL parameters. Timestamps
// are RFC 3339; success is "true" or "false"; limit is capped server-side.
func auditFilterFromQuery(req *http.Request) (audit.QueryFilter, error) {
	query := req.URL.Query()
	filter := audit.QueryFilter{
		EventType: query.Get("event"),
		Caller:    query.Get("caller"),
		Tool:      query.Get("tool"),
		Limit:     defaultAuditPageSize,
	}

	if raw := query.Get("start"); raw != "" {
		ts, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			return filter, &APIError{ErrorMessage: "start must be an RFC 3339 timestamp"}
		}
		filter.StartTime = &ts
	}
	if raw := query.Get("end"); raw != "" {
		ts, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			return filter, &APIError{ErrorMessage: "end must be an RFC 3339 timestamp"}
		}
		filter.EndTime = &ts
	}
	if raw := query.Get("success"); raw != "" {
		ok, err := strconv.ParseBool(raw)
		if err != nil {
			return filter, &APIError{ErrorMessage: "success must be true or false"}
		}
		filter.Success = &ok
	}
	if raw := query.Get("limit"); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil || limit <= 0 {
			return filter, &APIError{ErrorMessage: "limit must be a positive integer"}
		}
		if limit > maxAuditPageSize {
			limit = maxAuditPageSize
		}
		filter.Limit = limit
	}
	if raw := query.Get("offset"); raw != "" {
		offset, err := strconv.Atoi(raw)
		if err != nil || offset < 0 {
			return filter, &APIError{ErrorMessage: "offset must not be negative"}
		}
		filter.Offset = offset
	}

	return filter, nil
}
