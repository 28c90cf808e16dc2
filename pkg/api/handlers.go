package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/BGMLAI/exoskull-sub007/pkg/autonomy"
	"github.com/BGMLAI/exoskull-sub007/pkg/contracts"
	"github.com/BGMLAI/exoskull-sub007/pkg/interventions"
)

// defaultSummaryWindow is used when the effectiveness query has no since.
const defaultSummaryWindow = 30 * 24 * time.Hour

func decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		WriteBadRequest(w, r, fmt.Sprintf("invalid request body: %v", err))
		return false
	}
	return true
}

func parseTime(r *http.Request, key string) (time.Time, error) {
	raw := r.URL.Query().Get(key)
	if raw == "" {
		return time.Time{}, nil
	}
	t, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		return time.Time{}, fmt.Errorf("%s must be RFC 3339: %w", key, err)
	}
	return t.UTC(), nil
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if s.opts.Health != nil {
		if err := s.opts.Health(r.Context()); err != nil {
			s.logger.WarnContext(r.Context(), "health check failed", "error", err)
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable"})
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleCreateIntervention(w http.ResponseWriter, r *http.Request) {
	var p contracts.Proposal
	if !decodeBody(w, r, &p) {
		return
	}
	tenant := TenantFrom(r.Context())
	if p.TenantID != "" && p.TenantID != tenant {
		WriteForbidden(w, r, "tenant_id does not match the token")
		return
	}
	p.TenantID = tenant
	in, err := s.svc.CreateProposal(r.Context(), p)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, in)
}

func (s *Server) handleListInterventions(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	f := interventions.Filter{TenantID: TenantFrom(r.Context())}
	var err error
	if f.Since, err = parseTime(r, "since"); err != nil {
		WriteBadRequest(w, r, err.Error())
		return
	}
	if f.Until, err = parseTime(r, "until"); err != nil {
		WriteBadRequest(w, r, err.Error())
		return
	}
	if raw := q.Get("status"); raw != "" {
		for _, st := range strings.Split(raw, ",") {
			f.Statuses = append(f.Statuses, contracts.Status(strings.TrimSpace(st)))
		}
	}
	if raw := q.Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			WriteBadRequest(w, r, "limit must be a non-negative integer")
			return
		}
		f.Limit = n
	}
	items, err := s.svc.ListInterventions(r.Context(), f)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	if items == nil {
		items = []*contracts.Intervention{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"interventions": items})
}

func (s *Server) handleGetIntervention(w http.ResponseWriter, r *http.Request) {
	in, err := s.svc.GetIntervention(r.Context(), TenantFrom(r.Context()), r.PathValue("id"))
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, in)
}

type respondRequest struct {
	Action   interventions.Action `json:"action"`
	Feedback contracts.Feedback   `json:"feedback,omitempty"`
	Rating   int                  `json:"rating,omitempty"`
}

func (s *Server) handleRespond(w http.ResponseWriter, r *http.Request) {
	var req respondRequest
	if !decodeBody(w, r, &req) {
		return
	}
	in, err := s.svc.Respond(r.Context(), interventions.Response{
		ID:       r.PathValue("id"),
		TenantID: TenantFrom(r.Context()),
		Action:   req.Action,
		Feedback: req.Feedback,
		Rating:   req.Rating,
	})
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, in)
}

func (s *Server) handleSetPermission(w http.ResponseWriter, r *http.Request) {
	var c autonomy.PermissionChange
	if !decodeBody(w, r, &c) {
		return
	}
	tenant := TenantFrom(r.Context())
	if c.TenantID != "" && c.TenantID != tenant {
		WriteForbidden(w, r, "tenant_id does not match the token")
		return
	}
	c.TenantID = tenant
	switch {
	case c.ActionType == "":
		WriteBadRequest(w, r, "action_type is required")
		return
	case c.Granted == nil:
		WriteBadRequest(w, r, "granted is required")
		return
	case c.ThresholdAmount != nil && *c.ThresholdAmount < 0:
		WriteBadRequest(w, r, "threshold_amount must not be negative")
		return
	}
	if err := s.svc.SetPermission(r.Context(), c); err != nil {
		writeServiceError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleListPermissions(w http.ResponseWriter, r *http.Request) {
	perms, err := s.svc.ListPermissions(r.Context(), TenantFrom(r.Context()))
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	if perms == nil {
		perms = []contracts.Permission{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"permissions": perms})
}

func (s *Server) handleEffectiveness(w http.ResponseWriter, r *http.Request) {
	since, err := parseTime(r, "since")
	if err != nil {
		WriteBadRequest(w, r, err.Error())
		return
	}
	if since.IsZero() {
		since = s.clock().UTC().Add(-defaultSummaryWindow)
	}
	sum, err := s.svc.EffectivenessSummary(r.Context(), TenantFrom(r.Context()), since)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, sum)
}

func (s *Server) handleListConflicts(w http.ResponseWriter, r *http.Request) {
	conflicts, err := s.svc.UnresolvedConflicts(r.Context(), TenantFrom(r.Context()))
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	if conflicts == nil {
		conflicts = []contracts.ValueConflict{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"conflicts": conflicts})
}

func (s *Server) handleResolveConflict(w http.ResponseWriter, r *http.Request) {
	if err := s.svc.ResolveConflict(r.Context(), TenantFrom(r.Context()), r.PathValue("id")); err != nil {
		writeServiceError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type inboundRequest struct {
	At time.Time `json:"at,omitempty"`
}

// handleInboundResponse records that the user answered on some channel.
// An empty body means now.
func (s *Server) handleInboundResponse(w http.ResponseWriter, r *http.Request) {
	var req inboundRequest
	if r.ContentLength != 0 {
		if !decodeBody(w, r, &req) {
			return
		}
	}
	n, err := s.svc.RecordInboundResponse(r.Context(), TenantFrom(r.Context()), req.At)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"cancelled": n})
}
