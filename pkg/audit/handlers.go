package audit

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"

	"github.com/platinummonkey/sharehub/pkg/httputil"
)

// Reader is the query side of the trail
type Reader interface {
	ListLogs(ctx context.Context, filter ListFilter) (*Page, error)
	GetLog(ctx context.Context, id int64) (*Entry, error)
}

// Handlers provides HTTP handlers for the audit log API
type Handlers struct {
	reader Reader
}

// NewHandlers creates new audit handlers
func NewHandlers(reader Reader) *Handlers {
	return &Handlers{reader: reader}
}

// RegisterRoutes registers audit log routes
func (h *Handlers) RegisterRoutes(router *mux.Router) {
	router.HandleFunc("/audit/logs", h.listLogs).Methods("GET")
	router.HandleFunc("/audit/logs/export", h.exportLogs).Methods("GET")
	router.HandleFunc("/audit/logs/{id:[0-9]+}", h.getLog).Methods("GET")
}

// listLogs handles GET /audit/logs
func (h *Handlers) listLogs(w http.ResponseWriter, r *http.Request) {
	filter, err := ParseFilter(r)
	if err != nil {
		httputil.WriteBadRequest(w, err.Error())
		return
	}

	page, err := h.reader.ListLogs(r.Context(), filter)
	if err != nil {
		httputil.WriteInternalError(w, err)
		return
	}
	httputil.WriteSuccess(w, page)
}

// getLog handles GET /audit/logs/{id}
func (h *Handlers) getLog(w http.ResponseWriter, r *http.Request) {
	id, ok := httputil.ParsePathInt64OrError(w, r, "id")
	if !ok {
		return
	}

	entry, err := h.reader.GetLog(r.Context(), id)
	if errors.Is(err, ErrNotFound) {
		httputil.WriteNotFoundError(w, "audit entry not found")
		return
	}
	if err != nil {
		httputil.WriteInternalError(w, err)
		return
	}
	httputil.WriteSuccess(w, entry)
}

// exportLogs handles GET /audit/logs/export?format=csv|ndjson|json
func (h *Handlers) exportLogs(w http.ResponseWriter, r *http.Request) {
	filter, err := ParseFilter(r)
	if err != nil {
		httputil.WriteBadRequest(w, err.Error())
		return
	}

	page, err := h.reader.ListLogs(r.Context(), filter)
	if err != nil {
		httputil.WriteInternalError(w, err)
		return
	}

	data, contentType, err := Export(page.Data, ExportFormat(r.URL.Query().Get("format")))
	if err != nil {
		httputil.WriteInternalError(w, err)
		return
	}

	w.Header().Set("Content-Type", contentType)
	w.Header().Set("X-Total-Count", strconv.FormatInt(page.Meta.Total, 10))
	w.WriteHeader(http.StatusOK)
	w.Write(data)
}

// ParseFilter reads page, limit, action, targetRole and actorUserId from the query string
func ParseFilter(r *http.Request) (ListFilter, error) {
	q := r.URL.Query()
	var filter ListFilter

	if v := q.Get("page"); v != "" {
		page, err := strconv.Atoi(v)
		if err != nil {
			return filter, fmt.Errorf("invalid page: %s", v)
		}
		if page > MaxPage {
			return filter, fmt.Errorf("page must not exceed %d", MaxPage)
		}
		filter.Page = page
	}
	if v := q.Get("limit"); v != "" {
		limit, err := strconv.Atoi(v)
		if err != nil {
			return filter, fmt.Errorf("invalid limit: %s", v)
		}
		filter.Limit = limit
	}
	if v := q.Get("action"); v != "" {
		action := Action(v)
		if !action.Valid() {
			return filter, fmt.Errorf("unknown action: %s", v)
		}
		filter.Action = action
	}
	filter.TargetRole = q.Get("targetRole")
	if v := q.Get("actorUserId"); v != "" {
		actor, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return filter, fmt.Errorf("invalid actorUserId: %s", v)
		}
		filter.ActorUserID = &actor
	}

	return filter.Normalize(), nil
}
