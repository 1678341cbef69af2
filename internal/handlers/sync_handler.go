package handlers

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"go.uber.org/zap"

	"db-sync-service/internal/models"
	"db-sync-service/internal/services"
	"db-sync-service/internal/storage"
)

// Handler holds service dependencies
type Handler struct {
	connections   *services.ConnectionRegistry
	catalog       *services.TableCatalog
	previewer     *services.RowPreviewer
	syncService   *services.SyncService
	scheduler     *services.Scheduler
	history       storage.History
	defaultDriver models.Driver
	log           *zap.SugaredLogger
}

// Dependencies are the services the handlers call. Scheduler and History
// are optional.
type Dependencies struct {
	Connections   *services.ConnectionRegistry
	Catalog       *services.TableCatalog
	Previewer     *services.RowPreviewer
	SyncService   *services.SyncService
	Scheduler     *services.Scheduler
	History       storage.History
	DefaultDriver models.Driver
	Logger        *zap.Logger
}

func NewHandler(deps Dependencies) *Handler {
	return &Handler{
		connections:   deps.Connections,
		catalog:       deps.Catalog,
		previewer:     deps.Previewer,
		syncService:   deps.SyncService,
		scheduler:     deps.Scheduler,
		history:       deps.History,
		defaultDriver: deps.DefaultDriver,
		log:           deps.Logger.Sugar(),
	}
}

type SyncDataRequest struct {
	Table string `json:"table"`
	Type  string `json:"type"`
}

// SyncHandler admits a sync job for a [{type:"source",table},{type:"target",table}]
// pair and returns it without waiting for the work.
func (h *Handler) SyncHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		sendMethodNotAllowed(w)
		return
	}

	var pair []SyncDataRequest
	if err := json.NewDecoder(r.Body).Decode(&pair); err != nil {
		sendErrorResponse(w, &models.ValidationError{Field: "request body", Reason: err.Error()}, nil)
		return
	}
	req, err := syncRequest(pair, r.URL.Query().Get("direction"))
	if err != nil {
		sendErrorResponse(w, err, nil)
		return
	}

	job, err := h.syncService.StartSync(r.Context(), req)
	if err != nil {
		var conflict *models.ConflictError
		if errors.As(err, &conflict) && conflict.JobID != "" {
			if active, getErr := h.syncService.GetStatus(conflict.JobID); getErr == nil {
				sendErrorResponse(w, err, active)
				return
			}
		}
		sendErrorResponse(w, err, nil)
		return
	}

	sendResponse(w, http.StatusCreated, "Sync job accepted", job)
}

func syncRequest(pair []SyncDataRequest, direction string) (services.SyncRequest, error) {
	if len(pair) != 2 {
		return services.SyncRequest{}, &models.ValidationError{Field: "request body", Reason: "there should be precisely two entries"}
	}
	var req services.SyncRequest
	for _, entry := range pair {
		role, err := models.ParseRole(entry.Type)
		if err != nil {
			return services.SyncRequest{}, err
		}
		if role == models.RoleSource {
			req.SourceTable = entry.Table
		} else {
			req.TargetTable = entry.Table
		}
	}
	if req.SourceTable == "" || req.TargetTable == "" {
		return services.SyncRequest{}, &models.ValidationError{Field: "table", Reason: "you must provide a source and a target table name"}
	}
	if direction != "" {
		d, err := models.ParseDirection(direction, "")
		if err != nil {
			return services.SyncRequest{}, err
		}
		req.Direction = d
	}
	return req, nil
}

func (h *Handler) SyncStatusHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		sendMethodNotAllowed(w)
		return
	}
	job, err := h.syncService.GetStatus(r.URL.Query().Get("id"))
	if err != nil {
		sendErrorResponse(w, err, nil)
		return
	}
	sendSuccessResponse(w, "", job)
}

func (h *Handler) CancelSyncHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		sendMethodNotAllowed(w)
		return
	}
	job, err := h.syncService.Cancel(r.URL.Query().Get("id"))
	if err != nil {
		sendErrorResponse(w, err, nil)
		return
	}
	sendSuccessResponse(w, "Sync job cancelled", job)
}

func (h *Handler) JobsHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		sendMethodNotAllowed(w)
		return
	}
	sendSuccessResponse(w, "", h.syncService.List(r.URL.Query().Get("table")))
}

func (h *Handler) HistoryHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		sendMethodNotAllowed(w)
		return
	}
	if h.history == nil {
		writeJSON(w, http.StatusNotFound, Response{Success: false, Message: "job history is not enabled", Error: "not_found"})
		return
	}

	query := r.URL.Query()
	limit := 50
	if raw := query.Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil {
			sendErrorResponse(w, &models.ValidationError{Field: "limit", Reason: "must be a number"}, nil)
			return
		}
		limit = n
	}

	jobs, err := h.history.Recent(r.Context(), query.Get("table"), limit)
	if err != nil {
		h.log.Errorf("Failed to read job history: %v", err)
		sendErrorResponse(w, err, nil)
		return
	}
	sendSuccessResponse(w, "", jobs)
}

func (h *Handler) RootHandler(w http.ResponseWriter, r *http.Request) {
	endpoints := map[string]string{
		"health":     "GET /health",
		"connect":    "POST /connect",
		"disconnect": "POST /disconnect?type=source|target",
		"tables":     "GET /tables?type=source|target",
		"describe":   "GET /describe?type=source|target&table=",
		"fetchData":  "GET /fetch-data?type=source|target&table=&limit=&offset=",
		"sync":       "POST /sync?direction=source_to_target|target_to_source",
		"syncStatus": "GET /sync/status?id=",
		"syncCancel": "POST /sync/cancel?id=",
		"jobs":       "GET /jobs?table=",
		"history":    "GET /jobs/history?table=&limit=",
	}

	response := Response{
		Success: true,
		Message: "Database Table Sync Service",
		Data:    map[string]interface{}{"endpoints": endpoints},
	}
	writeJSON(w, http.StatusOK, response)
}

// Routes registers every endpoint on mux, wrapped by wrap.
func (h *Handler) Routes(mux *http.ServeMux, wrap func(http.HandlerFunc) http.HandlerFunc) {
	mux.HandleFunc("/", wrap(h.RootHandler))
	mux.HandleFunc("/health", wrap(h.HealthHandler))
	mux.HandleFunc("/connect", wrap(h.ConnectHandler))
	mux.HandleFunc("/disconnect", wrap(h.DisconnectHandler))
	mux.HandleFunc("/tables", wrap(h.TablesHandler))
	mux.HandleFunc("/describe", wrap(h.DescribeHandler))
	mux.HandleFunc("/fetch-data", wrap(h.FetchDataHandler))
	mux.HandleFunc("/sync", wrap(h.SyncHandler))
	mux.HandleFunc("/sync/status", wrap(h.SyncStatusHandler))
	mux.HandleFunc("/sync/cancel", wrap(h.CancelSyncHandler))
	mux.HandleFunc("/jobs", wrap(h.JobsHandler))
	mux.HandleFunc("/jobs/history", wrap(h.HistoryHandler))
}
