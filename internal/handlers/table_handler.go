package handlers

import (
	"net/http"
	"strconv"

	"db-sync-service/internal/models"
)

// TablesHandler returns the bare list of table names for ?type=.
func (h *Handler) TablesHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		sendMethodNotAllowed(w)
		return
	}
	role, err := parseRole(r)
	if err != nil {
		sendErrorResponse(w, err, nil)
		return
	}

	tables, err := h.catalog.ListTables(r.Context(), role)
	if err != nil {
		sendErrorResponse(w, err, nil)
		return
	}
	writeJSON(w, http.StatusOK, tables)
}

func (h *Handler) DescribeHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		sendMethodNotAllowed(w)
		return
	}
	role, err := parseRole(r)
	if err != nil {
		sendErrorResponse(w, err, nil)
		return
	}
	table := r.URL.Query().Get("table")
	if table == "" {
		sendErrorResponse(w, &models.ValidationError{Field: "table", Reason: "table name is required"}, nil)
		return
	}

	descriptor, err := h.catalog.Describe(r.Context(), role, table)
	if err != nil {
		sendErrorResponse(w, err, nil)
		return
	}
	writeJSON(w, http.StatusOK, descriptor)
}

// FetchDataHandler returns one page of rows as an array of objects.
func (h *Handler) FetchDataHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		sendMethodNotAllowed(w)
		return
	}
	role, err := parseRole(r)
	if err != nil {
		sendErrorResponse(w, err, nil)
		return
	}
	query := r.URL.Query()
	limit, err := intParam(query.Get("limit"), "limit")
	if err != nil {
		sendErrorResponse(w, err, nil)
		return
	}
	offset, err := intParam(query.Get("offset"), "offset")
	if err != nil {
		sendErrorResponse(w, err, nil)
		return
	}

	page, err := h.previewer.Preview(r.Context(), role, query.Get("table"), limit, offset)
	if err != nil {
		sendErrorResponse(w, err, nil)
		return
	}
	writeJSON(w, http.StatusOK, page.Objects())
}

func intParam(value, name string) (int, error) {
	if value == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(value)
	if err != nil {
		return 0, &models.ValidationError{Field: name, Reason: "must be a number"}
	}
	return n, nil
}
