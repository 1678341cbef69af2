package handlers

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"

	"db-sync-service/internal/models"
)

// flexString accepts a JSON string or number. The browser form sends the
// port as a numeric string, other clients send a number.
type flexString string

func (s *flexString) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if bytes.Equal(data, []byte("null")) {
		*s = ""
		return nil
	}
	if len(data) > 0 && data[0] == '"' {
		var str string
		if err := json.Unmarshal(data, &str); err != nil {
			return err
		}
		*s = flexString(str)
		return nil
	}
	var number json.Number
	if err := json.Unmarshal(data, &number); err != nil {
		return fmt.Errorf("port must be a string or a number")
	}
	*s = flexString(number.String())
	return nil
}

type ConnectionRequest struct {
	Driver   string     `json:"driver,omitempty"`
	Host     string     `json:"host"`
	Port     flexString `json:"port"`
	User     string     `json:"user"`
	Password string     `json:"password"`
	Database string     `json:"database"`
}

type ConnectRequest struct {
	Source *ConnectionRequest `json:"source"`
	Target *ConnectionRequest `json:"target"`
}

type TableNames struct {
	SourceTables []string `json:"sourceTables,omitempty"`
	TargetTables []string `json:"targetTables,omitempty"`
}

func (h *Handler) connectionConfig(role models.Role, req *ConnectionRequest) (models.ConnectionConfig, error) {
	driver, err := models.ParseDriver(req.Driver, h.defaultDriver)
	if err != nil {
		return models.ConnectionConfig{}, err
	}
	return models.NewConnectionConfig(role, driver, req.Host, string(req.Port), req.User, req.Password, req.Database)
}

func (h *Handler) ConnectHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		sendMethodNotAllowed(w)
		return
	}

	var req ConnectRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		sendErrorResponse(w, &models.ValidationError{Field: "request body", Reason: err.Error()}, nil)
		return
	}

	var cfgs []models.ConnectionConfig
	for _, side := range []struct {
		role models.Role
		req  *ConnectionRequest
	}{{models.RoleSource, req.Source}, {models.RoleTarget, req.Target}} {
		if side.req == nil {
			continue
		}
		cfg, err := h.connectionConfig(side.role, side.req)
		if err != nil {
			sendErrorResponse(w, err, nil)
			return
		}
		cfgs = append(cfgs, cfg)
	}

	if err := h.connections.Connect(r.Context(), cfgs...); err != nil {
		sendErrorResponse(w, err, nil)
		return
	}

	var tables TableNames
	for _, cfg := range cfgs {
		names, err := h.catalog.ListTables(r.Context(), cfg.Role)
		if err != nil {
			sendErrorResponse(w, err, nil)
			return
		}
		if cfg.Role == models.RoleSource {
			tables.SourceTables = names
		} else {
			tables.TargetTables = names
		}
	}

	sendSuccessResponse(w, "Connected successfully", tables)
}

func (h *Handler) DisconnectHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		sendMethodNotAllowed(w)
		return
	}
	role, err := parseRole(r)
	if err != nil {
		sendErrorResponse(w, err, nil)
		return
	}
	if err := h.connections.Disconnect(role); err != nil {
		sendErrorResponse(w, err, nil)
		return
	}
	h.catalog.Invalidate(role)
	sendSuccessResponse(w, fmt.Sprintf("%s database disconnected", role), nil)
}

func (h *Handler) HealthHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		sendMethodNotAllowed(w)
		return
	}
	data := map[string]interface{}{
		"connections": h.connections.Status(),
	}
	if h.scheduler != nil {
		data["schedule"] = h.scheduler.Entries()
	}
	sendSuccessResponse(w, "Service is running", data)
}
