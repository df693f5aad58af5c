package api

import (
	"database/sql"
	"errors"
	"net/http"
	"strings"

	"github.com/triage-ai/runguard/internal/store"
	"go.uber.org/zap"
)

func (d *Dependencies) handleCreateClient(w http.ResponseWriter, r *http.Request) {
	var req CreateClientReq
	if err := readJSON(r, &req); err != nil {
		writeJSON(w, http.StatusBadRequest, ErrorResp{Detail: "Invalid JSON body"})
		return
	}
	if req.Name == "" || len(req.Name) > 255 {
		writeJSON(w, http.StatusBadRequest, ErrorResp{Detail: "name must be 1-255 characters"})
		return
	}
	req.Principal = strings.TrimSpace(req.Principal)
	if req.Principal == "" {
		writeJSON(w, http.StatusBadRequest, ErrorResp{Detail: "principal is required"})
		return
	}

	client, plainKey, err := d.Clients.CreateClient(r.Context(), store.CreateClientParams{
		Name:       req.Name,
		Principal:  req.Principal,
		Groups:     req.Groups,
		CanApprove: req.CanApprove,
	})
	if err != nil {
		d.Logger.Error("failed to create client", zap.Error(err))
		writeJSON(w, http.StatusInternalServerError, ErrorResp{Detail: "Failed to create client"})
		return
	}

	writeJSON(w, http.StatusCreated, CreateClientResp{ClientResp: clientToResp(client), APIKey: plainKey})
}

func (d *Dependencies) handleListClients(w http.ResponseWriter, r *http.Request) {
	clients, err := d.Clients.ListClients(r.Context())
	if err != nil {
		d.Logger.Error("failed to list clients", zap.Error(err))
		writeJSON(w, http.StatusInternalServerError, ErrorResp{Detail: "Failed to list clients"})
		return
	}

	resp := make([]ClientResp, 0, len(clients))
	for _, c := range clients {
		resp = append(resp, clientToResp(c))
	}
	writeJSON(w, http.StatusOK, resp)
}

func (d *Dependencies) handleDeleteClient(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	err := d.Clients.DeleteClient(r.Context(), id)
	if errors.Is(err, sql.ErrNoRows) {
		writeJSON(w, http.StatusNotFound, ErrorResp{Detail: "Client not found."})
		return
	}
	if err != nil {
		d.Logger.Error("failed to delete client", zap.Error(err))
		writeJSON(w, http.StatusInternalServerError, ErrorResp{Detail: "Failed to delete client"})
		return
	}
	d.Auth.Invalidate(id)
	w.WriteHeader(http.StatusNoContent)
}

func (d *Dependencies) handleRotateKey(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	client, plainKey, err := d.Clients.RotateAPIKey(r.Context(), id)
	if err != nil {
		d.Logger.Error("failed to rotate key", zap.Error(err))
		writeJSON(w, http.StatusInternalServerError, ErrorResp{Detail: "Failed to rotate key"})
		return
	}
	if client == nil {
		writeJSON(w, http.StatusNotFound, ErrorResp{Detail: "Client not found."})
		return
	}
	d.Auth.Invalidate(id)
	writeJSON(w, http.StatusOK, CreateClientResp{ClientResp: clientToResp(client), APIKey: plainKey})
}

func clientToResp(c *store.Client) ClientResp {
	groups := c.Groups
	if groups == nil {
		groups = []string{}
	}
	return ClientResp{
		ID:           c.ID,
		Name:         c.Name,
		Principal:    c.Principal,
		Groups:       groups,
		CanApprove:   c.CanApprove,
		APIKeyPrefix: c.APIKeyPrefix,
		CreatedAt:    c.CreatedAt,
		UpdatedAt:    c.UpdatedAt,
	}
}
