package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/docqa/docqa/internal/auth"
	"github.com/docqa/docqa/internal/index"
	"github.com/docqa/docqa/internal/repository"
	"github.com/docqa/docqa/internal/service"
)

type askRequest struct {
	Question  string `json:"question"`
	SessionID string `json:"session_id,omitempty"`
	UserID    string `json:"user_id,omitempty"`
}

type documentRequest struct {
	Content  string            `json:"content"`
	Source   string            `json:"source"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

type rebuildRequest struct {
	Documents []documentRequest `json:"documents"`
}

type tenantRequest struct {
	ID     string                  `json:"id"`
	Name   string                  `json:"name"`
	Config repository.TenantConfig `json:"config"`
}

type tenantResponse struct {
	ID        string                  `json:"id"`
	Name      string                  `json:"name"`
	APIKey    string                  `json:"api_key,omitempty"`
	Config    repository.TenantConfig `json:"config"`
	CreatedAt time.Time               `json:"created_at"`
	UpdatedAt time.Time               `json:"updated_at"`
}

func toTenantResponse(t *repository.Tenant, includeKey bool) tenantResponse {
	resp := tenantResponse{
		ID:        t.ID,
		Name:      t.Name,
		Config:    t.Config,
		CreatedAt: t.CreatedAt,
		UpdatedAt: t.UpdatedAt,
	}
	if includeKey {
		resp.APIKey = t.APIKey
	}
	return resp
}

func (s *Server) handleAsk(w http.ResponseWriter, r *http.Request) {
	tenant, ok := auth.TenantFromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "missing tenant context")
		return
	}

	var req askRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	answer, err := s.answers.Ask(r.Context(), tenant.ID, req.Question, service.UserContext{
		UserID:    req.UserID,
		SessionID: req.SessionID,
	})
	if err != nil {
		s.writeServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, answer)
}

func (s *Server) handleAskStream(w http.ResponseWriter, r *http.Request) {
	tenant, ok := auth.TenantFromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "missing tenant context")
		return
	}

	var req askRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	sink := func(token string) {
		data, _ := json.Marshal(map[string]string{"token": token})
		fmt.Fprintf(w, "event: token\ndata: %s\n\n", data)
		flusher.Flush()
	}

	answer, err := s.answers.AskStream(r.Context(), tenant.ID, req.Question, service.UserContext{
		UserID:    req.UserID,
		SessionID: req.SessionID,
	}, sink)
	if err != nil {
		data, _ := json.Marshal(map[string]string{"error": err.Error()})
		fmt.Fprintf(w, "event: error\ndata: %s\n\n", data)
		flusher.Flush()
		return
	}

	// Final event carries sources and confidence for the full answer.
	data, _ := json.Marshal(answer)
	fmt.Fprintf(w, "event: done\ndata: %s\n\n", data)
	flusher.Flush()
}

func (s *Server) handleAddDocument(w http.ResponseWriter, r *http.Request) {
	tenant, ok := auth.TenantFromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "missing tenant context")
		return
	}

	var req documentRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Content == "" {
		writeError(w, http.StatusBadRequest, "content is required")
		return
	}
	if req.Source == "" {
		req.Source = "upload"
	}

	store, err := s.registry.Get(r.Context(), tenant.ID)
	if err != nil {
		s.writeServiceError(w, err)
		return
	}

	chunks := s.chunker.Chunk(req.Content, req.Source)
	if len(chunks) == 0 {
		writeError(w, http.StatusBadRequest, "content produced no chunks")
		return
	}

	ids, err := store.AddChunks(r.Context(), chunks, req.Metadata)
	if err != nil {
		s.writeServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusCreated, map[string]any{
		"chunks":  len(chunks),
		"doc_ids": ids,
	})
}

func (s *Server) handleListDocuments(w http.ResponseWriter, r *http.Request) {
	tenant, ok := auth.TenantFromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "missing tenant context")
		return
	}

	store, err := s.registry.Get(r.Context(), tenant.ID)
	if err != nil {
		s.writeServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"documents": store.Documents(),
	})
}

func (s *Server) handleDeleteDocument(w http.ResponseWriter, r *http.Request) {
	tenant, ok := auth.TenantFromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "missing tenant context")
		return
	}

	docID := chi.URLParam(r, "docID")

	store, err := s.registry.Get(r.Context(), tenant.ID)
	if err != nil {
		s.writeServiceError(w, err)
		return
	}

	if err := store.RemoveDocument(r.Context(), docID); err != nil {
		s.writeServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{"deleted": docID})
}

func (s *Server) handleRebuild(w http.ResponseWriter, r *http.Request) {
	tenant, ok := auth.TenantFromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "missing tenant context")
		return
	}

	var req rebuildRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	var chunks []index.Chunk
	for _, doc := range req.Documents {
		source := doc.Source
		if source == "" {
			source = "upload"
		}
		for _, chunk := range s.chunker.Chunk(doc.Content, source) {
			for k, v := range doc.Metadata {
				chunk.Metadata[k] = v
			}
			chunks = append(chunks, chunk)
		}
	}

	store, err := s.registry.Get(r.Context(), tenant.ID)
	if err != nil {
		s.writeServiceError(w, err)
		return
	}

	if err := store.Rebuild(r.Context(), chunks); err != nil {
		s.writeServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"documents": len(store.Documents()),
	})
}

func (s *Server) handleCreateTenant(w http.ResponseWriter, r *http.Request) {
	var req tenantRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.ID == "" || req.Name == "" {
		writeError(w, http.StatusBadRequest, "id and name are required")
		return
	}

	now := time.Now()
	tenant := &repository.Tenant{
		ID:        req.ID,
		Name:      req.Name,
		APIKey:    newAPIKey(),
		Config:    req.Config,
		CreatedAt: now,
		UpdatedAt: now,
	}

	if err := s.tenants.Create(r.Context(), tenant); err != nil {
		s.logger.Error("failed to create tenant", "tenant_id", req.ID, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to create tenant")
		return
	}

	writeJSON(w, http.StatusCreated, toTenantResponse(tenant, true))
}

func (s *Server) handleListTenants(w http.ResponseWriter, r *http.Request) {
	tenants, total, err := s.tenants.List(r.Context(), 100, 0)
	if err != nil {
		s.logger.Error("failed to list tenants", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to list tenants")
		return
	}

	out := make([]tenantResponse, len(tenants))
	for i, t := range tenants {
		out[i] = toTenantResponse(t, false)
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"tenants": out,
		"total":   total,
	})
}

func (s *Server) handleGetTenant(w http.ResponseWriter, r *http.Request) {
	tenant, err := s.tenants.GetByID(r.Context(), chi.URLParam(r, "tenantID"))
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toTenantResponse(tenant, false))
}

func (s *Server) handleUpdateTenant(w http.ResponseWriter, r *http.Request) {
	tenantID := chi.URLParam(r, "tenantID")

	var req tenantRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	tenant, err := s.tenants.GetByID(r.Context(), tenantID)
	if err != nil {
		s.writeServiceError(w, err)
		return
	}

	if req.Name != "" {
		tenant.Name = req.Name
	}
	tenant.Config = req.Config

	if err := s.tenants.Update(r.Context(), tenant); err != nil {
		s.writeServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, toTenantResponse(tenant, false))
}

func (s *Server) handleDeleteTenant(w http.ResponseWriter, r *http.Request) {
	tenantID := chi.URLParam(r, "tenantID")

	if err := s.tenants.Delete(r.Context(), tenantID); err != nil {
		s.writeServiceError(w, err)
		return
	}

	s.registry.Evict(tenantID)
	writeJSON(w, http.StatusOK, map[string]string{"deleted": tenantID})
}

func (s *Server) handleRotateAPIKey(w http.ResponseWriter, r *http.Request) {
	tenantID := chi.URLParam(r, "tenantID")

	apiKey := newAPIKey()
	if err := s.tenants.UpdateAPIKey(r.Context(), tenantID, apiKey); err != nil {
		s.writeServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{"api_key": apiKey})
}

func (s *Server) handleIssueToken(w http.ResponseWriter, r *http.Request) {
	if s.jwtManager == nil {
		writeError(w, http.StatusNotImplemented, "JWT not configured")
		return
	}

	tenant, err := s.tenants.GetByID(r.Context(), chi.URLParam(r, "tenantID"))
	if err != nil {
		s.writeServiceError(w, err)
		return
	}

	token, err := s.jwtManager.GenerateToken(tenant.ID, tenant.Name)
	if err != nil {
		s.logger.Error("failed to issue token", "tenant_id", tenant.ID, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to issue token")
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{"token": token})
}

// writeServiceError maps domain errors to HTTP status codes.
func (s *Server) writeServiceError(w http.ResponseWriter, err error) {
	var corrupt *index.CorruptError

	switch {
	case errors.Is(err, service.ErrEmptyQuery):
		writeError(w, http.StatusBadRequest, "question is required")
	case errors.Is(err, index.ErrInvalidTenant):
		writeError(w, http.StatusBadRequest, "invalid tenant id")
	case errors.Is(err, service.ErrUnknownTenant),
		errors.Is(err, repository.ErrNotFound),
		errors.Is(err, index.ErrNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.As(err, &corrupt):
		s.logger.Error("tenant storage corrupt", "error", err)
		writeError(w, http.StatusServiceUnavailable, "tenant storage unavailable")
	default:
		s.logger.Error("request failed", "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func newAPIKey() string {
	return "dqa_" + uuid.NewString()
}
