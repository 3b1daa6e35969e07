package api

import (
	"errors"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/ledgerworks/payeeflow/pkg/contracts"
	"github.com/ledgerworks/payeeflow/pkg/exclusion"
	"github.com/ledgerworks/payeeflow/pkg/store"
)

type createKeywordRequest struct {
	Keyword string `json:"keyword"`
	AddedBy string `json:"addedBy,omitempty"`
	Notes   string `json:"notes,omitempty"`
}

func (s *Server) handleCreateKeyword(w http.ResponseWriter, r *http.Request) {
	var req createKeywordRequest
	if err := decodeJSON(r, &req); err != nil {
		WriteBadRequest(w, err.Error())
		return
	}
	if req.Keyword == "" {
		WriteBadRequest(w, "keyword is required")
		return
	}

	now := time.Now().UTC()
	k := &contracts.ExclusionKeyword{
		ID:        uuid.NewString(),
		Keyword:   req.Keyword,
		AddedBy:   req.AddedBy,
		Notes:     req.Notes,
		IsActive:  true,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := s.store.CreateKeyword(r.Context(), k); err != nil {
		if errors.Is(err, store.ErrDuplicate) {
			WriteConflict(w, "keyword already exists")
			return
		}
		WriteInternal(w, err)
		return
	}
	s.filter.Invalidate()
	writeJSON(w, http.StatusCreated, k)
}

func (s *Server) handleListKeywords(w http.ResponseWriter, r *http.Request) {
	keywords, err := s.store.ListKeywords(r.Context())
	if err != nil {
		WriteInternal(w, err)
		return
	}
	if keywords == nil {
		keywords = []*contracts.ExclusionKeyword{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"keywords": keywords})
}

type updateKeywordRequest struct {
	IsActive *bool   `json:"isActive,omitempty"`
	Notes    *string `json:"notes,omitempty"`
}

func (s *Server) handleUpdateKeyword(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	var req updateKeywordRequest
	if err := decodeJSON(r, &req); err != nil {
		WriteBadRequest(w, err.Error())
		return
	}
	if req.IsActive == nil && req.Notes == nil {
		WriteBadRequest(w, "nothing to update")
		return
	}
	if _, err := s.store.GetKeyword(r.Context(), id); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			WriteNotFound(w, "unknown keyword")
			return
		}
		WriteInternal(w, err)
		return
	}
	if err := s.store.UpdateKeyword(r.Context(), id, req.IsActive, req.Notes); err != nil {
		WriteInternal(w, err)
		return
	}
	s.filter.Invalidate()

	k, err := s.store.GetKeyword(r.Context(), id)
	if err != nil {
		WriteInternal(w, err)
		return
	}
	writeJSON(w, http.StatusOK, k)
}

func (s *Server) handleDeleteKeyword(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if _, err := s.store.GetKeyword(r.Context(), id); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			WriteNotFound(w, "unknown keyword")
			return
		}
		WriteInternal(w, err)
		return
	}
	if err := s.store.DeleteKeyword(r.Context(), id); err != nil {
		WriteInternal(w, err)
		return
	}
	s.filter.Invalidate()
	w.WriteHeader(http.StatusNoContent)
}

type testKeywordRequest struct {
	Keyword     string   `json:"keyword"`
	SampleNames []string `json:"sampleNames"`
}

// handleTestKeyword dry-runs a keyword against sample names without touching
// the active set, so operators can see the blast radius before adding it.
func (s *Server) handleTestKeyword(w http.ResponseWriter, r *http.Request) {
	var req testKeywordRequest
	if err := decodeJSON(r, &req); err != nil {
		WriteBadRequest(w, err.Error())
		return
	}
	if req.Keyword == "" {
		WriteBadRequest(w, "keyword is required")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"keyword": req.Keyword,
		"results": exclusion.Test(req.Keyword, req.SampleNames),
	})
}
