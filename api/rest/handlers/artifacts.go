package handlers

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"

	"github.com/bldst/buildstate/pkg/artifactstore"
	"github.com/bldst/buildstate/pkg/core"
	"github.com/bldst/buildstate/pkg/storage"
)

// ArtifactHandler serves the artifact registry endpoints.
type ArtifactHandler struct {
	store  storage.Store
	stater artifactstore.Stater // nil when preflight is disabled
}

// NewArtifactHandler creates an artifact handler. stater may be nil.
func NewArtifactHandler(store storage.Store, stater artifactstore.Stater) *ArtifactHandler {
	return &ArtifactHandler{store: store, stater: stater}
}

// RegisterArtifactRequest is the body of POST /v1/builds/{id}/artifacts.
type RegisterArtifactRequest struct {
	StateCode         int               `json:"state_code"`
	Name              string            `json:"name"`
	Type              string            `json:"type"`
	Path              string            `json:"path,omitempty"`
	StorageBackend    string            `json:"storage_backend,omitempty"`
	StorageRegion     string            `json:"storage_region,omitempty"`
	StorageBucket     string            `json:"storage_bucket,omitempty"`
	StorageKey        string            `json:"storage_key,omitempty"`
	SizeBytes         int64             `json:"size_bytes,omitempty"`
	Checksum          string            `json:"checksum,omitempty"`
	ChecksumAlgorithm string            `json:"checksum_algorithm,omitempty"`
	IsResumable       bool              `json:"is_resumable"`
	IsFinal           bool              `json:"is_final"`
	ExpiresAt         *time.Time        `json:"expires_at,omitempty"`
	Metadata          map[string]string `json:"metadata,omitempty"`
}

// RegisterArtifact handles POST /v1/builds/{id}/artifacts.
func (h *ArtifactHandler) RegisterArtifact(w http.ResponseWriter, r *http.Request) {
	buildID := mux.Vars(r)["id"]
	var req RegisterArtifactRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if req.Name == "" {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "name is required"})
		return
	}
	if _, err := h.store.GetBuild(r.Context(), buildID); err != nil {
		writeError(w, err)
		return
	}

	a := &core.Artifact{
		BuildID:           buildID,
		StateCode:         req.StateCode,
		Name:              req.Name,
		Type:              req.Type,
		Path:              req.Path,
		StorageBackend:    req.StorageBackend,
		StorageRegion:     req.StorageRegion,
		StorageBucket:     req.StorageBucket,
		StorageKey:        req.StorageKey,
		SizeBytes:         req.SizeBytes,
		Checksum:          req.Checksum,
		ChecksumAlgorithm: req.ChecksumAlgorithm,
		IsResumable:       req.IsResumable,
		IsFinal:           req.IsFinal,
		ExpiresAt:         req.ExpiresAt,
		Metadata:          req.Metadata,
	}
	if err := h.store.CreateArtifact(r.Context(), a); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, a)
}

// ListArtifacts handles GET /v1/builds/{id}/artifacts.
func (h *ArtifactHandler) ListArtifacts(w http.ResponseWriter, r *http.Request) {
	buildID := mux.Vars(r)["id"]
	if _, err := h.store.GetBuild(r.Context(), buildID); err != nil {
		writeError(w, err)
		return
	}

	q := r.URL.Query()
	var f storage.ArtifactFilter
	if v := q.Get("state_code"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			f.StateCode = &n
		}
	}
	f.Type = q.Get("type")
	if v := q.Get("is_resumable"); v != "" {
		b := v == "true"
		f.IsResumable = &b
	}
	if v := q.Get("is_final"); v != "" {
		b := v == "true"
		f.IsFinal = &b
	}

	artifacts, err := h.store.ListArtifacts(r.Context(), buildID, f)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, artifacts)
}

// DeleteArtifact handles DELETE /v1/artifacts/{id} (soft delete).
func (h *ArtifactHandler) DeleteArtifact(w http.ResponseWriter, r *http.Request) {
	if err := h.store.SoftDeleteArtifact(r.Context(), mux.Vars(r)["id"]); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// StatArtifact handles GET /v1/artifacts/{id}/stat: an object-store
// existence preflight. Returns 501 when no artifact store is configured.
func (h *ArtifactHandler) StatArtifact(w http.ResponseWriter, r *http.Request) {
	if h.stater == nil {
		writeJSON(w, http.StatusNotImplemented, errorResponse{Error: "artifact store preflight not configured"})
		return
	}
	a, err := h.store.GetArtifact(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		writeError(w, err)
		return
	}
	info, err := h.stater.Stat(r.Context(), a)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"artifact_id": a.ID,
		"exists":      info.Exists,
		"size_bytes":  info.SizeBytes,
		"etag":        info.ETag,
	})
}
