package handlers

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/rs/zerolog"

	"github.com/dvloznov/kakeibo/internal/api/middleware"
	"github.com/dvloznov/kakeibo/internal/jobs"
	"github.com/dvloznov/kakeibo/internal/pipeline"
)

// ImportsHandler handles CSV export uploads.
type ImportsHandler struct {
	svc         *pipeline.Service
	publisher   jobs.Publisher
	allowRemote bool
	maxUpload   int64
	log         zerolog.Logger
}

// NewImportsHandler creates a new imports handler. When allowRemote is
// false every import endpoint answers 403.
func NewImportsHandler(svc *pipeline.Service, publisher jobs.Publisher, allowRemote bool, maxUpload int64, log zerolog.Logger) *ImportsHandler {
	if maxUpload <= 0 {
		maxUpload = 10 << 20
	}
	return &ImportsHandler{
		svc:         svc,
		publisher:   publisher,
		allowRemote: allowRemote,
		maxUpload:   maxUpload,
		log:         log,
	}
}

// ListInstitutions handles GET /api/institutions
func (h *ImportsHandler) ListInstitutions(w http.ResponseWriter, r *http.Request) {
	type institutionView struct {
		ID       string `json:"id"`
		Shape    string `json:"shape"`
		Encoding string `json:"encoding"`
		Table    string `json:"table,omitempty"`
	}

	reg := h.svc.Registry()
	var out []institutionView
	for _, id := range reg.IDs() {
		s, err := reg.Lookup(id)
		if err != nil {
			continue
		}
		out = append(out, institutionView{ID: s.ID, Shape: s.Shape.String(), Encoding: string(s.Encoding), Table: s.Table})
	}

	middleware.WriteJSON(w, http.StatusOK, map[string]interface{}{
		"institutions": out,
		"count":        len(out),
	})
}

// readUploads parses a multipart form with "institution", optional "member"
// and one or more "files".
func (h *ImportsHandler) readUploads(w http.ResponseWriter, r *http.Request) ([]pipeline.ImportRequest, bool) {
	if !h.allowRemote {
		middleware.WriteError(w, http.StatusForbidden, "Bank imports are only allowed from the local environment")
		return nil, false
	}

	r.Body = http.MaxBytesReader(w, r.Body, h.maxUpload)
	if err := r.ParseMultipartForm(h.maxUpload); err != nil {
		middleware.WriteError(w, http.StatusBadRequest, "Invalid multipart form")
		return nil, false
	}

	institution := strings.TrimSpace(r.FormValue("institution"))
	if _, err := h.svc.Registry().Lookup(institution); err != nil {
		writeErr(w, err, "Unknown institution")
		return nil, false
	}
	member := strings.TrimSpace(r.FormValue("member"))

	files := r.MultipartForm.File["files"]
	if len(files) == 0 {
		middleware.WriteError(w, http.StatusBadRequest, "At least one file is required")
		return nil, false
	}

	reqs := make([]pipeline.ImportRequest, 0, len(files))
	for _, fh := range files {
		f, err := fh.Open()
		if err != nil {
			middleware.WriteError(w, http.StatusBadRequest, fmt.Sprintf("Failed to read %s", fh.Filename))
			return nil, false
		}
		data, err := io.ReadAll(f)
		f.Close()
		if err != nil {
			middleware.WriteError(w, http.StatusBadRequest, fmt.Sprintf("Failed to read %s", fh.Filename))
			return nil, false
		}
		reqs = append(reqs, pipeline.ImportRequest{
			Institution: institution,
			Member:      member,
			Filename:    fh.Filename,
			Data:        data,
		})
	}
	return reqs, true
}

// CreateImport handles POST /api/imports. Each file becomes one job.
func (h *ImportsHandler) CreateImport(w http.ResponseWriter, r *http.Request) {
	reqs, ok := h.readUploads(w, r)
	if !ok {
		return
	}

	ctx := r.Context()
	created := make([]jobs.ImportJob, 0, len(reqs))
	for _, req := range reqs {
		job := &jobs.ImportJob{
			Institution: req.Institution,
			Member:      req.Member,
			Filename:    req.Filename,
			Data:        req.Data,
		}
		if err := h.publisher.PublishImport(ctx, job); err != nil {
			h.log.Error().Err(err).Str("filename", req.Filename).Msg("Failed to enqueue import job")
			middleware.WriteError(w, http.StatusServiceUnavailable, "Failed to enqueue import")
			return
		}
		created = append(created, *job)
	}

	middleware.WriteJSON(w, http.StatusAccepted, map[string]interface{}{
		"jobs":  created,
		"count": len(created),
	})
}

// PreviewImport handles POST /api/imports/preview. It extracts the first
// uploaded file and returns the editable batch without persisting it.
func (h *ImportsHandler) PreviewImport(w http.ResponseWriter, r *http.Request) {
	reqs, ok := h.readUploads(w, r)
	if !ok {
		return
	}

	batch, err := h.svc.Preview(r.Context(), reqs[0])
	if err != nil {
		h.log.Warn().Err(err).Str("filename", reqs[0].Filename).Msg("Preview failed")
		writeErr(w, err, "Failed to preview import")
		return
	}
	middleware.WriteJSON(w, http.StatusOK, batch)
}

// CommitImport handles POST /api/imports/commit with an edited batch.
func (h *ImportsHandler) CommitImport(w http.ResponseWriter, r *http.Request) {
	if !h.allowRemote {
		middleware.WriteError(w, http.StatusForbidden, "Bank imports are only allowed from the local environment")
		return
	}

	var batch pipeline.Batch
	if err := json.NewDecoder(r.Body).Decode(&batch); err != nil {
		middleware.WriteError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if batch.Table == "" || batch.Institution == "" {
		middleware.WriteError(w, http.StatusBadRequest, "Batch table and institution are required")
		return
	}

	res, err := h.svc.Commit(r.Context(), &batch)
	if err != nil {
		h.log.Error().Err(err).Str("filename", batch.Filename).Msg("Commit failed")
		writeErr(w, err, "Failed to commit import")
		return
	}
	middleware.WriteJSON(w, http.StatusOK, res)
}
