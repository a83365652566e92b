package server

import (
	"io"
	"mime"
	"net/http"

	"github.com/bobmcallan/batchd/internal/common"
)

// routeFiles dispatches /v1/files/{id}/content.
func (s *Server) routeFiles(w http.ResponseWriter, r *http.Request) {
	id := PathParam(r, "/v1/files/", "/content")
	if id == "" {
		WriteError(w, http.StatusNotFound, "not found")
		return
	}
	s.handleFileContent(w, r, id)
}

// handleFilesRoot handles POST /v1/files (multipart `file`, `purpose=batch`) — upload an
// input JSONL file (spec.md §6).
func (s *Server) handleFilesRoot(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, http.MethodPost) {
		return
	}

	data, err := readUploadedFile(r)
	if err != nil {
		WriteErrorWithCode(w, http.StatusBadRequest, err.Error(), string(common.ErrInvalidInput))
		return
	}
	if len(data) == 0 {
		WriteErrorWithCode(w, http.StatusBadRequest, "upload body is empty", string(common.ErrInvalidInput))
		return
	}

	fileID, err := s.app.Files.PutInput(r.Context(), data)
	if err != nil {
		WriteKindedError(w, err)
		return
	}

	WriteJSON(w, http.StatusOK, map[string]interface{}{
		"id":      fileID,
		"bytes":   len(data),
		"purpose": "batch",
	})
}

// readUploadedFile accepts either a multipart/form-data upload (field "file", spec.md §6's
// literal shape) or a raw request body, so a plain `curl --data-binary` upload also works.
func readUploadedFile(r *http.Request) ([]byte, error) {
	const maxUpload = 512 << 20

	mediaType, _, err := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if err == nil && mediaType == "multipart/form-data" {
		if err := r.ParseMultipartForm(maxUpload); err != nil {
			return nil, err
		}
		defer r.MultipartForm.RemoveAll()

		file, _, err := r.FormFile("file")
		if err != nil {
			return nil, err
		}
		defer file.Close()
		return io.ReadAll(io.LimitReader(file, maxUpload))
	}

	return io.ReadAll(io.LimitReader(r.Body, maxUpload))
}

// handleFileContent handles GET /v1/files/{id}/content — download an input or output file.
func (s *Server) handleFileContent(w http.ResponseWriter, r *http.Request, fileID string) {
	if !RequireMethod(w, r, http.MethodGet) {
		return
	}

	data, err := s.app.Files.Get(r.Context(), fileID)
	if err != nil {
		WriteErrorWithCode(w, http.StatusNotFound, "file not found: "+err.Error(), string(common.ErrInvalidInput))
		return
	}

	w.Header().Set("Content-Type", "application/jsonl")
	w.WriteHeader(http.StatusOK)
	w.Write(data)
}
