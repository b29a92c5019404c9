package handlers

import (
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"

	"chatbridge/internal/attachments"
)

const maxUploadBytes = 25 << 20 // 25MB per attachment

// AttachmentHandler exposes object storage as a small multipart upload
// and keyed download surface alongside the socket's message:send flow.
type AttachmentHandler struct {
	Service *attachments.Service
}

// Upload handles POST /api/messages/{messageID}/attachments.
func (h *AttachmentHandler) Upload(w http.ResponseWriter, r *http.Request) {
	messageID := chi.URLParam(r, "messageID")
	if messageID == "" {
		RespondWithError(w, http.StatusBadRequest, "messageID is required")
		return
	}

	if err := r.ParseMultipartForm(maxUploadBytes); err != nil {
		RespondWithError(w, http.StatusBadRequest, "file too large or invalid multipart form")
		return
	}

	file, header, err := r.FormFile("file")
	if err != nil {
		RespondWithError(w, http.StatusBadRequest, "file field is required")
		return
	}
	defer file.Close()

	mimeType := header.Header.Get("Content-Type")
	if mimeType == "" {
		mimeType = "application/octet-stream"
	}

	attachment, err := h.Service.Upload(r.Context(), messageID, header.Filename, mimeType, file)
	if err != nil {
		RespondWithError(w, http.StatusServiceUnavailable, "attachment storage unavailable")
		return
	}
	RespondWithJSON(w, http.StatusCreated, attachment)
}

// Download handles GET /api/attachments/{objectKey}, where objectKey is the
// URL-escaped storage key returned by Upload.
func (h *AttachmentHandler) Download(w http.ResponseWriter, r *http.Request) {
	objectKey := chi.URLParam(r, "*")
	body, err := h.Service.Download(r.Context(), objectKey)
	if err != nil {
		RespondWithError(w, http.StatusNotFound, "attachment not found")
		return
	}
	defer body.Close()

	w.Header().Set("Content-Type", "application/octet-stream")
	io.Copy(w, body)
}
