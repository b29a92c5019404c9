package handlers

import (
	"bytes"
	"context"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/require"

	"chatbridge/internal/attachments"
	"chatbridge/internal/config"
	"chatbridge/internal/models"
)

type fakeAttachmentRepo struct{}

func (f *fakeAttachmentRepo) Save(ctx context.Context, a models.Attachment) (models.Attachment, error) {
	return a, nil
}

func (f *fakeAttachmentRepo) ListForMessage(ctx context.Context, messageID string) ([]models.Attachment, error) {
	return nil, nil
}

func unconfiguredAttachmentHandler(t *testing.T) *AttachmentHandler {
	t.Helper()
	svc, err := attachments.New(config.S3Config{}, &fakeAttachmentRepo{})
	require.NoError(t, err)
	return &AttachmentHandler{Service: svc}
}

func multipartUploadRequest(t *testing.T, fieldName, fileName, content string) *http.Request {
	t.Helper()
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	part, err := w.CreateFormFile(fieldName, fileName)
	require.NoError(t, err)
	_, err = part.Write([]byte(content))
	require.NoError(t, err)
	require.NoError(t, w.Close())

	req := httptest.NewRequest(http.MethodPost, "/api/messages/m1/attachments", &buf)
	req.Header.Set("Content-Type", w.FormDataContentType())
	return req
}

func TestAttachmentUpload_MissingMessageIDRejected(t *testing.T) {
	h := unconfiguredAttachmentHandler(t)
	req := multipartUploadRequest(t, "file", "a.txt", "data")

	rctx := chi.NewRouteContext()
	req = req.WithContext(context.WithValue(req.Context(), chi.RouteCtxKey, rctx))

	rec := httptest.NewRecorder()
	h.Upload(rec, req)

	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestAttachmentUpload_MissingFileFieldRejected(t *testing.T) {
	h := unconfiguredAttachmentHandler(t)

	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	require.NoError(t, w.Close())

	req := httptest.NewRequest(http.MethodPost, "/api/messages/m1/attachments", &buf)
	req.Header.Set("Content-Type", w.FormDataContentType())

	rctx := chi.NewRouteContext()
	rctx.URLParams.Add("messageID", "m1")
	req = req.WithContext(context.WithValue(req.Context(), chi.RouteCtxKey, rctx))

	rec := httptest.NewRecorder()
	h.Upload(rec, req)

	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestAttachmentUpload_UnconfiguredStorageReturns503(t *testing.T) {
	h := unconfiguredAttachmentHandler(t)
	req := multipartUploadRequest(t, "file", "a.txt", "data")

	rctx := chi.NewRouteContext()
	rctx.URLParams.Add("messageID", "m1")
	req = req.WithContext(context.WithValue(req.Context(), chi.RouteCtxKey, rctx))

	rec := httptest.NewRecorder()
	h.Upload(rec, req)

	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestAttachmentDownload_UnconfiguredStorageReturns404(t *testing.T) {
	h := unconfiguredAttachmentHandler(t)
	req := httptest.NewRequest(http.MethodGet, "/api/attachments/foo", nil)

	rctx := chi.NewRouteContext()
	rctx.URLParams.Add("*", "attachments/m1/foo")
	req = req.WithContext(context.WithValue(req.Context(), chi.RouteCtxKey, rctx))

	rec := httptest.NewRecorder()
	h.Download(rec, req)

	require.Equal(t, http.StatusNotFound, rec.Code)
}
