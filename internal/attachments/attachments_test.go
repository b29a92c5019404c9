package attachments

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"chatbridge/internal/config"
	"chatbridge/internal/models"
)

type fakeRepo struct {
	saved []models.Attachment
}

func (r *fakeRepo) Save(ctx context.Context, a models.Attachment) (models.Attachment, error) {
	r.saved = append(r.saved, a)
	return a, nil
}

func (r *fakeRepo) ListForMessage(ctx context.Context, messageID string) ([]models.Attachment, error) {
	var out []models.Attachment
	for _, a := range r.saved {
		if a.MessageID == messageID {
			out = append(out, a)
		}
	}
	return out, nil
}

func TestNew_IncompleteConfigDegradesToNullService(t *testing.T) {
	svc, err := New(config.S3Config{}, &fakeRepo{})
	require.NoError(t, err)
	assert.False(t, svc.configured())
}

func TestNullService_UploadReturnsError(t *testing.T) {
	svc, err := New(config.S3Config{}, &fakeRepo{})
	require.NoError(t, err)

	_, err = svc.Upload(context.Background(), "m1", "file.txt", "text/plain", strings.NewReader("data"))
	assert.Error(t, err)
}

func TestNullService_DownloadReturnsError(t *testing.T) {
	svc, err := New(config.S3Config{}, &fakeRepo{})
	require.NoError(t, err)

	_, err = svc.Download(context.Background(), "attachments/m1/f")
	assert.Error(t, err)
}

func TestS3Config_Configured(t *testing.T) {
	assert.False(t, (config.S3Config{}).Configured())
	assert.True(t, config.S3Config{
		Endpoint: "http://localhost:9000",
		Region:   "us-east-1",
		KeyID:    "key",
		AppKey:   "secret",
		Bucket:   "bucket",
	}.Configured())
}
