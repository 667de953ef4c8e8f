package storage

import (
	"context"
	"testing"

	"github.com/ridged/authd/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOpenRejectsUnknownBackend(t *testing.T) {
	_, err := Open(context.Background(), config.StorageConfig{Backend: "s3"})
	assert.ErrorContains(t, err, "unknown storage backend")
}

func TestNewMinioClientValidatesConfig(t *testing.T) {
	tests := []struct {
		name string
		cfg  config.MinioConfig
		want string
	}{
		{"missing endpoint", config.MinioConfig{}, "endpoint"},
		{"missing keys", config.MinioConfig{Endpoint: "localhost:9000", Bucket: "b"}, "access key"},
		{"missing bucket", config.MinioConfig{Endpoint: "localhost:9000", AccessKey: "a", SecretKey: "s"}, "bucket"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewMinioClient(tt.cfg)
			assert.ErrorContains(t, err, tt.want)
		})
	}
}

func TestOpenMinio(t *testing.T) {
	backend, err := Open(context.Background(), config.StorageConfig{
		Backend: config.StorageBackendMinio,
		Minio: config.MinioConfig{
			Endpoint:  "localhost:9000",
			AccessKey: "minioadmin",
			SecretKey: "minioadmin",
			Bucket:    "activity",
		},
	})
	require.NoError(t, err)
	assert.Equal(t, "activity", backend.Bucket())
}

func TestNewGCSClientRequiresBucket(t *testing.T) {
	_, err := NewGCSClient(context.Background(), config.GCSConfig{})
	assert.ErrorContains(t, err, "gcs bucket is required")
}
