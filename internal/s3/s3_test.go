package s3

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewMinioClient(t *testing.T) {
	c, err := NewMinioClient("localhost:9000", "minio-access-key", "minio-secret-key", false)
	require.NoError(t, err)
	assert.NotNil(t, c.client)

	_, err = NewMinioClient("http://bad endpoint", "a", "b", false)
	assert.Error(t, err)
}

func TestContentType(t *testing.T) {
	assert.Equal(t, "application/json", contentType("/data/predictions/predictions_20261019-120000_000.json"))
	assert.Equal(t, "image/jpeg", contentType("image_2026-10-19_12-00-00.jpg"))
	assert.Equal(t, "application/octet-stream", contentType("ledger.db"))
}
