//go:build integration

package storage

import (
	"context"
	"fmt"
	"io"
	"log"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

var testStore *S3Store

// TestMain starts a MinIO container shared by the S3 tests.
func TestMain(m *testing.M) {
	os.Setenv("TESTCONTAINERS_RYUK_DISABLED", "true")

	ctx := context.Background()

	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: testcontainers.ContainerRequest{
			Image:        "minio/minio:latest",
			ExposedPorts: []string{"9000/tcp"},
			Cmd:          []string{"server", "/data"},
			Env: map[string]string{
				"MINIO_ROOT_USER":     "medpipe",
				"MINIO_ROOT_PASSWORD": "medpipe-secret",
			},
			WaitingFor: wait.ForHTTP("/minio/health/live").WithPort("9000/tcp").WithStartupTimeout(60 * time.Second),
		},
		Started: true,
	})
	if err != nil {
		log.Fatalf("Failed to start MinIO container: %v", err)
	}

	host, err := container.Host(ctx)
	if err != nil {
		log.Fatalf("Failed to get container host: %v", err)
	}
	if host == "" || host == "null" {
		host = "localhost"
	}
	port, err := container.MappedPort(ctx, "9000")
	if err != nil {
		log.Fatalf("Failed to get mapped port: %v", err)
	}

	testStore, err = NewS3Store(ctx, S3Config{
		Bucket:    "medpipe-results",
		Region:    "us-east-1",
		Endpoint:  fmt.Sprintf("http://%s:%s", host, port.Port()),
		AccessKey: "medpipe",
		SecretKey: "medpipe-secret",
		Prefix:    "results/",
	})
	if err != nil {
		log.Fatalf("Failed to create S3 store: %v", err)
	}
	if err := testStore.EnsureBucket(ctx); err != nil {
		log.Fatalf("Failed to create bucket: %v", err)
	}

	code := m.Run()

	_ = container.Terminate(ctx)
	os.Exit(code)
}

func TestS3Store_RoundTrip(t *testing.T) {
	ctx := context.Background()
	body := "zip bytes"

	require.NoError(t, testStore.Put(ctx, "job-1.zip", strings.NewReader(body), int64(len(body))))

	rc, err := testStore.Open(ctx, "job-1.zip")
	require.NoError(t, err)
	data, err := io.ReadAll(rc)
	require.NoError(t, err)
	require.NoError(t, rc.Close())
	assert.Equal(t, body, string(data))

	require.NoError(t, testStore.Delete(ctx, "job-1.zip"))
	_, err = testStore.Open(ctx, "job-1.zip")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestS3Store_MissingKey(t *testing.T) {
	_, err := testStore.Open(context.Background(), "never-written.zip")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestS3Store_EnsureBucketIdempotent(t *testing.T) {
	assert.NoError(t, testStore.EnsureBucket(context.Background()))
}
