//go:build integration

package s3

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/marmos91/wbcache/pkg/backing"
	"github.com/marmos91/wbcache/pkg/backing/chunked"
)

// localstack starts a Localstack container, or reuses LOCALSTACK_ENDPOINT.
func localstack(t *testing.T) string {
	t.Helper()
	if endpoint := os.Getenv("LOCALSTACK_ENDPOINT"); endpoint != "" {
		return endpoint
	}

	ctx := context.Background()
	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: testcontainers.ContainerRequest{
			Image:        "localstack/localstack:3.0",
			ExposedPorts: []string{"4566/tcp"},
			Env: map[string]string{
				"SERVICES":              "s3",
				"DEFAULT_REGION":        "us-east-1",
				"EAGER_SERVICE_LOADING": "1",
			},
			WaitingFor: wait.ForAll(
				wait.ForListeningPort("4566/tcp"),
				wait.ForHTTP("/_localstack/health").
					WithPort("4566/tcp").
					WithStartupTimeout(60*time.Second),
			),
		},
		Started: true,
	})
	require.NoError(t, err, "start localstack")
	t.Cleanup(func() { _ = container.Terminate(ctx) })

	host, err := container.Host(ctx)
	require.NoError(t, err)
	port, err := container.MappedPort(ctx, "4566")
	require.NoError(t, err)
	return fmt.Sprintf("http://%s:%s", host, port.Port())
}

func TestLocalstackChunkedFile(t *testing.T) {
	ctx := context.Background()
	cfg := Config{
		Bucket:          "wbcache-it",
		Region:          "us-east-1",
		Endpoint:        localstack(t),
		KeyPrefix:       "it/",
		ForcePathStyle:  true,
		AccessKeyID:     "test",
		SecretAccessKey: "test",
	}

	client, err := NewClient(ctx, cfg)
	require.NoError(t, err)
	_, err = client.CreateBucket(ctx, &s3.CreateBucketInput{Bucket: aws.String(cfg.Bucket)})
	require.NoError(t, err)

	st := New(client, cfg)
	require.NoError(t, st.HealthCheck(ctx))

	b := chunked.New(st, chunked.Options{Name: "s3", ChunkSize: 1024})
	defer b.Close()

	h, err := b.Open(ctx, "/dir/file.bin", backing.ReadWrite|backing.Create)
	require.NoError(t, err)

	payload := bytes.Repeat([]byte("wbcache!"), 400) // 3200 bytes, four chunks
	n, err := h.WriteAt(ctx, payload, 100)
	require.NoError(t, err)
	assert.Equal(t, len(payload), n)
	require.NoError(t, h.Close(ctx))

	h, err = b.Open(ctx, "/dir/file.bin", backing.ReadOnly)
	require.NoError(t, err)
	attr, err := h.Stat(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(3300), attr.Size)

	got := make([]byte, len(payload))
	_, err = h.ReadAt(ctx, got, 100)
	require.NoError(t, err)
	assert.Equal(t, payload, got)
	require.NoError(t, h.Close(ctx))

	require.NoError(t, b.Remove(ctx, "/dir/file.bin"))
	keys, err := st.ListByPrefix(ctx, "dir/")
	require.NoError(t, err)
	assert.Empty(t, keys)
}
