//go:build integration

package store

import (
	"context"
	"testing"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/dm4ml/motion/errors"
)

// startNATS runs a JetStream-enabled NATS server in a container and returns
// a JetStream context bound to it.
func startNATS(t *testing.T) jetstream.JetStream {
	t.Helper()
	ctx := context.Background()

	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: testcontainers.ContainerRequest{
			Image:        "nats:2.11.7-alpine",
			ExposedPorts: []string{"4222/tcp", "8222/tcp"},
			Cmd:          []string{"--port", "4222", "--http_port", "8222", "--js"},
			WaitingFor: wait.ForAll(
				wait.ForListeningPort("4222/tcp"),
				wait.ForHTTP("/").WithPort("8222/tcp").WithStartupTimeout(30*time.Second),
			),
		},
		Started: true,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = container.Terminate(context.Background()) })

	host, err := container.Host(ctx)
	require.NoError(t, err)
	port, err := container.MappedPort(ctx, "4222")
	require.NoError(t, err)

	conn, err := nats.Connect("nats://" + host + ":" + port.Port())
	require.NoError(t, err)
	t.Cleanup(conn.Close)

	js, err := jetstream.New(conn)
	require.NoError(t, err)
	return js
}

func TestNATSConformance(t *testing.T) {
	js := startNATS(t)
	ctx := context.Background()

	s, err := NewNATS(ctx, js, WithBucketPrefix("conformance"))
	require.NoError(t, err)
	defer s.Close(ctx)

	testStoreConformance(t, s)
}

func TestNATSLockLeaseExpiry(t *testing.T) {
	js := startNATS(t)
	ctx := context.Background()

	s, err := NewNATS(ctx, js, WithBucketPrefix("lease"), WithLockLease(time.Second))
	require.NoError(t, err)
	defer s.Close(ctx)

	id := InstanceID("Counter", "lease")
	lock, err := s.AcquireLock(ctx, id, time.Second)
	require.NoError(t, err)

	// A second store sharing the buckets cannot take the lock while the
	// first holder keeps renewing.
	other, err := NewNATS(ctx, js, WithBucketPrefix("lease"), WithLockLease(time.Second))
	require.NoError(t, err)
	defer other.Close(ctx)

	_, err = other.AcquireLock(ctx, id, 1500*time.Millisecond)
	assert.ErrorIs(t, err, errors.ErrLockHeld)

	require.NoError(t, lock.Release(ctx))

	reacquired, err := other.AcquireLock(ctx, id, time.Second)
	require.NoError(t, err)
	require.NoError(t, reacquired.Release(ctx))
}

func TestNATSStateSurvivesReconnect(t *testing.T) {
	js := startNATS(t)
	ctx := context.Background()

	first, err := NewNATS(ctx, js, WithBucketPrefix("durable"))
	require.NoError(t, err)

	id := InstanceID("ZScore", "user-1")
	version, err := first.SaveState(ctx, id, 0, map[string]any{"mean": 2.5, "count": float64(4)})
	require.NoError(t, err)
	require.NoError(t, first.Close(ctx))

	// A fresh store bound to the same buckets sees the persisted state.
	second, err := NewNATS(ctx, js, WithBucketPrefix("durable"))
	require.NoError(t, err)
	defer second.Close(ctx)

	state, loadedVersion, err := second.LoadState(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, version, loadedVersion)
	assert.Equal(t, 2.5, state["mean"])
}
