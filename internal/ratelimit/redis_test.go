//go:build integration

package ratelimit

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

func startRedis(t *testing.T) *redis.Client {
	t.Helper()
	ctx := context.Background()

	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: testcontainers.ContainerRequest{
			Image:        "redis:7-alpine",
			ExposedPorts: []string{"6379/tcp"},
			WaitingFor:   wait.ForLog("Ready to accept connections").WithStartupTimeout(60 * time.Second),
		},
		Started: true,
	})
	if err != nil {
		t.Fatalf("failed to start redis container: %v", err)
	}
	t.Cleanup(func() { _ = container.Terminate(ctx) })

	host, err := container.Host(ctx)
	if err != nil {
		t.Fatalf("failed to get container host: %v", err)
	}
	port, err := container.MappedPort(ctx, "6379")
	if err != nil {
		t.Fatalf("failed to get container port: %v", err)
	}

	client := redis.NewClient(&redis.Options{Addr: fmt.Sprintf("%s:%s", host, port.Port())})
	t.Cleanup(func() { _ = client.Close() })
	return client
}

func TestAccountLimiter_Redis(t *testing.T) {
	client := startRedis(t)
	ctx := context.Background()

	l := NewAccountLimiter(client, Config{PerAccount: 2, Window: time.Minute})
	fixed := time.Now()
	l.now = func() time.Time { return fixed }

	for i, want := range []bool{true, true, false, false} {
		ok, err := l.Allow(ctx, 1)
		if err != nil {
			t.Fatalf("Allow #%d: %v", i, err)
		}
		if ok != want {
			t.Errorf("Allow #%d = %v, want %v", i, ok, want)
		}
	}

	// Other accounts have their own budget.
	if ok, err := l.Allow(ctx, 2); err != nil || !ok {
		t.Errorf("expected account 2 to be allowed, got %v, %v", ok, err)
	}

	// The next window starts fresh.
	l.now = func() time.Time { return fixed.Add(time.Minute) }
	if ok, err := l.Allow(ctx, 1); err != nil || !ok {
		t.Errorf("expected a fresh window to allow, got %v, %v", ok, err)
	}

	ttl, err := client.TTL(ctx, l.key(1)).Result()
	if err != nil {
		t.Fatalf("TTL: %v", err)
	}
	if ttl <= 0 || ttl > 2*time.Minute {
		t.Errorf("expected counter to expire within two windows, got %v", ttl)
	}
}
