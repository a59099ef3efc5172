package lock_test

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/testcontainers/testcontainers-go"
	tcRedis "github.com/testcontainers/testcontainers-go/modules/redis"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/dylanmeyford/radiant-ai-crm-oss-sub003/internal/lock"
	"github.com/dylanmeyford/radiant-ai-crm-oss-sub003/internal/retry"
)

func TestAcquireFailsWhenRedisUnreachable(t *testing.T) {
	rdb := redis.NewClient(&redis.Options{Addr: "127.0.0.1:1", DialTimeout: 50 * time.Millisecond, MaxRetries: -1})
	defer rdb.Close()

	l := lock.New(rdb, retry.NoDelay(3), nil)
	release, err := l.Acquire(context.Background(), "dealflow:opportunity:opp-1", time.Second)
	if err == nil {
		t.Fatalf("expected connection error")
	}
	if errors.Is(err, lock.ErrLocked) {
		t.Fatalf("transport errors must not look like contention: %v", err)
	}
	if release != nil {
		t.Fatalf("no release func on failure")
	}
}

func TestRedisLockerExcludesAndReleases(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}
	ctx := context.Background()

	redisC, err := tcRedis.RunContainer(ctx, testcontainers.WithWaitStrategy(wait.ForListeningPort("6379/tcp")))
	if err != nil {
		t.Fatalf("redis container: %v", err)
	}
	defer func() { _ = redisC.Terminate(ctx) }()

	host, err := redisC.Host(ctx)
	if err != nil {
		t.Fatalf("redis host: %v", err)
	}
	port, err := redisC.MappedPort(ctx, "6379")
	if err != nil {
		t.Fatalf("redis port: %v", err)
	}
	rdb := redis.NewClient(&redis.Options{Addr: fmt.Sprintf("%s:%s", host, port.Port())})
	defer func() { _ = rdb.Close() }()

	key := "dealflow:opportunity:opp-1"
	first := lock.New(rdb, retry.NoDelay(1), nil)
	second := lock.New(rdb, retry.Fixed(3, 10*time.Millisecond), nil)

	release, err := first.Acquire(ctx, key, time.Minute)
	if err != nil {
		t.Fatalf("first acquire: %v", err)
	}
	if _, err := second.Acquire(ctx, key, time.Minute); !errors.Is(err, lock.ErrLocked) {
		t.Fatalf("expected ErrLocked, got %v", err)
	}

	release()
	release2, err := second.Acquire(ctx, key, time.Minute)
	if err != nil {
		t.Fatalf("acquire after release: %v", err)
	}

	// A stale release from the first holder must not drop the new lock.
	release()
	if n, _ := rdb.Exists(ctx, key).Result(); n != 1 {
		t.Fatalf("stale release removed the active lock")
	}
	release2()
	if n, _ := rdb.Exists(ctx, key).Result(); n != 0 {
		t.Fatalf("expected key to be gone")
	}
}
