package redis

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/angelmondragon/keymart-backend/pkg/config"
)

func TestSetNXGetDel(t *testing.T) {
	ctx := context.Background()
	mock := newMockCmdable()
	client := &Client{store: mock}

	ok, err := client.SetNX(ctx, "km:lock:a", "owner-1", time.Second)
	if err != nil || !ok {
		t.Fatalf("expected first SetNX to win, ok=%v err=%v", ok, err)
	}
	ok, err = client.SetNX(ctx, "km:lock:a", "owner-2", time.Second)
	if err != nil || ok {
		t.Fatalf("expected second SetNX to lose, ok=%v err=%v", ok, err)
	}
	if got, _ := client.Get(ctx, "km:lock:a"); got != "owner-1" {
		t.Fatalf("expected owner-1, got %q", got)
	}
	if err := client.Del(ctx, "km:lock:a"); err != nil {
		t.Fatalf("del: %v", err)
	}
	if _, err := client.Get(ctx, "km:lock:a"); !errors.Is(err, redis.Nil) {
		t.Fatalf("expected redis.Nil after delete, got %v", err)
	}
}

func TestSetOverwrites(t *testing.T) {
	ctx := context.Background()
	client := &Client{store: newMockCmdable()}

	if ok, err := client.SetNX(ctx, "km:idem:k", "pending", time.Minute); err != nil || !ok {
		t.Fatalf("setnx: ok=%v err=%v", ok, err)
	}
	if err := client.Set(ctx, "km:idem:k", "final", time.Hour); err != nil {
		t.Fatalf("set: %v", err)
	}
	if got, _ := client.Get(ctx, "km:idem:k"); got != "final" {
		t.Fatalf("expected overwrite, got %q", got)
	}
}

func TestEvalTreatsNilReplyAsEmpty(t *testing.T) {
	mock := newMockCmdable()
	mock.evalResult = redis.NewCmdResult(nil, redis.Nil)
	client := &Client{store: mock}

	res, err := client.Eval(context.Background(), "return nil", []string{"k"})
	if err != nil || res != nil {
		t.Fatalf("expected nil result without error, got %v %v", res, err)
	}
	if mock.evalKeys[0] != "k" {
		t.Fatalf("expected keys to be forwarded")
	}
}

func TestUninitializedClient(t *testing.T) {
	client := &Client{}
	if _, err := client.SetNX(context.Background(), "k", "v", 0); err == nil {
		t.Fatalf("expected error on uninitialized client")
	}
	if err := client.Set(context.Background(), "k", "v", 0); err == nil {
		t.Fatalf("expected error on uninitialized set")
	}
	if err := client.Close(); err != nil {
		t.Fatalf("close should be a no-op: %v", err)
	}
	var nilClient *Client
	if err := nilClient.Ping(context.Background()); err == nil {
		t.Fatalf("expected error on nil client")
	}
}

func TestKey(t *testing.T) {
	client := &Client{}
	if got := client.Key("lock", "wallet:user:1"); got != "km:lock:wallet:user:1" {
		t.Fatalf("unexpected key %s", got)
	}
	if got := client.Key("lock", "", " x "); got != "km:lock:x" {
		t.Fatalf("empty parts should be skipped, got %s", got)
	}
}

func TestOptionsFromConfig(t *testing.T) {
	if _, err := optionsFromConfig(config.RedisConfig{}); err == nil {
		t.Fatalf("expected error without url or address")
	}
	opts, err := optionsFromConfig(config.RedisConfig{URL: "redis://localhost:6380/2", PoolSize: 7, DialTimeout: time.Second})
	if err != nil {
		t.Fatalf("options: %v", err)
	}
	if opts.Addr != "localhost:6380" || opts.DB != 2 || opts.PoolSize != 7 || opts.DialTimeout != time.Second {
		t.Fatalf("unexpected options %+v", opts)
	}
}

type mockCmdable struct {
	data       map[string]string
	evalResult *redis.Cmd
	evalKeys   []string
}

func newMockCmdable() *mockCmdable {
	return &mockCmdable{data: make(map[string]string)}
}

func (m *mockCmdable) Ping(context.Context) *redis.StatusCmd {
	return redis.NewStatusResult("PONG", nil)
}

func (m *mockCmdable) Get(_ context.Context, key string) *redis.StringCmd {
	v, ok := m.data[key]
	if !ok {
		return redis.NewStringResult("", redis.Nil)
	}
	return redis.NewStringResult(v, nil)
}

func (m *mockCmdable) Set(_ context.Context, key string, value any, _ time.Duration) *redis.StatusCmd {
	m.data[key] = fmt.Sprint(value)
	return redis.NewStatusResult("OK", nil)
}

func (m *mockCmdable) SetNX(_ context.Context, key string, value any, _ time.Duration) *redis.BoolCmd {
	if _, exists := m.data[key]; exists {
		return redis.NewBoolResult(false, nil)
	}
	m.data[key] = fmt.Sprint(value)
	return redis.NewBoolResult(true, nil)
}

func (m *mockCmdable) Del(_ context.Context, keys ...string) *redis.IntCmd {
	for _, key := range keys {
		delete(m.data, key)
	}
	return redis.NewIntResult(int64(len(keys)), nil)
}

func (m *mockCmdable) Eval(_ context.Context, _ string, keys []string, _ ...any) *redis.Cmd {
	m.evalKeys = keys
	if m.evalResult != nil {
		return m.evalResult
	}
	return redis.NewCmdResult(int64(1), nil)
}
