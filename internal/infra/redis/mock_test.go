//go:build !integration

package redis

import (
	"context"
	"strconv"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"
)

// fakeRedis is an in-memory RedisClient. Expiry is driven by now.
type fakeRedis struct {
	mu      sync.Mutex
	vals    map[string]string
	expires map[string]time.Time
	now     time.Time
	failGet error
}

var _ RedisClient = (*fakeRedis)(nil)

func newFakeRedis() *fakeRedis {
	return &fakeRedis{
		vals:    map[string]string{},
		expires: map[string]time.Time{},
		now:     time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC),
	}
}

func (f *fakeRedis) advance(d time.Duration) {
	f.mu.Lock()
	f.now = f.now.Add(d)
	f.mu.Unlock()
}

func (f *fakeRedis) live(key string) (string, bool) {
	v, ok := f.vals[key]
	if !ok {
		return "", false
	}
	if exp, has := f.expires[key]; has && !f.now.Before(exp) {
		delete(f.vals, key)
		delete(f.expires, key)
		return "", false
	}
	return v, true
}

func (f *fakeRedis) set(key string, value interface{}, ttl time.Duration) {
	switch v := value.(type) {
	case []byte:
		f.vals[key] = string(v)
	case string:
		f.vals[key] = v
	}
	if ttl > 0 {
		f.expires[key] = f.now.Add(ttl)
	} else {
		delete(f.expires, key)
	}
}

func (f *fakeRedis) Ping(context.Context) error { return nil }

func (f *fakeRedis) Set(_ context.Context, key string, value interface{}, ttl time.Duration) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.set(key, value, ttl)
	return nil
}

func (f *fakeRedis) SetNX(_ context.Context, key string, value interface{}, ttl time.Duration) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.live(key); ok {
		return false, nil
	}
	f.set(key, value, ttl)
	return true, nil
}

func (f *fakeRedis) Get(_ context.Context, key string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failGet != nil {
		return "", f.failGet
	}
	v, ok := f.live(key)
	if !ok {
		return "", redis.Nil
	}
	return v, nil
}

func (f *fakeRedis) Incr(_ context.Context, key string) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	v, _ := f.live(key)
	n, _ := strconv.ParseInt(v, 10, 64)
	n++
	f.vals[key] = strconv.FormatInt(n, 10)
	return n, nil
}

func (f *fakeRedis) Expire(_ context.Context, key string, ttl time.Duration) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.expires[key] = f.now.Add(ttl)
	return nil
}

func (f *fakeRedis) Del(_ context.Context, keys ...string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, k := range keys {
		delete(f.vals, k)
		delete(f.expires, k)
	}
	return nil
}

// RunScript emulates the package's Lua scripts.
func (f *fakeRedis) RunScript(_ context.Context, script *redis.Script, keys []string, args ...interface{}) (interface{}, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	cur, ok := f.live(keys[0])
	if !ok || cur != args[0].(string) {
		return int64(0), nil
	}
	switch script {
	case luaUnlock:
		delete(f.vals, keys[0])
		delete(f.expires, keys[0])
	case luaConfirm:
		f.set(keys[0], args[1], time.Duration(args[2].(int64))*time.Millisecond)
	}
	return int64(1), nil
}

func (f *fakeRedis) Close() error { return nil }
