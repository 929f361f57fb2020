package contextcache

import (
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
)

func newTestRedis(t *testing.T) (*Redis, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	r, err := NewRedis(t.Context(), RedisConfig{Addr: mr.Addr(), Prefix: "hearth:"})
	if err != nil {
		t.Fatalf("NewRedis: %v", err)
	}
	t.Cleanup(func() { r.Close() })
	return r, mr
}

func TestRedis_Miss(t *testing.T) {
	r, _ := newTestRedis(t)
	if _, ok, err := r.Get(t.Context(), "full"); ok || err != nil {
		t.Errorf("Get on empty = %v, %v; want miss without error", ok, err)
	}
}

func TestRedis_RoundTrip(t *testing.T) {
	r, mr := newTestRedis(t)
	fetched := time.Date(2026, 3, 1, 12, 0, 0, 123456789, time.UTC)

	if err := r.Set(t.Context(), "full", Entry{Value: "## Devices", FetchedAt: fetched}, 0); err != nil {
		t.Fatal(err)
	}
	if !mr.Exists("hearth:full") {
		t.Fatal("key not stored under prefix")
	}
	if ttl := mr.TTL("hearth:full"); ttl != 0 {
		t.Errorf("unretained key has TTL %v", ttl)
	}

	e, ok, err := r.Get(t.Context(), "full")
	if err != nil || !ok {
		t.Fatalf("Get = %v, %v", ok, err)
	}
	if e.Value != "## Devices" || !e.FetchedAt.Equal(fetched) {
		t.Errorf("entry = %+v", e)
	}

	if err := r.Delete(t.Context(), "full"); err != nil {
		t.Fatal(err)
	}
	if _, ok, _ := r.Get(t.Context(), "full"); ok {
		t.Error("entry survived Delete")
	}
}

func TestRedis_RetentionExpires(t *testing.T) {
	r, mr := newTestRedis(t)

	if err := r.Set(t.Context(), "relevant:pool", Entry{Value: "x", FetchedAt: time.Now()}, 50*time.Second); err != nil {
		t.Fatal(err)
	}
	if ttl := mr.TTL("hearth:relevant:pool"); ttl != 50*time.Second {
		t.Errorf("TTL = %v, want 50s", ttl)
	}
	mr.FastForward(time.Minute)
	if _, ok, _ := r.Get(t.Context(), "relevant:pool"); ok {
		t.Error("entry outlived its retention")
	}
}

func TestRedis_CorruptEntry(t *testing.T) {
	r, mr := newTestRedis(t)
	mr.Set("hearth:full", "not json")
	if _, _, err := r.Get(t.Context(), "full"); err == nil {
		t.Error("expected decode error")
	}
}

func TestRedis_PurgeStaysInPrefix(t *testing.T) {
	r, mr := newTestRedis(t)
	for _, k := range []string{"states", "full", "relevant:pool pump"} {
		if err := r.Set(t.Context(), k, Entry{Value: k}, 0); err != nil {
			t.Fatal(err)
		}
	}
	mr.Set("other:states", "keep")

	if err := r.Purge(t.Context()); err != nil {
		t.Fatal(err)
	}
	if keys := mr.Keys(); len(keys) != 1 || keys[0] != "other:states" {
		t.Errorf("keys after purge = %v", keys)
	}
	if err := r.Ping(t.Context()); err != nil {
		t.Errorf("Ping: %v", err)
	}
}
