package redis

import (
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/ggoodman/installsession-go/rendezvous/rendezvoustest"
	goredis "github.com/redis/go-redis/v9"
)

func TestRedisHost(t *testing.T) {
	rendezvoustest.RunHostTests(t, func(t *testing.T) rendezvoustest.Harness {
		mr := miniredis.RunT(t)
		cl := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
		t.Cleanup(func() { _ = cl.Close() })
		return rendezvoustest.Harness{
			Host:   NewFromClient(cl, Config{KeyPrefix: "test:"}),
			Expire: mr.FastForward,
		}
	})
}

func TestRedisHostFromEnv(t *testing.T) {
	mr := miniredis.RunT(t)
	t.Setenv("REDIS_ADDR", mr.Addr())
	t.Setenv("INSTALLSESSION_KEY_PREFIX", "env:")

	h, err := NewFromEnv()
	if err != nil {
		t.Fatalf("NewFromEnv: %v", err)
	}
	defer h.Close()

	if _, err := h.BeginAwait(t.Context(), "s", "c", time.Minute); err != nil {
		t.Fatalf("begin await: %v", err)
	}
	if !mr.Exists("env:await:s:c") {
		t.Fatal("expected await marker under configured prefix")
	}
}
