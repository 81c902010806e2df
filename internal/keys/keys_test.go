package keys

import (
	"testing"
	"time"
)

func TestLayout(t *testing.T) {
	day := time.Date(2024, time.March, 7, 23, 59, 0, 0, time.UTC)

	cases := []struct{ got, want string }{
		{Cache("shop", "1"), "cache:shop:1"},
		{CacheLock("shop", "1"), "cache:shop:1"},
		{OrderLock(77), "order:77"},
		{Stock(9), "seckill:stock:9"},
		{OrderSet(9), "seckill:order:9"},
		{Sequence("order", day), "icr:order:2024:03:07"},
	}
	for _, tc := range cases {
		if tc.got != tc.want {
			t.Fatalf("key mismatch: got %q want %q", tc.got, tc.want)
		}
	}
}
