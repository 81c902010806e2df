package identity

import (
	"context"
	"strings"
	"sync"
	"testing"
)

func TestOwnerIDsUnique(t *testing.T) {
	const n = 1000
	var (
		mu   sync.Mutex
		seen = make(map[string]struct{}, n)
		wg   sync.WaitGroup
	)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			id := NewOwnerID()
			mu.Lock()
			seen[id] = struct{}{}
			mu.Unlock()
		}()
	}
	wg.Wait()

	if len(seen) != n {
		t.Fatalf("owner ids collided: %d unique of %d", len(seen), n)
	}
	for id := range seen {
		if !strings.HasPrefix(id, ProcessID()+"-") {
			t.Fatalf("owner id %q lacks process prefix", id)
		}
	}
}

func TestUserContext(t *testing.T) {
	ctx := context.Background()
	if _, ok := UserFrom(ctx); ok {
		t.Fatalf("empty context must carry no user")
	}
	ctx = WithUser(ctx, 1010)
	if id, ok := UserFrom(ctx); !ok || id != 1010 {
		t.Fatalf("UserFrom: got %d ok=%v", id, ok)
	}
}
