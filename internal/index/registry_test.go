package index

import (
	"context"
	"errors"
	"sync"
	"testing"
)

func TestRegistry_GetReturnsSameStore(t *testing.T) {
	registry := NewRegistry(testConfig(t))
	ctx := context.Background()

	a, err := registry.Get(ctx, "acme")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	b, err := registry.Get(ctx, "acme")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if a != b {
		t.Error("two Gets for the same tenant returned different stores")
	}

	other, err := registry.Get(ctx, "globex")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if other == a {
		t.Error("different tenants share a store")
	}
}

func TestRegistry_ConcurrentGetSingleStore(t *testing.T) {
	registry := NewRegistry(testConfig(t))
	ctx := context.Background()

	const goroutines = 16
	stores := make([]*Store, goroutines)

	var wg sync.WaitGroup
	for i := 0; i < goroutines; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			store, err := registry.Get(ctx, "acme")
			if err != nil {
				t.Errorf("Get: %v", err)
				return
			}
			stores[i] = store
		}(i)
	}
	wg.Wait()

	for i := 1; i < goroutines; i++ {
		if stores[i] != stores[0] {
			t.Fatal("concurrent Gets constructed more than one store")
		}
	}
}

func TestRegistry_GetPropagatesInvalidTenant(t *testing.T) {
	registry := NewRegistry(testConfig(t))

	if _, err := registry.Get(context.Background(), "bad tenant"); !errors.Is(err, ErrInvalidTenant) {
		t.Errorf("expected ErrInvalidTenant, got %v", err)
	}
}

func TestRegistry_EvictForcesReload(t *testing.T) {
	registry := NewRegistry(testConfig(t))
	ctx := context.Background()

	a, err := registry.Get(ctx, "acme")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}

	registry.Evict("acme")

	b, err := registry.Get(ctx, "acme")
	if err != nil {
		t.Fatalf("Get after evict: %v", err)
	}
	if a == b {
		t.Error("Evict did not drop the cached store")
	}
}
