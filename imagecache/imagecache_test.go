package imagecache

import (
	"sync"
	"testing"
)

func TestGetByBuildIDMiss(t *testing.T) {
	c := New(0)
	if _, ok := c.GetByBuildID([]byte{0x01, 0x02}); ok {
		t.Error("expected a miss on an empty cache")
	}
}

func TestGetSingleFlightsConcurrentCallers(t *testing.T) {
	c := New(0)
	const n = 16
	var wg sync.WaitGroup
	errs := make([]error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := c.Get("/nonexistent/path/for/pstack/imagecache/test")
			errs[i] = err
		}(i)
	}
	wg.Wait()

	for i, err := range errs {
		if err == nil {
			t.Fatalf("caller %d: expected an error opening a nonexistent path", i)
		}
	}
	if len(c.byPath) != 1 {
		t.Errorf("got %d cache entries, want 1 (single-flighted by canonical path)", len(c.byPath))
	}
}

func TestGetCachesByCanonicalPath(t *testing.T) {
	c := New(0)
	_, err1 := c.Get("./relative/nonexistent")
	_, err2 := c.Get("./relative/nonexistent")
	if err1 == nil || err2 == nil {
		t.Fatal("expected both calls to fail opening a nonexistent relative path")
	}
	if len(c.byPath) != 1 {
		t.Errorf("got %d cache entries, want 1 (two calls to the same relative path canonicalize identically)", len(c.byPath))
	}
}
