package catalog

import (
	"context"
	"path/filepath"
	"testing"
)

func TestOpenSelectsBackend(t *testing.T) {
	ctx := context.Background()
	mem, err := Open(ctx, Config{Driver: "memory"})
	if err != nil {
		t.Fatalf("memory: %v", err)
	}
	_ = mem.Close()

	t.Setenv("RNASTATE_STORAGE_DRIVER", "")
	t.Setenv("RNASTATE_SQLITE_PATH", filepath.Join(t.TempDir(), "catalog.db"))
	cfg := ConfigFromEnv()
	lite, err := Open(ctx, cfg)
	if err != nil {
		t.Skipf("sqlite unavailable: %v", err)
	}
	_ = lite.Close()

	if _, err := Open(ctx, Config{Driver: "mongo"}); err == nil {
		t.Fatalf("expected unknown driver error")
	}
}
