package registry

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/coalesce-ai/coalesce/pkg/models"
)

func newTestRegistry(t *testing.T) *SQLiteRegistry {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "registry_test.db")
	r, err := New(dbPath)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = r.Close() })
	return r
}

func TestRegisterAndResolve(t *testing.T) {
	r := newTestRegistry(t)
	ctx := context.Background()

	cfg := models.ModelConfig{
		Name:        "text-embed-small",
		Endpoint:    "https://api.example.com/v1/embeddings",
		Headers:     map[string]string{"Authorization": "Bearer sk-test"},
		DefaultArgs: map[string]any{"dimensions": float64(512)},
	}
	if err := r.Register(ctx, cfg); err != nil {
		t.Fatal(err)
	}

	got, err := r.Resolve(ctx, "text-embed-small")
	if err != nil {
		t.Fatal(err)
	}
	if got.Endpoint != cfg.Endpoint {
		t.Errorf("endpoint: got %s, want %s", got.Endpoint, cfg.Endpoint)
	}
	if got.Method != "POST" {
		t.Errorf("expected default method POST, got %s", got.Method)
	}
	if got.ContentType != "application/json" {
		t.Errorf("expected default content type, got %s", got.ContentType)
	}
	if got.Headers["Authorization"] != "Bearer sk-test" {
		t.Errorf("headers not round-tripped: %v", got.Headers)
	}
	if got.DefaultArgs["dimensions"] != float64(512) {
		t.Errorf("default args not round-tripped: %v", got.DefaultArgs)
	}
}

func TestResolveNotFound(t *testing.T) {
	r := newTestRegistry(t)

	_, err := r.Resolve(context.Background(), "missing-model")
	if !errors.Is(err, ErrModelNotFound) {
		t.Errorf("expected ErrModelNotFound, got %v", err)
	}
}

func TestRegisterUpsert(t *testing.T) {
	r := newTestRegistry(t)
	ctx := context.Background()

	first := models.ModelConfig{Name: "gen", Endpoint: "https://a.example.com"}
	second := models.ModelConfig{Name: "gen", Endpoint: "https://b.example.com"}
	if err := r.Register(ctx, first); err != nil {
		t.Fatal(err)
	}
	if err := r.Register(ctx, second); err != nil {
		t.Fatal(err)
	}

	got, err := r.Resolve(ctx, "gen")
	if err != nil {
		t.Fatal(err)
	}
	if got.Endpoint != "https://b.example.com" {
		t.Errorf("expected second endpoint, got %s", got.Endpoint)
	}

	list, err := r.List(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(list) != 1 {
		t.Errorf("expected 1 model after upsert, got %d", len(list))
	}
}

func TestRegisterRequiresNameAndEndpoint(t *testing.T) {
	r := newTestRegistry(t)
	ctx := context.Background()

	if err := r.Register(ctx, models.ModelConfig{Endpoint: "https://x"}); err == nil {
		t.Error("expected error for missing name")
	}
	if err := r.Register(ctx, models.ModelConfig{Name: "x"}); err == nil {
		t.Error("expected error for missing endpoint")
	}
}

func TestDelete(t *testing.T) {
	r := newTestRegistry(t)
	ctx := context.Background()

	if err := r.Register(ctx, models.ModelConfig{Name: "tmp", Endpoint: "https://x"}); err != nil {
		t.Fatal(err)
	}
	if err := r.Delete(ctx, "tmp"); err != nil {
		t.Fatal(err)
	}
	if err := r.Delete(ctx, "tmp"); !errors.Is(err, ErrModelNotFound) {
		t.Errorf("expected ErrModelNotFound on second delete, got %v", err)
	}
}
