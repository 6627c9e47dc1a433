package mds

import (
	"context"
	stderrors "errors"
	"testing"

	"github.com/motech/platform/internal/shared/errors"
)

func TestMemoryStore_ReadThenWriteConflicts(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()

	seed, _ := store.Begin(ctx)
	_ = seed.Put(ctx, "Book", &Instance{ID: "b", Values: map[string]any{"authors": []string{}}})
	if err := seed.Commit(ctx); err != nil {
		t.Fatalf("seed commit failed: %v", err)
	}

	first, _ := store.Begin(ctx)
	second, _ := store.Begin(ctx)
	for _, tx := range []Tx{first, second} {
		inst, err := tx.Get(ctx, "Book", "b")
		if err != nil || inst == nil {
			t.Fatalf("Expected book, got %v, %v", inst, err)
		}
		_ = tx.Put(ctx, "Book", inst)
	}

	if err := first.Commit(ctx); err != nil {
		t.Fatalf("Expected first commit to succeed, got %v", err)
	}
	err := second.Commit(ctx)
	if !stderrors.Is(err, ErrConcurrentUpdate) {
		t.Fatalf("Expected ErrConcurrentUpdate, got %v", err)
	}
	if errors.From(err).HTTPStatus != 409 {
		t.Errorf("Expected status 409, got %d", errors.From(err).HTTPStatus)
	}
}

func TestMemoryStore_BlindWritesDoNotConflict(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()

	first, _ := store.Begin(ctx)
	second, _ := store.Begin(ctx)
	_ = first.Put(ctx, "Book", &Instance{ID: "b1"})
	_ = second.Put(ctx, "Book", &Instance{ID: "b2"})

	if err := first.Commit(ctx); err != nil {
		t.Fatalf("first commit: %v", err)
	}
	if err := second.Commit(ctx); err != nil {
		t.Errorf("Expected unrelated writes to commit, got %v", err)
	}
}
