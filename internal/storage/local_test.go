package storage

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"testing"
)

func TestLocalStorage_PutGet(t *testing.T) {
	storage, err := NewLocalStorage(t.TempDir())
	if err != nil {
		t.Fatalf("failed to create local storage: %v", err)
	}

	ctx := context.Background()
	content := []byte("hello world")

	objectPath := "jobs/abc/chunk-000000"
	if err := storage.Put(ctx, objectPath, content); err != nil {
		t.Fatalf("Put failed: %v", err)
	}

	exists, err := storage.Exists(ctx, objectPath)
	if err != nil {
		t.Fatalf("Exists failed: %v", err)
	}
	if !exists {
		t.Error("expected object to exist")
	}

	got, err := storage.Get(ctx, objectPath)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if string(got) != string(content) {
		t.Errorf("content mismatch: got %q, want %q", got, content)
	}

	if err := storage.Delete(ctx, objectPath); err != nil {
		t.Fatalf("Delete failed: %v", err)
	}

	exists, err = storage.Exists(ctx, objectPath)
	if err != nil {
		t.Fatalf("Exists failed: %v", err)
	}
	if exists {
		t.Error("expected object to not exist after delete")
	}
}

func TestLocalStorage_PutOverwrites(t *testing.T) {
	storage, err := NewLocalStorage(t.TempDir())
	if err != nil {
		t.Fatalf("failed to create local storage: %v", err)
	}

	ctx := context.Background()
	if err := storage.Put(ctx, "obj", []byte("first")); err != nil {
		t.Fatalf("Put failed: %v", err)
	}
	if err := storage.Put(ctx, "obj", []byte("second")); err != nil {
		t.Fatalf("Put failed: %v", err)
	}

	got, err := storage.Get(ctx, "obj")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if string(got) != "second" {
		t.Errorf("got %q, want %q", got, "second")
	}
}

func TestLocalStorage_GetNotFound(t *testing.T) {
	storage, err := NewLocalStorage(t.TempDir())
	if err != nil {
		t.Fatalf("failed to create local storage: %v", err)
	}

	_, err = storage.Get(context.Background(), "nonexistent")
	if !errors.Is(err, ErrObjectNotFound) {
		t.Errorf("expected ErrObjectNotFound, got %v", err)
	}
}

func TestLocalStorage_DeleteMissingIsNoop(t *testing.T) {
	storage, err := NewLocalStorage(t.TempDir())
	if err != nil {
		t.Fatalf("failed to create local storage: %v", err)
	}

	if err := storage.Delete(context.Background(), "nonexistent"); err != nil {
		t.Errorf("Delete of missing object should succeed, got %v", err)
	}
}

func TestLocalStorage_ListObjects(t *testing.T) {
	baseDir := t.TempDir()
	storage, err := NewLocalStorage(baseDir)
	if err != nil {
		t.Fatalf("failed to create local storage: %v", err)
	}

	ctx := context.Background()
	objects := []string{"jobs/a/chunk-000001", "jobs/a/chunk-000000", "jobs/b/chunk-000000"}
	for _, obj := range objects {
		if err := storage.Put(ctx, obj, []byte("x")); err != nil {
			t.Fatalf("Put failed: %v", err)
		}
	}

	// Leftover temp files from an interrupted Put are not objects.
	if err := os.WriteFile(filepath.Join(baseDir, "jobs", "a", ".put-123"), []byte("x"), 0644); err != nil {
		t.Fatalf("failed to write temp file: %v", err)
	}

	list, err := storage.ListObjects(ctx, "jobs/a")
	if err != nil {
		t.Fatalf("ListObjects failed: %v", err)
	}
	want := []string{"jobs/a/chunk-000000", "jobs/a/chunk-000001"}
	if len(list) != len(want) {
		t.Fatalf("expected %d objects, got %v", len(want), list)
	}
	for i := range want {
		if list[i] != want[i] {
			t.Errorf("list[%d] = %q, want %q", i, list[i], want[i])
		}
	}

	empty, err := storage.ListObjects(ctx, "missing")
	if err != nil {
		t.Fatalf("ListObjects on missing prefix failed: %v", err)
	}
	if len(empty) != 0 {
		t.Errorf("expected empty list, got %v", empty)
	}
}

func TestDeletePrefix(t *testing.T) {
	storage, err := NewLocalStorage(t.TempDir())
	if err != nil {
		t.Fatalf("failed to create local storage: %v", err)
	}

	ctx := context.Background()
	for i := 0; i < 3; i++ {
		if err := storage.Put(ctx, fmt.Sprintf("jobs/x/chunk-%06d", i), []byte("x")); err != nil {
			t.Fatalf("Put failed: %v", err)
		}
	}
	if err := storage.Put(ctx, "jobs/y/chunk-000000", []byte("y")); err != nil {
		t.Fatalf("Put failed: %v", err)
	}

	if err := DeletePrefix(ctx, storage, "jobs/x"); err != nil {
		t.Fatalf("DeletePrefix failed: %v", err)
	}

	left, err := storage.ListObjects(ctx, "jobs")
	if err != nil {
		t.Fatalf("ListObjects failed: %v", err)
	}
	if len(left) != 1 || left[0] != "jobs/y/chunk-000000" {
		t.Errorf("unexpected objects after DeletePrefix: %v", left)
	}
}
