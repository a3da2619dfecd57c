package service

import (
	"context"
	"errors"
	"testing"

	"github.com/moru-ai/shadow/internal/adapter/ristretto"
	"github.com/moru-ai/shadow/internal/domain/fsevent"
)

func newTestArchiveService(t *testing.T) (*ArchiveService, *memBlobStore) {
	t.Helper()
	cache, err := ristretto.New(1 << 20)
	if err != nil {
		t.Fatalf("cache: %v", err)
	}
	t.Cleanup(cache.Close)

	blobs := newMemBlobStore()
	return NewArchiveService(blobs, cache, 2, nil, testLogger()), blobs
}

func workspaceSandbox(t *testing.T) *fakeSandbox {
	t.Helper()
	sb := newFakeSandbox(t.TempDir())
	sb.files["/workspace/main.go"] = []byte("package main\n")
	sb.files["/workspace/src/app.go"] = []byte("package src\n")
	sb.files["/workspace/.git/config"] = []byte("[core]\n")
	sb.files["/workspace/node_modules/x/index.js"] = []byte("module.exports = {}\n")
	sb.files["/workspace/.shadow/sessions/sess-1.jsonl"] = []byte("{}\n")
	return sb
}

func TestArchiveSaveRestoreRoundTrip(t *testing.T) {
	ctx := context.Background()
	svc, blobs := newTestArchiveService(t)
	src := workspaceSandbox(t)

	id, err := svc.Save(ctx, "t1", "u1", src, nil, nil)
	if err != nil {
		t.Fatalf("Save: %v", err)
	}
	if !blobs.has(archiveKey(id)) || !blobs.has(manifestKey(id)) {
		t.Fatal("archive or manifest missing from blob store")
	}

	dst := newFakeSandbox(t.TempDir())
	res, err := svc.Restore(ctx, id, dst)
	if err != nil {
		t.Fatalf("Restore: %v", err)
	}
	if res.FileCount != 2 {
		t.Fatalf("restored %d files, want 2 (excludes filtered on save)", res.FileCount)
	}

	got, err := dst.ReadFile(ctx, "/workspace/src/app.go")
	if err != nil {
		t.Fatalf("restored file: %v", err)
	}
	if string(got) != "package src\n" {
		t.Fatalf("restored content = %q", got)
	}

	// Excluded trees never made it into the archive.
	if _, err := dst.ReadFile(ctx, "/workspace/.git/config"); err == nil {
		t.Fatal(".git was restored despite exclusion")
	}
	if _, err := dst.ReadFile(ctx, "/workspace/node_modules/x/index.js"); err == nil {
		t.Fatal("node_modules was restored despite exclusion")
	}
	if _, err := dst.ReadFile(ctx, "/workspace/.shadow/sessions/sess-1.jsonl"); err == nil {
		t.Fatal("session metadata was restored despite exclusion")
	}
}

func TestArchiveCallerExcludes(t *testing.T) {
	ctx := context.Background()
	svc, _ := newTestArchiveService(t)
	src := workspaceSandbox(t)
	src.files["/workspace/big.bin"] = []byte("blob")

	id, err := svc.Save(ctx, "t1", "u1", src, nil, []string{"*.bin"})
	if err != nil {
		t.Fatalf("Save: %v", err)
	}

	dst := newFakeSandbox(t.TempDir())
	res, err := svc.Restore(ctx, id, dst)
	if err != nil {
		t.Fatalf("Restore: %v", err)
	}
	if res.FileCount != 2 {
		t.Fatalf("restored %d files, want 2", res.FileCount)
	}
}

func TestArchiveFileTree(t *testing.T) {
	ctx := context.Background()
	svc, _ := newTestArchiveService(t)

	id, err := svc.Save(ctx, "t1", "u1", workspaceSandbox(t), nil, nil)
	if err != nil {
		t.Fatalf("Save: %v", err)
	}

	tree, err := svc.FileTree(ctx, id)
	if err != nil {
		t.Fatalf("FileTree: %v", err)
	}

	names := map[string]fsevent.NodeType{}
	for _, child := range tree.Children {
		names[child.Name] = child.Type
	}
	if names["main.go"] != fsevent.NodeFile {
		t.Fatalf("tree children = %v, missing main.go", names)
	}
	if names["src"] != fsevent.NodeFolder {
		t.Fatalf("tree children = %v, missing src folder", names)
	}
	if _, ok := names[".git"]; ok {
		t.Fatal(".git appears in archived tree")
	}
}

func TestArchiveFileContent(t *testing.T) {
	ctx := context.Background()
	svc, _ := newTestArchiveService(t)

	id, err := svc.Save(ctx, "t1", "u1", workspaceSandbox(t), nil, nil)
	if err != nil {
		t.Fatalf("Save: %v", err)
	}

	data, err := svc.FileContent(ctx, id, "src/app.go")
	if err != nil {
		t.Fatalf("FileContent: %v", err)
	}
	if string(data) != "package src\n" {
		t.Fatalf("content = %q", data)
	}

	if _, err := svc.FileContent(ctx, id, "no/such/file.go"); err == nil {
		t.Fatal("missing file should error")
	}
}

func TestArchiveDeleteAndMissing(t *testing.T) {
	ctx := context.Background()
	svc, blobs := newTestArchiveService(t)

	id, err := svc.Save(ctx, "t1", "u1", workspaceSandbox(t), nil, nil)
	if err != nil {
		t.Fatalf("Save: %v", err)
	}
	if err := svc.Delete(ctx, id); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if blobs.has(archiveKey(id)) || blobs.has(manifestKey(id)) {
		t.Fatal("Delete left objects behind")
	}

	if _, err := svc.Restore(ctx, "missing", newFakeSandbox(t.TempDir())); !errors.Is(err, ErrArchiveNotFound) {
		t.Fatalf("Restore missing = %v, want ErrArchiveNotFound", err)
	}
}
