package service

import (
	"archive/tar"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"path"
	"strings"
	"time"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/google/uuid"
	"github.com/klauspost/compress/zstd"
	"golang.org/x/sync/semaphore"

	"github.com/moru-ai/shadow/internal/adapter/otel"
	"github.com/moru-ai/shadow/internal/adapter/ristretto"
	"github.com/moru-ai/shadow/internal/domain/fsevent"
	"github.com/moru-ai/shadow/internal/port/blobstore"
	"github.com/moru-ai/shadow/internal/port/sandbox"
)

// ErrArchiveNotFound is returned when an archive id has no stored objects.
var ErrArchiveNotFound = errors.New("archive not found")

// defaultExcludes are glob patterns never included in a workspace
// archive: dependency, build, and VCS trees, plus the orchestrator's own
// session metadata.
var defaultExcludes = []string{
	".git/**",
	".shadow/**",
	"node_modules/**",
	"__pycache__/**",
	".venv/**",
	"venv/**",
	"vendor/**",
	"dist/**",
	"build/**",
	"target/**",
	"*.pyc",
}

// Manifest describes one stored archive. Its tree field is shaped for a
// file browser, so no caller needs to re-read the archive to render it.
type Manifest struct {
	ArchiveID string        `json:"archiveId"`
	TaskID    string        `json:"taskId"`
	UserID    string        `json:"userId"`
	Paths     []string      `json:"paths"`
	SizeBytes int64         `json:"sizeBytes"`
	FileCount int           `json:"fileCount"`
	CreatedAt time.Time     `json:"createdAt"`
	Tree      *fsevent.Node `json:"tree"`
}

// RestoreResult reports what a restore extracted.
type RestoreResult struct {
	FileCount int   `json:"file_count"`
	SizeBytes int64 `json:"size_bytes"`
}

// ArchiveService saves and restores workspace snapshots as tar+zstd
// archives in blob storage, with a JSON manifest alongside. All
// operations are best-effort from the session lifecycle's perspective:
// callers log failures and move on.
type ArchiveService struct {
	blobs   blobstore.Store
	cache   *ristretto.Cache
	sem     *semaphore.Weighted
	metrics *otel.Metrics // optional
	log     *slog.Logger
}

// NewArchiveService creates an ArchiveService. maxConcurrent bounds
// simultaneous save/restore operations across all tasks. metrics may be
// nil.
func NewArchiveService(blobs blobstore.Store, cache *ristretto.Cache, maxConcurrent int, metrics *otel.Metrics, log *slog.Logger) *ArchiveService {
	if maxConcurrent < 1 {
		maxConcurrent = 1
	}
	return &ArchiveService{
		blobs:   blobs,
		cache:   cache,
		sem:     semaphore.NewWeighted(int64(maxConcurrent)),
		metrics: metrics,
		log:     log,
	}
}

func archiveKey(id string) string  { return "archives/" + id + ".tar.zst" }
func manifestKey(id string) string { return "manifests/" + id + ".json" }

// Save archives the given workspace paths and uploads archive plus
// manifest under a freshly generated archive identity, which it returns.
func (s *ArchiveService) Save(ctx context.Context, taskID, userID string, sb sandbox.Sandbox, paths, excludes []string) (string, error) {
	if err := s.sem.Acquire(ctx, 1); err != nil {
		return "", err
	}
	defer s.sem.Release(1)

	if len(paths) == 0 {
		paths = []string{sb.Workspace()}
	}
	patterns := append(append([]string{}, defaultExcludes...), excludes...)

	archiveID := uuid.NewString()
	tree := &fsevent.Node{Name: "/", Type: fsevent.NodeFolder}

	var buf bytes.Buffer
	zw, err := zstd.NewWriter(&buf)
	if err != nil {
		return "", fmt.Errorf("zstd writer: %w", err)
	}
	tw := tar.NewWriter(zw)

	var fileCount int
	var sizeBytes int64

	for _, root := range paths {
		err := sb.Walk(ctx, root, func(p string, d fs.DirEntry, walkErr error) error {
			if walkErr != nil {
				return walkErr
			}
			rel := relWorkspace(sb.Workspace(), p)
			if rel == "" {
				return nil
			}
			if excluded(rel, patterns) {
				if d.IsDir() {
					return fs.SkipDir
				}
				return nil
			}

			if d.IsDir() {
				hdr := &tar.Header{
					Name:     rel + "/",
					Typeflag: tar.TypeDir,
					Mode:     0o755,
					ModTime:  time.Now(),
				}
				return tw.WriteHeader(hdr)
			}

			data, err := sb.ReadFile(ctx, p)
			if err != nil {
				return fmt.Errorf("read %s: %w", p, err)
			}
			hdr := &tar.Header{
				Name:    rel,
				Size:    int64(len(data)),
				Mode:    0o644,
				ModTime: time.Now(),
			}
			if err := tw.WriteHeader(hdr); err != nil {
				return err
			}
			if _, err := tw.Write(data); err != nil {
				return err
			}

			tree.Insert(rel, int64(len(data)), false)
			fileCount++
			sizeBytes += int64(len(data))
			return nil
		})
		if err != nil {
			return "", fmt.Errorf("archive walk %s: %w", root, err)
		}
	}

	if err := tw.Close(); err != nil {
		return "", fmt.Errorf("tar close: %w", err)
	}
	if err := zw.Close(); err != nil {
		return "", fmt.Errorf("zstd close: %w", err)
	}

	if err := s.blobs.Put(ctx, archiveKey(archiveID), &buf); err != nil {
		return "", fmt.Errorf("upload archive: %w", err)
	}

	manifest := Manifest{
		ArchiveID: archiveID,
		TaskID:    taskID,
		UserID:    userID,
		Paths:     paths,
		SizeBytes: sizeBytes,
		FileCount: fileCount,
		CreatedAt: time.Now().UTC(),
		Tree:      tree,
	}
	manifestJSON, err := json.Marshal(manifest)
	if err != nil {
		return "", fmt.Errorf("marshal manifest: %w", err)
	}
	if err := s.blobs.Put(ctx, manifestKey(archiveID), bytes.NewReader(manifestJSON)); err != nil {
		return "", fmt.Errorf("upload manifest: %w", err)
	}
	s.cache.Set(manifestKey(archiveID), manifestJSON)

	if s.metrics != nil {
		s.metrics.ArchiveBytes.Record(ctx, sizeBytes)
	}
	s.log.Info("workspace archived",
		"task_id", taskID, "archive_id", archiveID,
		"files", fileCount, "bytes", sizeBytes)
	return archiveID, nil
}

// Restore downloads the archive and extracts it onto the sandbox.
func (s *ArchiveService) Restore(ctx context.Context, archiveID string, sb sandbox.Sandbox) (*RestoreResult, error) {
	if err := s.sem.Acquire(ctx, 1); err != nil {
		return nil, err
	}
	defer s.sem.Release(1)

	rc, err := s.blobs.Get(ctx, archiveKey(archiveID))
	if err != nil {
		if errors.Is(err, blobstore.ErrNotFound) {
			return nil, ErrArchiveNotFound
		}
		return nil, fmt.Errorf("download archive: %w", err)
	}
	defer func() { _ = rc.Close() }()

	zr, err := zstd.NewReader(rc)
	if err != nil {
		return nil, fmt.Errorf("zstd reader: %w", err)
	}
	defer zr.Close()

	tr := tar.NewReader(zr)
	res := &RestoreResult{}
	for {
		hdr, err := tr.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("read archive entry: %w", err)
		}
		if hdr.Typeflag != tar.TypeReg {
			continue
		}

		data, err := io.ReadAll(tr)
		if err != nil {
			return nil, fmt.Errorf("read archive file %s: %w", hdr.Name, err)
		}
		dst := path.Join(sb.Workspace(), hdr.Name)
		if err := sb.WriteFile(ctx, dst, data); err != nil {
			return nil, fmt.Errorf("write %s: %w", dst, err)
		}
		res.FileCount++
		res.SizeBytes += int64(len(data))
	}

	s.log.Info("workspace restored",
		"archive_id", archiveID, "files", res.FileCount, "bytes", res.SizeBytes)
	return res, nil
}

// FileTree returns the archived file tree from the manifest, without a
// live sandbox.
func (s *ArchiveService) FileTree(ctx context.Context, archiveID string) (*fsevent.Node, error) {
	m, err := s.manifest(ctx, archiveID)
	if err != nil {
		return nil, err
	}
	return m.Tree, nil
}

// FileContent returns one archived file's contents, served from cache
// when possible.
func (s *ArchiveService) FileContent(ctx context.Context, archiveID, relPath string) ([]byte, error) {
	cacheKey := "content/" + archiveID + "/" + relPath
	if data, ok := s.cache.Get(cacheKey); ok {
		return data, nil
	}

	rc, err := s.blobs.Get(ctx, archiveKey(archiveID))
	if err != nil {
		if errors.Is(err, blobstore.ErrNotFound) {
			return nil, ErrArchiveNotFound
		}
		return nil, fmt.Errorf("download archive: %w", err)
	}
	defer func() { _ = rc.Close() }()

	zr, err := zstd.NewReader(rc)
	if err != nil {
		return nil, fmt.Errorf("zstd reader: %w", err)
	}
	defer zr.Close()

	tr := tar.NewReader(zr)
	for {
		hdr, err := tr.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("read archive entry: %w", err)
		}
		if hdr.Typeflag == tar.TypeReg && hdr.Name == relPath {
			data, err := io.ReadAll(tr)
			if err != nil {
				return nil, fmt.Errorf("read archive file: %w", err)
			}
			s.cache.Set(cacheKey, data)
			return data, nil
		}
	}
	return nil, fmt.Errorf("%s: %w", relPath, fs.ErrNotExist)
}

// Delete removes all storage objects for the archive identity.
func (s *ArchiveService) Delete(ctx context.Context, archiveID string) error {
	if err := s.blobs.Delete(ctx, archiveKey(archiveID)); err != nil {
		return err
	}
	if err := s.blobs.Delete(ctx, manifestKey(archiveID)); err != nil {
		return err
	}
	s.cache.Delete(manifestKey(archiveID))
	return nil
}

func (s *ArchiveService) manifest(ctx context.Context, archiveID string) (*Manifest, error) {
	key := manifestKey(archiveID)

	data, ok := s.cache.Get(key)
	if !ok {
		rc, err := s.blobs.Get(ctx, key)
		if err != nil {
			if errors.Is(err, blobstore.ErrNotFound) {
				return nil, ErrArchiveNotFound
			}
			return nil, fmt.Errorf("download manifest: %w", err)
		}
		defer func() { _ = rc.Close() }()

		data, err = io.ReadAll(rc)
		if err != nil {
			return nil, fmt.Errorf("read manifest: %w", err)
		}
		s.cache.Set(key, data)
	}

	var m Manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("parse manifest: %w", err)
	}
	return &m, nil
}

// relWorkspace converts a sandbox-side path to a workspace-relative
// slash path. Returns "" for the workspace root itself.
func relWorkspace(workspace, p string) string {
	if p == workspace {
		return ""
	}
	return strings.TrimPrefix(p, workspace+"/")
}

// excluded reports whether rel matches any exclude pattern, either
// directly or as a directory prefix of a `dir/**` pattern.
func excluded(rel string, patterns []string) bool {
	for _, pat := range patterns {
		if ok, err := doublestar.Match(pat, rel); err == nil && ok {
			return true
		}
		// `dir/**` must also match the directory itself so walks can
		// skip the whole subtree.
		if base, found := strings.CutSuffix(pat, "/**"); found && rel == base {
			return true
		}
	}
	return false
}
