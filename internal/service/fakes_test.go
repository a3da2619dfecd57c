package service

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"path"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/moru-ai/shadow/internal/domain/session"
	"github.com/moru-ai/shadow/internal/domain/task"
	"github.com/moru-ai/shadow/internal/domain/todo"
	"github.com/moru-ai/shadow/internal/port/blobstore"
	"github.com/moru-ai/shadow/internal/port/database"
	"github.com/moru-ai/shadow/internal/port/sandbox"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// --- broadcaster ---

type publishRecord struct {
	taskID    string
	eventType string
	payload   any
}

type fakeBroadcaster struct {
	mu        sync.Mutex
	published []publishRecord
}

func (b *fakeBroadcaster) Publish(_ context.Context, taskID, eventType string, payload any) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.published = append(b.published, publishRecord{taskID, eventType, payload})
}

func (b *fakeBroadcaster) byType(eventType string) []publishRecord {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []publishRecord
	for _, r := range b.published {
		if r.eventType == eventType {
			out = append(out, r)
		}
	}
	return out
}

// --- event store ---

type memEventStore struct {
	mu     sync.Mutex
	events map[string][]session.Event
}

func newMemEventStore() *memEventStore {
	return &memEventStore{events: make(map[string][]session.Event)}
}

func eventKey(taskID, sessionID string) string { return taskID + "/" + sessionID }

func (s *memEventStore) Append(_ context.Context, ev *session.Event) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := eventKey(ev.TaskID, ev.SessionID)
	for _, e := range s.events[key] {
		if e.Seq == ev.Seq {
			return false, nil
		}
	}
	s.events[key] = append(s.events[key], *ev)
	return true, nil
}

func (s *memEventStore) LoadBySession(_ context.Context, taskID, sessionID string) ([]session.Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := append([]session.Event(nil), s.events[eventKey(taskID, sessionID)]...)
	sort.Slice(out, func(i, j int) bool { return out[i].Seq < out[j].Seq })
	return out, nil
}

func (s *memEventStore) LastSeq(_ context.Context, taskID, sessionID string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	last := -1
	for _, e := range s.events[eventKey(taskID, sessionID)] {
		if e.Seq > last {
			last = e.Seq
		}
	}
	return last, nil
}

// --- blob store ---

type memBlobStore struct {
	mu    sync.Mutex
	blobs map[string][]byte
}

func newMemBlobStore() *memBlobStore {
	return &memBlobStore{blobs: make(map[string][]byte)}
}

func (s *memBlobStore) Put(_ context.Context, key string, r io.Reader) error {
	data, err := io.ReadAll(r)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.blobs[key] = data
	return nil
}

func (s *memBlobStore) Get(_ context.Context, key string) (io.ReadCloser, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	data, ok := s.blobs[key]
	if !ok {
		return nil, blobstore.ErrNotFound
	}
	return io.NopCloser(bytes.NewReader(data)), nil
}

func (s *memBlobStore) Delete(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.blobs, key)
	return nil
}

func (s *memBlobStore) has(key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.blobs[key]
	return ok
}

// --- database ---

type memDB struct {
	mu          sync.Mutex
	tasks       map[string]*task.Task
	checkpoints []todo.Checkpoint
	todos       map[string][]todo.Item
	statuses    []task.Status
}

func newMemDB() *memDB {
	return &memDB{
		tasks: make(map[string]*task.Task),
		todos: make(map[string][]todo.Item),
	}
}

func (db *memDB) addTask(t *task.Task) {
	db.mu.Lock()
	defer db.mu.Unlock()
	db.tasks[t.ID] = t
}

func (db *memDB) CreateTask(_ context.Context, req task.CreateRequest) (*task.Task, error) {
	db.mu.Lock()
	defer db.mu.Unlock()
	t := &task.Task{
		ID:        fmt.Sprintf("task-%d", len(db.tasks)+1),
		UserID:    req.UserID,
		Title:     req.Title,
		Status:    task.StatusInactive,
		Workspace: "/workspace",
		CreatedAt: time.Now(),
		UpdatedAt: time.Now(),
	}
	db.tasks[t.ID] = t
	return t, nil
}

func (db *memDB) GetTask(_ context.Context, id string) (*task.Task, error) {
	db.mu.Lock()
	defer db.mu.Unlock()
	t, ok := db.tasks[id]
	if !ok {
		return nil, database.ErrNotFound
	}
	cp := *t
	return &cp, nil
}

func (db *memDB) UpdateTaskStatus(_ context.Context, id string, status task.Status) error {
	db.mu.Lock()
	defer db.mu.Unlock()
	t, ok := db.tasks[id]
	if !ok {
		return database.ErrNotFound
	}
	t.Status = status
	db.statuses = append(db.statuses, status)
	return nil
}

func (db *memDB) UpdateTaskSession(_ context.Context, id, sessionID string) error {
	db.mu.Lock()
	defer db.mu.Unlock()
	t, ok := db.tasks[id]
	if !ok {
		return database.ErrNotFound
	}
	t.SessionID = &sessionID
	return nil
}

func (db *memDB) UpdateTaskArchive(_ context.Context, id, archiveID string) error {
	db.mu.Lock()
	defer db.mu.Unlock()
	t, ok := db.tasks[id]
	if !ok {
		return database.ErrNotFound
	}
	t.ArchiveID = &archiveID
	return nil
}

func (db *memDB) CreateCheckpoint(_ context.Context, cp *todo.Checkpoint) error {
	db.mu.Lock()
	defer db.mu.Unlock()
	db.checkpoints = append(db.checkpoints, *cp)
	return nil
}

func (db *memDB) LatestCheckpointBefore(_ context.Context, taskID string, before time.Time) (*todo.Checkpoint, error) {
	db.mu.Lock()
	defer db.mu.Unlock()
	var best *todo.Checkpoint
	for i := range db.checkpoints {
		cp := &db.checkpoints[i]
		if cp.TaskID != taskID || !cp.CreatedAt.Before(before) {
			continue
		}
		if best == nil || cp.CreatedAt.After(best.CreatedAt) {
			best = cp
		}
	}
	if best == nil {
		return nil, database.ErrNotFound
	}
	cp := *best
	return &cp, nil
}

func (db *memDB) ListTodos(_ context.Context, taskID string) ([]todo.Item, error) {
	db.mu.Lock()
	defer db.mu.Unlock()
	return append([]todo.Item(nil), db.todos[taskID]...), nil
}

func (db *memDB) ReplaceTodos(_ context.Context, taskID string, items []todo.Item) error {
	db.mu.Lock()
	defer db.mu.Unlock()
	db.todos[taskID] = append([]todo.Item(nil), items...)
	return nil
}

func (db *memDB) lastStatus() task.Status {
	db.mu.Lock()
	defer db.mu.Unlock()
	if len(db.statuses) == 0 {
		return ""
	}
	return db.statuses[len(db.statuses)-1]
}

// --- sandbox ---

type fakeSandbox struct {
	mu      sync.Mutex
	id      string
	root    string // workspace path inside the sandbox
	hostDir string
	files   map[string][]byte
	removed bool
	proc    sandbox.Process
	procErr error
}

func newFakeSandbox(hostDir string) *fakeSandbox {
	return &fakeSandbox{
		id:      "sb-1",
		root:    "/workspace",
		hostDir: hostDir,
		files:   make(map[string][]byte),
	}
}

func (s *fakeSandbox) ID() string            { return s.id }
func (s *fakeSandbox) Workspace() string     { return s.root }
func (s *fakeSandbox) HostWorkspace() string { return s.hostDir }

func (s *fakeSandbox) StartProcess(context.Context, string, map[string]string) (sandbox.Process, error) {
	if s.procErr != nil {
		return nil, s.procErr
	}
	return s.proc, nil
}

func (s *fakeSandbox) ReadFile(_ context.Context, p string) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	data, ok := s.files[p]
	if !ok {
		return nil, fs.ErrNotExist
	}
	return append([]byte(nil), data...), nil
}

func (s *fakeSandbox) WriteFile(_ context.Context, p string, data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.files[p] = append([]byte(nil), data...)
	return nil
}

func (s *fakeSandbox) Walk(_ context.Context, root string, fn fs.WalkDirFunc) error {
	s.mu.Lock()
	entries := map[string]*fakeDirEntry{
		root: {name: path.Base(root), dir: true},
	}
	for p, data := range s.files {
		if p != root && !strings.HasPrefix(p, root+"/") {
			continue
		}
		entries[p] = &fakeDirEntry{name: path.Base(p), size: int64(len(data))}
		for d := path.Dir(p); d != root && strings.HasPrefix(d, root+"/"); d = path.Dir(d) {
			entries[d] = &fakeDirEntry{name: path.Base(d), dir: true}
		}
	}
	s.mu.Unlock()

	paths := make([]string, 0, len(entries))
	for p := range entries {
		paths = append(paths, p)
	}
	sort.Strings(paths)

	var skips []string
next:
	for _, p := range paths {
		for _, skip := range skips {
			if strings.HasPrefix(p, skip+"/") {
				continue next
			}
		}
		err := fn(p, entries[p], nil)
		if errors.Is(err, fs.SkipDir) {
			if entries[p].dir {
				skips = append(skips, p)
			}
			continue
		}
		if err != nil {
			return err
		}
	}
	return nil
}

func (s *fakeSandbox) Remove(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.removed = true
	return nil
}

type fakeDirEntry struct {
	name string
	dir  bool
	size int64
}

func (e *fakeDirEntry) Name() string      { return e.name }
func (e *fakeDirEntry) IsDir() bool       { return e.dir }
func (e *fakeDirEntry) Type() fs.FileMode { return 0 }
func (e *fakeDirEntry) Info() (fs.FileInfo, error) {
	return &fakeFileInfo{entry: e}, nil
}

type fakeFileInfo struct{ entry *fakeDirEntry }

func (i *fakeFileInfo) Name() string       { return i.entry.name }
func (i *fakeFileInfo) Size() int64        { return i.entry.size }
func (i *fakeFileInfo) Mode() fs.FileMode  { return 0o644 }
func (i *fakeFileInfo) ModTime() time.Time { return time.Time{} }
func (i *fakeFileInfo) IsDir() bool        { return i.entry.dir }
func (i *fakeFileInfo) Sys() any           { return nil }

// --- sandbox provider ---

type fakeProvider struct {
	mu        sync.Mutex
	sb        sandbox.Sandbox // returned by Create
	connected sandbox.Sandbox // returned by Connect when set
	created   int
	createErr error
}

func (p *fakeProvider) Create(context.Context, sandbox.Spec) (sandbox.Sandbox, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.createErr != nil {
		return nil, p.createErr
	}
	p.created++
	return p.sb, nil
}

func (p *fakeProvider) Connect(context.Context, string) (sandbox.Sandbox, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.connected == nil {
		return nil, errors.New("no running sandbox")
	}
	return p.connected, nil
}

// --- agent process ---

// scriptedProcess emits a fixed sequence of control lines on stdout, then
// holds the stream open until process_stop arrives on stdin (or Kill).
type scriptedProcess struct {
	stdout *io.PipeReader
	pw     *io.PipeWriter

	mu      sync.Mutex
	inbound []string

	exited   chan struct{}
	exitOnce sync.Once
}

func newScriptedProcess(lines ...string) *scriptedProcess {
	pr, pw := io.Pipe()
	p := &scriptedProcess{stdout: pr, pw: pw, exited: make(chan struct{})}
	go func() {
		for _, l := range lines {
			if _, err := pw.Write([]byte(l + "\n")); err != nil {
				return
			}
		}
		<-p.exited
		_ = pw.Close()
	}()
	return p
}

func (p *scriptedProcess) Stdin() io.WriteCloser { return &scriptedStdin{p: p} }
func (p *scriptedProcess) Stdout() io.Reader     { return p.stdout }

func (p *scriptedProcess) Wait() error {
	<-p.exited
	return nil
}

func (p *scriptedProcess) Kill() error {
	p.exit()
	return nil
}

func (p *scriptedProcess) exit() {
	p.exitOnce.Do(func() { close(p.exited) })
}

// sentTypes returns the type field of every control message received.
func (p *scriptedProcess) sentTypes() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []string
	for _, line := range p.inbound {
		var msg struct {
			Type string `json:"type"`
		}
		if json.Unmarshal([]byte(line), &msg) == nil {
			out = append(out, msg.Type)
		}
	}
	return out
}

type scriptedStdin struct{ p *scriptedProcess }

func (w *scriptedStdin) Write(b []byte) (int, error) {
	line := strings.TrimSpace(string(b))
	w.p.mu.Lock()
	w.p.inbound = append(w.p.inbound, line)
	w.p.mu.Unlock()
	if strings.Contains(line, `"process_stop"`) {
		w.p.exit()
	}
	return len(b), nil
}

func (w *scriptedStdin) Close() error { return nil }
