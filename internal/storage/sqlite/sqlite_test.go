package sqlite

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/jkaninda/sanduku/internal/sandbox"
	"github.com/jkaninda/sanduku/internal/storage"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(Config{
		Path: filepath.Join(t.TempDir(), "sanduku.db"),
	}, slog.New(slog.NewTextHandler(io.Discard, nil)))
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })

	if err := s.Migrate(context.Background()); err != nil {
		t.Fatalf("Migrate() error = %v", err)
	}
	return s
}

func testSandbox(id, sessionID string, state sandbox.State) *sandbox.Sandbox {
	return &sandbox.Sandbox{
		ID:             id,
		SessionID:      sessionID,
		Provider:       "docker",
		ProviderID:     "ctr-" + id,
		State:          state,
		WorkDir:        "/workspace",
		LeaseToken:     "tok-" + id,
		CreatedAt:      time.Now().UTC().Truncate(time.Second),
		LeaseExpiresAt: time.Now().UTC().Add(30 * time.Minute).Truncate(time.Second),
	}
}

func TestSandboxRoundTrip(t *testing.T) {
	s := openTestStore(t)
	repo := s.Sandboxes()
	ctx := context.Background()

	sb := testSandbox("sbx-1", "alice", sandbox.StateRunning)
	sb.ExposedURLs = map[int]string{8080: "http://127.0.0.1:49321"}

	if err := repo.Create(ctx, sb); err != nil {
		t.Fatalf("Create() error = %v", err)
	}

	got, err := repo.Get(ctx, "sbx-1")
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if got.SessionID != "alice" || got.State != sandbox.StateRunning {
		t.Errorf("got %+v, want session alice running", got)
	}
	if got.ProviderID != "ctr-sbx-1" || got.LeaseToken != "tok-sbx-1" {
		t.Errorf("provider fields lost: %+v", got)
	}
	if got.ExposedURLs[8080] != "http://127.0.0.1:49321" {
		t.Errorf("ExposedURLs = %v, want port 8080 preserved", got.ExposedURLs)
	}
}

func TestGetUnknownReturnsNotFound(t *testing.T) {
	s := openTestStore(t)

	_, err := s.Sandboxes().Get(context.Background(), "missing")
	if !errors.Is(err, sandbox.ErrNotFound) {
		t.Fatalf("Get() error = %v, want sandbox.ErrNotFound", err)
	}
}

func TestUpdatePersistsStateChange(t *testing.T) {
	s := openTestStore(t)
	repo := s.Sandboxes()
	ctx := context.Background()

	sb := testSandbox("sbx-1", "alice", sandbox.StateRunning)
	if err := repo.Create(ctx, sb); err != nil {
		t.Fatalf("Create() error = %v", err)
	}

	sb.State = sandbox.StatePaused
	sb.LeaseToken = "tok-rotated"
	if err := repo.Update(ctx, sb); err != nil {
		t.Fatalf("Update() error = %v", err)
	}

	got, err := repo.Get(ctx, "sbx-1")
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if got.State != sandbox.StatePaused || got.LeaseToken != "tok-rotated" {
		t.Errorf("got state %s token %s, want paused tok-rotated", got.State, got.LeaseToken)
	}
}

func TestUpdateUnknownReturnsNotFound(t *testing.T) {
	s := openTestStore(t)

	err := s.Sandboxes().Update(context.Background(), testSandbox("ghost", "x", sandbox.StateRunning))
	if !errors.Is(err, sandbox.ErrNotFound) {
		t.Fatalf("Update() error = %v, want sandbox.ErrNotFound", err)
	}
}

func TestGetActiveBySession(t *testing.T) {
	s := openTestStore(t)
	repo := s.Sandboxes()
	ctx := context.Background()

	// A deleted sandbox and a newer running one for the same session.
	old := testSandbox("sbx-old", "alice", sandbox.StateDeleted)
	old.CreatedAt = time.Now().UTC().Add(-time.Hour)
	if err := repo.Create(ctx, old); err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	if err := repo.Create(ctx, testSandbox("sbx-new", "alice", sandbox.StateRunning)); err != nil {
		t.Fatalf("Create() error = %v", err)
	}

	got, err := repo.GetActiveBySession(ctx, "alice")
	if err != nil {
		t.Fatalf("GetActiveBySession() error = %v", err)
	}
	if got.ID != "sbx-new" {
		t.Errorf("got %s, want sbx-new (deleted sandbox excluded)", got.ID)
	}

	if _, err := repo.GetActiveBySession(ctx, "bob"); !errors.Is(err, sandbox.ErrNotFound) {
		t.Errorf("GetActiveBySession(bob) error = %v, want sandbox.ErrNotFound", err)
	}
}

func TestGetActiveBySessionIncludesPaused(t *testing.T) {
	s := openTestStore(t)
	repo := s.Sandboxes()
	ctx := context.Background()

	if err := repo.Create(ctx, testSandbox("sbx-p", "alice", sandbox.StatePaused)); err != nil {
		t.Fatalf("Create() error = %v", err)
	}

	got, err := repo.GetActiveBySession(ctx, "alice")
	if err != nil {
		t.Fatalf("GetActiveBySession() error = %v", err)
	}
	if got.State != sandbox.StatePaused {
		t.Errorf("state = %s, want paused (resumable sandboxes count as active)", got.State)
	}
}

func TestListByState(t *testing.T) {
	s := openTestStore(t)
	repo, ok := s.Sandboxes().(*storage.SandboxRepository)
	if !ok {
		t.Fatal("Sandboxes() should return *storage.SandboxRepository")
	}
	ctx := context.Background()

	for _, sb := range []*sandbox.Sandbox{
		testSandbox("sbx-a", "s1", sandbox.StateRunning),
		testSandbox("sbx-b", "s2", sandbox.StatePaused),
		testSandbox("sbx-c", "s3", sandbox.StateDeleted),
	} {
		if err := repo.Create(ctx, sb); err != nil {
			t.Fatalf("Create() error = %v", err)
		}
	}

	got, err := repo.ListByState(ctx, sandbox.StateRunning, sandbox.StatePaused)
	if err != nil {
		t.Fatalf("ListByState() error = %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("len = %d, want 2", len(got))
	}
}

func TestPing(t *testing.T) {
	s := openTestStore(t)
	if err := s.Ping(context.Background()); err != nil {
		t.Errorf("Ping() error = %v", err)
	}
	if s.Driver() != storage.DriverSQLite {
		t.Errorf("Driver() = %s, want sqlite", s.Driver())
	}
}
