package session

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func newTestRegistry(t *testing.T, maxActive int, ttl time.Duration) *Registry {
	t.Helper()
	return NewRegistry(Config{
		ClipsRoot: t.TempDir(),
		MaxActive: maxActive,
		TTL:       ttl,
	}, nil)
}

func TestCreateAllocatesSessionAndOutputDir(t *testing.T) {
	r := newTestRegistry(t, 3, time.Hour)

	sess, err := r.Create()
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	if sess.ID == "" {
		t.Fatalf("session id is empty")
	}
	if sess.Status != StatusIdle {
		t.Fatalf("Status = %q, want %q", sess.Status, StatusIdle)
	}
	info, err := os.Stat(sess.OutputDir)
	if err != nil || !info.IsDir() {
		t.Fatalf("output dir not created: %v", err)
	}
	if filepath.Base(sess.OutputDir) != sess.ID {
		t.Fatalf("output dir %q not keyed by session id", sess.OutputDir)
	}
}

func TestCreateEnforcesCapacity(t *testing.T) {
	r := newTestRegistry(t, 2, time.Hour)

	if _, err := r.Create(); err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	if _, err := r.Create(); err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	if _, err := r.Create(); !errors.Is(err, ErrCapacity) {
		t.Fatalf("Create() error = %v, want ErrCapacity", err)
	}
}

func TestDeleteFreesCapacity(t *testing.T) {
	r := newTestRegistry(t, 1, time.Hour)

	sess, err := r.Create()
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	if _, err := r.Create(); !errors.Is(err, ErrCapacity) {
		t.Fatalf("expected ErrCapacity before delete, got %v", err)
	}
	if err := r.Delete(sess.ID, true); err != nil {
		t.Fatalf("Delete() error = %v", err)
	}
	if _, err := r.Create(); err != nil {
		t.Fatalf("Create() after delete error = %v", err)
	}
}

func TestLifecycleTransitions(t *testing.T) {
	r := newTestRegistry(t, 3, time.Hour)
	sess, _ := r.Create()

	if err := r.MarkStarting(sess.ID, "https://example.com/live"); err != nil {
		t.Fatalf("MarkStarting() error = %v", err)
	}
	if err := r.MarkRunning(sess.ID, 4242); err != nil {
		t.Fatalf("MarkRunning() error = %v", err)
	}
	got, _ := r.Get(sess.ID)
	if got.Status != StatusRunning || got.PID != 4242 {
		t.Fatalf("after MarkRunning: status=%q pid=%d", got.Status, got.PID)
	}
	if !got.Live() {
		t.Fatalf("Live() = false for running session")
	}

	if err := r.MarkExited(sess.ID, true, ""); err != nil {
		t.Fatalf("MarkExited() error = %v", err)
	}
	got, _ = r.Get(sess.ID)
	if got.Status != StatusStopped || got.PID != 0 {
		t.Fatalf("after clean exit: status=%q pid=%d", got.Status, got.PID)
	}
}

func TestMarkExitedErrorUsesDefaultMessage(t *testing.T) {
	r := newTestRegistry(t, 3, time.Hour)
	sess, _ := r.Create()
	_ = r.MarkStarting(sess.ID, "https://example.com/live")

	if err := r.MarkExited(sess.ID, false, ""); err != nil {
		t.Fatalf("MarkExited() error = %v", err)
	}
	got, _ := r.Get(sess.ID)
	if got.Status != StatusError {
		t.Fatalf("Status = %q, want %q", got.Status, StatusError)
	}
	if got.Error == "" {
		t.Fatalf("Error is empty, want default message")
	}
}

func TestRestartClearsErrorAndClipCount(t *testing.T) {
	r := newTestRegistry(t, 3, time.Hour)
	sess, _ := r.Create()
	_ = r.MarkStarting(sess.ID, "https://example.com/live")
	_ = r.IncClips(sess.ID)
	_ = r.MarkExited(sess.ID, false, "boom")

	if err := r.MarkStarting(sess.ID, "https://example.com/live2"); err != nil {
		t.Fatalf("MarkStarting() error = %v", err)
	}
	got, _ := r.Get(sess.ID)
	if got.Error != "" || got.ClipsCount != 0 {
		t.Fatalf("restart kept error=%q clips=%d, want cleared", got.Error, got.ClipsCount)
	}
	if got.StreamURL != "https://example.com/live2" {
		t.Fatalf("StreamURL = %q, want updated", got.StreamURL)
	}
}

func TestGetReturnsClone(t *testing.T) {
	r := newTestRegistry(t, 3, time.Hour)
	sess, _ := r.Create()

	got, _ := r.Get(sess.ID)
	got.Status = StatusError

	again, _ := r.Get(sess.ID)
	if again.Status != StatusIdle {
		t.Fatalf("mutation of returned session leaked into registry")
	}
}

func TestDeleteRunsHookAndRemovesFiles(t *testing.T) {
	r := newTestRegistry(t, 3, time.Hour)
	sess, _ := r.Create()

	marker := filepath.Join(sess.OutputDir, "clip_001.mp4")
	if err := os.WriteFile(marker, []byte("x"), 0o644); err != nil {
		t.Fatalf("write marker: %v", err)
	}

	var hooked string
	r.SetDeleteHook(func(removed *Session) { hooked = removed.ID })

	if err := r.Delete(sess.ID, true); err != nil {
		t.Fatalf("Delete() error = %v", err)
	}
	if hooked != sess.ID {
		t.Fatalf("delete hook got %q, want %q", hooked, sess.ID)
	}
	if _, err := os.Stat(sess.OutputDir); !os.IsNotExist(err) {
		t.Fatalf("output dir still exists after delete with files")
	}
	if _, err := r.Get(sess.ID); !errors.Is(err, ErrNotFound) {
		t.Fatalf("Get() after delete error = %v, want ErrNotFound", err)
	}
}

func TestDeleteKeepsFilesWhenAsked(t *testing.T) {
	r := newTestRegistry(t, 3, time.Hour)
	sess, _ := r.Create()

	if err := r.Delete(sess.ID, false); err != nil {
		t.Fatalf("Delete() error = %v", err)
	}
	if _, err := os.Stat(sess.OutputDir); err != nil {
		t.Fatalf("output dir removed despite delete_files=false: %v", err)
	}
}

func TestSweepExpired(t *testing.T) {
	r := newTestRegistry(t, 3, 20*time.Millisecond)
	sess, _ := r.Create()

	if n := r.SweepExpired(); n != 0 {
		t.Fatalf("SweepExpired() = %d before TTL, want 0", n)
	}

	time.Sleep(40 * time.Millisecond)
	if n := r.SweepExpired(); n != 1 {
		t.Fatalf("SweepExpired() = %d after TTL, want 1", n)
	}
	if _, err := r.Get(sess.ID); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expired session still present: %v", err)
	}
}

func TestTouchDefersExpiry(t *testing.T) {
	r := newTestRegistry(t, 3, 60*time.Millisecond)
	sess, _ := r.Create()

	time.Sleep(40 * time.Millisecond)
	if err := r.Touch(sess.ID); err != nil {
		t.Fatalf("Touch() error = %v", err)
	}
	if n := r.SweepExpired(); n != 0 {
		t.Fatalf("SweepExpired() = %d after touch, want 0", n)
	}
}
