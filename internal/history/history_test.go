package history

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"hookbuild/internal/build"
)

func newTestHistory(t *testing.T) *History {
	t.Helper()
	hist, err := NewHistory(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("Failed to create history: %v", err)
	}
	t.Cleanup(func() { hist.Close() })
	return hist
}

func TestHistory_RecordBuild(t *testing.T) {
	hist := newTestHistory(t)

	duration := 5.5
	commitHash := "abc123def456"
	record := &BuildRecord{
		JobID:           "job-1",
		Delivery:        "72d3162e-cc78-11e3-81ab-4c9367dc0958",
		Event:           "push",
		Ref:             "refs/heads/main",
		Status:          StatusSuccess,
		StartedAt:       time.Now(),
		DurationSeconds: &duration,
		CommitHash:      &commitHash,
	}

	id, err := hist.RecordBuild(context.Background(), record)
	if err != nil {
		t.Fatalf("Failed to record build: %v", err)
	}

	if id == 0 {
		t.Error("Expected non-zero build ID")
	}
}

func TestHistory_DatabasePermissions(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "nested", "builds.db")

	hist, err := NewHistory(dbPath)
	if err != nil {
		t.Fatalf("Failed to create history: %v", err)
	}
	defer hist.Close()

	info, err := os.Stat(dbPath)
	if err != nil {
		t.Fatalf("Database file not created: %v", err)
	}
	if info.Mode().Perm()&0007 != 0 {
		t.Errorf("Database should not be accessible to others, got %o", info.Mode().Perm())
	}
}

func TestHistory_GetLatestBuild(t *testing.T) {
	hist := newTestHistory(t)
	ctx := context.Background()

	duration1 := 1.0
	_, err := hist.RecordBuild(ctx, &BuildRecord{
		JobID:           "job-1",
		Ref:             "refs/heads/main",
		Status:          StatusSuccess,
		DurationSeconds: &duration1,
	})
	if err != nil {
		t.Fatalf("Failed to record first build: %v", err)
	}

	duration2 := 2.0
	msg := "step 3 (npm run build) exited with code 1"
	_, err = hist.RecordBuild(ctx, &BuildRecord{
		JobID:           "job-2",
		Ref:             "refs/heads/main",
		Status:          StatusFailed,
		ExitCode:        1,
		DurationSeconds: &duration2,
		ErrorMessage:    &msg,
	})
	if err != nil {
		t.Fatalf("Failed to record second build: %v", err)
	}

	latest, err := hist.GetLatestBuild(ctx)
	if err != nil {
		t.Fatalf("Failed to get latest build: %v", err)
	}

	if latest == nil {
		t.Fatal("Expected latest build to be non-nil")
	}

	if latest.JobID != "job-2" {
		t.Errorf("Expected latest job 'job-2', got %q", latest.JobID)
	}

	if latest.Status != StatusFailed {
		t.Errorf("Expected latest status 'failed', got %q", latest.Status)
	}

	if latest.ExitCode != 1 {
		t.Errorf("Expected exit code 1, got %d", latest.ExitCode)
	}

	if latest.ErrorMessage == nil || *latest.ErrorMessage != msg {
		t.Errorf("Expected error message %q, got %v", msg, latest.ErrorMessage)
	}

	if latest.DurationSeconds == nil {
		t.Error("Expected duration to be non-nil")
	} else if *latest.DurationSeconds != 2.0 {
		t.Errorf("Expected duration 2.0, got %f", *latest.DurationSeconds)
	}
}

func TestHistory_GetLatestBuild_NoRecords(t *testing.T) {
	hist := newTestHistory(t)

	latest, err := hist.GetLatestBuild(context.Background())
	if err != nil {
		t.Fatalf("Expected no error for empty history, got: %v", err)
	}

	if latest != nil {
		t.Errorf("Expected nil for empty history, got: %v", latest)
	}
}

func TestHistory_GetBuildHistory(t *testing.T) {
	hist := newTestHistory(t)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		duration := float64(i)
		_, err := hist.RecordBuild(ctx, &BuildRecord{
			JobID:           "job",
			Status:          StatusSuccess,
			DurationSeconds: &duration,
		})
		if err != nil {
			t.Fatalf("Failed to record build %d: %v", i, err)
		}
	}

	history, err := hist.GetBuildHistory(ctx, 3)
	if err != nil {
		t.Fatalf("Failed to get build history: %v", err)
	}

	if len(history) != 3 {
		t.Fatalf("Expected 3 records, got %d", len(history))
	}

	// Newest first
	if history[0].DurationSeconds == nil {
		t.Error("Expected first record duration to be non-nil")
	} else if *history[0].DurationSeconds != 4.0 {
		t.Errorf("Expected first record duration 4.0, got %f", *history[0].DurationSeconds)
	}
}

func TestHistory_GetBuildHistory_Empty(t *testing.T) {
	hist := newTestHistory(t)

	history, err := hist.GetBuildHistory(context.Background(), 10)
	if err != nil {
		t.Fatalf("Failed to get build history: %v", err)
	}
	if history == nil || len(history) != 0 {
		t.Errorf("Expected empty non-nil slice, got %v", history)
	}
}

func TestHistory_Prune(t *testing.T) {
	hist := newTestHistory(t)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		if _, err := hist.RecordBuild(ctx, &BuildRecord{JobID: fmt.Sprintf("job-%d", i), Status: StatusSuccess}); err != nil {
			t.Fatalf("Failed to record build %d: %v", i, err)
		}
	}

	tests := []struct {
		keep        int
		wantRemoved int64
		wantLeft    int
	}{
		{keep: 0, wantRemoved: 0, wantLeft: 5},
		{keep: 10, wantRemoved: 0, wantLeft: 5},
		{keep: 5, wantRemoved: 0, wantLeft: 5},
		{keep: 2, wantRemoved: 3, wantLeft: 2},
	}

	for _, tt := range tests {
		removed, err := hist.Prune(ctx, tt.keep)
		if err != nil {
			t.Fatalf("Prune(%d) error: %v", tt.keep, err)
		}
		if removed != tt.wantRemoved {
			t.Errorf("Prune(%d) removed %d, want %d", tt.keep, removed, tt.wantRemoved)
		}

		left, err := hist.GetBuildHistory(ctx, 100)
		if err != nil {
			t.Fatal(err)
		}
		if len(left) != tt.wantLeft {
			t.Errorf("after Prune(%d): %d records, want %d", tt.keep, len(left), tt.wantLeft)
		}
	}

	left, _ := hist.GetBuildHistory(ctx, 100)
	if left[0].JobID != "job-4" || left[1].JobID != "job-3" {
		t.Errorf("Prune kept the wrong records: %s, %s", left[0].JobID, left[1].JobID)
	}
}

func TestHistory_GetSummary(t *testing.T) {
	hist := newTestHistory(t)
	ctx := context.Background()

	for _, status := range []string{StatusSuccess, StatusFailed, StatusSuccess, StatusSkipped} {
		if _, err := hist.RecordBuild(ctx, &BuildRecord{JobID: "job", Status: status}); err != nil {
			t.Fatalf("Failed to record build: %v", err)
		}
	}

	summary, err := hist.GetSummary(ctx, 2)
	if err != nil {
		t.Fatalf("Failed to get summary: %v", err)
	}

	if summary.Total != 4 {
		t.Errorf("Expected total 4, got %d", summary.Total)
	}
	if summary.Counts[StatusSuccess] != 2 {
		t.Errorf("Expected 2 successful builds, got %d", summary.Counts[StatusSuccess])
	}
	if len(summary.Recent) != 2 {
		t.Errorf("Expected 2 recent records, got %d", len(summary.Recent))
	}
	if summary.Latest == nil || summary.Latest.Status != StatusSkipped {
		t.Errorf("Expected latest record to be the skipped one, got %+v", summary.Latest)
	}
}

func TestRecordFor(t *testing.T) {
	q := build.NewQueue(build.RunnerFunc(func(ctx context.Context, req build.Request) *build.Result {
		return &build.Result{Success: false, ExitCode: 2, Err: "step 1 (git pull origin main) exited with code 2", Duration: 1500 * time.Millisecond}
	}), build.QueueOptions{})
	defer q.Close(context.Background())

	job, err := q.Submit(context.Background(), build.Request{
		DeliveryID: "d-1",
		Event:      "push",
		Ref:        "refs/heads/main",
		Commit:     "0d1a26e67d8f5eaf1f6ba5c57fc3c7d91ac0fd1c",
	})
	if err != nil {
		t.Fatalf("Submit() error = %v", err)
	}

	record := RecordFor(job, job.Result())

	if record.JobID != "d-1" || record.Delivery != "d-1" {
		t.Errorf("unexpected ids: job %q delivery %q", record.JobID, record.Delivery)
	}
	if record.Status != StatusFailed {
		t.Errorf("Expected status failed, got %q", record.Status)
	}
	if record.ExitCode != 2 {
		t.Errorf("Expected exit code 2, got %d", record.ExitCode)
	}
	if record.CommitHash == nil || *record.CommitHash != "0d1a26e67d8f5eaf1f6ba5c57fc3c7d91ac0fd1c" {
		t.Errorf("Expected commit hash to be recorded, got %v", record.CommitHash)
	}
	if record.DurationSeconds == nil || *record.DurationSeconds != 1.5 {
		t.Errorf("Expected duration 1.5, got %v", record.DurationSeconds)
	}
	if record.ErrorMessage == nil {
		t.Error("Expected error message for failed build")
	}
	if record.CompletedAt == nil {
		t.Error("Expected completion time")
	}

	hist := newTestHistory(t)
	if _, err := hist.RecordBuild(context.Background(), record); err != nil {
		t.Fatalf("Failed to record build: %v", err)
	}
}
