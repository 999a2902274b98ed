package types

import (
	"strings"
	"testing"
	"time"
)

func TestTask_StatusMachine(t *testing.T) {
	now := time.Now()
	task := NewTask("sess-1", "ActionAgent", now)
	if task.Status != TaskQueued || task.Progress != 0 {
		t.Fatalf("new task = %s/%d, want queued/0", task.Status, task.Progress)
	}

	if err := task.UpdateStatus(TaskSucceeded, "", "", now); err == nil {
		t.Fatalf("queued -> succeeded must be rejected")
	}
	if err := task.UpdateStatus(TaskRunning, "", "", now.Add(time.Second)); err != nil {
		t.Fatalf("queued -> running: %v", err)
	}
	if !task.IsRunning() {
		t.Fatalf("task should report running")
	}

	task.SetProgress(150, now.Add(2*time.Second))
	if task.Progress != 100 {
		t.Fatalf("progress=%d, want clamped to 100", task.Progress)
	}
	task.SetProgress(-5, now.Add(2*time.Second))
	if task.Progress != 0 {
		t.Fatalf("progress=%d, want clamped to 0", task.Progress)
	}

	long := strings.Repeat("x", 5000)
	end := now.Add(3 * time.Second)
	if err := task.UpdateStatus(TaskSucceeded, long, "", end); err != nil {
		t.Fatalf("running -> succeeded: %v", err)
	}
	if !task.IsComplete() {
		t.Fatalf("succeeded task should be complete")
	}
	if task.Progress != 100 {
		t.Fatalf("succeeded task progress=%d, want 100", task.Progress)
	}
	if len(task.ResultSummary) != 2048 {
		t.Fatalf("summary len=%d, want bounded at 2048", len(task.ResultSummary))
	}
	if task.Duration() != 3*time.Second {
		t.Fatalf("duration=%v, want 3s", task.Duration())
	}

	if err := task.UpdateStatus(TaskRunning, "", "", end); err == nil {
		t.Fatalf("terminal state must not transition")
	}
}

func TestToolInvocation_Outcomes(t *testing.T) {
	now := time.Now()
	inv := NewToolInvocation("task-1", "send_sms", map[string]any{"to": "caregiver"}, now)
	if inv.IsComplete() {
		t.Fatalf("pending invocation should not be complete")
	}
	inv.MarkError(120 * time.Millisecond)
	if inv.Outcome != InvocationError || !inv.IsComplete() {
		t.Fatalf("outcome=%s complete=%v, want error/true", inv.Outcome, inv.IsComplete())
	}
	if inv.Elapsed != 120*time.Millisecond {
		t.Fatalf("elapsed=%v", inv.Elapsed)
	}
}
