package scriptinfo

import (
	"context"
	"testing"
	"time"

	"scriptqueue/internal/wire"
)

type recordingCallbacks struct {
	changes       int
	nextVisits    int
	visitCanceled int
}

func (r *recordingCallbacks) OnChange(*ScriptInfo)             { r.changes++ }
func (r *recordingCallbacks) OnNextVisit(*ScriptInfo)          { r.nextVisits++ }
func (r *recordingCallbacks) OnNextVisitCanceled(*ScriptInfo)  { r.visitCanceled++ }

func fixedClock(t time.Time) func() time.Time {
	return func() time.Time { return t }
}

func TestNew_DefaultsToUnconfigured(t *testing.T) {
	si := New(1000, 1, true, "script1", "", "", nil, nil)
	if got := si.ScriptState(); got != wire.ScriptStateUnconfigured {
		t.Errorf("ScriptState() = %v, want UNCONFIGURED", got)
	}
	if si.Configured() {
		t.Error("Configured() = true for a fresh ScriptInfo")
	}
}

func TestSetScriptState_RecordsTimestamp(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	si := New(1000, 1, true, "script1", "", "", nil, fixedClock(now))

	si.SetScriptState(wire.ScriptStateConfigured, "", "")

	snap := si.Snapshot()
	if snap.ScriptState != wire.ScriptStateConfigured {
		t.Errorf("ScriptState = %v, want CONFIGURED", snap.ScriptState)
	}
	if !snap.Timestamps[wire.ScriptStateConfigured].Equal(now) {
		t.Errorf("Timestamps[CONFIGURED] = %v, want %v", snap.Timestamps[wire.ScriptStateConfigured], now)
	}
}

func TestDerivedPredicates(t *testing.T) {
	si := New(1000, 1, true, "script1", "", "", nil, nil)
	si.SetScriptState(wire.ScriptStateConfigured, "", "")

	if !si.Configured() {
		t.Fatal("Configured() = false after reaching CONFIGURED")
	}
	if !si.NeedsGroupID() {
		t.Error("NeedsGroupID() = false for configured script with no group-id")
	}
	if si.Runnable() {
		t.Error("Runnable() = true before a group-id is assigned")
	}

	si.SetGroupID("2026-01-01T00:00:00.000")
	if si.NeedsGroupID() {
		t.Error("NeedsGroupID() = true after assignment")
	}
	if !si.Runnable() {
		t.Error("Runnable() = false after group-id assignment")
	}
}

func TestMarkExited_Idempotent(t *testing.T) {
	cb := &recordingCallbacks{}
	si := New(1000, 1, true, "script1", "", "", cb, nil)

	si.MarkExited(1, "boom")
	si.MarkExited(0, "ignored")

	snap := si.Snapshot()
	if snap.ExitCode != 1 || snap.FailReason != "boom" {
		t.Errorf("second MarkExited call overwrote the first: %+v", snap)
	}
	if !si.ProcessDone() {
		t.Error("ProcessDone() = false after MarkExited")
	}
}

func TestFailed(t *testing.T) {
	si := New(1000, 1, true, "script1", "", "", nil, nil)
	if si.Failed() {
		t.Error("Failed() = true for a fresh script")
	}
	si.MarkExited(2, "nonzero exit")
	if !si.Failed() {
		t.Error("Failed() = false after non-zero exit")
	}
}

func TestGroupIDCallbacks(t *testing.T) {
	cb := &recordingCallbacks{}
	si := New(1000, 1, true, "script1", "", "", cb, nil)
	si.SetScriptState(wire.ScriptStateConfigured, "", "")

	si.SetGroupID("g1")
	if cb.nextVisits != 1 {
		t.Errorf("OnNextVisit called %d times, want 1", cb.nextVisits)
	}

	si.ClearGroupID()
	if cb.visitCanceled != 1 {
		t.Errorf("OnNextVisitCanceled called %d times, want 1", cb.visitCanceled)
	}
	if si.GroupID() != "" {
		t.Errorf("GroupID() = %q after clear, want empty", si.GroupID())
	}
}

func TestWaitForScriptState_Reached(t *testing.T) {
	si := New(1000, 1, true, "script1", "", "", nil, nil)

	go func() {
		time.Sleep(5 * time.Millisecond)
		si.SetScriptState(wire.ScriptStateConfigured, "", "")
	}()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := si.WaitForScriptState(ctx, wire.ScriptStateConfigured); err != nil {
		t.Fatalf("WaitForScriptState: %v", err)
	}
}

func TestWaitForScriptState_ExitsFirst(t *testing.T) {
	si := New(1000, 1, true, "script1", "", "", nil, nil)

	go func() {
		time.Sleep(5 * time.Millisecond)
		si.MarkExited(1, "crashed")
	}()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := si.WaitForScriptState(ctx, wire.ScriptStateConfigured); err == nil {
		t.Fatal("WaitForScriptState: want error when process exits first, got nil")
	}
}

func TestWaitForScriptState_ContextCanceled(t *testing.T) {
	si := New(1000, 1, true, "script1", "", "", nil, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Millisecond)
	defer cancel()
	if err := si.WaitForScriptState(ctx, wire.ScriptStateConfigured); err == nil {
		t.Fatal("WaitForScriptState: want error on context timeout, got nil")
	}
}
