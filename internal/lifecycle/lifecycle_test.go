package lifecycle

import (
	"context"
	"testing"
	"time"

	"scriptqueue/internal/remote/localbus"
	"scriptqueue/internal/scriptinfo"
	"scriptqueue/internal/wire"
)

func TestDriver_SetGroupID_Success(t *testing.T) {
	bus := localbus.New()
	d := New(bus, Options{})
	info := scriptinfo.New(1000, 1, true, "script1", "", "", nil, nil)
	info.SetScriptState(wire.ScriptStateConfigured, "", "")

	if err := d.SetGroupID(context.Background(), info, "2026-01-01T00:00:00.000"); err != nil {
		t.Fatalf("SetGroupID: %v", err)
	}

	snap := info.Snapshot()
	if snap.GroupID != "2026-01-01T00:00:00.000" {
		t.Errorf("GroupID = %q, want the assigned id", snap.GroupID)
	}
	if snap.SettingGroupID {
		t.Error("SettingGroupID still true after successful assignment")
	}
}

func TestDriver_Stop_NotRunningTerminatesDirectly(t *testing.T) {
	bus := localbus.New()
	d := New(bus, Options{})
	info := scriptinfo.New(1000, 1, true, "script1", "", "", nil, nil)

	// info.ScriptState() is UNCONFIGURED (not RUNNING), so Stop falls
	// straight through to Terminate without attempting the cooperative
	// stop command. No handle is attached, so Terminate is a no-op.
	if err := d.Stop(context.Background(), info); err != nil {
		t.Fatalf("Stop: %v", err)
	}
}

func TestDriver_Terminate_NoHandleIsNoop(t *testing.T) {
	bus := localbus.New()
	d := New(bus, Options{})
	info := scriptinfo.New(1000, 1, true, "script1", "", "", nil, nil)

	signaled, err := d.Terminate(info)
	if err != nil {
		t.Fatalf("Terminate: %v", err)
	}
	if signaled {
		t.Error("Terminate reported signaled=true with no handle attached")
	}
}

func TestDriver_StartLoading_TimesOutAndTerminates(t *testing.T) {
	bus := localbus.New()
	d := New(bus, Options{LoadTimeout: 40 * time.Millisecond})
	info := scriptinfo.New(1000, 1, true, "sleeper", "", "", nil, nil)

	err := d.StartLoading(context.Background(), info, "/bin/sleep")
	if err == nil {
		t.Fatal("StartLoading: want timeout error, got nil")
	}

	deadline := time.Now().Add(2 * time.Second)
	for !info.ProcessDone() && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if !info.ProcessDone() {
		t.Fatal("child process was not reaped after termination")
	}
}

// fakeHandle is a scriptinfo.ProcessHandle that isn't a *ChildHandle,
// used to confirm Driver.Terminate reports the mismatch as an error
// rather than panicking on the type assertion.
type fakeHandle struct{}

func (fakeHandle) Pid() int        { return 1 }
func (fakeHandle) Terminate() error { return nil }

func TestDriver_Terminate_WrongHandleType(t *testing.T) {
	bus := localbus.New()
	d := New(bus, Options{})
	info := scriptinfo.New(1000, 1, true, "script1", "", "", nil, nil)
	info.SetHandle(fakeHandle{})

	if _, err := d.Terminate(info); err == nil {
		t.Fatal("Terminate: want error for a non-*ChildHandle handle, got nil")
	}
}

func TestDriver_SetGroupID_SendFailureClearsInFlight(t *testing.T) {
	bus := localbus.New()
	_ = bus.Close() // closed bus: SendCommand returns localbus.ErrClosed
	d := New(bus, Options{})
	info := scriptinfo.New(1000, 1, true, "script1", "", "", nil, nil)

	err := d.SetGroupID(context.Background(), info, "gid")
	if err == nil {
		t.Fatal("SetGroupID: want error on closed bus, got nil")
	}
	if info.Snapshot().SettingGroupID {
		t.Error("SettingGroupID still true after a failed send")
	}
	if info.GroupID() != "" {
		t.Errorf("GroupID = %q, want empty after a failed send", info.GroupID())
	}
}
