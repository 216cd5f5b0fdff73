package vm

import (
	"errors"
	"strings"
	"testing"
)

type FakeExec struct {
	OutputText string
	OutputErr  error
	Calls      []string
	SpawnLog   string
}

func (f *FakeExec) record(name string, args ...string) {
	f.Calls = append(f.Calls, strings.Join(append([]string{name}, args...), " "))
}

func (f *FakeExec) Output(name string, args ...string) ([]byte, error) {
	f.record(name, args...)
	return []byte(f.OutputText), f.OutputErr
}

func (f *FakeExec) Run(name string, args ...string) error {
	f.record(name, args...)
	return nil
}

func (f *FakeExec) Spawn(logPath string, name string, args ...string) error {
	f.record(name, args...)
	f.SpawnLog = logPath
	return nil
}

func TestAdapter_State_ParsesListOutput(t *testing.T) {
	f := &FakeExec{OutputText: `[{"Name":"base","State":"stopped"},{"Name":"quest-1","State":"running"}]`}
	a := NewAdapter(f, "")

	cases := map[string]State{"base": StateStopped, "quest-1": StateRunning, "other": StateMissing}
	for name, want := range cases {
		got, err := a.State(name)
		if err != nil {
			t.Fatalf("state %s failed: %v", name, err)
		}
		if got != want {
			t.Fatalf("state %s: want %s got %s", name, want, got)
		}
	}
	if f.Calls[0] != "tart list --format json" {
		t.Fatalf("unexpected command: %s", f.Calls[0])
	}
}

func TestAdapter_State_AcceptsRunningFlag(t *testing.T) {
	f := &FakeExec{OutputText: `[{"Name":"quest-1","Running":true}]`}
	got, err := NewAdapter(f, "tart").State("quest-1")
	if err != nil || got != StateRunning {
		t.Fatalf("want running, got %s err=%v", got, err)
	}
}

func TestAdapter_ImageExists(t *testing.T) {
	f := &FakeExec{OutputText: `[{"Name":"base","State":"stopped"}]`}
	a := NewAdapter(f, "")
	if ok, err := a.ImageExists("base"); err != nil || !ok {
		t.Fatalf("expected base to exist, ok=%v err=%v", ok, err)
	}
	if ok, err := a.ImageExists("nope"); err != nil || ok {
		t.Fatalf("expected nope missing, ok=%v err=%v", ok, err)
	}

	f.OutputErr = errors.New("boom")
	if _, err := a.ImageExists("base"); err == nil {
		t.Fatal("expected list error to propagate")
	}
}

func TestAdapter_LifecycleCommands(t *testing.T) {
	f := &FakeExec{}
	a := NewAdapter(f, "vmctl")
	shared := t.TempDir()

	if err := a.Clone("base", "quest-1"); err != nil {
		t.Fatal(err)
	}
	if err := a.Start("quest-1", shared, shared+"/console.log"); err != nil {
		t.Fatal(err)
	}
	if err := a.Stop("quest-1"); err != nil {
		t.Fatal(err)
	}
	if err := a.Delete("quest-1"); err != nil {
		t.Fatal(err)
	}
	want := []string{
		"vmctl clone base quest-1",
		"vmctl run --no-graphics --dir=quest:" + shared + " quest-1",
		"vmctl stop --timeout 10 quest-1",
		"vmctl delete quest-1",
	}
	if strings.Join(f.Calls, "\n") != strings.Join(want, "\n") {
		t.Fatalf("unexpected commands:\n%s", strings.Join(f.Calls, "\n"))
	}
	if f.SpawnLog != shared+"/console.log" {
		t.Fatalf("unexpected console log path: %s", f.SpawnLog)
	}
}

func TestAdapter_StartRequiresSharedDir(t *testing.T) {
	f := &FakeExec{}
	if err := NewAdapter(f, "").Start("quest-1", "/definitely/missing/dir", "/tmp/x.log"); err == nil {
		t.Fatal("expected missing shared dir error")
	}
	if len(f.Calls) != 0 {
		t.Fatalf("no command should run, got %v", f.Calls)
	}
}
