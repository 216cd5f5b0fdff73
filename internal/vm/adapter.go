package vm

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"
)

type State string

const (
	StateRunning State = "running"
	StateStopped State = "stopped"
	StateMissing State = "missing"

	DefaultBinary = "tart"
	// SharedTag is the virtiofs tag the guest mounts the run directory from.
	SharedTag = "quest"
)

// Adapter drives a tart-compatible VM CLI.
type Adapter struct {
	exec   Exec
	binary string
}

type listedVM struct {
	Name    string `json:"Name"`
	State   string `json:"State"`
	Running *bool  `json:"Running,omitempty"`
}

func NewAdapter(e Exec, binary string) *Adapter {
	binary = strings.TrimSpace(binary)
	if binary == "" {
		binary = DefaultBinary
	}
	return &Adapter{exec: e, binary: binary}
}

func (a *Adapter) Binary() string {
	return a.binary
}

func (a *Adapter) list() ([]listedVM, error) {
	out, err := a.exec.Output(a.binary, "list", "--format", "json")
	if err != nil {
		return nil, err
	}
	text := strings.TrimSpace(string(out))
	if text == "" {
		return nil, nil
	}
	var vms []listedVM
	if err := json.Unmarshal([]byte(text), &vms); err != nil {
		return nil, fmt.Errorf("unexpected %s list output: %w", a.binary, err)
	}
	return vms, nil
}

func (a *Adapter) ImageExists(name string) (bool, error) {
	st, err := a.State(name)
	if err != nil {
		return false, err
	}
	return st != StateMissing, nil
}

func (a *Adapter) State(name string) (State, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return StateMissing, errors.New("vm name is required")
	}
	vms, err := a.list()
	if err != nil {
		return "", err
	}
	for _, vm := range vms {
		if vm.Name != name {
			continue
		}
		if vm.Running != nil {
			if *vm.Running {
				return StateRunning, nil
			}
			return StateStopped, nil
		}
		if strings.EqualFold(strings.TrimSpace(vm.State), string(StateRunning)) {
			return StateRunning, nil
		}
		return StateStopped, nil
	}
	return StateMissing, nil
}

func (a *Adapter) Clone(source, name string) error {
	return a.exec.Run(a.binary, "clone", source, name)
}

// Start boots name headless with sharedDir mounted under SharedTag; console
// output is appended to consoleLog.
func (a *Adapter) Start(name, sharedDir, consoleLog string) error {
	if _, err := os.Stat(sharedDir); err != nil {
		return fmt.Errorf("shared dir: %w", err)
	}
	return a.exec.Spawn(consoleLog, a.binary, "run", "--no-graphics", "--dir="+SharedTag+":"+sharedDir, name)
}

func (a *Adapter) Stop(name string) error {
	return a.exec.Run(a.binary, "stop", "--timeout", "10", name)
}

func (a *Adapter) Delete(name string) error {
	return a.exec.Run(a.binary, "delete", name)
}
