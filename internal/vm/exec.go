package vm

import (
	"fmt"
	"os"
	"os/exec"
	"strings"
)

type Exec interface {
	Output(name string, args ...string) ([]byte, error)
	Run(name string, args ...string) error
	// Spawn starts a detached process whose stdout and stderr go to logPath.
	Spawn(logPath string, name string, args ...string) error
}

type RealExec struct{}

func (r *RealExec) Output(name string, args ...string) ([]byte, error) {
	out, err := exec.Command(name, args...).CombinedOutput()
	if err != nil {
		msg := strings.TrimSpace(string(out))
		if msg != "" {
			return out, fmt.Errorf("%w: %s", err, msg)
		}
		return out, err
	}
	return out, nil
}

func (r *RealExec) Run(name string, args ...string) error {
	_, err := r.Output(name, args...)
	return err
}

func (r *RealExec) Spawn(logPath string, name string, args ...string) error {
	logFile, err := os.OpenFile(logPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return err
	}
	cmd := exec.Command(name, args...)
	cmd.Stdout = logFile
	cmd.Stderr = logFile
	if err := cmd.Start(); err != nil {
		_ = logFile.Close()
		return err
	}
	go func() {
		_ = cmd.Wait()
		_ = logFile.Close()
	}()
	return nil
}
