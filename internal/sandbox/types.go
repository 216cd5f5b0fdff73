package sandbox

import (
	"errors"
	"time"

	"lantern/cli/internal/vm"
)

var (
	ErrAlreadyRunning = errors.New("a sub-agent is already running")
	ErrNotProvisioned = errors.New("sandbox base image is not provisioned")
	ErrCreateFailed   = errors.New("sandbox create failed")
)

type Status string

const (
	StatusCompleted   Status = "completed"
	StatusErrored     Status = "errored"
	StatusTimedOut    Status = "timed_out"
	StatusCancelled   Status = "cancelled"
	StatusInterrupted Status = "interrupted"
)

// Driver is the VM lifecycle surface the supervisor needs; vm.Adapter implements it.
type Driver interface {
	ImageExists(name string) (bool, error)
	Clone(source, name string) error
	Start(name, sharedDir, consoleLog string) error
	State(name string) (vm.State, error)
	Stop(name string) error
	Delete(name string) error
}

var _ Driver = (*vm.Adapter)(nil)

// QuestInfo is the tracking record of a spawned run.
type QuestInfo struct {
	ID             string    `json:"id"`
	Goal           string    `json:"goal"`
	Model          string    `json:"model"`
	MaxTurns       int       `json:"max_turns"`
	MaxBudgetUSD   float64   `json:"max_budget_usd"`
	TimeoutSeconds int       `json:"timeout_seconds"`
	StartedAt      time.Time `json:"started_at"`
	VMName         string    `json:"vm_name"`
}

type QuestResult struct {
	ID         string    `json:"id"`
	Goal       string    `json:"goal"`
	Status     Status    `json:"status"`
	Summary    string    `json:"summary"`
	CostUSD    float64   `json:"cost_usd,omitempty"`
	FinishedAt time.Time `json:"finished_at"`
}

type SpawnRequest struct {
	Goal         string
	Model        string
	MaxTurns     int
	MaxBudgetUSD float64
	// Timeout is clamped to the supervisor's maximum; zero means the default.
	Timeout time.Duration
}

// goalArtifact is read by the worker from its shared directory.
type goalArtifact struct {
	ID             string    `json:"id"`
	Goal           string    `json:"goal"`
	Model          string    `json:"model"`
	MaxTurns       int       `json:"max_turns"`
	MaxBudgetUSD   float64   `json:"max_budget_usd"`
	TimeoutSeconds int       `json:"timeout_seconds"`
	APIKey         string    `json:"api_key,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
}

// workerResult is what the worker writes before powering off.
type workerResult struct {
	Status  string  `json:"status"`
	Summary string  `json:"summary"`
	CostUSD float64 `json:"cost_usd"`
}
