package application

import (
	"log/slog"

	"lantern/cli/internal/agentloop"
	"lantern/cli/internal/vm"
)

// StartOptions defines the runtime inputs of the agent process.
type StartOptions struct {
	ConfigDir string
	DBDSN     string
	LocalHost string
	LocalPort int
	Service   ServiceOptions
	Logger    *slog.Logger

	// API replaces the reasoning service client.
	API agentloop.API
	// VMExec replaces the process runner behind the VM CLI and notifications.
	VMExec vm.Exec
}

// ServiceOptions are environment overrides for the reasoning service.
type ServiceOptions struct {
	Endpoint string
	Model    string
	APIKey   string
}
