package linux_backend

import (
	"time"

	"github.com/cloudfoundry-incubator/hutch/config"
)

// ModuleState tracks a module through its lifecycle. Modules are created
// UNINITIALIZED, become INITIALIZED in the parent, RUNNING once their
// child-side work is applied, and STOPPED after cleanup.
type ModuleState string

const (
	StateUninitialized ModuleState = "uninitialized"
	StateInitialized   ModuleState = "initialized"
	StateRunning       ModuleState = "running"
	StateStopping      ModuleState = "stopping"
	StateStopped       ModuleState = "stopped"
	StateError         ModuleState = "error"
)

// Module is the uniform lifecycle contract every isolation primitive
// implements. Initialize, PrepareChild and Cleanup run in the parent
// process; ApplyChild and Execute run in the child, inside the new
// namespaces. PrepareChild may run concurrently with the child's
// ApplyChild chain.
type Module interface {
	Name() string
	Version() string
	Type() string
	Description() string

	Dependencies() []string
	Enabled() bool
	State() ModuleState

	Initialize(cfg *config.Config) error
	PrepareChild(cfg *config.Config, childPid int) error
	ApplyChild(cfg *config.Config) error
	Execute(cfg *config.Config) int
	Cleanup() error
}

// SandboxState is the manager's lifecycle state; strictly monotonic
// within a single run.
type SandboxState string

const (
	SandboxStateCreated      SandboxState = "created"
	SandboxStateInitializing SandboxState = "initializing"
	SandboxStatePreparing    SandboxState = "preparing"
	SandboxStateRunning      SandboxState = "running"
	SandboxStateStopping     SandboxState = "stopping"
	SandboxStateStopped      SandboxState = "stopped"
	SandboxStateError        SandboxState = "error"
)

// Result is emitted once per run. A negative ExitCode encodes the
// terminating signal.
type Result struct {
	RunID         string
	ExitCode      int
	Success       bool
	ErrorMessage  string
	ExecutionTime time.Duration
	Stdout        string
	ChildPID      int
}
