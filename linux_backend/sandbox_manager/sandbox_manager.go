package sandbox_manager

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"code.cloudfoundry.org/lager/v3"
	"github.com/google/uuid"

	"github.com/cloudfoundry-incubator/hutch/command_runner"
	"github.com/cloudfoundry-incubator/hutch/config"
	"github.com/cloudfoundry-incubator/hutch/linux_backend"
	"github.com/cloudfoundry-incubator/hutch/linux_backend/child"
	"github.com/cloudfoundry-incubator/hutch/linux_backend/namespaces_module"
)

// childBinPath is re-exec'd with child.InitArg to cross the fork
// boundary inside the configured namespaces.
const childBinPath = "/proc/self/exe"

const stopPollInterval = 100 * time.Millisecond

// SandboxManager owns the registered module set and the child process.
// It resolves module dependencies into a deterministic execution order
// and drives the five-phase lifecycle around a single fork.
type SandboxManager struct {
	cfg    *config.Config
	runner command_runner.CommandRunner
	logger lager.Logger

	modulesMutex      sync.RWMutex
	modules           map[string]linux_backend.Module
	registrationOrder []string
	executionOrder    []linux_backend.Module

	stateMutex sync.RWMutex
	state      linux_backend.SandboxState

	childMutex  sync.Mutex
	childCmd    *exec.Cmd
	childPid    int
	childExited chan struct{}
}

func New(cfg *config.Config, runner command_runner.CommandRunner, logger lager.Logger) *SandboxManager {
	return &SandboxManager{
		cfg:    cfg,
		runner: runner,
		logger: logger.Session("sandbox-manager"),

		modules: make(map[string]linux_backend.Module),

		state: linux_backend.SandboxStateCreated,
	}
}

// RegisterModule adds a module under its unique name. Re-registering a
// name replaces the previous module and warns.
func (m *SandboxManager) RegisterModule(module linux_backend.Module) {
	m.modulesMutex.Lock()
	defer m.modulesMutex.Unlock()

	name := module.Name()

	if _, found := m.modules[name]; found {
		m.logger.Info("replacing-module", lager.Data{"module": name})
	} else {
		m.registrationOrder = append(m.registrationOrder, name)
	}

	m.modules[name] = module
}

// UnregisterModule removes the named module, reporting whether it was
// registered.
func (m *SandboxManager) UnregisterModule(name string) bool {
	m.modulesMutex.Lock()
	defer m.modulesMutex.Unlock()

	if _, found := m.modules[name]; !found {
		return false
	}

	delete(m.modules, name)

	for i, registered := range m.registrationOrder {
		if registered == name {
			m.registrationOrder = append(m.registrationOrder[:i], m.registrationOrder[i+1:]...)
			break
		}
	}

	return true
}

// Module returns the named module, or nil when not registered.
func (m *SandboxManager) Module(name string) linux_backend.Module {
	m.modulesMutex.RLock()
	defer m.modulesMutex.RUnlock()

	return m.modules[name]
}

// ExecutionOrder returns the module order resolved by the last run.
func (m *SandboxManager) ExecutionOrder() []linux_backend.Module {
	m.modulesMutex.RLock()
	defer m.modulesMutex.RUnlock()

	order := make([]linux_backend.Module, len(m.executionOrder))
	copy(order, m.executionOrder)

	return order
}

func (m *SandboxManager) State() linux_backend.SandboxState {
	m.stateMutex.RLock()
	defer m.stateMutex.RUnlock()

	return m.state
}

func (m *SandboxManager) ChildPid() int {
	m.childMutex.Lock()
	defer m.childMutex.Unlock()

	return m.childPid
}

func (m *SandboxManager) IsRunning() bool {
	return m.State() == linux_backend.SandboxStateRunning && m.ChildPid() > 0
}

// Run drives one complete sandbox lifecycle and reports its result. The
// child side of the fork never returns through here; it re-enters the
// binary via child.Main.
func (m *SandboxManager) Run() linux_backend.Result {
	started := time.Now()

	result := linux_backend.Result{
		RunID:    uuid.NewString(),
		ExitCode: -1,
	}

	runLog := m.logger.Session("run", lager.Data{
		"id":      result.RunID,
		"sandbox": m.cfg.Sandbox.Name,
	})

	runLog.Info("starting")

	m.setState(linux_backend.SandboxStateInitializing)

	m.resolveDependencies(runLog)

	if err := m.initializeModules(runLog); err != nil {
		result.ErrorMessage = err.Error()
		return m.failRun(runLog, result, started)
	}

	stdoutRead, stdoutWrite, err := os.Pipe()
	if err != nil {
		result.ErrorMessage = fmt.Sprintf("failed to create stdout pipe: %s", err)
		runLog.Error("create-stdout-pipe", err)
		return m.failRun(runLog, result, started)
	}

	stateRead, stateWrite, err := os.Pipe()
	if err != nil {
		stdoutRead.Close()
		stdoutWrite.Close()
		result.ErrorMessage = fmt.Sprintf("failed to create state pipe: %s", err)
		runLog.Error("create-state-pipe", err)
		return m.failRun(runLog, result, started)
	}

	m.setState(linux_backend.SandboxStatePreparing)

	cmd := &exec.Cmd{
		Path:       childBinPath,
		Args:       []string{"hutch", child.InitArg},
		Stdout:     stdoutWrite,
		Stderr:     os.Stderr,
		ExtraFiles: []*os.File{stateRead},
		SysProcAttr: &syscall.SysProcAttr{
			Cloneflags: namespaces_module.CloneFlags(m.cfg),
		},
	}

	runLog.Info("forking-child")

	if err := m.runner.Start(cmd); err != nil {
		stdoutRead.Close()
		stdoutWrite.Close()
		stateRead.Close()
		stateWrite.Close()
		result.ErrorMessage = fmt.Sprintf("failed to start child process: %s", err)
		runLog.Error("start-child", err)
		return m.failRun(runLog, result, started)
	}

	stdoutWrite.Close()
	stateRead.Close()

	childExited := make(chan struct{})

	pid := 0
	if cmd.Process != nil {
		pid = cmd.Process.Pid
	}

	m.childMutex.Lock()
	m.childCmd = cmd
	m.childPid = pid
	m.childExited = childExited
	m.childMutex.Unlock()

	result.ChildPID = pid

	m.setState(linux_backend.SandboxStateRunning)

	runLog.Info("child-started", lager.Data{"pid": pid})

	if err := child.WriteState(stateWrite, child.State{
		Config:  *m.cfg,
		Modules: m.executionOrderNames(),
	}); err != nil {
		runLog.Error("write-state", err)
		m.runner.Kill(cmd)
		result.ErrorMessage = fmt.Sprintf("failed to hand state to child: %s", err)
	}

	stateWrite.Close()

	prepareErr := m.prepareChild(runLog, pid)
	if prepareErr != nil {
		runLog.Error("prepare-child", prepareErr)
		m.runner.Kill(cmd)
		result.ErrorMessage = fmt.Sprintf("failed to prepare child process: %s", prepareErr)
	}

	var stdout bytes.Buffer
	io.Copy(&stdout, stdoutRead)
	stdoutRead.Close()

	waitErr := m.runner.Wait(cmd)
	close(childExited)

	result.Stdout = stdout.String()

	switch waitErr := waitErr.(type) {
	case nil:
		result.ExitCode = 0
		result.Success = true
	case *exec.ExitError:
		status := waitErr.Sys().(syscall.WaitStatus)

		if status.Signaled() {
			result.ExitCode = -int(status.Signal())
			result.ErrorMessage = fmt.Sprintf("killed by signal: %d", status.Signal())
		} else {
			result.ExitCode = status.ExitStatus()
			result.Success = result.ExitCode == 0
		}
	default:
		result.ErrorMessage = fmt.Sprintf("failed to wait for child: %s", waitErr)
	}

	if prepareErr != nil || result.ErrorMessage != "" {
		result.Success = false
	}

	m.setState(linux_backend.SandboxStateStopping)

	m.cleanupModules(runLog)

	m.childMutex.Lock()
	m.childCmd = nil
	m.childPid = 0
	m.childMutex.Unlock()

	m.setState(linux_backend.SandboxStateStopped)

	result.ExecutionTime = time.Since(started)

	runLog.Info("completed", lager.Data{
		"exit-code":   result.ExitCode,
		"success":     result.Success,
		"duration-ms": result.ExecutionTime.Milliseconds(),
	})

	return result
}

// RunAsync runs the sandbox in the background; the returned channel
// yields the result exactly once.
func (m *SandboxManager) RunAsync() <-chan linux_backend.Result {
	results := make(chan linux_backend.Result, 1)

	go func() {
		results <- m.Run()
	}()

	return results
}

// Stop terminates a running child: SIGTERM, a grace window polled every
// 100ms, then SIGKILL. It is a no-op returning true when no child is
// running.
func (m *SandboxManager) Stop(timeout time.Duration) bool {
	m.childMutex.Lock()
	cmd := m.childCmd
	exited := m.childExited
	m.childMutex.Unlock()

	if cmd == nil {
		return true
	}

	m.logger.Info("stopping", lager.Data{"timeout": timeout.String()})

	m.runner.Signal(cmd, syscall.SIGTERM)

	deadline := time.Now().Add(timeout)

	for time.Now().Before(deadline) {
		select {
		case <-exited:
			return true
		case <-time.After(stopPollInterval):
		}
	}

	m.logger.Info("graceful-shutdown-failed-killing")

	m.runner.Kill(cmd)
	<-exited

	return true
}

// resolveDependencies produces a deterministic topological order over
// the registered modules. Ties follow registration order; cycles warn
// and break at the offending node.
func (m *SandboxManager) resolveDependencies(logger lager.Logger) {
	m.modulesMutex.Lock()
	defer m.modulesMutex.Unlock()

	m.executionOrder = nil

	visited := make(map[string]bool)
	visiting := make(map[string]bool)

	var visit func(name string)
	visit = func(name string) {
		if visiting[name] {
			logger.Info("circular-dependency", lager.Data{"module": name})
			return
		}

		if visited[name] {
			return
		}

		module, found := m.modules[name]
		if !found {
			logger.Info("unknown-dependency", lager.Data{"module": name})
			return
		}

		visiting[name] = true

		for _, dependency := range module.Dependencies() {
			visit(dependency)
		}

		delete(visiting, name)
		visited[name] = true

		m.executionOrder = append(m.executionOrder, module)
	}

	for _, name := range m.registrationOrder {
		visit(name)
	}

	// Seccomp installs last among the child-side steps: any module
	// running after it would need its own syscalls admitted by the
	// filter. This holds regardless of registration order.
	for i, module := range m.executionOrder {
		if module.Name() == "seccomp" {
			m.executionOrder = append(m.executionOrder[:i], m.executionOrder[i+1:]...)
			m.executionOrder = append(m.executionOrder, module)
			break
		}
	}

	logger.Debug("resolved-execution-order", lager.Data{"modules": len(m.executionOrder)})
}

func (m *SandboxManager) executionOrderNames() []string {
	m.modulesMutex.RLock()
	defer m.modulesMutex.RUnlock()

	names := make([]string, len(m.executionOrder))
	for i, module := range m.executionOrder {
		names[i] = module.Name()
	}

	return names
}

func (m *SandboxManager) initializeModules(logger lager.Logger) error {
	for _, module := range m.ExecutionOrder() {
		logger.Info("initializing-module", lager.Data{"module": module.Name()})

		if err := module.Initialize(m.cfg); err != nil {
			logger.Error("initialize-module", err, lager.Data{"module": module.Name()})
			return fmt.Errorf("failed to initialize module %s: %s", module.Name(), err)
		}
	}

	return nil
}

func (m *SandboxManager) prepareChild(logger lager.Logger, pid int) error {
	for _, module := range m.ExecutionOrder() {
		if err := module.PrepareChild(m.cfg, pid); err != nil {
			return fmt.Errorf("failed to prepare module %s: %s", module.Name(), err)
		}
	}

	return nil
}

// cleanupModules releases module resources in reverse execution order;
// failures are logged and accumulated but never interrupt the sweep.
func (m *SandboxManager) cleanupModules(logger lager.Logger) {
	order := m.ExecutionOrder()

	for i := len(order) - 1; i >= 0; i-- {
		module := order[i]

		logger.Info("cleaning-up-module", lager.Data{"module": module.Name()})

		if err := module.Cleanup(); err != nil {
			logger.Error("cleanup-module", err, lager.Data{"module": module.Name()})
		}
	}
}

// failRun finalizes an aborted run: cleanup still runs, the state lands
// on ERROR, and the result carries the failure.
func (m *SandboxManager) failRun(logger lager.Logger, result linux_backend.Result, started time.Time) linux_backend.Result {
	m.cleanupModules(logger)

	m.setState(linux_backend.SandboxStateError)

	result.Success = false
	result.ExecutionTime = time.Since(started)

	return result
}

func (m *SandboxManager) setState(state linux_backend.SandboxState) {
	m.stateMutex.Lock()
	defer m.stateMutex.Unlock()

	m.logger.Debug("state-transition", lager.Data{"from": m.state, "to": state})

	m.state = state
}
