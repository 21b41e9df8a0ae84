package child

import (
	"fmt"
	"os"
	"unsafe"

	"code.cloudfoundry.org/lager/v3"
	"golang.org/x/sys/unix"

	"github.com/cloudfoundry-incubator/hutch/command_runner"
	"github.com/cloudfoundry-incubator/hutch/linux_backend"
	"github.com/cloudfoundry-incubator/hutch/linux_backend/caps_module"
	"github.com/cloudfoundry-incubator/hutch/linux_backend/cgroups_module"
	"github.com/cloudfoundry-incubator/hutch/linux_backend/mounts_module"
	"github.com/cloudfoundry-incubator/hutch/linux_backend/namespaces_module"
	"github.com/cloudfoundry-incubator/hutch/linux_backend/rootfs_module"
	"github.com/cloudfoundry-incubator/hutch/linux_backend/seccomp_module"
	"github.com/cloudfoundry-incubator/hutch/sysutil"
)

// InitArg is the hidden first argument that re-enters the binary as the
// sandboxed child. The manager launches /proc/self/exe with it and the
// namespace clone flags; main routes it here before flag parsing.
const InitArg = "child-init"

// StateFD is the file descriptor the state pipe arrives on.
const StateFD = 3

// Main is the child side of the fork boundary: decode the state
// envelope, apply every module inside the new namespaces, then exec the
// target command. It never returns.
func Main() {
	stateFile := os.NewFile(uintptr(StateFD), "state")
	if stateFile == nil {
		fail(fmt.Errorf("state pipe not inherited"))
	}

	state, err := ReadState(stateFile)
	if err != nil {
		fail(fmt.Errorf("failed to read state: %s", err))
	}

	stateFile.Close()

	cfg := &state.Config

	setProcessTitle(cfg.Sandbox.Name)

	// Diagnostics go to the inherited stderr; fd 1 is the capture pipe
	// and belongs to the target command alone.
	logger := lager.NewLogger("hutch-child")
	logger.RegisterSink(lager.NewWriterSink(os.Stderr, logLevel(cfg.Logging.Level)))

	modules := buildModules(state.Modules, logger)

	for _, module := range modules {
		if err := module.ApplyChild(cfg); err != nil {
			logger.Error("apply-child", err, lager.Data{"module": module.Name()})
			os.Exit(1)
		}
	}

	for _, module := range modules {
		if status := module.Execute(cfg); status != 0 {
			os.Exit(status)
		}
	}

	argv := cfg.Sandbox.Command

	if err := unix.Exec(argv[0], argv, os.Environ()); err != nil {
		logger.Error("exec", err, lager.Data{"command": argv[0]})
	}

	os.Exit(1)
}

func buildModules(names []string, logger lager.Logger) []linux_backend.Module {
	sys := sysutil.New()
	runner := command_runner.New()

	known := map[string]linux_backend.Module{
		"namespaces": namespaces_module.New(sys, logger),
		"cgroups":    cgroups_module.New(cgroups_module.DefaultCgroupRoot, sys, logger),
		"rootfs":     rootfs_module.New(sys, runner, logger),
		"mounts":     mounts_module.New(sys, logger),
		"caps":       caps_module.New(logger),
		"seccomp":    seccomp_module.New(sys, logger),
	}

	var modules []linux_backend.Module

	for _, name := range names {
		module, ok := known[name]
		if !ok {
			// Parent-only modules (the AI advisor, custom
			// registrations) have no child-side work.
			logger.Debug("skipping-parent-only-module", lager.Data{"module": name})
			continue
		}

		modules = append(modules, module)
	}

	return modules
}

func setProcessTitle(name string) {
	title := append([]byte(name), 0)
	unix.Prctl(unix.PR_SET_NAME, uintptr(unsafe.Pointer(&title[0])), 0, 0, 0)
}

func logLevel(level string) lager.LogLevel {
	switch level {
	case "debug":
		return lager.DEBUG
	case "error":
		return lager.ERROR
	case "fatal":
		return lager.FATAL
	default:
		return lager.INFO
	}
}

func fail(err error) {
	fmt.Fprintln(os.Stderr, "hutch child:", err)
	os.Exit(1)
}
