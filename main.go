package main

import (
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"code.cloudfoundry.org/lager/v3"

	"github.com/cloudfoundry-incubator/hutch/advisor"
	"github.com/cloudfoundry-incubator/hutch/command_runner"
	"github.com/cloudfoundry-incubator/hutch/config"
	"github.com/cloudfoundry-incubator/hutch/linux_backend/caps_module"
	"github.com/cloudfoundry-incubator/hutch/linux_backend/cgroups_module"
	"github.com/cloudfoundry-incubator/hutch/linux_backend/child"
	"github.com/cloudfoundry-incubator/hutch/linux_backend/mounts_module"
	"github.com/cloudfoundry-incubator/hutch/linux_backend/namespaces_module"
	"github.com/cloudfoundry-incubator/hutch/linux_backend/rootfs_module"
	"github.com/cloudfoundry-incubator/hutch/linux_backend/sandbox_manager"
	"github.com/cloudfoundry-incubator/hutch/linux_backend/seccomp_module"
	"github.com/cloudfoundry-incubator/hutch/sysutil"
)

const version = "1.0.0"

const stopGraceTime = 1000 * time.Millisecond

var configPath string
var sandboxName string
var showHelp bool
var showVersion bool
var debug bool
var enableAI bool

func init() {
	flag.StringVar(&configPath, "config", "", "configuration file path")
	flag.StringVar(&configPath, "c", "", "configuration file path (shorthand)")
	flag.StringVar(&sandboxName, "name", "", "sandbox instance name")
	flag.StringVar(&sandboxName, "n", "", "sandbox instance name (shorthand)")
	flag.BoolVar(&showHelp, "help", false, "show this help message")
	flag.BoolVar(&showHelp, "h", false, "show this help message (shorthand)")
	flag.BoolVar(&showVersion, "version", false, "show version information")
	flag.BoolVar(&showVersion, "v", false, "show version information (shorthand)")
	flag.BoolVar(&debug, "debug", false, "enable debug logging")
	flag.BoolVar(&debug, "d", false, "enable debug logging (shorthand)")
	flag.BoolVar(&enableAI, "ai", false, "enable the AI advisor module")
}

func main() {
	// The sandboxed child re-enters this binary; route it before flag
	// parsing so user options never collide with the hidden argument.
	if len(os.Args) > 1 && os.Args[1] == child.InitArg {
		child.Main()
		return
	}

	flag.Usage = printUsage
	flag.Parse()

	if showHelp {
		printUsage()
		os.Exit(0)
	}

	if showVersion {
		fmt.Printf("hutch version %s\n", version)
		os.Exit(0)
	}

	cfg, err := loadConfig()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	if sandboxName != "" {
		cfg.Sandbox.Name = sandboxName
	}

	if enableAI {
		cfg.AIModule.Enabled = true
	}

	if command := flag.Args(); len(command) > 0 {
		cfg.Sandbox.Command = command
	}

	if debug {
		cfg.Logging.Level = "debug"
	}

	logger, err := buildLogger(cfg.Logging)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	logger.Info("starting", lager.Data{"command": cfg.Sandbox.Command[0]})

	sys := sysutil.New()
	runner := command_runner.New()

	manager := sandbox_manager.New(&cfg, runner, logger)

	manager.RegisterModule(namespaces_module.New(sys, logger))
	manager.RegisterModule(cgroups_module.New(cgroups_module.DefaultCgroupRoot, sys, logger))
	manager.RegisterModule(rootfs_module.New(sys, runner, logger))
	manager.RegisterModule(mounts_module.New(sys, logger))
	manager.RegisterModule(caps_module.New(logger))
	manager.RegisterModule(seccomp_module.New(sys, logger))

	agent := advisor.New(logger)
	manager.RegisterModule(agent)

	stopOnSignal(manager, logger)

	result := manager.Run()

	if result.Success {
		logger.Info("sandbox-succeeded")
	} else {
		logger.Error("sandbox-failed", fmt.Errorf("%s", result.ErrorMessage))

		if agent.Enabled() && cfg.AIModule.AutoReportErrors {
			diagnosis := agent.AnalyzeError(result.ErrorMessage, []string{result.Stdout})
			if diagnosis.Success {
				fmt.Fprintln(os.Stderr, diagnosis.Content)
			}
		}
	}

	if result.Stdout != "" {
		fmt.Print(result.Stdout)
	}

	os.Exit(result.ExitCode)
}

func loadConfig() (config.Config, error) {
	path := configPath
	if path == "" {
		path = config.DefaultPath()
	}

	if path == "" {
		return config.Default(), nil
	}

	if !config.IsValidConfigFile(path) {
		return config.Config{}, fmt.Errorf("invalid configuration file: %s", path)
	}

	return config.ParseFile(path)
}

func buildLogger(logging config.LoggingConfig) (lager.Logger, error) {
	logger := lager.NewLogger("hutch")

	level := lager.INFO
	switch logging.Level {
	case "debug":
		level = lager.DEBUG
	case "error":
		level = lager.ERROR
	case "fatal":
		level = lager.FATAL
	}

	if logging.Output == "stdout" || logging.Output == "both" || logging.Output == "" {
		logger.RegisterSink(lager.NewWriterSink(os.Stdout, level))
	}

	if logging.Output == "file" || logging.Output == "both" {
		if err := os.MkdirAll(filepath.Dir(logging.LogFile), 0755); err != nil {
			return nil, fmt.Errorf("failed to create log directory: %s", err)
		}

		logFile, err := os.OpenFile(logging.LogFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
		if err != nil {
			return nil, fmt.Errorf("failed to open log file: %s", err)
		}

		logger.RegisterSink(lager.NewWriterSink(logFile, level))
	}

	return logger, nil
}

func stopOnSignal(manager *sandbox_manager.SandboxManager, logger lager.Logger) {
	signals := make(chan os.Signal, 1)
	signal.Notify(signals, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		received := <-signals
		logger.Info("signalled", lager.Data{"signal": received.String()})
		manager.Stop(stopGraceTime)
	}()
}

func printUsage() {
	fmt.Printf(`Usage: hutch [OPTIONS] -- COMMAND [ARGS...]

Options:
  -c, --config FILE     Configuration file path
  -n, --name NAME       Sandbox instance name
  -h, --help            Show this help message
  -v, --version         Show version information
  -d, --debug           Enable debug logging
      --ai              Enable the AI advisor module

Examples:
  hutch --config /etc/sandbox/default.json -- /bin/bash
  hutch -n mysandbox -- /bin/ls -la
  hutch --ai -c config.json -- /bin/echo 'Hello'
`)
}
