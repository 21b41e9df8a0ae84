package cgroups_module

import (
	"fmt"
	"os"
	"path"
	"strconv"

	"code.cloudfoundry.org/lager/v3"

	"github.com/cloudfoundry-incubator/hutch/config"
	"github.com/cloudfoundry-incubator/hutch/linux_backend"
	"github.com/cloudfoundry-incubator/hutch/sysutil"
)

// DefaultCgroupRoot is the cgroup v2 unified hierarchy mount point.
const DefaultCgroupRoot = "/sys/fs/cgroup"

// CgroupsModule creates a per-instance cgroup v2 subtree, writes the
// configured resource limits, and enrolls the child before it starts
// consuming resources.
type CgroupsModule struct {
	cgroupRoot string
	sys        sysutil.Sysutil
	logger     lager.Logger

	cfg        *config.Config
	cgroupName string
	state      linux_backend.ModuleState
}

func New(cgroupRoot string, sys sysutil.Sysutil, logger lager.Logger) *CgroupsModule {
	return &CgroupsModule{
		cgroupRoot: cgroupRoot,
		sys:        sys,
		logger:     logger.Session("cgroups"),

		state: linux_backend.StateUninitialized,
	}
}

func (m *CgroupsModule) Name() string           { return "cgroups" }
func (m *CgroupsModule) Version() string        { return "1.0.0" }
func (m *CgroupsModule) Type() string           { return "isolation" }
func (m *CgroupsModule) Dependencies() []string { return nil }
func (m *CgroupsModule) Enabled() bool          { return true }

func (m *CgroupsModule) Description() string {
	return "Implements cgroup v2 resource limits for CPU, memory, and PID counts."
}

func (m *CgroupsModule) State() linux_backend.ModuleState {
	return m.state
}

// CgroupPath returns the full path of the created subtree, or "" before
// initialization and after cleanup.
func (m *CgroupsModule) CgroupPath() string {
	if m.cgroupName == "" {
		return ""
	}

	return path.Join(m.cgroupRoot, m.cgroupName)
}

func (m *CgroupsModule) Initialize(cfg *config.Config) error {
	m.cfg = cfg
	m.cgroupName = fmt.Sprintf("sandbox-%s-%d", cfg.Sandbox.Name, os.Getpid())

	m.logger.Debug("creating", lager.Data{"path": m.CgroupPath()})

	if err := m.sys.CreateCgroup(m.cgroupRoot, m.cgroupName); err != nil {
		m.logger.Error("create", err)
		m.state = linux_backend.StateError
		return err
	}

	if err := m.setMemoryLimits(cfg); err != nil {
		m.state = linux_backend.StateError
		return err
	}

	if err := m.setCPULimits(cfg); err != nil {
		m.state = linux_backend.StateError
		return err
	}

	if err := m.setPidLimits(cfg); err != nil {
		m.state = linux_backend.StateError
		return err
	}

	m.state = linux_backend.StateInitialized

	return nil
}

func (m *CgroupsModule) PrepareChild(cfg *config.Config, childPid int) error {
	m.logger.Debug("enrolling-child", lager.Data{"pid": childPid})

	if err := m.sys.AddToCgroup(m.cgroupRoot, m.cgroupName, childPid); err != nil {
		m.logger.Error("enroll-child", err)
		return err
	}

	return nil
}

func (m *CgroupsModule) ApplyChild(cfg *config.Config) error {
	return nil
}

func (m *CgroupsModule) Execute(cfg *config.Config) int {
	return 0
}

func (m *CgroupsModule) Cleanup() error {
	if m.cgroupName != "" {
		if err := m.sys.RemoveCgroup(m.cgroupRoot, m.cgroupName); err != nil {
			m.logger.Info("remove-failed", lager.Data{"error": err.Error()})
		}

		m.cgroupName = ""
	}

	m.state = linux_backend.StateStopped

	return nil
}

func (m *CgroupsModule) setMemoryLimits(cfg *config.Config) error {
	memoryBytes := cfg.Resources.MemoryMB * 1024 * 1024

	err := m.sys.SetCgroupValue(m.cgroupRoot, m.cgroupName, "memory.max",
		strconv.FormatInt(memoryBytes, 10))
	if err != nil {
		m.logger.Error("set-memory-max", err)
		return err
	}

	err = m.sys.SetCgroupValue(m.cgroupRoot, m.cgroupName, "memory.high",
		strconv.FormatInt(memoryBytes*8/10, 10))
	if err != nil {
		m.logger.Info("set-memory-high-failed", lager.Data{"error": err.Error()})
	}

	if !cfg.Resources.EnableSwap {
		err = m.sys.SetCgroupValue(m.cgroupRoot, m.cgroupName, "memory.swap.max", "0")
		if err != nil {
			m.logger.Info("set-swap-max-failed", lager.Data{"error": err.Error()})
		}
	}

	return nil
}

func (m *CgroupsModule) setCPULimits(cfg *config.Config) error {
	quotaMicroseconds := cfg.Resources.CPUQuotaPercent * 1000

	err := m.sys.SetCgroupValue(m.cgroupRoot, m.cgroupName, "cpu.max",
		fmt.Sprintf("%d 100000", quotaMicroseconds))
	if err != nil {
		m.logger.Error("set-cpu-max", err)
		return err
	}

	return nil
}

func (m *CgroupsModule) setPidLimits(cfg *config.Config) error {
	if cfg.Resources.MaxPids <= 0 {
		return nil
	}

	err := m.sys.SetCgroupValue(m.cgroupRoot, m.cgroupName, "pids.max",
		strconv.Itoa(cfg.Resources.MaxPids))
	if err != nil {
		m.logger.Error("set-pids-max", err)
		return err
	}

	return nil
}
