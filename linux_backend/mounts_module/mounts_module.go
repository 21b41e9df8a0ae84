package mounts_module

import (
	"code.cloudfoundry.org/lager/v3"
	"golang.org/x/sys/unix"

	"github.com/cloudfoundry-incubator/hutch/config"
	"github.com/cloudfoundry-incubator/hutch/linux_backend"
	"github.com/cloudfoundry-incubator/hutch/sysutil"
)

// MountsModule applies the configured bind mounts inside the child, in
// declared order, and unmounts them in reverse order on cleanup. It
// depends on rootfs: targets are evaluated relative to the new root.
type MountsModule struct {
	sys    sysutil.Sysutil
	logger lager.Logger

	cfg          *config.Config
	activeMounts []MountInfo
	state        linux_backend.ModuleState
}

type MountInfo struct {
	Source   string
	Target   string
	Flags    uintptr
	ReadOnly bool
}

func New(sys sysutil.Sysutil, logger lager.Logger) *MountsModule {
	return &MountsModule{
		sys:    sys,
		logger: logger.Session("mounts"),

		state: linux_backend.StateUninitialized,
	}
}

func (m *MountsModule) Name() string           { return "mounts" }
func (m *MountsModule) Version() string        { return "1.0.0" }
func (m *MountsModule) Type() string           { return "filesystem" }
func (m *MountsModule) Dependencies() []string { return []string{"rootfs"} }

func (m *MountsModule) Enabled() bool {
	return m.cfg == nil || len(m.cfg.Mounts.BindMounts) > 0
}

func (m *MountsModule) Description() string {
	return "Manages bind mounts and volumes for the sandbox filesystem."
}

func (m *MountsModule) State() linux_backend.ModuleState {
	return m.state
}

// ActiveMounts returns the mounts applied so far, in mount order.
func (m *MountsModule) ActiveMounts() []MountInfo {
	return m.activeMounts
}

func (m *MountsModule) Initialize(cfg *config.Config) error {
	m.cfg = cfg

	m.logger.Debug("initialized", lager.Data{"bind-mounts": len(cfg.Mounts.BindMounts)})

	m.state = linux_backend.StateInitialized

	return nil
}

func (m *MountsModule) PrepareChild(cfg *config.Config, childPid int) error {
	return nil
}

func (m *MountsModule) ApplyChild(cfg *config.Config) error {
	for _, mount := range cfg.Mounts.BindMounts {
		if err := m.applyBindMount(mount); err != nil {
			m.logger.Error("bind-mount", err, lager.Data{
				"source": mount.Source,
				"target": mount.Target,
			})

			return err
		}

		m.activeMounts = append(m.activeMounts, MountInfo{
			Source:   mount.Source,
			Target:   mount.Target,
			Flags:    unix.MS_BIND,
			ReadOnly: mount.ReadOnly,
		})
	}

	m.state = linux_backend.StateRunning

	return nil
}

func (m *MountsModule) Execute(cfg *config.Config) int {
	return 0
}

// Cleanup unmounts the configured targets in reverse declared order.
// The mounts were applied by the re-exec'd child, so the tuples
// recorded in ApplyChild do not survive into the parent's copy of the
// module; the target list is re-derived from the configuration.
func (m *MountsModule) Cleanup() error {
	if m.state == linux_backend.StateStopped {
		return nil
	}

	if m.cfg != nil {
		binds := m.cfg.Mounts.BindMounts

		for i := len(binds) - 1; i >= 0; i-- {
			target := binds[i].Target

			m.logger.Debug("unmounting", lager.Data{"target": target})

			if err := m.sys.Unmount(target, 0); err != nil {
				m.logger.Info("unmount-failed", lager.Data{"target": target, "error": err.Error()})
			}
		}
	}

	m.activeMounts = nil
	m.state = linux_backend.StateStopped

	return nil
}

func (m *MountsModule) applyBindMount(mount config.BindMount) error {
	// Missing sources are created rather than rejected; an absent host
	// path becomes an empty directory in the sandbox.
	if !m.sys.Exists(mount.Source) {
		m.logger.Info("creating-missing-source", lager.Data{"source": mount.Source})

		if err := m.sys.MkdirRecursive(mount.Source); err != nil {
			return err
		}
	}

	if mount.Target != "" && mount.Target != "/" {
		if err := m.sys.MkdirRecursive(mount.Target); err != nil {
			return err
		}
	}

	if err := m.sys.Mount(mount.Source, mount.Target, "bind", unix.MS_BIND, ""); err != nil {
		return err
	}

	if mount.ReadOnly {
		err := m.sys.Mount("", mount.Target, "bind", unix.MS_BIND|unix.MS_REMOUNT|unix.MS_RDONLY, "")
		if err != nil {
			m.logger.Info("readonly-remount-failed", lager.Data{
				"target": mount.Target,
				"error":  err.Error(),
			})
		}
	}

	return nil
}
