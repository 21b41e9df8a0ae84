package namespaces_module

import (
	"code.cloudfoundry.org/lager/v3"
	"github.com/vishvananda/netlink"
	"golang.org/x/sys/unix"

	"github.com/cloudfoundry-incubator/hutch/config"
	"github.com/cloudfoundry-incubator/hutch/linux_backend"
	"github.com/cloudfoundry-incubator/hutch/sysutil"
)

// NamespacesModule translates the configured namespace set into clone
// flags for the manager and finishes namespace setup inside the child:
// uid/gid maps, /proc and /sys, hostname, loopback.
type NamespacesModule struct {
	sys    sysutil.Sysutil
	logger lager.Logger

	cfg   *config.Config
	state linux_backend.ModuleState
}

var cloneFlags = map[string]uintptr{
	"pid":   unix.CLONE_NEWPID,
	"net":   unix.CLONE_NEWNET,
	"ipc":   unix.CLONE_NEWIPC,
	"uts":   unix.CLONE_NEWUTS,
	"mount": unix.CLONE_NEWNS,
	"user":  unix.CLONE_NEWUSER,
}

// CloneFlags returns the clone-flag mask for the configured namespace
// set. The manager passes this to the kernel when creating the child.
func CloneFlags(cfg *config.Config) uintptr {
	var flags uintptr

	for _, name := range cfg.Isolation.Namespaces {
		flags |= cloneFlags[name]
	}

	return flags
}

func New(sys sysutil.Sysutil, logger lager.Logger) *NamespacesModule {
	return &NamespacesModule{
		sys:    sys,
		logger: logger.Session("namespaces"),

		state: linux_backend.StateUninitialized,
	}
}

func (m *NamespacesModule) Name() string        { return "namespaces" }
func (m *NamespacesModule) Version() string     { return "1.0.0" }
func (m *NamespacesModule) Type() string        { return "isolation" }
func (m *NamespacesModule) Dependencies() []string { return nil }
func (m *NamespacesModule) Enabled() bool       { return true }

func (m *NamespacesModule) Description() string {
	return "Implements Linux namespace isolation for process, network, mount, UTS, IPC, and user namespaces."
}

func (m *NamespacesModule) State() linux_backend.ModuleState {
	return m.state
}

func (m *NamespacesModule) Initialize(cfg *config.Config) error {
	m.cfg = cfg
	m.state = linux_backend.StateInitialized

	m.logger.Debug("initialized", lager.Data{
		"namespaces": cfg.Isolation.Namespaces,
		"user-ns":    m.selected(cfg, "user"),
	})

	return nil
}

func (m *NamespacesModule) PrepareChild(cfg *config.Config, childPid int) error {
	return nil
}

func (m *NamespacesModule) ApplyChild(cfg *config.Config) error {
	if m.selected(cfg, "user") {
		if err := m.applyUserMappings(cfg); err != nil {
			return err
		}
	}

	if m.selected(cfg, "pid") {
		err := m.sys.Mount("proc", "/proc", "proc", unix.MS_NOSUID|unix.MS_NOEXEC|unix.MS_NODEV, "")
		if err != nil {
			m.logger.Error("mount-proc", err)
			return err
		}
	}

	if m.selected(cfg, "mount") {
		err := m.sys.Mount("sysfs", "/sys", "sysfs", unix.MS_NOSUID|unix.MS_NOEXEC|unix.MS_NODEV, "")
		if err != nil {
			m.logger.Info("mount-sys-failed", lager.Data{"error": err.Error()})
		}
	}

	if m.selected(cfg, "uts") {
		if err := m.sys.SetHostname(cfg.Sandbox.Hostname); err != nil {
			m.logger.Info("set-hostname-failed", lager.Data{"error": err.Error()})
		}
	}

	if m.selected(cfg, "net") {
		if err := setLoopbackUp(); err != nil {
			m.logger.Info("loopback-up-failed", lager.Data{"error": err.Error()})
		}
	}

	m.state = linux_backend.StateRunning

	return nil
}

func (m *NamespacesModule) Execute(cfg *config.Config) int {
	return 0
}

func (m *NamespacesModule) Cleanup() error {
	m.state = linux_backend.StateStopped
	return nil
}

// setgroups must be denied before gid_map is written or the kernel
// rejects the map.
func (m *NamespacesModule) applyUserMappings(cfg *config.Config) error {
	if err := m.sys.DenySetgroups(); err != nil {
		m.logger.Error("deny-setgroups", err)
		return err
	}

	uidMap := cfg.Isolation.UIDMap
	if err := m.sys.WriteUIDMap(uidMap.ContainerUID, uidMap.HostUID, uidMap.Count); err != nil {
		m.logger.Error("write-uid-map", err)
		return err
	}

	gidMap := cfg.Isolation.GIDMap
	if err := m.sys.WriteGIDMap(gidMap.ContainerGID, gidMap.HostGID, gidMap.Count); err != nil {
		m.logger.Error("write-gid-map", err)
		return err
	}

	return nil
}

func (m *NamespacesModule) selected(cfg *config.Config, name string) bool {
	for _, ns := range cfg.Isolation.Namespaces {
		if ns == name {
			return true
		}
	}

	return false
}

func setLoopbackUp() error {
	lo, err := netlink.LinkByName("lo")
	if err != nil {
		return err
	}

	return netlink.LinkSetUp(lo)
}
