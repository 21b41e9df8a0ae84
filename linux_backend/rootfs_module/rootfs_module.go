package rootfs_module

import (
	"os/exec"
	"path"

	"code.cloudfoundry.org/lager/v3"
	"golang.org/x/sys/unix"

	"github.com/cloudfoundry-incubator/hutch/command_runner"
	"github.com/cloudfoundry-incubator/hutch/config"
	"github.com/cloudfoundry-incubator/hutch/linux_backend"
	"github.com/cloudfoundry-incubator/hutch/sysutil"
)

const bootstrapMirror = "http://archive.ubuntu.com/ubuntu/"

const oldRootDir = "/oldroot"

var fhsDirs = []string{
	"/bin", "/etc", "/home", "/lib", "/lib64", "/media",
	"/mnt", "/opt", "/root", "/sbin", "/srv", "/tmp",
	"/usr", "/var",
}

// RootFSModule ensures the root filesystem exists (bootstrapping it with
// debootstrap when configured to) and pivots the child into it.
type RootFSModule struct {
	sys    sysutil.Sysutil
	runner command_runner.CommandRunner
	logger lager.Logger

	cfg      *config.Config
	rootPath string
	state    linux_backend.ModuleState
}

func New(sys sysutil.Sysutil, runner command_runner.CommandRunner, logger lager.Logger) *RootFSModule {
	return &RootFSModule{
		sys:    sys,
		runner: runner,
		logger: logger.Session("rootfs"),

		state: linux_backend.StateUninitialized,
	}
}

func (m *RootFSModule) Name() string           { return "rootfs" }
func (m *RootFSModule) Version() string        { return "1.0.0" }
func (m *RootFSModule) Type() string           { return "filesystem" }
func (m *RootFSModule) Dependencies() []string { return nil }
func (m *RootFSModule) Enabled() bool          { return true }

func (m *RootFSModule) Description() string {
	return "Manages the root filesystem for the sandbox using pivot_root and debootstrap."
}

func (m *RootFSModule) State() linux_backend.ModuleState {
	return m.state
}

func (m *RootFSModule) Initialize(cfg *config.Config) error {
	m.cfg = cfg
	m.rootPath = cfg.Sandbox.RootFSPath

	if cfg.Sandbox.AutoBootstrap && !m.sys.Exists(m.rootPath) {
		m.logger.Info("bootstrapping", lager.Data{
			"distro":  cfg.Sandbox.Distro,
			"release": cfg.Sandbox.Release,
			"path":    m.rootPath,
		})

		if err := m.bootstrap(cfg); err != nil {
			m.logger.Error("bootstrap", err)
			m.state = linux_backend.StateError
			return err
		}
	}

	if !m.sys.Exists(m.rootPath) {
		err := &sysutil.Error{Op: "stat", Path: m.rootPath, Err: unix.ENOENT}
		m.logger.Error("missing-rootfs", err)
		m.state = linux_backend.StateError
		return err
	}

	m.state = linux_backend.StateInitialized

	return nil
}

func (m *RootFSModule) PrepareChild(cfg *config.Config, childPid int) error {
	return nil
}

func (m *RootFSModule) ApplyChild(cfg *config.Config) error {
	// Derived from cfg, not Initialize: the child is a re-exec'd copy
	// and only shares the configuration snapshot with the parent.
	m.rootPath = cfg.Sandbox.RootFSPath

	for _, dir := range fhsDirs {
		full := path.Join(m.rootPath, dir)
		if !m.sys.IsDirectory(full) {
			if err := m.sys.MkdirRecursive(full); err != nil {
				m.logger.Info("mkdir-failed", lager.Data{"path": full, "error": err.Error()})
			}
		}
	}

	putOld := path.Join(m.rootPath, oldRootDir)
	if err := m.sys.MkdirRecursive(putOld); err != nil {
		m.logger.Error("mkdir-oldroot", err)
		return err
	}

	// pivot_root requires the new root to be a mount point.
	if err := m.sys.Mount(m.rootPath, m.rootPath, "", unix.MS_BIND|unix.MS_REC, ""); err != nil {
		m.logger.Error("bind-self", err)
		return err
	}

	if err := m.sys.PivotRoot(m.rootPath, putOld); err != nil {
		m.logger.Error("pivot-root", err)
		return err
	}

	if err := m.sys.Chdir("/"); err != nil {
		m.logger.Error("chdir-root", err)
		return err
	}

	if err := m.sys.Unmount(oldRootDir, unix.MNT_DETACH); err != nil {
		m.logger.Info("unmount-oldroot-failed", lager.Data{"error": err.Error()})
	}

	if err := m.sys.Mount("proc", "/proc", "proc", unix.MS_NOSUID|unix.MS_NOEXEC|unix.MS_NODEV, ""); err != nil {
		m.logger.Error("mount-proc", err)
		return err
	}

	if err := m.sys.Mount("sysfs", "/sys", "sysfs", unix.MS_NOSUID|unix.MS_NOEXEC|unix.MS_NODEV, ""); err != nil {
		m.logger.Info("mount-sys-failed", lager.Data{"error": err.Error()})
	}

	if err := m.sys.Mount("tmpfs", "/dev", "tmpfs", unix.MS_NOSUID|unix.MS_STRICTATIME, "mode=755"); err != nil {
		m.logger.Info("mount-dev-failed", lager.Data{"error": err.Error()})
	}

	m.state = linux_backend.StateRunning

	return nil
}

func (m *RootFSModule) Execute(cfg *config.Config) int {
	return 0
}

func (m *RootFSModule) Cleanup() error {
	m.state = linux_backend.StateStopped
	return nil
}

func (m *RootFSModule) bootstrap(cfg *config.Config) error {
	bootstrap := exec.Command(
		"debootstrap",
		"--arch=amd64",
		"--variant=minbase",
		cfg.Sandbox.Release,
		cfg.Sandbox.RootFSPath,
		bootstrapMirror,
	)

	return m.runner.Run(bootstrap)
}
