package caps_module

import (
	"code.cloudfoundry.org/lager/v3"
	"github.com/moby/sys/capability"

	"github.com/cloudfoundry-incubator/hutch/config"
	"github.com/cloudfoundry-incubator/hutch/linux_backend"
)

// CapsModule clears the child's capability sets and selectively re-adds
// the configured names to the effective, permitted, and inheritable
// sets, raising the matching ambient bits so they survive execve.
type CapsModule struct {
	logger lager.Logger

	cfg   *config.Config
	state linux_backend.ModuleState
}

var capabilityNames = map[string]capability.Cap{
	"CAP_CHOWN":            capability.CAP_CHOWN,
	"CAP_DAC_OVERRIDE":     capability.CAP_DAC_OVERRIDE,
	"CAP_DAC_READ_SEARCH":  capability.CAP_DAC_READ_SEARCH,
	"CAP_FOWNER":           capability.CAP_FOWNER,
	"CAP_FSETID":           capability.CAP_FSETID,
	"CAP_KILL":             capability.CAP_KILL,
	"CAP_SETGID":           capability.CAP_SETGID,
	"CAP_SETUID":           capability.CAP_SETUID,
	"CAP_SETPCAP":          capability.CAP_SETPCAP,
	"CAP_LINUX_IMMUTABLE":  capability.CAP_LINUX_IMMUTABLE,
	"CAP_NET_BIND_SERVICE": capability.CAP_NET_BIND_SERVICE,
	"CAP_NET_BROADCAST":    capability.CAP_NET_BROADCAST,
	"CAP_NET_ADMIN":        capability.CAP_NET_ADMIN,
	"CAP_NET_RAW":          capability.CAP_NET_RAW,
	"CAP_IPC_LOCK":         capability.CAP_IPC_LOCK,
	"CAP_IPC_OWNER":        capability.CAP_IPC_OWNER,
	"CAP_SYS_MODULE":       capability.CAP_SYS_MODULE,
	"CAP_SYS_RAWIO":        capability.CAP_SYS_RAWIO,
	"CAP_SYS_CHROOT":       capability.CAP_SYS_CHROOT,
	"CAP_SYS_PTRACE":       capability.CAP_SYS_PTRACE,
	"CAP_SYS_PACCT":        capability.CAP_SYS_PACCT,
	"CAP_SYS_ADMIN":        capability.CAP_SYS_ADMIN,
	"CAP_SYS_BOOT":         capability.CAP_SYS_BOOT,
	"CAP_SYS_NICE":         capability.CAP_SYS_NICE,
	"CAP_SYS_RESOURCE":     capability.CAP_SYS_RESOURCE,
	"CAP_SYS_TIME":         capability.CAP_SYS_TIME,
	"CAP_SYS_TTY_CONFIG":   capability.CAP_SYS_TTY_CONFIG,
	"CAP_MKNOD":            capability.CAP_MKNOD,
	"CAP_LEASE":            capability.CAP_LEASE,
	"CAP_AUDIT_WRITE":      capability.CAP_AUDIT_WRITE,
	"CAP_AUDIT_CONTROL":    capability.CAP_AUDIT_CONTROL,
	"CAP_SETFCAP":          capability.CAP_SETFCAP,
}

func New(logger lager.Logger) *CapsModule {
	return &CapsModule{
		logger: logger.Session("caps"),

		state: linux_backend.StateUninitialized,
	}
}

func (m *CapsModule) Name() string           { return "caps" }
func (m *CapsModule) Version() string        { return "1.0.0" }
func (m *CapsModule) Type() string           { return "security" }
func (m *CapsModule) Dependencies() []string { return nil }
func (m *CapsModule) Enabled() bool          { return true }

func (m *CapsModule) Description() string {
	return "Manages Linux capabilities for fine-grained privilege control in the sandbox."
}

func (m *CapsModule) State() linux_backend.ModuleState {
	return m.state
}

func (m *CapsModule) Initialize(cfg *config.Config) error {
	m.cfg = cfg

	m.logger.Debug("initialized", lager.Data{"capabilities": cfg.Security.Capabilities})

	m.state = linux_backend.StateInitialized

	return nil
}

func (m *CapsModule) PrepareChild(cfg *config.Config, childPid int) error {
	return nil
}

func (m *CapsModule) ApplyChild(cfg *config.Config) error {
	granted := m.ResolveCapabilities(cfg.Security.Capabilities)

	caps, err := capability.NewPid2(0)
	if err != nil {
		m.logger.Error("load-capabilities", err)
		return err
	}

	caps.Clear(capability.CAPS)

	for _, c := range granted {
		caps.Set(capability.CAPS, c)
	}

	if err := caps.Apply(capability.CAPS); err != nil {
		m.logger.Error("apply-capabilities", err)
		return err
	}

	// Ambient bits need kernel 4.3+; older kernels reject the prctl.
	if len(granted) > 0 {
		caps.Set(capability.AMBIENT, granted...)

		if err := caps.Apply(capability.AMBIENT); err != nil {
			m.logger.Info("apply-ambient-failed", lager.Data{"error": err.Error()})
		}
	}

	m.state = linux_backend.StateRunning

	return nil
}

func (m *CapsModule) Execute(cfg *config.Config) int {
	return 0
}

func (m *CapsModule) Cleanup() error {
	m.state = linux_backend.StateStopped
	return nil
}

// ResolveCapabilities maps capability names to kernel capability
// numbers; unknown names are logged and skipped.
func (m *CapsModule) ResolveCapabilities(names []string) []capability.Cap {
	var caps []capability.Cap

	for _, name := range names {
		c, ok := capabilityNames[name]
		if !ok {
			m.logger.Info("unknown-capability", lager.Data{"name": name})
			continue
		}

		caps = append(caps, c)
	}

	return caps
}
