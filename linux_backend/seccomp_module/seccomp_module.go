package seccomp_module

import (
	"encoding/json"
	"fmt"

	"code.cloudfoundry.org/lager/v3"
	seccomp "github.com/elastic/go-seccomp-bpf"
	"golang.org/x/net/bpf"

	"github.com/cloudfoundry-incubator/hutch/config"
	"github.com/cloudfoundry-incubator/hutch/linux_backend"
	"github.com/cloudfoundry-incubator/hutch/sysutil"
)

// SeccompModule compiles a BPF syscall filter in the parent and installs
// it in the child. Installation happens last among the child-side steps
// so the filter does not interfere with the other modules' syscalls.
type SeccompModule struct {
	sys    sysutil.Sysutil
	logger lager.Logger

	cfg     *config.Config
	enabled bool
	policy  seccomp.Policy
	program []bpf.Instruction
	state   linux_backend.ModuleState
}

// profileDocument is the on-disk JSON shape of a seccomp profile
// override: a default action plus per-syscall rule groups.
type profileDocument struct {
	DefaultAction string `json:"default_action"`
	Syscalls      []struct {
		Action string   `json:"action"`
		Names  []string `json:"names"`
	} `json:"syscalls"`
}

var actionNames = map[string]seccomp.Action{
	"allow":        seccomp.ActionAllow,
	"errno":        seccomp.ActionErrno,
	"log":          seccomp.ActionLog,
	"trace":        seccomp.ActionTrace,
	"trap":         seccomp.ActionTrap,
	"kill":         seccomp.ActionKillThread,
	"kill_thread":  seccomp.ActionKillThread,
	"kill_process": seccomp.ActionKillProcess,
}

// defaultAllowList is the fixed set of system calls admitted by the
// generated default policy. Every other call, openat and arch_prctl
// among them, gets the policy's default action.
var defaultAllowList = []string{
	"read", "write", "close", "brk", "execve", "exit_group", "exit",
	"getpid", "gettid", "getppid", "getuid", "getgid", "geteuid", "getegid",
	"getrandom", "mmap", "mprotect", "munmap", "rt_sigaction",
	"rt_sigprocmask", "rt_sigreturn", "ioctl", "pread64", "pwrite64",
	"readv", "writev", "access", "pipe", "sched_yield", "mremap",
	"msync", "mincore", "madvise", "shmget", "shmat", "shmctl",
	"dup", "dup2", "pause", "nanosleep", "getitimer", "setitimer",
	"alarm", "setpgid", "getpgid", "getsid", "setsid", "syslog",
	"getrlimit", "getrusage", "gettimeofday", "settimeofday",
	"symlink", "readlink", "uselib", "readahead", "setxattr",
	"lsetxattr", "fsetxattr", "getxattr", "lgetxattr", "fgetxattr",
	"listxattr", "llistxattr", "flistxattr", "removexattr",
	"lremovexattr", "fremovexattr", "tkill", "time", "futex",
	"sched_setaffinity", "sched_getaffinity", "io_setup", "io_destroy",
	"io_getevents", "io_submit", "io_cancel", "lookup_dcookie",
	"epoll_create", "remap_file_pages", "set_tid_address", "timer_create",
	"timer_settime", "timer_gettime", "timer_getoverrun", "timer_delete",
	"clock_settime", "clock_gettime", "clock_getres", "clock_nanosleep",
	"wait4", "kill", "uname", "semget", "semop", "semctl",
	"shmdt", "msgget", "msgsnd", "msgrcv", "msgctl", "fcntl", "flock",
	"fsync", "fdatasync", "truncate", "ftruncate", "getcwd", "chdir",
	"fchdir", "rename", "mkdir", "rmdir", "creat", "link", "unlink",
	"open", "vhangup", "sethostname", "setrlimit",
}

func New(sys sysutil.Sysutil, logger lager.Logger) *SeccompModule {
	return &SeccompModule{
		sys:    sys,
		logger: logger.Session("seccomp"),

		state: linux_backend.StateUninitialized,
	}
}

func (m *SeccompModule) Name() string           { return "seccomp" }
func (m *SeccompModule) Version() string        { return "1.0.0" }
func (m *SeccompModule) Type() string           { return "security" }
func (m *SeccompModule) Dependencies() []string { return nil }

func (m *SeccompModule) Enabled() bool {
	return m.enabled
}

func (m *SeccompModule) Description() string {
	return "Implements seccomp BPF filtering to restrict system calls available to sandbox processes."
}

func (m *SeccompModule) State() linux_backend.ModuleState {
	return m.state
}

// Policy returns the compiled policy; meaningful once initialized.
func (m *SeccompModule) Policy() seccomp.Policy {
	return m.policy
}

// Program returns the assembled BPF program retained from Initialize.
func (m *SeccompModule) Program() []bpf.Instruction {
	return m.program
}

func (m *SeccompModule) Initialize(cfg *config.Config) error {
	m.cfg = cfg
	m.enabled = cfg.Security.SeccompPolicy != "" || cfg.Security.SeccompProfilePath != ""

	if !m.enabled {
		m.logger.Info("disabled")
		m.state = linux_backend.StateInitialized
		return nil
	}

	defaultAction := defaultActionFor(cfg.Security.SeccompPolicy)

	if cfg.Security.SeccompProfilePath != "" {
		policy, err := m.loadProfile(cfg.Security.SeccompProfilePath, defaultAction)
		if err != nil {
			m.logger.Error("load-profile", err)
			m.state = linux_backend.StateError
			return err
		}

		m.policy = policy
	} else {
		m.policy = seccomp.Policy{
			DefaultAction: defaultAction,
			Syscalls: []seccomp.SyscallGroup{
				{Action: seccomp.ActionAllow, Names: defaultAllowList},
			},
		}
	}

	program, err := m.policy.Assemble()
	if err != nil {
		m.logger.Error("assemble", err)
		m.state = linux_backend.StateError
		return err
	}

	m.program = program

	m.logger.Debug("compiled", lager.Data{
		"default-action": m.policy.DefaultAction.String(),
		"instructions":   len(program),
	})

	m.state = linux_backend.StateInitialized

	return nil
}

func (m *SeccompModule) PrepareChild(cfg *config.Config, childPid int) error {
	return nil
}

func (m *SeccompModule) ApplyChild(cfg *config.Config) error {
	// The child is a re-exec'd copy; recompile from cfg when the
	// parent-side Initialize did not run in this address space.
	if m.program == nil {
		if err := m.Initialize(cfg); err != nil {
			return err
		}
	}

	if !m.enabled {
		return nil
	}

	filter := seccomp.Filter{
		NoNewPrivs: true,
		Flag:       seccomp.FilterFlagTSync,
		Policy:     m.policy,
	}

	if err := seccomp.LoadFilter(filter); err != nil {
		m.logger.Error("load-filter", err)
		return err
	}

	m.state = linux_backend.StateRunning

	return nil
}

func (m *SeccompModule) Execute(cfg *config.Config) int {
	return 0
}

func (m *SeccompModule) Cleanup() error {
	m.program = nil
	m.state = linux_backend.StateStopped
	return nil
}

func (m *SeccompModule) loadProfile(path string, defaultAction seccomp.Action) (seccomp.Policy, error) {
	contents, err := m.sys.ReadFile(path)
	if err != nil {
		return seccomp.Policy{}, err
	}

	var doc profileDocument
	if err := json.Unmarshal(contents, &doc); err != nil {
		return seccomp.Policy{}, fmt.Errorf("malformed seccomp profile %s: %s", path, err)
	}

	policy := seccomp.Policy{DefaultAction: defaultAction}

	if doc.DefaultAction != "" {
		action, ok := actionNames[doc.DefaultAction]
		if !ok {
			return seccomp.Policy{}, fmt.Errorf("unknown seccomp action: %s", doc.DefaultAction)
		}

		policy.DefaultAction = action
	}

	for _, group := range doc.Syscalls {
		action, ok := actionNames[group.Action]
		if !ok {
			return seccomp.Policy{}, fmt.Errorf("unknown seccomp action: %s", group.Action)
		}

		policy.Syscalls = append(policy.Syscalls, seccomp.SyscallGroup{
			Action: action,
			Names:  group.Names,
		})
	}

	return policy, nil
}

func defaultActionFor(policy string) seccomp.Action {
	switch policy {
	case "strict":
		return seccomp.ActionKillThread
	case "log":
		return seccomp.ActionLog
	case "allow":
		return seccomp.ActionAllow
	default:
		return seccomp.ActionErrno
	}
}
