package config

import (
	"encoding/json"
	"fmt"
	"os"
)

type Config struct {
	Sandbox   SandboxConfig   `json:"sandbox"`
	Resources ResourcesConfig `json:"resources"`
	Isolation IsolationConfig `json:"isolation"`
	Security  SecurityConfig  `json:"security"`
	Mounts    MountsConfig    `json:"mounts"`
	AIModule  AIModuleConfig  `json:"ai_module"`
	Logging   LoggingConfig   `json:"logging"`
}

type SandboxConfig struct {
	Name          string   `json:"name"`
	Hostname      string   `json:"hostname"`
	RootFSPath    string   `json:"rootfs_path"`
	Command       []string `json:"command"`
	AutoBootstrap bool     `json:"auto_bootstrap"`
	Distro        string   `json:"distro"`
	Release       string   `json:"release"`
}

type ResourcesConfig struct {
	MemoryMB        int64 `json:"memory_mb"`
	CPUQuotaPercent int   `json:"cpu_quota_percent"`
	MaxPids         int   `json:"max_pids"`
	EnableSwap      bool  `json:"enable_swap"`
}

type IsolationConfig struct {
	Namespaces []string `json:"namespaces"`
	UIDMap     UIDMap   `json:"uid_map"`
	GIDMap     GIDMap   `json:"gid_map"`
}

type UIDMap struct {
	HostUID      int `json:"host_uid"`
	ContainerUID int `json:"container_uid"`
	Count        int `json:"count"`
}

type GIDMap struct {
	HostGID      int `json:"host_gid"`
	ContainerGID int `json:"container_gid"`
	Count        int `json:"count"`
}

type SecurityConfig struct {
	Capabilities       []string `json:"capabilities"`
	SeccompPolicy      string   `json:"seccomp_policy"`
	SeccompProfilePath string   `json:"seccomp_profile_path"`
}

type BindMount struct {
	Source   string `json:"source"`
	Target   string `json:"target"`
	ReadOnly bool   `json:"read_only"`
}

type MountsConfig struct {
	BindMounts []BindMount `json:"bind_mounts"`
}

type AIModuleConfig struct {
	Enabled          bool    `json:"enabled"`
	Provider         string  `json:"provider"`
	APIKeyEnv        string  `json:"api_key_env"`
	BaseURL          string  `json:"base_url"`
	Model            string  `json:"model"`
	Temperature      float64 `json:"temperature"`
	MaxTokens        int     `json:"max_tokens"`
	SystemPrompt     string  `json:"system_prompt"`
	AutoReportErrors bool    `json:"auto_report_errors"`
}

type LoggingConfig struct {
	Level   string `json:"level"`
	Output  string `json:"output"`
	LogFile string `json:"log_file"`
}

// ValidNamespaces is the closed set of namespace names the engine knows
// how to create.
var ValidNamespaces = []string{"pid", "net", "ipc", "uts", "mount", "user"}

type ParseError struct {
	Err error
}

func (e ParseError) Error() string {
	return fmt.Sprintf("failed to parse config: %s", e.Err)
}

type ValidationError struct {
	Reason string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("invalid config: %s", e.Reason)
}

func Default() Config {
	return Config{
		Sandbox: SandboxConfig{
			Name:          "sandbox-default",
			Hostname:      "sandbox-container",
			RootFSPath:    "/var/lib/sandbox/rootfs/ubuntu_focal",
			Command:       []string{"/bin/bash"},
			AutoBootstrap: false,
			Distro:        "ubuntu",
			Release:       "focal",
		},
		Resources: ResourcesConfig{
			MemoryMB:        512,
			CPUQuotaPercent: 50,
			MaxPids:         100,
			EnableSwap:      false,
		},
		Isolation: IsolationConfig{
			Namespaces: []string{"pid", "net", "ipc", "uts", "mount", "user"},
			UIDMap:     UIDMap{HostUID: 1000, ContainerUID: 0, Count: 1},
			GIDMap:     GIDMap{HostGID: 1000, ContainerGID: 0, Count: 1},
		},
		Security: SecurityConfig{
			Capabilities:       []string{},
			SeccompPolicy:      "default",
			SeccompProfilePath: "",
		},
		Mounts: MountsConfig{
			BindMounts: []BindMount{
				{Source: "/tmp", Target: "/tmp", ReadOnly: false},
			},
		},
		AIModule: AIModuleConfig{
			Enabled:          false,
			Provider:         "openai",
			APIKeyEnv:        "OPENAI_API_KEY",
			BaseURL:          "https://api.openai.com/v1",
			Model:            "gpt-4-turbo",
			Temperature:      0.2,
			MaxTokens:        1000,
			SystemPrompt:     "You are a sandbox assistant that helps analyze and configure sandbox environments.",
			AutoReportErrors: true,
		},
		Logging: LoggingConfig{
			Level:   "info",
			Output:  "stdout",
			LogFile: "/var/log/sandbox/sandbox.log",
		},
	}
}

// Parse parses and validates a configuration document. Defaults are
// applied for every key the document omits; unknown keys are ignored.
func Parse(contents []byte) (Config, error) {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(contents, &raw); err != nil {
		return Config{}, ParseError{err}
	}

	if err := validateDocument(raw); err != nil {
		return Config{}, err
	}

	cfg := Default()
	if err := json.Unmarshal(contents, &cfg); err != nil {
		return Config{}, ParseError{err}
	}

	if err := validateConfig(cfg); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

// ParseFile reads and parses the configuration document at path.
func ParseFile(path string) (Config, error) {
	contents, err := os.ReadFile(path)
	if err != nil {
		return Config{}, ParseError{err}
	}

	return Parse(contents)
}

func validateDocument(raw map[string]json.RawMessage) error {
	sandboxRaw, ok := raw["sandbox"]
	if !ok {
		return ValidationError{"config must contain 'sandbox' section"}
	}

	resourcesRaw, ok := raw["resources"]
	if !ok {
		return ValidationError{"config must contain 'resources' section"}
	}

	var sandbox map[string]json.RawMessage
	if err := json.Unmarshal(sandboxRaw, &sandbox); err != nil {
		return ParseError{err}
	}

	if _, ok := sandbox["command"]; !ok {
		return ValidationError{"sandbox config must contain 'command'"}
	}

	var resources map[string]json.RawMessage
	if err := json.Unmarshal(resourcesRaw, &resources); err != nil {
		return ParseError{err}
	}

	if _, ok := resources["memory_mb"]; !ok {
		return ValidationError{"resources config must contain 'memory_mb'"}
	}

	return nil
}

func validateConfig(cfg Config) error {
	if len(cfg.Sandbox.Command) == 0 {
		return ValidationError{"sandbox command must not be empty"}
	}

	if cfg.Resources.MemoryMB <= 0 {
		return ValidationError{"memory_mb must be positive"}
	}

	for _, ns := range cfg.Isolation.Namespaces {
		if !validNamespace(ns) {
			return ValidationError{fmt.Sprintf("unknown namespace: %s", ns)}
		}
	}

	return nil
}

func validNamespace(name string) bool {
	for _, known := range ValidNamespaces {
		if name == known {
			return true
		}
	}

	return false
}

// IsValidConfigFile reports whether path names a readable JSON document
// with both required top-level sections.
func IsValidConfigFile(path string) bool {
	info, err := os.Stat(path)
	if err != nil || !info.Mode().IsRegular() {
		return false
	}

	contents, err := os.ReadFile(path)
	if err != nil {
		return false
	}

	var raw map[string]json.RawMessage
	if err := json.Unmarshal(contents, &raw); err != nil {
		return false
	}

	_, hasSandbox := raw["sandbox"]
	_, hasResources := raw["resources"]

	return hasSandbox && hasResources
}

var defaultSearchPaths = []string{
	"/etc/sandbox/default.json",
	"/var/lib/sandbox/config.json",
	"./config/default.json",
	"../config/default.json",
}

// DefaultPath returns the configuration file named by SANDBOX_CONFIG_PATH,
// or the first valid candidate from the well-known locations, or "".
func DefaultPath() string {
	if path := os.Getenv("SANDBOX_CONFIG_PATH"); path != "" {
		return path
	}

	for _, candidate := range defaultSearchPaths {
		if IsValidConfigFile(candidate) {
			return candidate
		}
	}

	return ""
}
