package fake_module

import (
	"sync"

	"github.com/cloudfoundry-incubator/hutch/config"
	"github.com/cloudfoundry-incubator/hutch/linux_backend"
)

// Lifecycle records module events across a set of fakes so tests can
// assert cross-module ordering.
type Lifecycle struct {
	lock   sync.Mutex
	events []string
}

func (l *Lifecycle) Record(event string) {
	l.lock.Lock()
	defer l.lock.Unlock()

	l.events = append(l.events, event)
}

func (l *Lifecycle) Events() []string {
	l.lock.Lock()
	defer l.lock.Unlock()

	events := make([]string, len(l.events))
	copy(events, l.events)

	return events
}

type FakeModule struct {
	ModuleName         string
	ModuleDependencies []string

	InitializeError   error
	PrepareChildError error
	CleanupError      error

	InitializedConfigs []*config.Config
	PreparedPids       []int
	CleanupCallCount   int

	Recorder *Lifecycle

	state linux_backend.ModuleState
}

func New(name string, dependencies ...string) *FakeModule {
	return &FakeModule{
		ModuleName:         name,
		ModuleDependencies: dependencies,

		state: linux_backend.StateUninitialized,
	}
}

func (m *FakeModule) Name() string           { return m.ModuleName }
func (m *FakeModule) Version() string        { return "0.0.0" }
func (m *FakeModule) Type() string           { return "fake" }
func (m *FakeModule) Description() string    { return "a fake module" }
func (m *FakeModule) Dependencies() []string { return m.ModuleDependencies }
func (m *FakeModule) Enabled() bool          { return true }

func (m *FakeModule) State() linux_backend.ModuleState {
	return m.state
}

func (m *FakeModule) Initialize(cfg *config.Config) error {
	m.record("initialize")

	if m.InitializeError != nil {
		m.state = linux_backend.StateError
		return m.InitializeError
	}

	m.InitializedConfigs = append(m.InitializedConfigs, cfg)
	m.state = linux_backend.StateInitialized

	return nil
}

func (m *FakeModule) PrepareChild(cfg *config.Config, childPid int) error {
	m.record("prepare-child")

	if m.PrepareChildError != nil {
		return m.PrepareChildError
	}

	m.PreparedPids = append(m.PreparedPids, childPid)

	return nil
}

func (m *FakeModule) ApplyChild(cfg *config.Config) error {
	m.record("apply-child")
	m.state = linux_backend.StateRunning
	return nil
}

func (m *FakeModule) Execute(cfg *config.Config) int {
	return 0
}

func (m *FakeModule) Cleanup() error {
	m.record("cleanup")

	m.CleanupCallCount++
	m.state = linux_backend.StateStopped

	return m.CleanupError
}

func (m *FakeModule) record(event string) {
	if m.Recorder != nil {
		m.Recorder.Record(m.ModuleName + ":" + event)
	}
}
