package fake_command_runner

import (
	"os"
	"os/exec"
	"reflect"
	"sync"
)

type FakeCommandRunner struct {
	lock sync.Mutex

	ExecutedCommands   []*exec.Cmd
	StartedCommands    []*exec.Cmd
	BackgroundCommands []*exec.Cmd
	WaitedCommands     []*exec.Cmd
	KilledCommands     []*exec.Cmd
	SignalledCommands  map[*exec.Cmd]os.Signal

	commandCallbacks map[*CommandSpec]func(*exec.Cmd) error
	waitingCallbacks map[*CommandSpec]func(*exec.Cmd) error
}

type CommandSpec struct {
	Path string
	Args []string
	Env  []string
}

func (s CommandSpec) Matches(cmd *exec.Cmd) bool {
	if s.Path != "" && s.Path != cmd.Path {
		return false
	}

	if len(s.Args) > 0 && !reflect.DeepEqual(s.Args, cmd.Args[1:]) {
		return false
	}

	if len(s.Env) > 0 && !reflect.DeepEqual(s.Env, cmd.Env) {
		return false
	}

	return true
}

func New() *FakeCommandRunner {
	return &FakeCommandRunner{
		SignalledCommands: make(map[*exec.Cmd]os.Signal),

		commandCallbacks: make(map[*CommandSpec]func(*exec.Cmd) error),
		waitingCallbacks: make(map[*CommandSpec]func(*exec.Cmd) error),
	}
}

func (r *FakeCommandRunner) Run(cmd *exec.Cmd) error {
	r.lock.Lock()
	r.ExecutedCommands = append(r.ExecutedCommands, cmd)
	callbacks := r.commandCallbacks
	r.lock.Unlock()

	for spec, callback := range callbacks {
		if spec.Matches(cmd) {
			return callback(cmd)
		}
	}

	return nil
}

func (r *FakeCommandRunner) Start(cmd *exec.Cmd) error {
	r.lock.Lock()
	r.StartedCommands = append(r.StartedCommands, cmd)
	callbacks := r.commandCallbacks
	r.lock.Unlock()

	for spec, callback := range callbacks {
		if spec.Matches(cmd) {
			return callback(cmd)
		}
	}

	return nil
}

func (r *FakeCommandRunner) Background(cmd *exec.Cmd) error {
	r.lock.Lock()
	r.BackgroundCommands = append(r.BackgroundCommands, cmd)
	callbacks := r.commandCallbacks
	r.lock.Unlock()

	for spec, callback := range callbacks {
		if spec.Matches(cmd) {
			return callback(cmd)
		}
	}

	return nil
}

func (r *FakeCommandRunner) Wait(cmd *exec.Cmd) error {
	r.lock.Lock()
	r.WaitedCommands = append(r.WaitedCommands, cmd)
	callbacks := r.waitingCallbacks
	r.lock.Unlock()

	for spec, callback := range callbacks {
		if spec.Matches(cmd) {
			return callback(cmd)
		}
	}

	return nil
}

func (r *FakeCommandRunner) Kill(cmd *exec.Cmd) error {
	r.lock.Lock()
	defer r.lock.Unlock()

	r.KilledCommands = append(r.KilledCommands, cmd)

	return nil
}

func (r *FakeCommandRunner) Signal(cmd *exec.Cmd, signal os.Signal) error {
	r.lock.Lock()
	defer r.lock.Unlock()

	r.SignalledCommands[cmd] = signal

	return nil
}

func (r *FakeCommandRunner) WhenRunning(spec CommandSpec, callback func(*exec.Cmd) error) {
	r.lock.Lock()
	defer r.lock.Unlock()

	r.commandCallbacks[&spec] = callback
}

func (r *FakeCommandRunner) WhenWaitingFor(spec CommandSpec, callback func(*exec.Cmd) error) {
	r.lock.Lock()
	defer r.lock.Unlock()

	r.waitingCallbacks[&spec] = callback
}
