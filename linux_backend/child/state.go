package child

import (
	"encoding/gob"
	"io"

	"github.com/cloudfoundry-incubator/hutch/config"
)

// State is the envelope the parent hands the re-exec'd child over the
// state pipe: the configuration snapshot plus the resolved execution
// order, by module name.
type State struct {
	Config  config.Config
	Modules []string
}

func WriteState(w io.Writer, state State) error {
	return gob.NewEncoder(w).Encode(state)
}

func ReadState(r io.Reader) (State, error) {
	var state State

	if err := gob.NewDecoder(r).Decode(&state); err != nil {
		return State{}, err
	}

	return state, nil
}
