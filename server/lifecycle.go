package server

// State is the admin server's lifecycle state.
type State int32

const (
	StateRunning State = iota
	StateDraining
	StateStopped
)

// String returns the human-readable state name
func (s State) String() string {
	switch s {
	case StateRunning:
		return "running"
	case StateDraining:
		return "draining"
	case StateStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

func (s *Server) getState() State {
	return State(s.state.Load())
}

func (s *Server) setState(next State) {
	s.state.Store(int32(next))
	s.logger.Debugw("Server state changed", "new_state", next.String())
}
