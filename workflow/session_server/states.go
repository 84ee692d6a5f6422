package session_server

type SessionState int

const (
  LISTENING SessionState = iota
  AUTHENTICATING
  AUTHORIZING
  PORT_ALLOCATED
  DATA_AWAITING
  RECEIVING
  REPORTING
  DONE
  // Terminal, the peer was turned away before any port was allocated.
  REJECTED
  // Terminal, something broke after authorization.
  FAILED
)

var stateNames = map[SessionState]string{
  LISTENING: "LISTENING",
  AUTHENTICATING: "AUTHENTICATING",
  AUTHORIZING: "AUTHORIZING",
  PORT_ALLOCATED: "PORT_ALLOCATED",
  DATA_AWAITING: "DATA_AWAITING",
  RECEIVING: "RECEIVING",
  REPORTING: "REPORTING",
  DONE: "DONE",
  REJECTED: "REJECTED",
  FAILED: "FAILED",
}

func (self SessionState) String() string {
  if name, found := stateNames[self]; found { return name }
  return "UNKNOWN"
}

func (self SessionState) IsTerminal() bool {
  return self == DONE || self == REJECTED || self == FAILED
}

// Allowed forward transitions, anything else is a programming error.
var transitions = map[SessionState][]SessionState{
  LISTENING: { AUTHENTICATING },
  AUTHENTICATING: { AUTHORIZING, REJECTED },
  AUTHORIZING: { PORT_ALLOCATED, REJECTED, FAILED },
  PORT_ALLOCATED: { DATA_AWAITING, FAILED },
  DATA_AWAITING: { RECEIVING, REPORTING, FAILED },
  RECEIVING: { REPORTING, FAILED },
  REPORTING: { DONE, FAILED },
}

func CanTransition(from SessionState, to SessionState) bool {
  for _,next := range transitions[from] {
    if next == to { return true }
  }
  return false
}
