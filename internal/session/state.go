package session

import (
	"fmt"

	"github.com/pkg/errors"

	"ldtcast/internal/protocol"
)

type State int

const (
	Idle State = iota
	Discovering
	RoleDecided
	Announcing
	Transferring
	Finalizing
	AwaitingStart
	Receiving
	Verifying
	Done
	Failed
	Aborted
)

var stateNames = [...]string{
	Idle:          "Idle",
	Discovering:   "Discovering",
	RoleDecided:   "RoleDecided",
	Announcing:    "Announcing",
	Transferring:  "Transferring",
	Finalizing:    "Finalizing",
	AwaitingStart: "AwaitingStart",
	Receiving:     "Receiving",
	Verifying:     "Verifying",
	Done:          "Done",
	Failed:        "Failed",
	Aborted:       "Aborted",
}

func (s State) String() string {
	if s < 0 || int(s) >= len(stateNames) {
		return fmt.Sprintf("State(%d)", int(s))
	}
	return stateNames[s]
}

// Terminal reports whether no transition leaves s.
func (s State) Terminal() bool {
	return s == Done || s == Failed || s == Aborted
}

var ErrIllegalTransition = errors.New("illegal state transition")

// transitions lists every legal move. Failed and Aborted are reachable from
// every non-terminal state and are added in init.
var transitions = map[State][]State{
	Idle:          {Discovering},
	Discovering:   {RoleDecided},
	RoleDecided:   {Announcing, AwaitingStart},
	Announcing:    {Transferring},
	Transferring:  {Finalizing},
	Finalizing:    {Done},
	AwaitingStart: {Receiving},
	Receiving:     {Verifying},
	Verifying:     {Done},
}

func init() {
	for from := range transitions {
		transitions[from] = append(transitions[from], Failed, Aborted)
	}
}

func canMove(from, to State) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// accepted lists, per active state, the command types a peer may legally
// send. Anything else arriving in that state is a role violation. Idle and
// terminal states accept nothing and drop everything.
var accepted = map[State][]protocol.Type{
	Discovering: {
		protocol.FindOthers, protocol.ResponseToFindOthers, protocol.BecameServer,
		protocol.DownloadStart, protocol.NextFilePart, protocol.DownloadAbort, protocol.Success,
	},
	RoleDecided: {
		protocol.FindOthers, protocol.ResponseToFindOthers, protocol.BecameServer,
		protocol.DownloadStart, protocol.NextFilePart, protocol.DownloadAbort, protocol.Success,
	},
	Announcing:   {protocol.FindOthers, protocol.ResponseToFindOthers, protocol.BecameServer},
	Transferring: {protocol.FindOthers, protocol.ResponseToFindOthers, protocol.BecameServer},
	Finalizing:   {protocol.FindOthers, protocol.ResponseToFindOthers, protocol.BecameServer},
	AwaitingStart: {
		protocol.FindOthers, protocol.ResponseToFindOthers, protocol.BecameServer,
		protocol.DownloadStart, protocol.NextFilePart, protocol.DownloadAbort, protocol.Success,
	},
	Receiving: {
		protocol.FindOthers, protocol.ResponseToFindOthers, protocol.BecameServer,
		protocol.DownloadStart, protocol.NextFilePart, protocol.DownloadAbort, protocol.Success,
	},
	Verifying: {
		protocol.FindOthers, protocol.ResponseToFindOthers, protocol.BecameServer,
		protocol.NextFilePart, protocol.DownloadAbort, protocol.Success,
	},
}

func accepts(s State, t protocol.Type) bool {
	for _, a := range accepted[s] {
		if a == t {
			return true
		}
	}
	return false
}

// active states are the ones where commands are checked and acted on.
func active(s State) bool {
	_, ok := accepted[s]
	return ok
}

// Role is who this instance is in the transfer. Only Session mutates it, by
// compare-and-swap.
type Role int32

const (
	Undecided Role = iota
	Claiming
	Source
	Receiver
)

func (r Role) String() string {
	switch r {
	case Undecided:
		return "Undecided"
	case Claiming:
		return "Claiming"
	case Source:
		return "Source"
	case Receiver:
		return "Receiver"
	}
	return fmt.Sprintf("Role(%d)", int32(r))
}

type EventKind int

const (
	// EvCommand carries a command for the transfer loop.
	EvCommand EventKind = iota + 1
	// EvAbort: the source called the transfer off.
	EvAbort
	// EvFatal: the control channel hit an error that ends the session.
	EvFatal
)

// Event is what the command listener hands to the session. Exactly one of
// Cmd or Err is meaningful, depending on Kind.
type Event struct {
	Kind EventKind
	Cmd  protocol.Command
	Err  error
}
