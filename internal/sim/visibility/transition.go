package visibility

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"strataguard/internal/sim/geom"
)

type State uint8

const (
	NotTracked State = iota
	Visible
	Hidden
)

func StateOf(hidden, tracked bool) State {
	switch {
	case !tracked:
		return NotTracked
	case hidden:
		return Hidden
	default:
		return Visible
	}
}

func (s State) String() string {
	switch s {
	case Visible:
		return "visible"
	case Hidden:
		return "hidden"
	default:
		return "not_tracked"
	}
}

// Legal reports whether from -> to is an allowed transition. Self loops are not
// transitions.
func Legal(from, to State) bool {
	if from == to {
		return false
	}
	switch from {
	case NotTracked:
		return to == Visible || to == Hidden
	case Visible:
		return to == Hidden || to == NotTracked
	case Hidden:
		return to == Visible || to == NotTracked
	}
	return false
}

type Cause string

const (
	CauseConnect     Cause = "connect"
	CauseMove        Cause = "move"
	CauseTeleport    Cause = "teleport"
	CauseWorldChange Cause = "world_change"
	CauseReload      Cause = "reload"
	CauseBootstrap   Cause = "bootstrap"
	CauseDisconnect  Cause = "disconnect"
)

// Transition is one committed state change.
type Transition struct {
	Conn      uuid.UUID
	From      State
	To        State
	Cause     Cause
	At        time.Time
	Location  geom.Location
	Refreshed bool
}

type TransitionObserver interface {
	OnTransition(Transition)
}

type ObserverFunc func(Transition)

func (f ObserverFunc) OnTransition(t Transition) { f(t) }

type observers struct {
	mu   sync.RWMutex
	list []TransitionObserver
}

func (o *observers) add(obs TransitionObserver) {
	o.mu.Lock()
	o.list = append(o.list, obs)
	o.mu.Unlock()
}

func (o *observers) publish(t Transition) {
	o.mu.RLock()
	list := o.list
	o.mu.RUnlock()
	for _, obs := range list {
		obs.OnTransition(t)
	}
}
