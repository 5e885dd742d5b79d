package natsclient

import (
	"math/rand/v2"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/galavrah/machine-status-monitoring/internal/metrics"
)

// State is the subscriber's connection state.
type State string

const (
	StateIdle         State = "idle"
	StateConnecting   State = "connecting"
	StateConnected    State = "connected"
	StateReconnecting State = "reconnecting"
	StateClosed       State = "closed"
)

var allStates = []State{StateIdle, StateConnecting, StateConnected, StateReconnecting, StateClosed}

// legal lists the states reachable from each state.
var legal = map[State][]State{
	StateIdle:         {StateConnecting, StateClosed},
	StateConnecting:   {StateConnected, StateClosed},
	StateConnected:    {StateReconnecting, StateClosed},
	StateReconnecting: {StateConnected, StateClosed},
	StateClosed:       {StateConnecting},
}

type stateMachine struct {
	mu      sync.Mutex
	state   State
	since   time.Time
	log     *zap.Logger
	metrics *metrics.Metrics
}

func newStateMachine(log *zap.Logger, m *metrics.Metrics) *stateMachine {
	sm := &stateMachine{state: StateIdle, since: time.Now(), log: log, metrics: m}
	sm.export()
	return sm
}

// to moves to next if the transition is legal and reports whether it did.
// Repeated notifications for the current state are ignored.
func (sm *stateMachine) to(next State, fields ...zap.Field) bool {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	if sm.state == next {
		return false
	}
	ok := false
	for _, s := range legal[sm.state] {
		if s == next {
			ok = true
			break
		}
	}
	if !ok {
		sm.log.Debug("ignoring transport state change",
			zap.String("from", string(sm.state)), zap.String("to", string(next)))
		return false
	}
	prev := sm.state
	held := time.Since(sm.since)
	sm.state, sm.since = next, time.Now()
	sm.export()
	sm.log.Info("transport state",
		append(fields,
			zap.String("from", string(prev)),
			zap.String("to", string(next)),
			zap.Duration("after", held))...)
	return true
}

func (sm *stateMachine) get() State {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	return sm.state
}

// export must be called with mu held.
func (sm *stateMachine) export() {
	for _, s := range allStates {
		v := 0.0
		if s == sm.state {
			v = 1
		}
		sm.metrics.TransportState.WithLabelValues(string(s)).Set(v)
	}
}

// Backoff computes reconnect delays: Base*2^attempt capped at Max, then
// spread by up to ±Jitter of itself.
type Backoff struct {
	Base   time.Duration
	Max    time.Duration
	Jitter float64
}

func DefaultBackoff() Backoff {
	return Backoff{Base: 500 * time.Millisecond, Max: 30 * time.Second, Jitter: 0.2}
}

// Delay returns the wait before reconnect attempt n, counting from 1.
func (b Backoff) Delay(n int) time.Duration {
	if n < 1 {
		n = 1
	}
	d := b.Base
	for i := 1; i < n && d < b.Max; i++ {
		d *= 2
	}
	if d > b.Max || d <= 0 {
		d = b.Max
	}
	if b.Jitter > 0 {
		spread := float64(d) * b.Jitter
		d += time.Duration((rand.Float64()*2 - 1) * spread)
	}
	if d < 0 {
		return 0
	}
	return d
}
