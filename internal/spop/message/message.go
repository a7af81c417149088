// Package message defines the SPOP domain types carried inside NOTIFY
// and ACK frame bodies: messages, actions, scopes, and hello/disconnect
// handshake records, plus their body-level (post-envelope) codecs.
package message

import "github.com/nullstream/spopagent/internal/spop/value"

// Message is one named, typed-argument bundle dispatched to a Handler.
// Args holds unique keys; iteration order is not part of the contract,
// but a single decode preserves the wire order in Names for callers
// that need reproducible enumeration.
type Message struct {
	Name  string
	Args  map[string]value.Value
	Names []string
}

// Arg looks up a named argument.
func (m Message) Arg(name string) (value.Value, bool) {
	v, ok := m.Args[name]
	return v, ok
}

// Scope is the lifetime domain of a variable set or unset by an Action.
type Scope uint8

const (
	ScopeProcess     Scope = 0
	ScopeSession     Scope = 1
	ScopeTransaction Scope = 2
	ScopeRequest     Scope = 3
	ScopeResponse    Scope = 4
)

func (s Scope) String() string {
	switch s {
	case ScopeProcess:
		return "process"
	case ScopeSession:
		return "session"
	case ScopeTransaction:
		return "transaction"
	case ScopeRequest:
		return "request"
	case ScopeResponse:
		return "response"
	default:
		return "unknown"
	}
}

// ActionKind distinguishes the two Action variants on the wire.
type ActionKind uint8

const (
	ActionSetVar   ActionKind = 0x01
	ActionUnsetVar ActionKind = 0x02
)

// Action is a variable mutation produced by a Handler and shipped back
// inside an ACK. Value is unused for UnsetVar.
type Action struct {
	Kind  ActionKind
	Scope Scope
	Name  string
	Value value.Value
}

// SetVar builds a SetVar action.
func SetVar(scope Scope, name string, v value.Value) Action {
	return Action{Kind: ActionSetVar, Scope: scope, Name: name, Value: v}
}

// UnsetVar builds an UnsetVar action.
func UnsetVar(scope Scope, name string) Action {
	return Action{Kind: ActionUnsetVar, Scope: scope, Name: name}
}
