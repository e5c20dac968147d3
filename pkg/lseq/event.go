package lseq

import (
	"encoding/json"
	"errors"
	"fmt"
)

// EventKind is the type of a tree event.
type EventKind string

const (
	// KindInsert places a value at a position.
	KindInsert EventKind = "insert"

	// KindDelete tombstones a position.
	KindDelete EventKind = "delete"
)

// Event is the unit of replication for a Tree.
type Event struct {
	Kind     EventKind
	Position Identifier
	Value    string // insert only

	// Target names the insert a delete removes. A delete without a target
	// removes every value at Position.
	Target *Tag
}

// Validate checks the event is well formed. It does not check the position
// against any particular tree configuration.
func (e Event) Validate() error {
	switch e.Kind {
	case KindInsert, KindDelete:
	default:
		return fmt.Errorf("%w: unknown kind %q", ErrInvalidEvent, e.Kind)
	}
	if len(e.Position) == 0 {
		return fmt.Errorf("%w: %s without a position", ErrInvalidEvent, e.Kind)
	}
	if e.Kind == KindInsert && e.Target != nil {
		return fmt.Errorf("%w: insert with a delete target", ErrInvalidEvent)
	}
	return nil
}

// String renders the event for logs.
func (e Event) String() string {
	if e.Kind == KindInsert {
		return fmt.Sprintf("insert %q at %s", e.Value, e.Position)
	}
	return fmt.Sprintf("%s at %s", e.Kind, e.Position)
}

// Wire form shared with the backing service:
//
//	{"insert":{"transactionType":{"insert":null},"position":[3,17],"value":"a"}}
//	{"delete":{"transactionType":{"delete":null},"position":[3,17],"target":{"userId":"u","op":"o","value":"a"}}}
type wireBody struct {
	TransactionType map[string]*struct{} `json:"transactionType"`
	Position        []uint16             `json:"position"`
	Value           *string              `json:"value,omitempty"`
	Target          *wireTag             `json:"target,omitempty"`
}

type wireTag struct {
	UserID string `json:"userId"`
	Op     string `json:"op,omitempty"`
	Value  string `json:"value"`
}

type wireEvent struct {
	Insert *wireBody `json:"insert,omitempty"`
	Delete *wireBody `json:"delete,omitempty"`
}

// MarshalJSON encodes the event in its wire form.
func (e Event) MarshalJSON() ([]byte, error) {
	if err := e.Validate(); err != nil {
		return nil, err
	}
	body := &wireBody{
		TransactionType: map[string]*struct{}{string(e.Kind): nil},
		Position:        []uint16(e.Position),
	}
	var w wireEvent
	if e.Kind == KindInsert {
		value := e.Value
		body.Value = &value
		w.Insert = body
	} else {
		if e.Target != nil {
			body.Target = &wireTag{UserID: e.Target.UserID, Op: e.Target.Op, Value: e.Target.Value}
		}
		w.Delete = body
	}
	return json.Marshal(w)
}

// UnmarshalJSON decodes the wire form.
func (e *Event) UnmarshalJSON(data []byte) error {
	var w wireEvent
	if err := json.Unmarshal(data, &w); err != nil {
		return fmt.Errorf("failed to decode tree event: %w", err)
	}

	switch {
	case w.Insert != nil && w.Delete != nil:
		return fmt.Errorf("%w: both insert and delete present", ErrInvalidEvent)
	case w.Insert != nil:
		if w.Insert.Value == nil {
			return fmt.Errorf("%w: insert without a value", ErrInvalidEvent)
		}
		*e = Event{Kind: KindInsert, Position: Identifier(w.Insert.Position), Value: *w.Insert.Value}
	case w.Delete != nil:
		*e = Event{Kind: KindDelete, Position: Identifier(w.Delete.Position)}
		if tt := w.Delete.Target; tt != nil {
			e.Target = &Tag{UserID: tt.UserID, Op: tt.Op, Value: tt.Value}
		}
	default:
		return fmt.Errorf("%w: neither insert nor delete present", ErrInvalidEvent)
	}
	return e.Validate()
}

// Replay applies events to t strictly in the given order. Invalid events do
// not stop the replay; they are returned joined once every event was
// attempted.
func Replay(t *Tree, events []Event, o Origin) (*Tree, error) {
	var errs []error
	for i, ev := range events {
		if err := t.Apply(ev, o); err != nil {
			errs = append(errs, fmt.Errorf("event %d (%s): %w", i, ev, err))
		}
	}
	return t, errors.Join(errs...)
}
