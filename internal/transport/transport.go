// Package transport moves Update envelopes between a replica and the service
// that orders and stores them.
//
// A Transport opens connections; a Conn is one live connection. Inbound
// envelopes arrive on Messages until the connection drops, at which point
// Messages is closed and the replica is expected to Open again and re-send
// its outstanding updates.
package transport

import (
	"context"
	"errors"
	"fmt"

	"github.com/dyluth/quire/pkg/document"
)

// ErrTransportDisconnected reports that the connection is gone. It is
// recoverable by reopening.
var ErrTransportDisconnected = errors.New("transport disconnected")

// EnvelopeType tags an Envelope.
type EnvelopeType string

const (
	// TypeUpdate carries one Update in either direction.
	TypeUpdate EnvelopeType = "update"
	// TypeAck confirms the service stored UpdateID.
	TypeAck EnvelopeType = "ack"
	// TypeReject reports the service refused UpdateID with Error.
	TypeReject EnvelopeType = "reject"
	// TypeSnapshot carries the page log so far, sent once after opening.
	TypeSnapshot EnvelopeType = "snapshot"
)

// Envelope is the unit exchanged over a Conn. It is JSON encoded on the wire.
type Envelope struct {
	Type     EnvelopeType      `json:"type"`
	PageID   string            `json:"pageId"`
	Update   *document.Update  `json:"update,omitempty"`
	Updates  []document.Update `json:"updates,omitempty"`
	UpdateID string            `json:"updateId,omitempty"`
	Error    string            `json:"error,omitempty"`
}

// Validate checks the envelope carries what its type needs.
func (e *Envelope) Validate() error {
	switch e.Type {
	case TypeUpdate:
		if e.Update == nil {
			return fmt.Errorf("update envelope without an update")
		}
	case TypeAck, TypeReject:
		if e.UpdateID == "" {
			return fmt.Errorf("%s envelope without an update id", e.Type)
		}
	case TypeSnapshot:
	default:
		return fmt.Errorf("unknown envelope type %q", e.Type)
	}
	if e.PageID == "" {
		return fmt.Errorf("%s envelope without a page id", e.Type)
	}
	return nil
}

// UpdateEnvelope wraps an outbound update.
func UpdateEnvelope(pageID string, u document.Update) Envelope {
	return Envelope{Type: TypeUpdate, PageID: pageID, Update: &u}
}

// Ack acknowledges an update.
func Ack(pageID, updateID string) Envelope {
	return Envelope{Type: TypeAck, PageID: pageID, UpdateID: updateID}
}

// Reject refuses an update with a reason.
func Reject(pageID, updateID string, reason error) Envelope {
	return Envelope{Type: TypeReject, PageID: pageID, UpdateID: updateID, Error: reason.Error()}
}

// Transport opens connections to one page.
type Transport interface {
	// Open connects and returns once the connection can deliver every update
	// stored after the call. The first message is a snapshot of the page log.
	Open(ctx context.Context) (Conn, error)
}

// Conn is a live connection.
type Conn interface {
	// Send delivers an envelope. It returns an error wrapping
	// ErrTransportDisconnected when the connection is gone.
	Send(ctx context.Context, env Envelope) error
	// Messages is closed when the connection ends.
	Messages() <-chan Envelope
	// Errors reports problems that did not end the connection.
	Errors() <-chan error
	Close() error
}
