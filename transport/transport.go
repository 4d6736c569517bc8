// Package transport defines the at-least-once message channel between
// relay nodes: data messages carrying fragment payloads, and small control
// messages for confirmations and retransmission requests.
//
// Receive sequences are lazy and bounded: one iteration consumes the
// messages currently pending for this node's local domains and then stops.
// Breaking out of the loop early is a supported, expected operation; a
// message only counts as consumed once the loop body has returned for it,
// so work interrupted mid-pass is redelivered on the next pass. No
// ordering is guaranteed between fragments, and duplicates are possible;
// the protocol layer is built to tolerate both.
package transport

import (
	"context"
	"iter"

	"github.com/c360/docrelay/protocol"
)

// Transport is the point-to-point message channel between domains.
type Transport interface {
	// PublishData sends one fragment data message to every recipient
	// domain it names.
	PublishData(ctx context.Context, msg *protocol.DataMessage) error

	// PublishConfirmation sends a confirmation control message to the
	// document's sender domain (msg.Recipient).
	PublishConfirmation(ctx context.Context, msg *protocol.ControlMessage) error

	// PublishRetransmitRequest sends a retransmission request to the
	// document's sender domain (msg.Recipient).
	PublishRetransmitRequest(ctx context.Context, msg *protocol.ControlMessage) error

	// ReceiveData yields the data messages pending for this node's local
	// domains.
	ReceiveData(ctx context.Context) iter.Seq2[*protocol.DataMessage, error]

	// ReceiveConfirmations yields pending confirmation control messages.
	ReceiveConfirmations(ctx context.Context) iter.Seq2[*protocol.ControlMessage, error]

	// ReceiveRetransmitRequests yields pending retransmission requests.
	ReceiveRetransmitRequests(ctx context.Context) iter.Seq2[*protocol.ControlMessage, error]
}
