// Package memtransport is an in-process Transport for tests and
// single-binary experiments. A Network routes messages between Nodes the
// same way the NATS transport routes them between relay processes:
// per-domain queues, no ordering, duplicates possible when one node
// serves several recipient domains of the same document.
package memtransport

import (
	"context"
	"iter"
	"sync"

	"github.com/c360/docrelay/errors"
	"github.com/c360/docrelay/protocol"
	"github.com/c360/docrelay/transport"
)

// Network holds the per-domain message queues shared by its nodes.
type Network struct {
	mu         sync.Mutex
	data       map[string][]*protocol.DataMessage
	confirm    map[string][]*protocol.ControlMessage
	retransmit map[string][]*protocol.ControlMessage
}

// NewNetwork creates an empty in-process network.
func NewNetwork() *Network {
	return &Network{
		data:       make(map[string][]*protocol.DataMessage),
		confirm:    make(map[string][]*protocol.ControlMessage),
		retransmit: make(map[string][]*protocol.ControlMessage),
	}
}

// Node returns a Transport attached to the network that consumes messages
// addressed to the given local domains.
func (n *Network) Node(localDomains ...string) *Node {
	normalized := make([]string, len(localDomains))
	for i, d := range localDomains {
		normalized[i] = protocol.NormalizeDomainName(d)
	}
	return &Node{network: n, localDomains: normalized}
}

// Node is one participant's view of the network.
type Node struct {
	network      *Network
	localDomains []string
}

func (t *Node) PublishData(_ context.Context, msg *protocol.DataMessage) error {
	if err := msg.Validate(); err != nil {
		return err
	}

	t.network.mu.Lock()
	defer t.network.mu.Unlock()

	// one copy per recipient domain, like per-subject delivery
	for _, r := range msg.Recipients {
		r = protocol.NormalizeDomainName(r)
		copied := *msg
		t.network.data[r] = append(t.network.data[r], &copied)
	}
	return nil
}

func (t *Node) PublishConfirmation(_ context.Context, msg *protocol.ControlMessage) error {
	if msg.Type != protocol.ControlConfirmation {
		return errors.WrapInvalid(errors.ErrInvalidData,
			"MemTransport", "PublishConfirmation", "control type must be confirmation")
	}
	return t.publishControl(msg, t.network.confirm)
}

func (t *Node) PublishRetransmitRequest(_ context.Context, msg *protocol.ControlMessage) error {
	if msg.Type != protocol.ControlRetransmitRequest {
		return errors.WrapInvalid(errors.ErrInvalidData,
			"MemTransport", "PublishRetransmitRequest", "control type must be retransmit_request")
	}
	return t.publishControl(msg, t.network.retransmit)
}

func (t *Node) publishControl(msg *protocol.ControlMessage, queues map[string][]*protocol.ControlMessage) error {
	if err := msg.Validate(); err != nil {
		return err
	}

	t.network.mu.Lock()
	defer t.network.mu.Unlock()

	target := protocol.NormalizeDomainName(msg.Recipient)
	copied := *msg
	queues[target] = append(queues[target], &copied)
	return nil
}

func (t *Node) ReceiveData(ctx context.Context) iter.Seq2[*protocol.DataMessage, error] {
	return func(yield func(*protocol.DataMessage, error) bool) {
		for _, domain := range t.localDomains {
			for {
				if ctx.Err() != nil {
					return
				}
				msg := popQueue(&t.network.mu, t.network.data, domain)
				if msg == nil {
					break
				}
				if !yield(msg, nil) {
					return
				}
			}
		}
	}
}

func (t *Node) ReceiveConfirmations(ctx context.Context) iter.Seq2[*protocol.ControlMessage, error] {
	return t.receiveControl(ctx, t.network.confirm)
}

func (t *Node) ReceiveRetransmitRequests(ctx context.Context) iter.Seq2[*protocol.ControlMessage, error] {
	return t.receiveControl(ctx, t.network.retransmit)
}

func (t *Node) receiveControl(ctx context.Context, queues map[string][]*protocol.ControlMessage) iter.Seq2[*protocol.ControlMessage, error] {
	return func(yield func(*protocol.ControlMessage, error) bool) {
		for _, domain := range t.localDomains {
			for {
				if ctx.Err() != nil {
					return
				}
				msg := popQueue(&t.network.mu, queues, domain)
				if msg == nil {
					break
				}
				if !yield(msg, nil) {
					return
				}
			}
		}
	}
}

// popQueue removes and returns the head of one domain's queue, or nil if
// it is empty. Popping one message at a time keeps early-break semantics
// honest: anything not yet yielded stays queued for the next pass.
func popQueue[M any](mu *sync.Mutex, queues map[string][]*M, domain string) *M {
	mu.Lock()
	defer mu.Unlock()

	q := queues[domain]
	if len(q) == 0 {
		return nil
	}
	msg := q[0]
	queues[domain] = q[1:]
	return msg
}

// Pending reports how many messages of each kind are queued for a domain.
// Test helper.
func (n *Network) Pending(domain string) (data, confirm, retransmit int) {
	domain = protocol.NormalizeDomainName(domain)

	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.data[domain]), len(n.confirm[domain]), len(n.retransmit[domain])
}

var _ transport.Transport = (*Node)(nil)
