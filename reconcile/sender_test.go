package reconcile

import (
	"context"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/docrelay/config"
	"github.com/c360/docrelay/errors"
	"github.com/c360/docrelay/protocol"
	"github.com/c360/docrelay/transport/memtransport"
)

func submit(t *testing.T, n *testNode, payload []byte, recipients ...string) *protocol.Document {
	t.Helper()
	doc, err := n.sender.NewDocument(context.Background(), Submission{
		Sender:     legalDomain,
		Recipients: recipients,
		Payload:    payload,
		FileName:   "contract.pdf",
		Metadata:   `{"case":"acme-v-beta"}`,
	})
	require.NoError(t, err)
	return doc
}

func drainSend(t *testing.T, n *testNode, force bool) []*protocol.Fragment {
	t.Helper()
	var sent []*protocol.Fragment
	for f, err := range n.sender.SendAll(context.Background(), force) {
		require.NoError(t, err)
		sent = append(sent, f)
	}
	return sent
}

func TestNewDocumentSplitsAndDispatches(t *testing.T) {
	net := memtransport.NewNetwork()
	n := newTestNode(t, net, clockwork.NewFakeClock(), nil, legalDomain)
	ctx := context.Background()

	doc := submit(t, n, []byte("ABCDEFGH"), accountingDomain)
	require.True(t, doc.ToBeSend)

	sent := drainSend(t, n, false)
	require.Len(t, sent, 3)

	fragments, err := n.store.FragmentsByDocument(ctx, doc.ID)
	require.NoError(t, err)
	require.Len(t, fragments, 3)
	for i, f := range fragments {
		assert.Equal(t, i+1, f.Number)
		assert.False(t, f.ToBeSend)
		chunk, err := n.blobs.Get(ctx, f.Payload)
		require.NoError(t, err)
		assert.Equal(t, []string{"ABC", "DEF", "GH"}[i], string(chunk))
	}

	stored, err := n.store.GetDocument(ctx, doc.ID)
	require.NoError(t, err)
	assert.False(t, stored.ToBeSend)
	assert.Equal(t, 3, stored.TotalFragments)

	data, _, _ := net.Pending(accountingDomain)
	assert.Equal(t, 3, data)
}

func TestNewDocumentEmptyPayloadGetsOneFragment(t *testing.T) {
	net := memtransport.NewNetwork()
	n := newTestNode(t, net, clockwork.NewFakeClock(), nil, legalDomain)

	doc := submit(t, n, nil, accountingDomain)
	sent := drainSend(t, n, false)
	require.Len(t, sent, 1)
	assert.NotEmpty(t, sent[0].Payload, "even an empty chunk gets a blob handle")

	stored, err := n.store.GetDocument(context.Background(), doc.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, stored.TotalFragments)
}

func TestNewDocumentRouteRefused(t *testing.T) {
	routes := &config.RoutingTable{Routes: map[string][]string{
		legalDomain: {accountingDomain},
	}}
	net := memtransport.NewNetwork()
	n := newTestNode(t, net, clockwork.NewFakeClock(), routes, legalDomain)

	_, err := n.sender.NewDocument(context.Background(), Submission{
		Sender:     legalDomain,
		Recipients: []string{archiveDomain},
		Payload:    []byte("secret"),
		FileName:   "contract.pdf",
	})
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrRouteNotAllowed))

	// The permitted recipient still works.
	_, err = n.sender.NewDocument(context.Background(), Submission{
		Sender:     legalDomain,
		Recipients: []string{accountingDomain},
		Payload:    []byte("secret"),
		FileName:   "contract.pdf",
	})
	require.NoError(t, err)
}

func TestNewDocumentDeduplicatesOnFingerprintAndSender(t *testing.T) {
	net := memtransport.NewNetwork()
	n := newTestNode(t, net, clockwork.NewFakeClock(), nil, legalDomain)

	first := submit(t, n, []byte("same bytes"), accountingDomain)
	second := submit(t, n, []byte("same bytes"), accountingDomain, archiveDomain)

	assert.Equal(t, first.ID, second.ID)
	assert.ElementsMatch(t, []string{accountingDomain, archiveDomain}, second.RecipientNames())

	// Same payload, different metadata: a different document.
	other, err := n.sender.NewDocument(context.Background(), Submission{
		Sender:     legalDomain,
		Recipients: []string{accountingDomain},
		Payload:    []byte("same bytes"),
		FileName:   "contract.pdf",
		Metadata:   "different",
	})
	require.NoError(t, err)
	assert.NotEqual(t, first.ID, other.ID)
}

func TestSendEarlyBreakKeepsDocumentPending(t *testing.T) {
	net := memtransport.NewNetwork()
	n := newTestNode(t, net, clockwork.NewFakeClock(), nil, legalDomain)
	ctx := context.Background()

	doc := submit(t, n, []byte("ABCDEFGH"), accountingDomain)

	for _, err := range n.sender.Send(ctx, doc, false) {
		require.NoError(t, err)
		break
	}

	stored, err := n.store.GetDocument(ctx, doc.ID)
	require.NoError(t, err)
	assert.True(t, stored.ToBeSend, "interrupted pass must not clear the document flag")

	fragments, err := n.store.FragmentsByDocument(ctx, doc.ID)
	require.NoError(t, err)
	assert.False(t, fragments[0].ToBeSend, "the dispatched fragment stays dispatched")
	assert.True(t, fragments[1].ToBeSend)
	assert.True(t, fragments[2].ToBeSend)

	// The next pass picks up exactly where the interrupted one stopped.
	sent := drainSend(t, n, false)
	require.Len(t, sent, 2)
	stored, err = n.store.GetDocument(ctx, doc.ID)
	require.NoError(t, err)
	assert.False(t, stored.ToBeSend)
}

func TestSendAllDispatchesByPriority(t *testing.T) {
	net := memtransport.NewNetwork()
	n := newTestNode(t, net, clockwork.NewFakeClock(), nil, legalDomain)

	low, err := n.sender.NewDocument(context.Background(), Submission{
		Sender:     legalDomain,
		Recipients: []string{accountingDomain},
		Payload:    []byte("low priority"),
		FileName:   "low.pdf",
		Priority:   protocol.PriorityLow,
	})
	require.NoError(t, err)
	urgent, err := n.sender.NewDocument(context.Background(), Submission{
		Sender:     legalDomain,
		Recipients: []string{accountingDomain},
		Payload:    []byte("urgent"),
		FileName:   "urgent.pdf",
		Priority:   protocol.PriorityUrgent,
	})
	require.NoError(t, err)

	sent := drainSend(t, n, false)
	require.NotEmpty(t, sent)
	assert.Equal(t, urgent.ID, sent[0].DocumentID, "urgent documents dispatch first")
	assert.Equal(t, low.ID, sent[len(sent)-1].DocumentID)
}

func TestCheckSentAppliesConfirmations(t *testing.T) {
	net := memtransport.NewNetwork()
	clock := clockwork.NewFakeClock()
	a := newTestNode(t, net, clock, nil, legalDomain)
	b := newTestNode(t, net, clock, nil, accountingDomain)
	ctx := context.Background()

	doc := submit(t, a, []byte("ABCDEFGH"), accountingDomain)
	drainSend(t, a, false)

	require.NoError(t, b.receiver.ReceiveAll(ctx))
	require.NoError(t, a.sender.CheckSent(ctx))

	fragments, err := a.store.FragmentsByDocument(ctx, doc.ID)
	require.NoError(t, err)
	for _, f := range fragments {
		assert.True(t, f.Received, "fragment %d should be confirmed", f.Number)
		assert.True(t, f.ConfirmedBy(accountingDomain))
	}

	stored, err := a.store.GetDocument(ctx, doc.ID)
	require.NoError(t, err)
	require.NotNil(t, stored.Deprecation, "fully received documents get a cleanup deadline")
}

func TestCheckSentKeepsLocallyAddressedDocuments(t *testing.T) {
	net := memtransport.NewNetwork()
	clock := clockwork.NewFakeClock()
	a := newTestNode(t, net, clock, nil, legalDomain)
	b := newTestNode(t, net, clock, nil, accountingDomain)
	ctx := context.Background()

	// One recipient is the sending node itself. Even after every recipient
	// confirms every fragment, no cleanup deadline may be set while a local
	// domain still holds the document.
	doc := submit(t, a, []byte("ABCDEFGH"), accountingDomain, legalDomain)
	drainSend(t, a, false)

	require.NoError(t, b.receiver.ReceiveAll(ctx))
	require.NoError(t, a.receiver.ReceiveAll(ctx))
	require.NoError(t, a.sender.CheckSent(ctx))

	fragments, err := a.store.FragmentsByDocument(ctx, doc.ID)
	require.NoError(t, err)
	for _, f := range fragments {
		require.True(t, f.Received, "fragment %d should be confirmed", f.Number)
		assert.True(t, f.ConfirmedBy(accountingDomain))
		assert.True(t, f.ConfirmedBy(legalDomain))
	}

	stored, err := a.store.GetDocument(ctx, doc.ID)
	require.NoError(t, err)
	assert.Nil(t, stored.Deprecation, "documents addressed to a local domain must not be scheduled for cleanup")
}

func TestCheckSentServesRetransmitRequests(t *testing.T) {
	net := memtransport.NewNetwork()
	clock := clockwork.NewFakeClock()
	a := newTestNode(t, net, clock, nil, legalDomain)
	ctx := context.Background()

	doc := submit(t, a, []byte("ABCDEFGH"), accountingDomain)
	drainSend(t, a, false)

	// Drain the queued data so only the retransmission shows up below.
	bNode := net.Node(accountingDomain)
	for range bNode.ReceiveData(ctx) {
	}

	req := &protocol.ControlMessage{
		Type:                protocol.ControlRetransmitRequest,
		DocumentFingerprint: doc.Fingerprint,
		Recipient:           legalDomain,
		FragmentNumber:      2,
		LocalRecipients:     []string{accountingDomain},
	}
	require.NoError(t, bNode.PublishRetransmitRequest(ctx, req))

	require.NoError(t, a.sender.CheckSent(ctx))

	data, _, _ := net.Pending(accountingDomain)
	assert.Equal(t, 1, data, "exactly the requested fragment is re-sent")
}

func TestDeleteDeprecatedRemovesEverything(t *testing.T) {
	net := memtransport.NewNetwork()
	clock := clockwork.NewFakeClock()
	n := newTestNode(t, net, clock, nil, legalDomain)
	ctx := context.Background()

	doc := submit(t, n, []byte("ABCDEFGH"), accountingDomain)
	drainSend(t, n, false)
	fragments, err := n.store.FragmentsByDocument(ctx, doc.ID)
	require.NoError(t, err)

	require.NoError(t, n.sender.Deprecate(ctx, doc))

	// Not due yet.
	deleted, err := n.sender.DeleteDeprecated(ctx)
	require.NoError(t, err)
	assert.Zero(t, deleted)

	clock.Advance(2 * time.Hour)
	deleted, err = n.sender.DeleteDeprecated(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, deleted)

	_, err = n.store.GetDocument(ctx, doc.ID)
	assert.True(t, errors.Is(err, errors.ErrNotFound))
	for _, f := range fragments {
		_, err := n.blobs.Get(ctx, f.Payload)
		assert.True(t, errors.Is(err, errors.ErrNotFound), "fragment blob %d must be gone", f.Number)
	}
	_, err = n.blobs.Get(ctx, doc.Payload)
	assert.True(t, errors.Is(err, errors.ErrNotFound))
}

func TestExtendDeprecationNeverClears(t *testing.T) {
	net := memtransport.NewNetwork()
	clock := clockwork.NewFakeClock()
	n := newTestNode(t, net, clock, nil, legalDomain)
	ctx := context.Background()

	doc := submit(t, n, []byte("payload"), accountingDomain)
	require.NoError(t, n.sender.Deprecate(ctx, doc))
	first := *doc.Deprecation

	require.NoError(t, n.sender.ExtendDeprecation(ctx, doc, 4*time.Hour))
	require.NotNil(t, doc.Deprecation)
	assert.True(t, doc.Deprecation.After(first))

	stored, err := n.store.GetDocument(ctx, doc.ID)
	require.NoError(t, err)
	require.NotNil(t, stored.Deprecation)
}

func TestReceptionState(t *testing.T) {
	net := memtransport.NewNetwork()
	clock := clockwork.NewFakeClock()
	a := newTestNode(t, net, clock, nil, legalDomain)
	b := newTestNode(t, net, clock, nil, accountingDomain)
	ctx := context.Background()

	doc := submit(t, a, []byte("ABCDEFGH"), accountingDomain)
	drainSend(t, a, false)

	state, err := a.sender.ReceptionState(ctx, doc.ID)
	require.NoError(t, err)
	assert.Equal(t, 3, state.Fragments)
	assert.Equal(t, 0, state.Domains[accountingDomain])

	require.NoError(t, b.receiver.ReceiveAll(ctx))
	require.NoError(t, a.sender.CheckSent(ctx))

	state, err = a.sender.ReceptionState(ctx, doc.ID)
	require.NoError(t, err)
	assert.Equal(t, 3, state.Domains[accountingDomain])

	stored, err := a.store.GetDocument(ctx, doc.ID)
	require.NoError(t, err)
	assert.NotNil(t, stored.Deprecation, "fully received with no local recipients pending")
}

func TestSizeInTransit(t *testing.T) {
	net := memtransport.NewNetwork()
	clock := clockwork.NewFakeClock()
	a := newTestNode(t, net, clock, nil, legalDomain)
	b := newTestNode(t, net, clock, nil, accountingDomain)
	ctx := context.Background()

	submit(t, a, []byte("ABCDEFGH"), accountingDomain)

	size, err := a.sender.SizeInTransit(ctx)
	require.NoError(t, err)
	assert.Zero(t, size, "nothing dispatched yet")

	drainSend(t, a, false)
	size, err = a.sender.SizeInTransit(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(8), size)

	require.NoError(t, b.receiver.ReceiveAll(ctx))
	require.NoError(t, a.sender.CheckSent(ctx))
	size, err = a.sender.SizeInTransit(ctx)
	require.NoError(t, err)
	assert.Zero(t, size, "confirmed fragments leave transit")
}
