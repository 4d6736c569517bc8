package reconcile

import (
	"context"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/docrelay/errors"
	"github.com/c360/docrelay/fingerprint"
	"github.com/c360/docrelay/metric"
	"github.com/c360/docrelay/protocol"
	"github.com/c360/docrelay/transport/memtransport"
)

func TestServiceValidatesOptions(t *testing.T) {
	_, err := NewService(Options{})
	require.Error(t, err)
	assert.True(t, errors.IsInvalid(err))
}

func TestServiceStartStop(t *testing.T) {
	net := memtransport.NewNetwork()
	n := newTestNode(t, net, clockwork.NewFakeClock(), nil, legalDomain)
	ctx := context.Background()

	require.NoError(t, n.service.Start(ctx))
	err := n.service.Start(ctx)
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrAlreadyStarted))

	require.NoError(t, n.service.Stop())
	err = n.service.Stop()
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrNotStarted))

	// A stopped service can be started again.
	require.NoError(t, n.service.Start(ctx))
	require.NoError(t, n.service.Stop())
}

func TestServiceTickerDrivesCycles(t *testing.T) {
	net := memtransport.NewNetwork()
	clock := clockwork.NewFakeClock()
	n := newTestNode(t, net, clock, nil, legalDomain)
	ctx := context.Background()

	submit(t, n, []byte("ABCDEFGH"), accountingDomain)

	require.NoError(t, n.service.Start(ctx))
	defer func() { require.NoError(t, n.service.Stop()) }()

	clock.BlockUntil(1)
	clock.Advance(n.opts.CycleInterval)

	require.Eventually(t, func() bool {
		data, _, _ := net.Pending(accountingDomain)
		return data == 3
	}, 2*time.Second, 10*time.Millisecond, "one tick dispatches the pending document")
}

func TestEndToEndTransfer(t *testing.T) {
	net := memtransport.NewNetwork()
	clock := clockwork.NewFakeClock()
	a := newTestNode(t, net, clock, nil, legalDomain)
	b := newTestNode(t, net, clock, nil, accountingDomain)
	ctx := context.Background()

	payload := []byte("ABCDEFGH")
	doc := submit(t, a, payload, accountingDomain)

	// Cycle A dispatches, cycle B ingests and confirms, cycle A absorbs
	// the confirmations.
	require.NoError(t, a.service.Cycle(ctx))
	require.NoError(t, b.service.Cycle(ctx))
	require.NoError(t, a.service.Cycle(ctx))

	inbox, err := b.receiver.Inbox(ctx, accountingDomain)
	require.NoError(t, err)
	require.Len(t, inbox, 1)
	got, err := b.receiver.Open(ctx, inbox[0].ID)
	require.NoError(t, err)
	assert.Equal(t, payload, got)

	sent, err := a.store.GetDocument(ctx, doc.ID)
	require.NoError(t, err)
	fragments, err := a.store.FragmentsByDocument(ctx, sent.ID)
	require.NoError(t, err)
	assert.True(t, sent.Received(fragments))
	require.NotNil(t, sent.Deprecation)

	// After the retention window both sides clean up on their own.
	clock.Advance(2 * time.Hour)
	require.NoError(t, a.service.Cycle(ctx))
	require.NoError(t, b.service.Cycle(ctx))

	_, err = a.store.GetDocument(ctx, doc.ID)
	assert.True(t, errors.Is(err, errors.ErrNotFound))
	inbox, err = b.receiver.Inbox(ctx, accountingDomain)
	require.NoError(t, err)
	assert.Empty(t, inbox)
}

func TestEndToEndCorruptionRecovery(t *testing.T) {
	net := memtransport.NewNetwork()
	clock := clockwork.NewFakeClock()
	a := newTestNode(t, net, clock, nil, legalDomain)
	b := newTestNode(t, net, clock, nil, accountingDomain)
	ctx := context.Background()

	payload := []byte("ABCDEFGH")
	submit(t, a, payload, accountingDomain)
	require.NoError(t, a.service.Cycle(ctx))

	// Corrupt fragment 2 in flight.
	corrupted := 0
	for msg, err := range net.Node(accountingDomain).ReceiveData(ctx) {
		require.NoError(t, err)
		if msg.FragmentNumber == 2 {
			msg.Payload = []byte("???")
			corrupted++
		}
		require.NoError(t, b.receiver.handleData(ctx, msg))
	}
	require.Equal(t, 1, corrupted)

	// The next sender cycle serves the retransmission request; the next
	// receiver cycle completes the document.
	require.NoError(t, a.service.Cycle(ctx))
	require.NoError(t, b.service.Cycle(ctx))

	inbox, err := b.receiver.Inbox(ctx, accountingDomain)
	require.NoError(t, err)
	require.Len(t, inbox, 1)
	got, err := b.receiver.Open(ctx, inbox[0].ID)
	require.NoError(t, err)
	assert.Equal(t, payload, got)
}

func TestCycleBuildsStrandedDocuments(t *testing.T) {
	net := memtransport.NewNetwork()
	clock := clockwork.NewFakeClock()
	n := newTestNode(t, net, clock, nil, accountingDomain)
	ctx := context.Background()

	// A transfer interrupted after the last fragment was stored but
	// before the build: every fragment present, no messages pending.
	sender, err := n.store.GetOrCreateDomain(ctx, legalDomain)
	require.NoError(t, err)
	recipient, err := n.store.GetOrCreateDomain(ctx, accountingDomain)
	require.NoError(t, err)

	full := []byte("ABCDE")
	doc := &protocol.Document{
		Fingerprint:    fingerprint.Compute(full, ""),
		FileName:       "contract.pdf",
		Sender:         sender,
		Recipients:     []protocol.Domain{recipient},
		TotalFragments: 2,
		CreatedAt:      clock.Now(),
	}
	require.NoError(t, n.store.CreateDocument(ctx, doc))
	for i, chunk := range [][]byte{[]byte("ABC"), []byte("DE")} {
		handle, err := n.blobs.Save(ctx, chunk, "contract.pdf")
		require.NoError(t, err)
		require.NoError(t, n.store.CreateFragment(ctx, &protocol.Fragment{
			DocumentID:  doc.ID,
			Number:      i + 1,
			Payload:     handle,
			Fingerprint: fingerprint.Compute(chunk, ""),
		}))
	}

	require.NoError(t, n.service.Cycle(ctx))

	got, err := n.store.GetDocument(ctx, doc.ID)
	require.NoError(t, err)
	require.True(t, got.Built, "a complete document must be built by the next cycle")

	payload, err := n.receiver.Open(ctx, doc.ID)
	require.NoError(t, err)
	assert.Equal(t, full, payload)
}

func TestCycleReportsStaleTransfers(t *testing.T) {
	net := memtransport.NewNetwork()
	clock := clockwork.NewFakeClock()
	metrics := metric.NewMetrics()
	n := newTestNode(t, net, clock, nil, accountingDomain)
	n.service.metrics = metrics
	ctx := context.Background()

	full := []byte("ABCDEFGH")
	chunks := protocol.ChunkPayload(full, 3)
	msg := dataMsg(full, "", chunks[0], 1, len(chunks), legalDomain, accountingDomain)
	require.NoError(t, n.receiver.handleData(ctx, msg))

	require.NoError(t, n.service.Cycle(ctx))
	assert.Zero(t, testutil.ToFloat64(metrics.StaleIncomplete))

	clock.Advance(45 * time.Minute)
	require.NoError(t, n.service.Cycle(ctx))
	assert.Equal(t, float64(1), testutil.ToFloat64(metrics.StaleIncomplete),
		"an unbuilt inbound document past the threshold is stale")
}
