package reconcile

import (
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"

	"github.com/c360/docrelay/blobstore"
	"github.com/c360/docrelay/config"
	"github.com/c360/docrelay/fingerprint"
	"github.com/c360/docrelay/protocol"
	"github.com/c360/docrelay/protocol/store"
	"github.com/c360/docrelay/transport/memtransport"
)

const (
	legalDomain      = "legal.acme.example"
	accountingDomain = "accounting.beta.example"
	archiveDomain    = "archive.gamma.example"
)

// testNode is one relay node with its own store and blob store, attached
// to a shared in-memory network.
type testNode struct {
	store    store.Store
	blobs    *blobstore.Memory
	service  *Service
	sender   *Sender
	receiver *Receiver
	opts     Options
}

func newTestNode(t *testing.T, net *memtransport.Network, clock clockwork.Clock, routes *config.RoutingTable, domains ...string) *testNode {
	t.Helper()
	opts := Options{
		Store:            store.NewMemory(),
		Blobs:            blobstore.NewMemory(),
		Transport:        net.Node(domains...),
		Routes:           routes,
		LocalDomains:     domains,
		Logger:           slog.New(slog.NewTextHandler(io.Discard, nil)),
		Clock:            clock,
		FragmentSize:     3,
		DeprecationDelay: time.Hour,
		StaleAfter:       30 * time.Minute,
		CycleInterval:    time.Second,
	}
	svc, err := NewService(opts)
	require.NoError(t, err)
	return &testNode{
		store:    opts.Store,
		blobs:    opts.Blobs.(*blobstore.Memory),
		service:  svc,
		sender:   svc.Sender(),
		receiver: svc.Receiver(),
		opts:     opts,
	}
}

// dataMsg builds a wire data message the way a sending node would, with
// fingerprints computed from the real chunk and document bytes.
func dataMsg(full []byte, metadata string, chunk []byte, number, total int, sender string, recipients ...string) *protocol.DataMessage {
	return &protocol.DataMessage{
		FragmentNumber:      number,
		FragmentFingerprint: fingerprint.Compute(chunk, ""),
		FileName:            "contract.pdf",
		Sender:              sender,
		Recipients:          recipients,
		Priority:            protocol.DefaultPriority,
		DocumentFingerprint: fingerprint.Compute(full, metadata),
		TotalFragments:      total,
		PayloadMetadata:     metadata,
		Payload:             chunk,
	}
}
