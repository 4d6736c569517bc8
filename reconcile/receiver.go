package reconcile

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/c360/docrelay/blobstore"
	"github.com/c360/docrelay/errors"
	"github.com/c360/docrelay/fingerprint"
	"github.com/c360/docrelay/metric"
	"github.com/c360/docrelay/protocol"
	"github.com/c360/docrelay/protocol/store"
	"github.com/c360/docrelay/transport"
)

// Receiver owns the inbound half of a relay node: materializing documents
// and fragments from incoming data messages in any order, confirming valid
// fragments back to their sender, discarding corrupt ones so they get
// re-sent, and rebuilding complete documents for local consumption.
type Receiver struct {
	store     store.Store
	blobs     blobstore.Store
	transport transport.Transport
	metrics   *metric.Metrics
	logger    *slog.Logger
	clock     clockwork.Clock

	local            []string
	deprecationDelay time.Duration
}

// NewReceiver wires a Receiver from shared options.
func NewReceiver(opts Options) (*Receiver, error) {
	if err := opts.validate(); err != nil {
		return nil, err
	}
	opts.normalize()
	return &Receiver{
		store:            opts.Store,
		blobs:            opts.Blobs,
		transport:        opts.Transport,
		metrics:          opts.Metrics,
		logger:           opts.Logger.With("component", "receiver"),
		clock:            opts.Clock,
		local:            opts.LocalDomains,
		deprecationDelay: opts.DeprecationDelay,
	}, nil
}

// ReceiveAll drains the data messages currently pending for this node's
// local domains, then retries reassembly of every unbuilt inbound
// document. Item failures are logged and skipped; a malformed or corrupt
// message never stalls the rest of the pass.
func (r *Receiver) ReceiveAll(ctx context.Context) error {
	for msg, err := range r.transport.ReceiveData(ctx) {
		if err != nil {
			r.logger.Warn("receiving data message failed", "error", err)
			continue
		}
		if err := r.handleData(ctx, msg); err != nil {
			r.logger.Warn("handling data message failed",
				"fingerprint", msg.DocumentFingerprint, "fragment", msg.FragmentNumber,
				"sender", msg.Sender, "error", err)
		}
	}
	return r.BuildPending(ctx)
}

// BuildPending walks the unbuilt documents addressed to a local recipient
// and attempts to build each. Every fragment may already be present when a
// crash or a transient blob failure interrupted an earlier build; without
// this poll such a document would strand forever, since redelivered data
// messages take the duplicate path and never reach Build again.
func (r *Receiver) BuildPending(ctx context.Context) error {
	docs, err := r.store.DocumentsUnbuilt(ctx)
	if err != nil {
		return err
	}
	for _, doc := range docs {
		if len(doc.LocalRecipients(r.local)) == 0 {
			continue
		}
		if _, err := r.Build(ctx, doc); err != nil {
			r.logger.Warn("building document failed",
				"document_id", doc.ID, "fingerprint", doc.Fingerprint, "error", err)
		}
	}
	return ctx.Err()
}

func (r *Receiver) handleData(ctx context.Context, msg *protocol.DataMessage) error {
	doc, err := r.getOrCreateDocument(ctx, msg)
	if err != nil {
		return err
	}

	frag, err := r.store.FragmentByNumber(ctx, doc.ID, msg.FragmentNumber)
	if err == nil {
		// Duplicate delivery. The payload is already stored; re-confirm in
		// case the original confirmation was lost.
		r.logger.Debug("fragment already here",
			"document_id", doc.ID, "fragment", frag.Number)
		return r.confirmReception(ctx, doc, frag.Number)
	}
	if !errors.Is(err, errors.ErrNotFound) {
		return err
	}

	handle, err := r.blobs.Save(ctx, msg.Payload, fmt.Sprintf("%s/frag-%d", doc.FileName, msg.FragmentNumber))
	if err != nil {
		return err
	}
	frag = &protocol.Fragment{
		DocumentID:  doc.ID,
		Number:      msg.FragmentNumber,
		Payload:     handle,
		Fingerprint: msg.FragmentFingerprint,
	}
	if err := r.store.CreateFragment(ctx, frag); err != nil {
		if errors.Is(err, errors.ErrDuplicate) {
			// Lost a race with a concurrent delivery of the same fragment.
			_ = r.blobs.Delete(ctx, handle)
			return r.confirmReception(ctx, doc, msg.FragmentNumber)
		}
		_ = r.blobs.Delete(ctx, handle)
		return err
	}

	if !fingerprint.VerifyPayload(msg.Payload, msg.FragmentFingerprint) {
		return r.discardCorrupt(ctx, doc, frag)
	}

	r.metrics.RecordFragmentReceived(doc.Sender.Name)
	if err := r.confirmReception(ctx, doc, frag.Number); err != nil {
		return err
	}

	// A live transfer pushes the cleanup deadline out.
	doc.Deprecate(r.clock.Now(), r.deprecationDelay)
	if err := r.store.SaveDocument(ctx, doc); err != nil {
		return err
	}

	_, err = r.Build(ctx, doc)
	return err
}

// getOrCreateDocument materializes the document a data message belongs to.
// Any fragment can arrive first; each carries the full document metadata.
func (r *Receiver) getOrCreateDocument(ctx context.Context, msg *protocol.DataMessage) (*protocol.Document, error) {
	doc, err := r.store.GetDocumentByFingerprint(ctx, msg.DocumentFingerprint, msg.Sender)
	if err == nil {
		return r.refreshDocument(ctx, doc, msg)
	}
	if !errors.Is(err, errors.ErrNotFound) {
		return nil, err
	}

	senderDomain, err := r.store.GetOrCreateDomain(ctx, msg.Sender)
	if err != nil {
		return nil, err
	}
	recipients := make([]protocol.Domain, 0, len(msg.Recipients))
	for _, name := range msg.Recipients {
		d, err := r.store.GetOrCreateDomain(ctx, name)
		if err != nil {
			return nil, err
		}
		recipients = append(recipients, d)
	}

	doc = &protocol.Document{
		Fingerprint:     msg.DocumentFingerprint,
		FileName:        msg.FileName,
		PayloadMetadata: msg.PayloadMetadata,
		Sender:          senderDomain,
		Recipients:      recipients,
		TotalFragments:  msg.TotalFragments,
		Priority:        msg.Priority,
		CreatedAt:       r.clock.Now(),
	}
	// Inbound documents carry a deadline from birth so transfers that never
	// complete drain instead of leaking.
	doc.Deprecate(r.clock.Now(), r.deprecationDelay)

	if err := r.store.CreateDocument(ctx, doc); err != nil {
		if errors.Is(err, errors.ErrDuplicate) {
			return r.store.GetDocumentByFingerprint(ctx, msg.DocumentFingerprint, msg.Sender)
		}
		return nil, err
	}
	r.logger.Info("inbound document registered",
		"document_id", doc.ID, "fingerprint", doc.Fingerprint,
		"sender", doc.Sender.Name, "total_fragments", doc.TotalFragments)
	return doc, nil
}

// refreshDocument folds metadata from a later data message into an already
// known document: new recipients are merged, a missing fragment count is
// filled in.
func (r *Receiver) refreshDocument(ctx context.Context, doc *protocol.Document, msg *protocol.DataMessage) (*protocol.Document, error) {
	changed := false
	for _, name := range msg.Recipients {
		name = protocol.NormalizeDomainName(name)
		if doc.HasRecipient(name) {
			continue
		}
		d, err := r.store.GetOrCreateDomain(ctx, name)
		if err != nil {
			return nil, err
		}
		doc.Recipients = append(doc.Recipients, d)
		changed = true
	}
	if doc.TotalFragments == 0 && msg.TotalFragments > 0 {
		doc.TotalFragments = msg.TotalFragments
		changed = true
	}
	if changed {
		if err := r.store.SaveDocument(ctx, doc); err != nil {
			return nil, err
		}
	}
	return doc, nil
}

// discardCorrupt removes a fragment whose payload does not match its
// fingerprint and asks the sender for a fresh copy. Exactly one request per
// corrupt delivery.
func (r *Receiver) discardCorrupt(ctx context.Context, doc *protocol.Document, frag *protocol.Fragment) error {
	r.metrics.RecordFragmentCorrupt(doc.Sender.Name)
	r.logger.Warn("corrupt fragment discarded",
		"document_id", doc.ID, "fragment", frag.Number, "sender", doc.Sender.Name)

	locals := r.localRecipientNames(doc)
	if len(locals) > 0 {
		req := &protocol.ControlMessage{
			Type:                protocol.ControlRetransmitRequest,
			DocumentFingerprint: doc.Fingerprint,
			Recipient:           doc.Sender.Name,
			FragmentNumber:      frag.Number,
			LocalRecipients:     locals,
		}
		if err := r.transport.PublishRetransmitRequest(ctx, req); err != nil {
			return err
		}
		r.metrics.RecordRetransmitRequested("sent")
	}

	if err := r.store.DeleteFragment(ctx, frag.ID); err != nil {
		return err
	}
	return r.blobs.Delete(ctx, frag.Payload)
}

// confirmReception acknowledges one fragment back to the document's sender
// on behalf of every local recipient domain.
func (r *Receiver) confirmReception(ctx context.Context, doc *protocol.Document, number int) error {
	locals := r.localRecipientNames(doc)
	if len(locals) == 0 {
		r.logger.Debug("no local recipients to confirm for",
			"document_id", doc.ID, "fragment", number)
		return nil
	}
	msg := &protocol.ControlMessage{
		Type:                protocol.ControlConfirmation,
		DocumentFingerprint: doc.Fingerprint,
		Recipient:           doc.Sender.Name,
		FragmentNumber:      number,
		LocalRecipients:     locals,
	}
	return r.transport.PublishConfirmation(ctx, msg)
}

func (r *Receiver) localRecipientNames(doc *protocol.Document) []string {
	return protocol.DomainNames(doc.LocalRecipients(r.local))
}

// Build reassembles the document payload from its fragments, in fragment
// number order. Build is idempotent and a no-op until every fragment is
// present; once set, the built flag never reverts. Reports whether this
// call performed the build.
func (r *Receiver) Build(ctx context.Context, doc *protocol.Document) (bool, error) {
	if doc.Built {
		return false, nil
	}
	fragments, err := r.store.FragmentsByDocument(ctx, doc.ID)
	if err != nil {
		return false, err
	}
	if !doc.IsComplete(len(fragments)) {
		return false, nil
	}
	for i := range fragments {
		if fragments[i].Payload == "" {
			return false, nil
		}
	}

	start := time.Now()
	var buf bytes.Buffer
	for i := range fragments {
		chunk, err := r.blobs.Get(ctx, fragments[i].Payload)
		if err != nil {
			return false, errors.Wrap(err, "Receiver", "Build", "load fragment payload")
		}
		buf.Write(chunk)
	}

	handle, err := r.blobs.Save(ctx, buf.Bytes(), doc.FileName)
	if err != nil {
		return false, err
	}
	if doc.Payload != "" {
		// A locally addressed outbound document already holds the
		// submitted payload; release it before the rebuilt copy replaces
		// the handle.
		_ = r.blobs.Delete(ctx, doc.Payload)
	}
	doc.Payload = handle
	doc.Built = true
	// Full retention window from completion, not from the last fragment.
	doc.Deprecate(r.clock.Now(), r.deprecationDelay)
	if err := r.store.SaveDocument(ctx, doc); err != nil {
		return false, err
	}

	r.metrics.RecordDocumentBuilt(time.Since(start))
	r.logger.Info("document built",
		"document_id", doc.ID, "fingerprint", doc.Fingerprint,
		"file_name", doc.FileName, "bytes", buf.Len())
	return true, nil
}

// Inbox lists the built documents addressed to a local recipient domain.
func (r *Receiver) Inbox(ctx context.Context, domain string) ([]protocol.InboxInformation, error) {
	docs, err := r.store.Incoming(ctx, domain)
	if err != nil {
		return nil, err
	}
	out := make([]protocol.InboxInformation, 0, len(docs))
	for _, doc := range docs {
		out = append(out, doc.InboxEntry())
	}
	return out, nil
}

// Open returns the rebuilt payload of a built document.
func (r *Receiver) Open(ctx context.Context, documentID int64) ([]byte, error) {
	doc, err := r.store.GetDocument(ctx, documentID)
	if err != nil {
		return nil, err
	}
	if !doc.Built {
		return nil, errors.WrapInvalid(errors.ErrNotFound, "Receiver", "Open", "document is not built yet")
	}
	return r.blobs.Get(ctx, doc.Payload)
}
