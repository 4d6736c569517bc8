package reconcile

import (
	"context"
	"fmt"
	"iter"
	"log/slog"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/c360/docrelay/blobstore"
	"github.com/c360/docrelay/config"
	"github.com/c360/docrelay/errors"
	"github.com/c360/docrelay/fingerprint"
	"github.com/c360/docrelay/metric"
	"github.com/c360/docrelay/protocol"
	"github.com/c360/docrelay/protocol/store"
	"github.com/c360/docrelay/transport"
)

// Sender owns the outbound half of a relay node: accepting document
// submissions, splitting them into fragments, dispatching fragments to
// recipient domains, absorbing confirmations and retransmission requests,
// and cleaning up documents whose deprecation has passed.
type Sender struct {
	store     store.Store
	blobs     blobstore.Store
	transport transport.Transport
	routes    *config.RoutingTable
	metrics   *metric.Metrics
	logger    *slog.Logger
	clock     clockwork.Clock

	local            []string
	fragmentSize     int
	deprecationDelay time.Duration
}

// NewSender wires a Sender from shared options.
func NewSender(opts Options) (*Sender, error) {
	if err := opts.validate(); err != nil {
		return nil, err
	}
	opts.normalize()
	return &Sender{
		store:            opts.Store,
		blobs:            opts.Blobs,
		transport:        opts.Transport,
		routes:           opts.Routes,
		metrics:          opts.Metrics,
		logger:           opts.Logger.With("component", "sender"),
		clock:            opts.Clock,
		local:            opts.LocalDomains,
		fragmentSize:     opts.FragmentSize,
		deprecationDelay: opts.DeprecationDelay,
	}, nil
}

// Submission is a request to transfer one payload to a set of recipient
// domains. Recipient entries may each contain a comma separated list.
type Submission struct {
	Sender     string
	Recipients []string
	Payload    []byte
	FileName   string
	Metadata   string
	Priority   protocol.Priority
}

// NewDocument registers a submission for transfer. Submissions are
// deduplicated on (fingerprint, sender): resubmitting the same payload from
// the same domain returns the existing document with any new recipients
// merged in, never a second copy.
//
// Returns errors.ErrRouteNotAllowed when the routing table does not permit
// the sender to address every recipient.
func (s *Sender) NewDocument(ctx context.Context, sub Submission) (*protocol.Document, error) {
	sender := protocol.NormalizeDomainName(sub.Sender)
	if sender == "" {
		return nil, errors.WrapInvalid(errors.ErrInvalidData, "Sender", "NewDocument", "sender domain is required")
	}
	recipients := protocol.SplitRecipients(sub.Recipients...)
	if len(recipients) == 0 {
		return nil, errors.WrapInvalid(errors.ErrInvalidData, "Sender", "NewDocument", "at least one recipient is required")
	}
	if s.routes != nil && !s.routes.AllAllowed(sender, recipients) {
		return nil, errors.WrapInvalid(
			fmt.Errorf("%w: sender %s recipients %v", errors.ErrRouteNotAllowed, sender, recipients),
			"Sender", "NewDocument", "routing table refused submission")
	}

	fp := fingerprint.Compute(sub.Payload, sub.Metadata)

	existing, err := s.store.GetDocumentByFingerprint(ctx, fp, sender)
	if err == nil {
		return s.mergeRecipients(ctx, existing, recipients)
	}
	if !errors.Is(err, errors.ErrNotFound) {
		return nil, err
	}

	senderDomain, err := s.store.GetOrCreateDomain(ctx, sender)
	if err != nil {
		return nil, err
	}
	recipientDomains, err := s.resolveDomains(ctx, recipients)
	if err != nil {
		return nil, err
	}

	handle, err := s.blobs.Save(ctx, sub.Payload, sub.FileName)
	if err != nil {
		return nil, err
	}

	priority := sub.Priority
	if priority == 0 {
		priority = protocol.DefaultPriority
	}
	doc := &protocol.Document{
		Fingerprint:     fp,
		FileName:        sub.FileName,
		PayloadMetadata: sub.Metadata,
		Payload:         handle,
		Sender:          senderDomain,
		Recipients:      recipientDomains,
		Priority:        priority,
		ToBeSend:        true,
		CreatedAt:       s.clock.Now(),
	}
	if err := s.store.CreateDocument(ctx, doc); err != nil {
		if errors.Is(err, errors.ErrDuplicate) {
			// Lost a race with a concurrent identical submission.
			_ = s.blobs.Delete(ctx, handle)
			winner, getErr := s.store.GetDocumentByFingerprint(ctx, fp, sender)
			if getErr != nil {
				return nil, getErr
			}
			return s.mergeRecipients(ctx, winner, recipients)
		}
		_ = s.blobs.Delete(ctx, handle)
		return nil, err
	}

	s.metrics.RecordDocumentSubmitted()
	s.logger.Info("document submitted",
		"document_id", doc.ID,
		"fingerprint", doc.Fingerprint,
		"sender", sender,
		"recipients", recipients,
		"bytes", len(sub.Payload))
	return doc, nil
}

func (s *Sender) mergeRecipients(ctx context.Context, doc *protocol.Document, recipients []string) (*protocol.Document, error) {
	added := false
	for _, name := range recipients {
		if doc.HasRecipient(name) {
			continue
		}
		d, err := s.store.GetOrCreateDomain(ctx, name)
		if err != nil {
			return nil, err
		}
		doc.Recipients = append(doc.Recipients, d)
		added = true
	}
	if added {
		if err := s.store.SaveDocument(ctx, doc); err != nil {
			return nil, err
		}
	}
	return doc, nil
}

func (s *Sender) resolveDomains(ctx context.Context, names []string) ([]protocol.Domain, error) {
	out := make([]protocol.Domain, 0, len(names))
	for _, name := range names {
		d, err := s.store.GetOrCreateDomain(ctx, name)
		if err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, nil
}

// Split chunks the document payload into fragments, one blob and one row
// each. A document always gets at least one fragment, even for an empty
// payload. Split is idempotent: a document that already has fragments is
// left alone.
func (s *Sender) Split(ctx context.Context, doc *protocol.Document) error {
	existing, err := s.store.FragmentsByDocument(ctx, doc.ID)
	if err != nil {
		return err
	}
	if len(existing) > 0 {
		return nil
	}

	payload, err := s.blobs.Get(ctx, doc.Payload)
	if err != nil {
		return errors.Wrap(err, "Sender", "Split", "load document payload")
	}

	chunks := protocol.ChunkPayload(payload, s.fragmentSize)
	doc.TotalFragments = len(chunks)
	for i, chunk := range chunks {
		number := i + 1
		handle, err := s.blobs.Save(ctx, chunk, fmt.Sprintf("%s/frag-%d", doc.FileName, number))
		if err != nil {
			return err
		}
		f := &protocol.Fragment{
			DocumentID:  doc.ID,
			Number:      number,
			Payload:     handle,
			Fingerprint: fingerprint.Compute(chunk, ""),
			ToBeSend:    true,
		}
		if err := s.store.CreateFragment(ctx, f); err != nil {
			if errors.Is(err, errors.ErrDuplicate) {
				_ = s.blobs.Delete(ctx, handle)
				continue
			}
			return err
		}
	}
	if err := s.store.SaveDocument(ctx, doc); err != nil {
		return err
	}
	s.logger.Debug("document split",
		"document_id", doc.ID, "fragments", doc.TotalFragments)
	return nil
}

// Send yields the document's fragments as they are dispatched. Fragments
// whose to-be-send flag is already cleared are skipped unless force is set.
// Each dispatched fragment is persisted immediately, so breaking out of the
// loop early never loses sent state; the document's own to-be-send flag is
// cleared only when the pass runs to completion with every fragment out.
func (s *Sender) Send(ctx context.Context, doc *protocol.Document, force bool) iter.Seq2[*protocol.Fragment, error] {
	return func(yield func(*protocol.Fragment, error) bool) {
		if err := s.Split(ctx, doc); err != nil {
			yield(nil, err)
			return
		}
		fragments, err := s.store.FragmentsByDocument(ctx, doc.ID)
		if err != nil {
			yield(nil, err)
			return
		}

		completed := true
		defer func() {
			if completed && doc.ToBeSend {
				doc.ToBeSend = false
				if err := s.store.SaveDocument(ctx, doc); err != nil {
					s.logger.Error("persisting document dispatch state failed",
						"document_id", doc.ID, "error", err)
				}
			}
		}()

		for i := range fragments {
			f := &fragments[i]
			if !f.ToBeSend && !force {
				continue
			}
			if err := s.sendFragmentTo(ctx, doc, f, doc.RecipientNames()); err != nil {
				completed = false
				if !yield(nil, err) {
					return
				}
				continue
			}
			if !yield(f, nil) {
				completed = false
				return
			}
		}
	}
}

// SendAll yields dispatched fragments across every document pending
// dispatch, in priority order. With force set, every document and fragment
// is re-sent regardless of dispatch flags.
func (s *Sender) SendAll(ctx context.Context, force bool) iter.Seq2[*protocol.Fragment, error] {
	return func(yield func(*protocol.Fragment, error) bool) {
		docs, err := s.store.DocumentsToSend(ctx, force)
		if err != nil {
			yield(nil, err)
			return
		}
		for _, doc := range docs {
			for f, err := range s.Send(ctx, doc, force) {
				if !yield(f, err) {
					return
				}
			}
		}
	}
}

func (s *Sender) sendFragmentTo(ctx context.Context, doc *protocol.Document, f *protocol.Fragment, recipients []string) error {
	payload, err := s.blobs.Get(ctx, f.Payload)
	if err != nil {
		return errors.Wrap(err, "Sender", "Send", "load fragment payload")
	}
	msg := &protocol.DataMessage{
		FragmentNumber:      f.Number,
		FragmentFingerprint: f.Fingerprint,
		FileName:            doc.FileName,
		Sender:              doc.Sender.Name,
		Recipients:          recipients,
		Priority:            doc.Priority,
		DocumentFingerprint: doc.Fingerprint,
		TotalFragments:      doc.TotalFragments,
		PayloadMetadata:     doc.PayloadMetadata,
		Payload:             payload,
	}
	if err := s.transport.PublishData(ctx, msg); err != nil {
		return err
	}
	for _, r := range recipients {
		s.metrics.RecordFragmentSent(r)
	}
	f.ToBeSend = false
	if err := s.store.SaveFragment(ctx, f); err != nil {
		return err
	}
	s.logger.Debug("fragment dispatched",
		"document_id", doc.ID, "fragment", f.Number, "recipients", recipients)
	return nil
}

// CheckSent drains pending confirmations and retransmission requests for
// this node's outbound documents. Item failures are logged and skipped so
// one bad message never stalls the rest of the pass.
func (s *Sender) CheckSent(ctx context.Context) error {
	for msg, err := range s.transport.ReceiveConfirmations(ctx) {
		if err != nil {
			s.logger.Warn("receiving confirmation failed", "error", err)
			continue
		}
		if err := s.applyConfirmation(ctx, msg); err != nil {
			s.logger.Warn("applying confirmation failed",
				"fingerprint", msg.DocumentFingerprint, "fragment", msg.FragmentNumber, "error", err)
		}
	}
	for msg, err := range s.transport.ReceiveRetransmitRequests(ctx) {
		if err != nil {
			s.logger.Warn("receiving retransmit request failed", "error", err)
			continue
		}
		if err := s.applyRetransmitRequest(ctx, msg); err != nil {
			s.logger.Warn("applying retransmit request failed",
				"fingerprint", msg.DocumentFingerprint, "fragment", msg.FragmentNumber, "error", err)
		}
	}
	return ctx.Err()
}

func (s *Sender) applyConfirmation(ctx context.Context, msg *protocol.ControlMessage) error {
	doc, frag, err := s.store.FragmentByControl(ctx, msg.DocumentFingerprint, msg.Recipient, msg.FragmentNumber)
	if err != nil {
		if errors.Is(err, errors.ErrNotFound) {
			// The document may already be deleted; confirmations are
			// at-least-once and can trail cleanup.
			s.logger.Debug("confirmation for unknown fragment",
				"fingerprint", msg.DocumentFingerprint, "fragment", msg.FragmentNumber)
			return nil
		}
		return err
	}

	changed := false
	for _, name := range msg.LocalRecipients {
		name = protocol.NormalizeDomainName(name)
		if !doc.HasRecipient(name) {
			continue
		}
		d, err := s.store.GetOrCreateDomain(ctx, name)
		if err != nil {
			return err
		}
		if frag.AddReceivedBy(d) {
			changed = true
			s.metrics.RecordFragmentConfirmed(d.Name)
		}
	}
	if !changed {
		return nil
	}
	if err := s.store.SaveFragment(ctx, frag); err != nil {
		return err
	}
	s.logger.Debug("fragment confirmed",
		"document_id", doc.ID, "fragment", frag.Number, "by", msg.LocalRecipients)

	if !frag.Received || doc.Deprecation != nil {
		return nil
	}
	fragments, err := s.store.FragmentsByDocument(ctx, doc.ID)
	if err != nil {
		return err
	}
	if doc.Received(fragments) && len(doc.LocalRecipients(s.local)) == 0 {
		// Every remote recipient holds every fragment; schedule cleanup.
		// Locally addressed documents stay until the local copy is read.
		return s.Deprecate(ctx, doc)
	}
	return nil
}

func (s *Sender) applyRetransmitRequest(ctx context.Context, msg *protocol.ControlMessage) error {
	doc, frag, err := s.store.FragmentByControl(ctx, msg.DocumentFingerprint, msg.Recipient, msg.FragmentNumber)
	if err != nil {
		if errors.Is(err, errors.ErrNotFound) {
			s.logger.Debug("retransmit request for unknown fragment",
				"fingerprint", msg.DocumentFingerprint, "fragment", msg.FragmentNumber)
			return nil
		}
		return err
	}

	// Re-send only to the domains that asked, and only if they are actual
	// recipients of the document.
	targets := make([]string, 0, len(msg.LocalRecipients))
	for _, name := range msg.LocalRecipients {
		name = protocol.NormalizeDomainName(name)
		if doc.HasRecipient(name) {
			targets = append(targets, name)
		}
	}
	if len(targets) == 0 {
		return nil
	}
	s.metrics.RecordRetransmitRequested("received")
	s.logger.Info("retransmitting fragment",
		"document_id", doc.ID, "fragment", frag.Number, "to", targets)
	return s.sendFragmentTo(ctx, doc, frag, targets)
}

// Deprecate schedules the document for deletion after the configured
// deprecation delay.
func (s *Sender) Deprecate(ctx context.Context, doc *protocol.Document) error {
	return s.ExtendDeprecation(ctx, doc, s.deprecationDelay)
}

// ExtendDeprecation moves the document's deletion deadline to now+delta.
// Deprecation is never cleared, only moved.
func (s *Sender) ExtendDeprecation(ctx context.Context, doc *protocol.Document, delta time.Duration) error {
	doc.Deprecate(s.clock.Now(), delta)
	return s.store.SaveDocument(ctx, doc)
}

// DeleteDeprecated removes every document whose deprecation deadline has
// passed, together with its fragments and all their payload blobs. Returns
// the number of documents deleted.
func (s *Sender) DeleteDeprecated(ctx context.Context) (int, error) {
	docs, err := s.store.DocumentsDeprecatedBefore(ctx, s.clock.Now())
	if err != nil {
		return 0, err
	}
	deleted := 0
	for _, doc := range docs {
		if err := s.deleteDocument(ctx, doc); err != nil {
			s.logger.Warn("deleting deprecated document failed",
				"document_id", doc.ID, "error", err)
			continue
		}
		deleted++
	}
	return deleted, nil
}

func (s *Sender) deleteDocument(ctx context.Context, doc *protocol.Document) error {
	fragments, err := s.store.FragmentsByDocument(ctx, doc.ID)
	if err != nil {
		return err
	}
	for i := range fragments {
		if fragments[i].Payload == "" {
			continue
		}
		if err := s.blobs.Delete(ctx, fragments[i].Payload); err != nil {
			return err
		}
	}
	if doc.Payload != "" {
		if err := s.blobs.Delete(ctx, doc.Payload); err != nil {
			return err
		}
	}
	if err := s.store.DeleteDocument(ctx, doc.ID); err != nil {
		return err
	}
	s.metrics.RecordDocumentDeleted()
	s.logger.Info("deprecated document deleted",
		"document_id", doc.ID, "fingerprint", doc.Fingerprint)
	return nil
}

// ReceptionState reports per-recipient confirmation counts for a document.
// As a side effect, a document every recipient has fully confirmed, with no
// local recipient still owed a copy, is deprecated for cleanup.
func (s *Sender) ReceptionState(ctx context.Context, documentID int64) (protocol.ReceptionState, error) {
	doc, err := s.store.GetDocument(ctx, documentID)
	if err != nil {
		return protocol.ReceptionState{}, err
	}
	fragments, err := s.store.FragmentsByDocument(ctx, doc.ID)
	if err != nil {
		return protocol.ReceptionState{}, err
	}
	state := protocol.BuildReceptionState(doc, fragments)

	if doc.Received(fragments) && len(doc.LocalRecipients(s.local)) == 0 && doc.Deprecation == nil {
		if err := s.Deprecate(ctx, doc); err != nil {
			return state, err
		}
	}
	return state, nil
}

// SizeInTransit sums the payload bytes of fragments that have been
// dispatched from this node's local domains but not yet confirmed by every
// recipient. The result also feeds the bytes-in-transit gauge.
func (s *Sender) SizeInTransit(ctx context.Context) (int64, error) {
	var total int64
	for _, local := range s.local {
		docs, err := s.store.Outgoing(ctx, local)
		if err != nil {
			return 0, err
		}
		for _, doc := range docs {
			fragments, err := s.store.FragmentsByDocument(ctx, doc.ID)
			if err != nil {
				return 0, err
			}
			for i := range fragments {
				f := &fragments[i]
				if f.ToBeSend || f.Received || f.Payload == "" {
					continue
				}
				n, err := s.blobs.Size(ctx, f.Payload)
				if err != nil {
					if errors.Is(err, errors.ErrNotFound) {
						continue
					}
					return 0, err
				}
				total += n
			}
		}
	}
	s.metrics.RecordBytesInTransit(total)
	return total, nil
}
