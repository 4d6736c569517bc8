package protocol

import "time"

// Document is the logical unit of transfer, identified by its content
// fingerprint plus sender. The same schema serves both roles: outbound
// documents this node is sending, and inbound documents it is receiving.
type Document struct {
	ID              int64
	Fingerprint     string // content hash over payload+metadata, immutable after creation
	FileName        string
	PayloadMetadata string // opaque, e.g. serialized JSON
	Payload         string // blob handle; empty until the payload is stored or rebuilt
	Sender          Domain
	Recipients      []Domain
	TotalFragments  int // 0 until split (outbound) or first data message (inbound)
	Priority        Priority
	ToBeSend        bool
	Built           bool
	Deprecation     *time.Time
	CreatedAt       time.Time
}

// IsComplete reports whether every fragment of the document is present,
// given the current persisted fragment count.
func (d *Document) IsComplete(fragmentCount int) bool {
	return d.TotalFragments > 0 && d.TotalFragments == fragmentCount
}

// Received reports whether every fragment has been confirmed by every
// recipient domain. A document with no fragments is never received.
func (d *Document) Received(fragments []Fragment) bool {
	if len(fragments) == 0 {
		return false
	}
	for i := range fragments {
		if !fragments[i].Received {
			return false
		}
	}
	return true
}

// DeprecatedBy reports whether the document's payload may be purged as of
// the given instant. A document with no deprecation set is never eligible.
func (d *Document) DeprecatedBy(when time.Time) bool {
	return d.Deprecation != nil && !d.Deprecation.After(when)
}

// Deprecate schedules the payload purge at now+delta, overwriting any
// earlier schedule. Deprecation is never cleared once set.
func (d *Document) Deprecate(now time.Time, delta time.Duration) {
	when := now.Add(delta)
	d.Deprecation = &when
}

// HasRecipient reports whether name is among the document's recipients.
func (d *Document) HasRecipient(name string) bool {
	name = NormalizeDomainName(name)
	for _, r := range d.Recipients {
		if r.Name == name {
			return true
		}
	}
	return false
}

// LocalRecipients returns the document's recipients that belong to the
// given local domain set, preserving recipient order.
func (d *Document) LocalRecipients(local []string) []Domain {
	set := make(map[string]struct{}, len(local))
	for _, name := range local {
		set[NormalizeDomainName(name)] = struct{}{}
	}

	var out []Domain
	for _, r := range d.Recipients {
		if _, ok := set[r.Name]; ok {
			out = append(out, r)
		}
	}
	return out
}

// RecipientNames returns the recipient domain names in order.
func (d *Document) RecipientNames() []string {
	return DomainNames(d.Recipients)
}

// ReceptionState is a read-only projection of confirmation progress:
// how many fragments each recipient domain has confirmed so far.
type ReceptionState struct {
	ID          int64          `json:"id"`
	FileName    string         `json:"file_name"`
	Fingerprint string         `json:"fingerprint"`
	Fragments   int            `json:"fragments"`
	Domains     map[string]int `json:"domains"`
}

// BuildReceptionState assembles the reception projection from a document
// and its fragments. Every recipient appears in the map, at zero if it has
// confirmed nothing yet.
func BuildReceptionState(d *Document, fragments []Fragment) ReceptionState {
	state := ReceptionState{
		ID:          d.ID,
		FileName:    d.FileName,
		Fingerprint: d.Fingerprint,
		Fragments:   d.TotalFragments,
		Domains:     make(map[string]int, len(d.Recipients)),
	}
	for _, r := range d.Recipients {
		state.Domains[r.Name] = 0
	}
	for i := range fragments {
		for _, by := range fragments[i].ReceivedBy {
			state.Domains[by.Name]++
		}
	}
	return state
}

// InboxInformation identifies a built inbound document for consumers
// polling their inbox.
type InboxInformation struct {
	ID              int64  `json:"id"`
	Fingerprint     string `json:"fingerprint"`
	Sender          string `json:"sender"`
	PayloadMetadata string `json:"payload_metadata"`
	FileName        string `json:"file_name"`
}

// InboxEntry builds the inbox projection for a document.
func (d *Document) InboxEntry() InboxInformation {
	return InboxInformation{
		ID:              d.ID,
		Fingerprint:     d.Fingerprint,
		Sender:          d.Sender.Name,
		PayloadMetadata: d.PayloadMetadata,
		FileName:        d.FileName,
	}
}
