package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/c360/docrelay/errors"
	"github.com/c360/docrelay/protocol"
)

// Memory is an in-process Store for tests and single-node runs. All
// methods are safe for concurrent use.
type Memory struct {
	mu        sync.Mutex
	domains   map[string]protocol.Domain
	documents map[int64]*protocol.Document
	fragments map[int64]*protocol.Fragment

	nextDomainID   int64
	nextDocumentID int64
	nextFragmentID int64
}

// NewMemory creates an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{
		domains:   make(map[string]protocol.Domain),
		documents: make(map[int64]*protocol.Document),
		fragments: make(map[int64]*protocol.Fragment),
	}
}

func (m *Memory) GetOrCreateDomain(_ context.Context, name string) (protocol.Domain, error) {
	name = protocol.NormalizeDomainName(name)
	if name == "" {
		return protocol.Domain{}, errors.WrapInvalid(errors.ErrInvalidData,
			"MemoryStore", "GetOrCreateDomain", "domain name cannot be empty")
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if d, ok := m.domains[name]; ok {
		return d, nil
	}

	m.nextDomainID++
	d := protocol.Domain{ID: m.nextDomainID, Name: name}
	m.domains[name] = d
	return d, nil
}

func (m *Memory) CreateDocument(_ context.Context, d *protocol.Document) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, existing := range m.documents {
		if existing.Fingerprint == d.Fingerprint && existing.Sender.Name == d.Sender.Name {
			return errors.WrapInvalid(errors.ErrDuplicate, "MemoryStore", "CreateDocument",
				"document with this fingerprint and sender already exists")
		}
	}

	m.nextDocumentID++
	d.ID = m.nextDocumentID
	if d.CreatedAt.IsZero() {
		d.CreatedAt = time.Now().UTC()
	}
	m.documents[d.ID] = copyDocument(d)
	return nil
}

func (m *Memory) GetDocument(_ context.Context, id int64) (*protocol.Document, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	d, ok := m.documents[id]
	if !ok {
		return nil, errors.WrapInvalid(errors.ErrNotFound, "MemoryStore", "GetDocument", "document")
	}
	return copyDocument(d), nil
}

func (m *Memory) GetDocumentByFingerprint(_ context.Context, fingerprint, sender string) (*protocol.Document, error) {
	sender = protocol.NormalizeDomainName(sender)

	m.mu.Lock()
	defer m.mu.Unlock()

	for _, d := range m.documents {
		if d.Fingerprint == fingerprint && d.Sender.Name == sender {
			return copyDocument(d), nil
		}
	}
	return nil, errors.WrapInvalid(errors.ErrNotFound, "MemoryStore", "GetDocumentByFingerprint", "document")
}

func (m *Memory) SaveDocument(_ context.Context, d *protocol.Document) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	stored, ok := m.documents[d.ID]
	if !ok {
		return errors.WrapInvalid(errors.ErrNotFound, "MemoryStore", "SaveDocument", "document")
	}

	stored.FileName = d.FileName
	stored.PayloadMetadata = d.PayloadMetadata
	stored.Payload = d.Payload
	stored.TotalFragments = d.TotalFragments
	stored.Priority = d.Priority
	stored.ToBeSend = d.ToBeSend

	// built is monotonic and deprecation is never cleared
	if d.Built {
		stored.Built = true
	}
	if d.Deprecation != nil {
		when := *d.Deprecation
		stored.Deprecation = &when
	}

	// union in new recipients, never remove
	for _, r := range d.Recipients {
		if !hasDomain(stored.Recipients, r.Name) {
			stored.Recipients = append(stored.Recipients, r)
		}
	}

	*d = *copyDocument(stored)
	return nil
}

func (m *Memory) DeleteDocument(_ context.Context, id int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	delete(m.documents, id)
	for fid, f := range m.fragments {
		if f.DocumentID == id {
			delete(m.fragments, fid)
		}
	}
	return nil
}

func (m *Memory) DocumentsToSend(_ context.Context, force bool) ([]*protocol.Document, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []*protocol.Document
	for _, d := range m.documents {
		if force || d.ToBeSend {
			out = append(out, copyDocument(d))
		}
	}
	sortByPriority(out)
	return out, nil
}

func (m *Memory) DocumentsUnbuilt(_ context.Context) ([]*protocol.Document, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []*protocol.Document
	for _, d := range m.documents {
		if !d.Built {
			out = append(out, copyDocument(d))
		}
	}
	sortByID(out)
	return out, nil
}

func (m *Memory) DocumentsDeprecatedBefore(_ context.Context, when time.Time) ([]*protocol.Document, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []*protocol.Document
	for _, d := range m.documents {
		if d.DeprecatedBy(when) {
			out = append(out, copyDocument(d))
		}
	}
	sortByID(out)
	return out, nil
}

func (m *Memory) Outgoing(_ context.Context, sender string) ([]*protocol.Document, error) {
	sender = protocol.NormalizeDomainName(sender)

	m.mu.Lock()
	defer m.mu.Unlock()

	var out []*protocol.Document
	for _, d := range m.documents {
		if d.Sender.Name == sender {
			out = append(out, copyDocument(d))
		}
	}
	sortByID(out)
	return out, nil
}

func (m *Memory) Incoming(_ context.Context, recipient string) ([]*protocol.Document, error) {
	recipient = protocol.NormalizeDomainName(recipient)

	m.mu.Lock()
	defer m.mu.Unlock()

	var out []*protocol.Document
	for _, d := range m.documents {
		if d.Built && hasDomain(d.Recipients, recipient) {
			out = append(out, copyDocument(d))
		}
	}
	sortByID(out)
	return out, nil
}

func (m *Memory) CreateFragment(_ context.Context, f *protocol.Fragment) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.documents[f.DocumentID]; !ok {
		return errors.WrapInvalid(errors.ErrNotFound, "MemoryStore", "CreateFragment", "owning document")
	}

	for _, existing := range m.fragments {
		if existing.DocumentID == f.DocumentID && existing.Number == f.Number {
			return errors.WrapInvalid(errors.ErrDuplicate, "MemoryStore", "CreateFragment",
				"fragment number already exists for this document")
		}
	}

	m.nextFragmentID++
	f.ID = m.nextFragmentID
	m.fragments[f.ID] = copyFragment(f)
	return nil
}

func (m *Memory) FragmentByNumber(_ context.Context, documentID int64, number int) (*protocol.Fragment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, f := range m.fragments {
		if f.DocumentID == documentID && f.Number == number {
			return copyFragment(f), nil
		}
	}
	return nil, errors.WrapInvalid(errors.ErrNotFound, "MemoryStore", "FragmentByNumber", "fragment")
}

func (m *Memory) FragmentsByDocument(_ context.Context, documentID int64) ([]protocol.Fragment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []protocol.Fragment
	for _, f := range m.fragments {
		if f.DocumentID == documentID {
			out = append(out, *copyFragment(f))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Number < out[j].Number })
	return out, nil
}

func (m *Memory) SaveFragment(_ context.Context, f *protocol.Fragment) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	stored, ok := m.fragments[f.ID]
	if !ok {
		return errors.WrapInvalid(errors.ErrNotFound, "MemoryStore", "SaveFragment", "fragment")
	}

	doc, ok := m.documents[f.DocumentID]
	if !ok {
		return errors.WrapInvalid(errors.ErrNotFound, "MemoryStore", "SaveFragment", "owning document")
	}

	// mandatory on every save, not just on confirmation
	protocol.RecomputeReceived(f, doc.Recipients)

	stored.Payload = f.Payload
	stored.Fingerprint = f.Fingerprint
	stored.ToBeSend = f.ToBeSend
	stored.Received = f.Received
	stored.ReceivedBy = append([]protocol.Domain(nil), f.ReceivedBy...)
	return nil
}

func (m *Memory) DeleteFragment(_ context.Context, id int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	delete(m.fragments, id)
	return nil
}

func (m *Memory) FragmentByControl(ctx context.Context, fingerprint, sender string, number int) (*protocol.Document, *protocol.Fragment, error) {
	doc, err := m.GetDocumentByFingerprint(ctx, fingerprint, sender)
	if err != nil {
		return nil, nil, err
	}

	frag, err := m.FragmentByNumber(ctx, doc.ID, number)
	if err != nil {
		return nil, nil, err
	}
	return doc, frag, nil
}

// Close is a no-op for the in-memory store.
func (m *Memory) Close() {}

func copyDocument(d *protocol.Document) *protocol.Document {
	out := *d
	out.Recipients = append([]protocol.Domain(nil), d.Recipients...)
	if d.Deprecation != nil {
		when := *d.Deprecation
		out.Deprecation = &when
	}
	return &out
}

func copyFragment(f *protocol.Fragment) *protocol.Fragment {
	out := *f
	out.ReceivedBy = append([]protocol.Domain(nil), f.ReceivedBy...)
	return &out
}

func hasDomain(domains []protocol.Domain, name string) bool {
	for _, d := range domains {
		if d.Name == name {
			return true
		}
	}
	return false
}

func sortByPriority(docs []*protocol.Document) {
	sort.Slice(docs, func(i, j int) bool {
		if docs[i].Priority != docs[j].Priority {
			return docs[i].Priority < docs[j].Priority
		}
		return docs[i].ID < docs[j].ID
	})
}

func sortByID(docs []*protocol.Document) {
	sort.Slice(docs, func(i, j int) bool { return docs[i].ID < docs[j].ID })
}

var _ Store = (*Memory)(nil)
