package protocol

// Fragment is one chunk of a document's payload, independently transmitted
// and confirmed. Numbers are 1-based and contiguous within a document.
type Fragment struct {
	ID          int64
	DocumentID  int64
	Number      int
	Payload     string // blob handle
	Fingerprint string // content hash of this fragment's bytes alone
	ToBeSend    bool
	Received    bool
	ReceivedBy  []Domain // recipient domains that have confirmed this fragment
}

// RecomputeReceived refreshes the cached received flag from the document's
// recipient list. A fragment is received exactly when every recipient has
// confirmed it. Must run before every persist of a fragment.
func RecomputeReceived(f *Fragment, recipients []Domain) {
	f.Received = len(recipients) > 0 && len(f.ReceivedBy) == len(recipients)
}

// AddReceivedBy records a confirmation from a domain. Reports whether the
// domain was newly added; duplicate confirmations are no-ops.
func (f *Fragment) AddReceivedBy(d Domain) bool {
	for _, existing := range f.ReceivedBy {
		if existing.Name == d.Name {
			return false
		}
	}
	f.ReceivedBy = append(f.ReceivedBy, d)
	return true
}

// ConfirmedBy reports whether the named domain has confirmed this fragment.
func (f *Fragment) ConfirmedBy(name string) bool {
	name = NormalizeDomainName(name)
	for _, d := range f.ReceivedBy {
		if d.Name == name {
			return true
		}
	}
	return false
}
