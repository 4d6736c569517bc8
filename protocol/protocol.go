// Package protocol defines the document transfer data model: domains,
// documents, fragments, their invariants, and the wire messages exchanged
// between relay nodes.
//
// A Document is split into Fragments, each fragment travels as an
// independent data message, and every recipient domain confirms every
// fragment before the document counts as received. All state helpers here
// are pure; persistence and messaging live in the store and transport
// packages.
package protocol

import "strings"

// Priority orders outbound document dispatch. Lower values are sent first.
type Priority int

const (
	PriorityUrgent Priority = 10
	PriorityHigh   Priority = 20
	PriorityNormal Priority = 30
	PriorityLow    Priority = 40
)

// DefaultPriority is assigned when a document is submitted without one.
const DefaultPriority = PriorityNormal

func (p Priority) String() string {
	switch p {
	case PriorityUrgent:
		return "urgent"
	case PriorityHigh:
		return "high"
	case PriorityNormal:
		return "normal"
	case PriorityLow:
		return "low"
	default:
		return "unknown"
	}
}

// Domain is a named participant in the transfer protocol. Domains are
// created lazily by name and never deleted.
type Domain struct {
	ID   int64
	Name string
}

// NormalizeDomainName canonicalizes a domain name for comparison and
// storage. Names are case-insensitive.
func NormalizeDomainName(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}

// DomainNames extracts the normalized names from a domain list.
func DomainNames(domains []Domain) []string {
	names := make([]string, len(domains))
	for i, d := range domains {
		names[i] = d.Name
	}
	return names
}

// SplitRecipients normalizes a recipient specification. Callers may pass
// recipients as a comma-separated string or as an already-split list; the
// result is a deduplicated list of normalized names in first-seen order.
func SplitRecipients(spec ...string) []string {
	seen := make(map[string]struct{})
	var out []string
	for _, entry := range spec {
		for _, name := range strings.Split(entry, ",") {
			name = NormalizeDomainName(name)
			if name == "" {
				continue
			}
			if _, ok := seen[name]; ok {
				continue
			}
			seen[name] = struct{}{}
			out = append(out, name)
		}
	}
	return out
}

// ChunkPayload splits payload into fragments of at most size bytes.
// A zero-length payload still yields one empty chunk, so every document
// has at least one fragment.
func ChunkPayload(payload []byte, size int) [][]byte {
	if size <= 0 {
		size = 1 << 20
	}
	if len(payload) == 0 {
		return [][]byte{{}}
	}

	chunks := make([][]byte, 0, (len(payload)+size-1)/size)
	for start := 0; start < len(payload); start += size {
		end := start + size
		if end > len(payload) {
			end = len(payload)
		}
		chunks = append(chunks, payload[start:end])
	}
	return chunks
}
