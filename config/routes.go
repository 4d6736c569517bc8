package config

import (
	"fmt"
	"strings"

	"gopkg.in/yaml.v3"
)

// RoutingTable declares which recipient domains each sender domain may
// address. A document whose recipients are not all routed for its sender
// is refused at submission time.
//
// The YAML shape is a single map:
//
//	routes:
//	  legal.acme.example:
//	    - accounting.beta.example
//	    - archive.acme.example
type RoutingTable struct {
	Routes map[string][]string `yaml:"routes"`
}

// LoadRoutingTable reads and validates a YAML routing table.
func LoadRoutingTable(path string) (*RoutingTable, error) {
	data, err := safeReadFile(path, ".yaml", ".yml")
	if err != nil {
		return nil, fmt.Errorf("routing table: %w", err)
	}

	var table RoutingTable
	if err := yaml.Unmarshal(data, &table); err != nil {
		return nil, fmt.Errorf("routing table %s: %w", path, err)
	}

	if err := table.Validate(); err != nil {
		return nil, fmt.Errorf("routing table %s: %w", path, err)
	}

	return &table, nil
}

// ParseRoutingTable parses a routing table from raw YAML bytes.
func ParseRoutingTable(data []byte) (*RoutingTable, error) {
	var table RoutingTable
	if err := yaml.Unmarshal(data, &table); err != nil {
		return nil, fmt.Errorf("routing table: %w", err)
	}
	if err := table.Validate(); err != nil {
		return nil, err
	}
	return &table, nil
}

// Validate normalizes domain names to lowercase and rejects malformed ones.
func (t *RoutingTable) Validate() error {
	normalized := make(map[string][]string, len(t.Routes))
	for sender, recipients := range t.Routes {
		s := strings.ToLower(strings.TrimSpace(sender))
		if !isValidDomainName(s) {
			return fmt.Errorf("sender domain %q is not a valid domain name", sender)
		}
		out := make([]string, 0, len(recipients))
		for _, r := range recipients {
			rn := strings.ToLower(strings.TrimSpace(r))
			if !isValidDomainName(rn) {
				return fmt.Errorf("recipient domain %q for sender %q is not a valid domain name", r, sender)
			}
			out = append(out, rn)
		}
		normalized[s] = out
	}
	t.Routes = normalized
	return nil
}

// RoutesFor returns the recipient domains a sender may address. An unknown
// sender has no routes.
func (t *RoutingTable) RoutesFor(sender string) []string {
	if t == nil {
		return nil
	}
	return t.Routes[strings.ToLower(strings.TrimSpace(sender))]
}

// Allowed reports whether sender may address recipient.
func (t *RoutingTable) Allowed(sender, recipient string) bool {
	recipient = strings.ToLower(strings.TrimSpace(recipient))
	for _, r := range t.RoutesFor(sender) {
		if r == recipient {
			return true
		}
	}
	return false
}

// AllAllowed reports whether sender may address every listed recipient.
// An empty recipient list is vacuously allowed.
func (t *RoutingTable) AllAllowed(sender string, recipients []string) bool {
	for _, r := range recipients {
		if !t.Allowed(sender, r) {
			return false
		}
	}
	return true
}
