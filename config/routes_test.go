package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleRoutes = `
routes:
  legal.acme.example:
    - accounting.beta.example
    - archive.acme.example
  hr.beta.example:
    - archive.acme.example
`

func TestLoadRoutingTable(t *testing.T) {
	path := filepath.Join(t.TempDir(), "routes.yaml")
	require.NoError(t, os.WriteFile(path, []byte(sampleRoutes), 0600))

	table, err := LoadRoutingTable(path)
	require.NoError(t, err)

	assert.ElementsMatch(t,
		[]string{"accounting.beta.example", "archive.acme.example"},
		table.RoutesFor("legal.acme.example"))
	assert.Empty(t, table.RoutesFor("unknown.example"))
}

func TestRoutingTableAllowed(t *testing.T) {
	table, err := ParseRoutingTable([]byte(sampleRoutes))
	require.NoError(t, err)

	assert.True(t, table.Allowed("legal.acme.example", "archive.acme.example"))
	assert.False(t, table.Allowed("hr.beta.example", "accounting.beta.example"))
	assert.False(t, table.Allowed("unknown.example", "archive.acme.example"))
}

func TestRoutingTableAllAllowed(t *testing.T) {
	table, err := ParseRoutingTable([]byte(sampleRoutes))
	require.NoError(t, err)

	assert.True(t, table.AllAllowed("legal.acme.example",
		[]string{"accounting.beta.example", "archive.acme.example"}))
	assert.False(t, table.AllAllowed("legal.acme.example",
		[]string{"accounting.beta.example", "hr.beta.example"}))
	assert.True(t, table.AllAllowed("legal.acme.example", nil))
}

func TestRoutingTableNormalizesCase(t *testing.T) {
	table, err := ParseRoutingTable([]byte(`
routes:
  Legal.ACME.Example:
    - Accounting.Beta.Example
`))
	require.NoError(t, err)

	assert.True(t, table.Allowed("legal.acme.example", "accounting.beta.example"))
	assert.True(t, table.Allowed("LEGAL.acme.example", "ACCOUNTING.beta.example"))
}

func TestRoutingTableRejectsBadDomain(t *testing.T) {
	_, err := ParseRoutingTable([]byte(`
routes:
  "bad domain!":
    - a.example
`))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not a valid domain name")
}

func TestLoadRoutingTableRejectsJSONExtension(t *testing.T) {
	path := filepath.Join(t.TempDir(), "routes.json")
	require.NoError(t, os.WriteFile(path, []byte(sampleRoutes), 0600))

	_, err := LoadRoutingTable(path)
	require.Error(t, err)
}
