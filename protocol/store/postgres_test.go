package store

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/c360/docrelay/errors"
	"github.com/c360/docrelay/protocol"
)

func newPostgresStore(t *testing.T) *Postgres {
	t.Helper()
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	ctx := context.Background()

	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: testcontainers.ContainerRequest{
			Image:        "postgres:16-alpine",
			ExposedPorts: []string{"5432/tcp"},
			Env: map[string]string{
				"POSTGRES_USER":     "docrelay",
				"POSTGRES_PASSWORD": "docrelay",
				"POSTGRES_DB":       "docrelay",
			},
			WaitingFor: wait.ForListeningPort("5432/tcp").WithStartupTimeout(60 * time.Second),
		},
		Started: true,
	})
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = container.Terminate(context.Background())
	})

	host, err := container.Host(ctx)
	require.NoError(t, err)
	port, err := container.MappedPort(ctx, "5432")
	require.NoError(t, err)

	url := fmt.Sprintf("postgres://docrelay:docrelay@%s:%s/docrelay?sslmode=disable", host, port.Port())

	connectCtx, cancel := context.WithTimeout(ctx, 60*time.Second)
	defer cancel()

	s, err := NewPostgres(connectCtx, url)
	require.NoError(t, err)
	t.Cleanup(s.Close)
	return s
}

func TestPostgresDomainUpsert(t *testing.T) {
	s := newPostgresStore(t)
	ctx := context.Background()

	first, err := s.GetOrCreateDomain(ctx, "legal.acme.example")
	require.NoError(t, err)
	require.NotZero(t, first.ID)

	second, err := s.GetOrCreateDomain(ctx, "LEGAL.acme.example")
	require.NoError(t, err)
	assert.Equal(t, first, second)
}

func TestPostgresDocumentLifecycle(t *testing.T) {
	s := newPostgresStore(t)
	ctx := context.Background()

	doc := newTestDocument(t, s, "fp-pg-1", "a.example", "b.example", "c.example")

	got, err := s.GetDocumentByFingerprint(ctx, "fp-pg-1", "a.example")
	require.NoError(t, err)
	assert.Equal(t, doc.ID, got.ID)
	assert.ElementsMatch(t, []string{"b.example", "c.example"}, got.RecipientNames())

	// dedup on (fingerprint, sender)
	dup := &protocol.Document{Fingerprint: "fp-pg-1", Sender: doc.Sender}
	err = s.CreateDocument(ctx, dup)
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrDuplicate))

	// monotonic built flag survives an attempted reset
	doc.Built = true
	require.NoError(t, s.SaveDocument(ctx, doc))
	doc.Built = false
	require.NoError(t, s.SaveDocument(ctx, doc))

	got, err = s.GetDocument(ctx, doc.ID)
	require.NoError(t, err)
	assert.True(t, got.Built)
}

func TestPostgresFragmentReceivedInvariant(t *testing.T) {
	s := newPostgresStore(t)
	ctx := context.Background()

	doc := newTestDocument(t, s, "fp-pg-2", "a.example", "b.example", "c.example")

	f := &protocol.Fragment{DocumentID: doc.ID, Number: 1, Fingerprint: "ffp"}
	require.NoError(t, s.CreateFragment(ctx, f))

	dup := &protocol.Fragment{DocumentID: doc.ID, Number: 1}
	err := s.CreateFragment(ctx, dup)
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrDuplicate))

	f.AddReceivedBy(doc.Recipients[0])
	require.NoError(t, s.SaveFragment(ctx, f))
	assert.False(t, f.Received)

	f.AddReceivedBy(doc.Recipients[1])
	require.NoError(t, s.SaveFragment(ctx, f))
	assert.True(t, f.Received)

	// repeat save with the same confirmations stays received
	require.NoError(t, s.SaveFragment(ctx, f))
	assert.True(t, f.Received)

	got, err := s.FragmentByNumber(ctx, doc.ID, 1)
	require.NoError(t, err)
	assert.True(t, got.Received)
	assert.Len(t, got.ReceivedBy, 2)
}

func TestPostgresDeleteDocumentCascades(t *testing.T) {
	s := newPostgresStore(t)
	ctx := context.Background()

	doc := newTestDocument(t, s, "fp-pg-3", "a.example", "b.example")
	f := &protocol.Fragment{DocumentID: doc.ID, Number: 1}
	require.NoError(t, s.CreateFragment(ctx, f))
	f.AddReceivedBy(doc.Recipients[0])
	require.NoError(t, s.SaveFragment(ctx, f))

	require.NoError(t, s.DeleteDocument(ctx, doc.ID))

	_, err := s.GetDocument(ctx, doc.ID)
	assert.True(t, errors.Is(err, errors.ErrNotFound))

	frags, err := s.FragmentsByDocument(ctx, doc.ID)
	require.NoError(t, err)
	assert.Empty(t, frags)
}

func TestPostgresDocumentsToSendOrdering(t *testing.T) {
	s := newPostgresStore(t)
	ctx := context.Background()

	low := newTestDocument(t, s, "fp-pg-low", "a.example", "b.example")
	low.Priority = protocol.PriorityLow
	require.NoError(t, s.SaveDocument(ctx, low))

	urgent := newTestDocument(t, s, "fp-pg-urgent", "a.example", "b.example")
	urgent.Priority = protocol.PriorityUrgent
	require.NoError(t, s.SaveDocument(ctx, urgent))

	docs, err := s.DocumentsToSend(ctx, false)
	require.NoError(t, err)
	require.Len(t, docs, 2)
	assert.Equal(t, "fp-pg-urgent", docs[0].Fingerprint)
	assert.Equal(t, "fp-pg-low", docs[1].Fingerprint)
}
