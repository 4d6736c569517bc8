package store

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/c360/docrelay/errors"
	"github.com/c360/docrelay/pkg/retry"
	"github.com/c360/docrelay/protocol"
)

const schema = `
CREATE TABLE IF NOT EXISTS domain (
	id   BIGSERIAL PRIMARY KEY,
	name TEXT NOT NULL UNIQUE
);

CREATE TABLE IF NOT EXISTS document (
	id               BIGSERIAL PRIMARY KEY,
	file_name        TEXT NOT NULL DEFAULT '',
	sender_id        BIGINT NOT NULL REFERENCES domain(id),
	fingerprint      TEXT NOT NULL,
	payload          TEXT NOT NULL DEFAULT '',
	payload_metadata TEXT NOT NULL DEFAULT '',
	total_fragments  INT NOT NULL DEFAULT 0,
	deprecation      TIMESTAMPTZ,
	priority         INT NOT NULL DEFAULT 30,
	to_be_send       BOOLEAN NOT NULL DEFAULT FALSE,
	built            BOOLEAN NOT NULL DEFAULT FALSE,
	created_at       TIMESTAMPTZ NOT NULL DEFAULT now(),
	UNIQUE (fingerprint, sender_id)
);

CREATE TABLE IF NOT EXISTS fragment (
	id          BIGSERIAL PRIMARY KEY,
	number      INT NOT NULL,
	document_id BIGINT NOT NULL REFERENCES document(id) ON DELETE CASCADE,
	payload     TEXT NOT NULL DEFAULT '',
	fingerprint TEXT NOT NULL DEFAULT '',
	to_be_send  BOOLEAN NOT NULL DEFAULT FALSE,
	received    BOOLEAN NOT NULL DEFAULT FALSE,
	UNIQUE (document_id, number)
);

CREATE TABLE IF NOT EXISTS document_domain (
	document_id BIGINT NOT NULL REFERENCES document(id) ON DELETE CASCADE,
	domain_id   BIGINT NOT NULL REFERENCES domain(id),
	PRIMARY KEY (document_id, domain_id)
);

CREATE TABLE IF NOT EXISTS fragment_domain (
	fragment_id BIGINT NOT NULL REFERENCES fragment(id) ON DELETE CASCADE,
	domain_id   BIGINT NOT NULL REFERENCES domain(id),
	PRIMARY KEY (fragment_id, domain_id)
);

CREATE INDEX IF NOT EXISTS idx_document_to_be_send ON document (to_be_send) WHERE to_be_send;
CREATE INDEX IF NOT EXISTS idx_document_deprecation ON document (deprecation) WHERE deprecation IS NOT NULL;
CREATE INDEX IF NOT EXISTS idx_fragment_document ON fragment (document_id, number);
`

const documentColumns = `d.id, d.file_name, d.fingerprint, d.payload, d.payload_metadata,
	d.total_fragments, d.deprecation, d.priority, d.to_be_send, d.built, d.created_at,
	s.id, s.name`

// Postgres is the production Store backed by PostgreSQL via pgx.
type Postgres struct {
	pool *pgxpool.Pool
}

// NewPostgres connects to the database, applies the schema, and returns
// the store. Connection is retried with backoff so the relay can start
// before the database finishes coming up.
func NewPostgres(ctx context.Context, url string) (*Postgres, error) {
	pool, err := pgxpool.New(ctx, url)
	if err != nil {
		return nil, errors.WrapFatal(err, "PostgresStore", "NewPostgres", "parse connection url")
	}

	// An unreachable database is worth waiting for; a schema that fails to
	// apply is not.
	if err := retry.Do(ctx, retry.Persistent(), func() error {
		if err := pool.Ping(ctx); err != nil {
			return err
		}
		if _, err := pool.Exec(ctx, schema); err != nil {
			return retry.NonRetryable(err)
		}
		return nil
	}); err != nil {
		pool.Close()
		if retry.IsNonRetryable(err) {
			return nil, errors.WrapFatal(err, "PostgresStore", "NewPostgres", "apply schema")
		}
		return nil, errors.WrapTransient(err, "PostgresStore", "NewPostgres", "database unreachable")
	}

	return &Postgres{pool: pool}, nil
}

// Close releases the connection pool.
func (p *Postgres) Close() {
	p.pool.Close()
}

func (p *Postgres) GetOrCreateDomain(ctx context.Context, name string) (protocol.Domain, error) {
	name = protocol.NormalizeDomainName(name)
	if name == "" {
		return protocol.Domain{}, errors.WrapInvalid(errors.ErrInvalidData,
			"PostgresStore", "GetOrCreateDomain", "domain name cannot be empty")
	}

	// upsert so concurrent creates of the same name converge on one row
	var d protocol.Domain
	err := p.pool.QueryRow(ctx, `
		INSERT INTO domain (name) VALUES ($1)
		ON CONFLICT (name) DO UPDATE SET name = EXCLUDED.name
		RETURNING id, name`, name).Scan(&d.ID, &d.Name)
	if err != nil {
		return protocol.Domain{}, errors.WrapTransient(err, "PostgresStore", "GetOrCreateDomain", name)
	}
	return d, nil
}

func (p *Postgres) CreateDocument(ctx context.Context, d *protocol.Document) error {
	tx, err := p.pool.Begin(ctx)
	if err != nil {
		return errors.WrapTransient(err, "PostgresStore", "CreateDocument", "begin transaction")
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	if d.CreatedAt.IsZero() {
		d.CreatedAt = time.Now().UTC()
	}

	err = tx.QueryRow(ctx, `
		INSERT INTO document
			(file_name, sender_id, fingerprint, payload, payload_metadata,
			 total_fragments, deprecation, priority, to_be_send, built, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		ON CONFLICT (fingerprint, sender_id) DO NOTHING
		RETURNING id`,
		d.FileName, d.Sender.ID, d.Fingerprint, d.Payload, d.PayloadMetadata,
		d.TotalFragments, d.Deprecation, d.Priority, d.ToBeSend, d.Built, d.CreatedAt,
	).Scan(&d.ID)
	if err == pgx.ErrNoRows {
		return errors.WrapInvalid(errors.ErrDuplicate, "PostgresStore", "CreateDocument",
			"document with this fingerprint and sender already exists")
	}
	if err != nil {
		return errors.WrapTransient(err, "PostgresStore", "CreateDocument", "insert document")
	}

	for _, r := range d.Recipients {
		if _, err := tx.Exec(ctx, `
			INSERT INTO document_domain (document_id, domain_id) VALUES ($1, $2)
			ON CONFLICT DO NOTHING`, d.ID, r.ID); err != nil {
			return errors.WrapTransient(err, "PostgresStore", "CreateDocument", "insert recipient")
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return errors.WrapTransient(err, "PostgresStore", "CreateDocument", "commit")
	}
	return nil
}

func (p *Postgres) GetDocument(ctx context.Context, id int64) (*protocol.Document, error) {
	return p.queryDocument(ctx, `
		SELECT `+documentColumns+`
		FROM document d JOIN domain s ON s.id = d.sender_id
		WHERE d.id = $1`, id)
}

func (p *Postgres) GetDocumentByFingerprint(ctx context.Context, fingerprint, sender string) (*protocol.Document, error) {
	return p.queryDocument(ctx, `
		SELECT `+documentColumns+`
		FROM document d JOIN domain s ON s.id = d.sender_id
		WHERE d.fingerprint = $1 AND s.name = $2`,
		fingerprint, protocol.NormalizeDomainName(sender))
}

func (p *Postgres) queryDocument(ctx context.Context, sql string, args ...any) (*protocol.Document, error) {
	row := p.pool.QueryRow(ctx, sql, args...)

	d, err := scanDocument(row)
	if err == pgx.ErrNoRows {
		return nil, errors.WrapInvalid(errors.ErrNotFound, "PostgresStore", "GetDocument", "document")
	}
	if err != nil {
		return nil, errors.WrapTransient(err, "PostgresStore", "GetDocument", "query document")
	}

	if d.Recipients, err = p.loadRecipients(ctx, d.ID); err != nil {
		return nil, err
	}
	return d, nil
}

func (p *Postgres) SaveDocument(ctx context.Context, d *protocol.Document) error {
	tx, err := p.pool.Begin(ctx)
	if err != nil {
		return errors.WrapTransient(err, "PostgresStore", "SaveDocument", "begin transaction")
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	// built only ever goes true and deprecation is never cleared
	tag, err := tx.Exec(ctx, `
		UPDATE document SET
			file_name = $2,
			payload = $3,
			payload_metadata = $4,
			total_fragments = $5,
			priority = $6,
			to_be_send = $7,
			built = built OR $8,
			deprecation = COALESCE($9, deprecation)
		WHERE id = $1`,
		d.ID, d.FileName, d.Payload, d.PayloadMetadata,
		d.TotalFragments, d.Priority, d.ToBeSend, d.Built, d.Deprecation)
	if err != nil {
		return errors.WrapTransient(err, "PostgresStore", "SaveDocument", "update document")
	}
	if tag.RowsAffected() == 0 {
		return errors.WrapInvalid(errors.ErrNotFound, "PostgresStore", "SaveDocument", "document")
	}

	for _, r := range d.Recipients {
		if _, err := tx.Exec(ctx, `
			INSERT INTO document_domain (document_id, domain_id) VALUES ($1, $2)
			ON CONFLICT DO NOTHING`, d.ID, r.ID); err != nil {
			return errors.WrapTransient(err, "PostgresStore", "SaveDocument", "union recipient")
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return errors.WrapTransient(err, "PostgresStore", "SaveDocument", "commit")
	}
	return nil
}

func (p *Postgres) DeleteDocument(ctx context.Context, id int64) error {
	if _, err := p.pool.Exec(ctx, `DELETE FROM document WHERE id = $1`, id); err != nil {
		return errors.WrapTransient(err, "PostgresStore", "DeleteDocument", "delete document")
	}
	return nil
}

func (p *Postgres) DocumentsToSend(ctx context.Context, force bool) ([]*protocol.Document, error) {
	return p.queryDocuments(ctx, `
		SELECT `+documentColumns+`
		FROM document d JOIN domain s ON s.id = d.sender_id
		WHERE d.to_be_send OR $1
		ORDER BY d.priority, d.id`, force)
}

func (p *Postgres) DocumentsUnbuilt(ctx context.Context) ([]*protocol.Document, error) {
	return p.queryDocuments(ctx, `
		SELECT `+documentColumns+`
		FROM document d JOIN domain s ON s.id = d.sender_id
		WHERE NOT d.built
		ORDER BY d.id`)
}

func (p *Postgres) DocumentsDeprecatedBefore(ctx context.Context, when time.Time) ([]*protocol.Document, error) {
	return p.queryDocuments(ctx, `
		SELECT `+documentColumns+`
		FROM document d JOIN domain s ON s.id = d.sender_id
		WHERE d.deprecation IS NOT NULL AND d.deprecation <= $1
		ORDER BY d.id`, when)
}

func (p *Postgres) Outgoing(ctx context.Context, sender string) ([]*protocol.Document, error) {
	return p.queryDocuments(ctx, `
		SELECT `+documentColumns+`
		FROM document d JOIN domain s ON s.id = d.sender_id
		WHERE s.name = $1
		ORDER BY d.id`, protocol.NormalizeDomainName(sender))
}

func (p *Postgres) Incoming(ctx context.Context, recipient string) ([]*protocol.Document, error) {
	return p.queryDocuments(ctx, `
		SELECT `+documentColumns+`
		FROM document d
		JOIN domain s ON s.id = d.sender_id
		JOIN document_domain dd ON dd.document_id = d.id
		JOIN domain r ON r.id = dd.domain_id
		WHERE d.built AND r.name = $1
		ORDER BY d.id`, protocol.NormalizeDomainName(recipient))
}

func (p *Postgres) queryDocuments(ctx context.Context, sql string, args ...any) ([]*protocol.Document, error) {
	rows, err := p.pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, errors.WrapTransient(err, "PostgresStore", "queryDocuments", "query")
	}
	defer rows.Close()

	var out []*protocol.Document
	for rows.Next() {
		d, err := scanDocument(rows)
		if err != nil {
			return nil, errors.WrapTransient(err, "PostgresStore", "queryDocuments", "scan")
		}
		out = append(out, d)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.WrapTransient(err, "PostgresStore", "queryDocuments", "iterate")
	}

	for _, d := range out {
		if d.Recipients, err = p.loadRecipients(ctx, d.ID); err != nil {
			return nil, err
		}
	}
	return out, nil
}

func (p *Postgres) loadRecipients(ctx context.Context, documentID int64) ([]protocol.Domain, error) {
	rows, err := p.pool.Query(ctx, `
		SELECT dom.id, dom.name
		FROM document_domain dd JOIN domain dom ON dom.id = dd.domain_id
		WHERE dd.document_id = $1
		ORDER BY dom.id`, documentID)
	if err != nil {
		return nil, errors.WrapTransient(err, "PostgresStore", "loadRecipients", "query")
	}
	defer rows.Close()

	var out []protocol.Domain
	for rows.Next() {
		var d protocol.Domain
		if err := rows.Scan(&d.ID, &d.Name); err != nil {
			return nil, errors.WrapTransient(err, "PostgresStore", "loadRecipients", "scan")
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

func (p *Postgres) CreateFragment(ctx context.Context, f *protocol.Fragment) error {
	err := p.pool.QueryRow(ctx, `
		INSERT INTO fragment (number, document_id, payload, fingerprint, to_be_send, received)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (document_id, number) DO NOTHING
		RETURNING id`,
		f.Number, f.DocumentID, f.Payload, f.Fingerprint, f.ToBeSend, f.Received,
	).Scan(&f.ID)
	if err == pgx.ErrNoRows {
		return errors.WrapInvalid(errors.ErrDuplicate, "PostgresStore", "CreateFragment",
			"fragment number already exists for this document")
	}
	if err != nil {
		return errors.WrapTransient(err, "PostgresStore", "CreateFragment", "insert fragment")
	}
	return nil
}

func (p *Postgres) FragmentByNumber(ctx context.Context, documentID int64, number int) (*protocol.Fragment, error) {
	row := p.pool.QueryRow(ctx, `
		SELECT id, number, document_id, payload, fingerprint, to_be_send, received
		FROM fragment WHERE document_id = $1 AND number = $2`, documentID, number)

	f, err := scanFragment(row)
	if err == pgx.ErrNoRows {
		return nil, errors.WrapInvalid(errors.ErrNotFound, "PostgresStore", "FragmentByNumber", "fragment")
	}
	if err != nil {
		return nil, errors.WrapTransient(err, "PostgresStore", "FragmentByNumber", "query")
	}

	if f.ReceivedBy, err = p.loadReceivedBy(ctx, f.ID); err != nil {
		return nil, err
	}
	return f, nil
}

func (p *Postgres) FragmentsByDocument(ctx context.Context, documentID int64) ([]protocol.Fragment, error) {
	rows, err := p.pool.Query(ctx, `
		SELECT id, number, document_id, payload, fingerprint, to_be_send, received
		FROM fragment WHERE document_id = $1 ORDER BY number`, documentID)
	if err != nil {
		return nil, errors.WrapTransient(err, "PostgresStore", "FragmentsByDocument", "query")
	}
	defer rows.Close()

	var out []protocol.Fragment
	for rows.Next() {
		f, err := scanFragment(rows)
		if err != nil {
			return nil, errors.WrapTransient(err, "PostgresStore", "FragmentsByDocument", "scan")
		}
		out = append(out, *f)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.WrapTransient(err, "PostgresStore", "FragmentsByDocument", "iterate")
	}

	for i := range out {
		if out[i].ReceivedBy, err = p.loadReceivedBy(ctx, out[i].ID); err != nil {
			return nil, err
		}
	}
	return out, nil
}

// SaveFragment persists the fragment and recomputes received inside the
// database: a fragment is received exactly when the owning document's
// recipient count is nonzero and equals the fragment's confirmation count.
func (p *Postgres) SaveFragment(ctx context.Context, f *protocol.Fragment) error {
	tx, err := p.pool.Begin(ctx)
	if err != nil {
		return errors.WrapTransient(err, "PostgresStore", "SaveFragment", "begin transaction")
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	for _, d := range f.ReceivedBy {
		if _, err := tx.Exec(ctx, `
			INSERT INTO fragment_domain (fragment_id, domain_id) VALUES ($1, $2)
			ON CONFLICT DO NOTHING`, f.ID, d.ID); err != nil {
			return errors.WrapTransient(err, "PostgresStore", "SaveFragment", "record confirmation")
		}
	}

	err = tx.QueryRow(ctx, `
		UPDATE fragment SET
			payload = $2,
			fingerprint = $3,
			to_be_send = $4,
			received = (
				SELECT count(*) > 0
					AND count(*) = (SELECT count(*) FROM fragment_domain fd WHERE fd.fragment_id = fragment.id)
				FROM document_domain dd WHERE dd.document_id = fragment.document_id
			)
		WHERE id = $1
		RETURNING received`,
		f.ID, f.Payload, f.Fingerprint, f.ToBeSend,
	).Scan(&f.Received)
	if err == pgx.ErrNoRows {
		return errors.WrapInvalid(errors.ErrNotFound, "PostgresStore", "SaveFragment", "fragment")
	}
	if err != nil {
		return errors.WrapTransient(err, "PostgresStore", "SaveFragment", "update fragment")
	}

	if err := tx.Commit(ctx); err != nil {
		return errors.WrapTransient(err, "PostgresStore", "SaveFragment", "commit")
	}
	return nil
}

func (p *Postgres) DeleteFragment(ctx context.Context, id int64) error {
	if _, err := p.pool.Exec(ctx, `DELETE FROM fragment WHERE id = $1`, id); err != nil {
		return errors.WrapTransient(err, "PostgresStore", "DeleteFragment", "delete fragment")
	}
	return nil
}

func (p *Postgres) FragmentByControl(ctx context.Context, fingerprint, sender string, number int) (*protocol.Document, *protocol.Fragment, error) {
	doc, err := p.GetDocumentByFingerprint(ctx, fingerprint, sender)
	if err != nil {
		return nil, nil, err
	}

	frag, err := p.FragmentByNumber(ctx, doc.ID, number)
	if err != nil {
		return nil, nil, err
	}
	return doc, frag, nil
}

func (p *Postgres) loadReceivedBy(ctx context.Context, fragmentID int64) ([]protocol.Domain, error) {
	rows, err := p.pool.Query(ctx, `
		SELECT dom.id, dom.name
		FROM fragment_domain fd JOIN domain dom ON dom.id = fd.domain_id
		WHERE fd.fragment_id = $1
		ORDER BY dom.id`, fragmentID)
	if err != nil {
		return nil, errors.WrapTransient(err, "PostgresStore", "loadReceivedBy", "query")
	}
	defer rows.Close()

	var out []protocol.Domain
	for rows.Next() {
		var d protocol.Domain
		if err := rows.Scan(&d.ID, &d.Name); err != nil {
			return nil, errors.WrapTransient(err, "PostgresStore", "loadReceivedBy", "scan")
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

func scanDocument(row pgx.Row) (*protocol.Document, error) {
	var d protocol.Document
	err := row.Scan(
		&d.ID, &d.FileName, &d.Fingerprint, &d.Payload, &d.PayloadMetadata,
		&d.TotalFragments, &d.Deprecation, &d.Priority, &d.ToBeSend, &d.Built, &d.CreatedAt,
		&d.Sender.ID, &d.Sender.Name,
	)
	if err != nil {
		return nil, err
	}
	return &d, nil
}

func scanFragment(row pgx.Row) (*protocol.Fragment, error) {
	var f protocol.Fragment
	err := row.Scan(&f.ID, &f.Number, &f.DocumentID, &f.Payload, &f.Fingerprint, &f.ToBeSend, &f.Received)
	if err != nil {
		return nil, err
	}
	return &f, nil
}

var _ Store = (*Postgres)(nil)
