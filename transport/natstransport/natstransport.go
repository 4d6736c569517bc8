// Package natstransport carries the transfer protocol over NATS JetStream.
//
// Two streams back the two message kinds: XFER_DATA for fragment payloads
// and XFER_CTRL for confirmations and retransmission requests. Messages
// are addressed by recipient domain through the subject space, and each
// local domain consumes through its own durable pull consumer, which gives
// the at-least-once, unordered delivery contract the protocol expects.
package natstransport

import (
	"context"
	"iter"
	"log/slog"
	"strings"
	"time"

	"github.com/nats-io/nats.go/jetstream"

	"github.com/c360/docrelay/errors"
	"github.com/c360/docrelay/natsclient"
	"github.com/c360/docrelay/protocol"
	"github.com/c360/docrelay/transport"
)

const (
	dataStream = "XFER_DATA"
	ctrlStream = "XFER_CTRL"

	dataSubjectPrefix       = "xfer.data."
	confirmSubjectPrefix    = "xfer.ctrl.confirm."
	retransmitSubjectPrefix = "xfer.ctrl.retransmit."

	defaultBatchSize = 64
	defaultFetchWait = 2 * time.Second
)

// Config tunes the NATS transport.
type Config struct {
	// BatchSize bounds one receive pass per local domain.
	BatchSize int

	// FetchWait is how long one fetch waits for messages before the pass
	// moves on.
	FetchWait time.Duration

	// Replicas for the backing streams.
	Replicas int
}

// Transport is the JetStream-backed transport.
type Transport struct {
	client       *natsclient.Client
	localDomains []string
	logger       *slog.Logger
	batchSize    int
	fetchWait    time.Duration
}

// New creates the streams and returns a transport consuming for the given
// local domains.
func New(ctx context.Context, client *natsclient.Client, localDomains []string, logger *slog.Logger, cfg Config) (*Transport, error) {
	if client == nil {
		return nil, errors.WrapInvalid(errors.ErrNoConnection,
			"NATSTransport", "New", "nats client cannot be nil")
	}
	if len(localDomains) == 0 {
		return nil, errors.WrapInvalid(errors.ErrInvalidConfig,
			"NATSTransport", "New", "at least one local domain is required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = defaultBatchSize
	}
	if cfg.FetchWait <= 0 {
		cfg.FetchWait = defaultFetchWait
	}
	if cfg.Replicas <= 0 {
		cfg.Replicas = 1
	}

	normalized := make([]string, len(localDomains))
	for i, d := range localDomains {
		normalized[i] = protocol.NormalizeDomainName(d)
	}

	// acked messages leave the work queue; unacked ones redeliver
	if _, err := client.CreateStream(ctx, jetstream.StreamConfig{
		Name:      dataStream,
		Subjects:  []string{dataSubjectPrefix + ">"},
		Retention: jetstream.WorkQueuePolicy,
		Storage:   jetstream.FileStorage,
		Replicas:  cfg.Replicas,
	}); err != nil {
		return nil, errors.WrapTransient(err, "NATSTransport", "New", "create data stream")
	}

	if _, err := client.CreateStream(ctx, jetstream.StreamConfig{
		Name:      ctrlStream,
		Subjects:  []string{"xfer.ctrl.>"},
		Retention: jetstream.WorkQueuePolicy,
		Storage:   jetstream.FileStorage,
		Replicas:  cfg.Replicas,
	}); err != nil {
		return nil, errors.WrapTransient(err, "NATSTransport", "New", "create control stream")
	}

	return &Transport{
		client:       client,
		localDomains: normalized,
		logger:       logger,
		batchSize:    cfg.BatchSize,
		fetchWait:    cfg.FetchWait,
	}, nil
}

// subjectToken makes a domain name usable as a single NATS subject token.
func subjectToken(domain string) string {
	return strings.ReplaceAll(protocol.NormalizeDomainName(domain), ".", "_")
}

func (t *Transport) PublishData(ctx context.Context, msg *protocol.DataMessage) error {
	data, err := msg.Marshal()
	if err != nil {
		return err
	}

	// one subject per recipient domain
	for _, r := range msg.Recipients {
		subject := dataSubjectPrefix + subjectToken(r)
		if err := t.client.PublishToStream(ctx, subject, data); err != nil {
			return errors.WrapTransient(err, "NATSTransport", "PublishData", "publish to "+subject)
		}
	}
	return nil
}

func (t *Transport) PublishConfirmation(ctx context.Context, msg *protocol.ControlMessage) error {
	if msg.Type != protocol.ControlConfirmation {
		return errors.WrapInvalid(errors.ErrInvalidData,
			"NATSTransport", "PublishConfirmation", "control type must be confirmation")
	}
	return t.publishControl(ctx, msg, confirmSubjectPrefix)
}

func (t *Transport) PublishRetransmitRequest(ctx context.Context, msg *protocol.ControlMessage) error {
	if msg.Type != protocol.ControlRetransmitRequest {
		return errors.WrapInvalid(errors.ErrInvalidData,
			"NATSTransport", "PublishRetransmitRequest", "control type must be retransmit_request")
	}
	return t.publishControl(ctx, msg, retransmitSubjectPrefix)
}

func (t *Transport) publishControl(ctx context.Context, msg *protocol.ControlMessage, prefix string) error {
	data, err := msg.Marshal()
	if err != nil {
		return err
	}

	subject := prefix + subjectToken(msg.Recipient)
	if err := t.client.PublishToStream(ctx, subject, data); err != nil {
		return errors.WrapTransient(err, "NATSTransport", "publishControl", "publish to "+subject)
	}
	return nil
}

func (t *Transport) ReceiveData(ctx context.Context) iter.Seq2[*protocol.DataMessage, error] {
	return receive(t, ctx, dataStream, "data", dataSubjectPrefix, protocol.UnmarshalDataMessage)
}

func (t *Transport) ReceiveConfirmations(ctx context.Context) iter.Seq2[*protocol.ControlMessage, error] {
	return receive(t, ctx, ctrlStream, "confirm", confirmSubjectPrefix, protocol.UnmarshalControlMessage)
}

func (t *Transport) ReceiveRetransmitRequests(ctx context.Context) iter.Seq2[*protocol.ControlMessage, error] {
	return receive(t, ctx, ctrlStream, "retransmit", retransmitSubjectPrefix, protocol.UnmarshalControlMessage)
}

// receive fetches one bounded batch per local domain and yields decoded
// messages. A message is acked only after the consumer's loop body returns
// for it; breaking early naks the rest of the batch for redelivery.
// Undecodable messages are terminated so they cannot poison the queue.
func receive[M any](
	t *Transport,
	ctx context.Context,
	stream, kind, subjectPrefix string,
	decode func([]byte) (*M, error),
) iter.Seq2[*M, error] {
	return func(yield func(*M, error) bool) {
		for _, domain := range t.localDomains {
			if ctx.Err() != nil {
				return
			}

			token := subjectToken(domain)
			msgs, err := t.client.FetchBatch(ctx,
				stream, kind+"-"+token, subjectPrefix+token, t.batchSize, t.fetchWait)
			if err != nil {
				if !yield(nil, errors.WrapTransient(err, "NATSTransport", "receive",
					"fetch "+kind+" for "+domain)) {
					return
				}
				continue
			}

			for i, raw := range msgs {
				decoded, err := decode(raw.Data())
				if err != nil {
					t.logger.Warn("discarding undecodable message",
						"stream", stream, "kind", kind, "domain", domain, "error", err)
					_ = raw.Term()
					continue
				}

				if !yield(decoded, nil) {
					// the loop body ran for this message, so it counts as
					// consumed; the unprocessed remainder naks for prompt
					// redelivery
					_ = raw.Ack()
					for _, rest := range msgs[i+1:] {
						_ = rest.Nak()
					}
					return
				}
				if err := raw.Ack(); err != nil {
					t.logger.Warn("ack failed, message will redeliver",
						"stream", stream, "kind", kind, "domain", domain, "error", err)
				}
			}
		}
	}
}

var _ transport.Transport = (*Transport)(nil)
