package ingestion

import (
	"context"
	"encoding/hex"
	"fmt"
	"time"

	"Percolator/internal/core"

	"github.com/nats-io/nats.go/jetstream"
	"github.com/rs/zerolog"
)

// ReceiptSubjectPrefix is where committed receipts are published, one
// subject per instruction tag: percolator.receipts.<Tag>.
const ReceiptSubjectPrefix = "percolator.receipts"

// StreamPublisher is the part of jetstream.JetStream the publisher uses.
type StreamPublisher interface {
	Publish(ctx context.Context, subject string, data []byte, opts ...jetstream.PublishOpt) (*jetstream.PubAck, error)
}

// ReceiptJSON is the outbound form of a committed receipt.
type ReceiptJSON struct {
	RequestID string       `json:"request_id"`
	Sequence  int64        `json:"sequence"`
	Slot      uint64       `json:"slot"`
	Tag       string       `json:"tag"`
	StateHash string       `json:"state_hash"`
	Outcome   core.Outcome `json:"outcome"`
}

// NewReceiptJSON converts a receipt for the wire.
func NewReceiptJSON(r *core.Receipt) ReceiptJSON {
	return ReceiptJSON{
		RequestID: r.RequestID.String(),
		Sequence:  r.Sequence,
		Slot:      r.Slot,
		Tag:       r.Tag.String(),
		StateHash: hex.EncodeToString(r.StateHash[:]),
		Outcome:   r.Outcome,
	}
}

// OutboundPublisher publishes committed receipts for downstream consumers.
// The controller feeds it with non-blocking sends; the receipts table is
// the record of truth.
type OutboundPublisher struct {
	js        StreamPublisher
	inputChan <-chan core.CoreOutput
	log       zerolog.Logger
}

func NewOutboundPublisher(js StreamPublisher, inputChan <-chan core.CoreOutput, log zerolog.Logger) *OutboundPublisher {
	return &OutboundPublisher{
		js:        js,
		inputChan: inputChan,
		log:       log,
	}
}

// Run starts the outbound publisher loop.
func (op *OutboundPublisher) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case out, ok := <-op.inputChan:
			if !ok {
				return nil
			}

			if err := op.publish(ctx, out.Receipt); err != nil {
				op.log.Warn().Err(err).Int64("seq", out.Receipt.Sequence).Msg("outbound publish failed")
			}
		}
	}
}

func (op *OutboundPublisher) publish(ctx context.Context, r *core.Receipt) error {
	data, err := json.Marshal(NewReceiptJSON(r))
	if err != nil {
		return fmt.Errorf("marshal receipt: %w", err)
	}
	subject := fmt.Sprintf("%s.%s", ReceiptSubjectPrefix, r.Tag)
	_, err = op.js.Publish(ctx, subject, data, jetstream.WithMsgID(r.RequestID.String()))
	return err
}

// EnsureOutboundStream creates the receipts stream.
func EnsureOutboundStream(ctx context.Context, js jetstream.JetStream, log zerolog.Logger) error {
	_, err := js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:      "PERCOLATOR_RECEIPTS",
		Subjects:  []string{ReceiptSubjectPrefix + ".>"},
		Storage:   jetstream.FileStorage,
		Retention: jetstream.LimitsPolicy,
		MaxAge:    72 * time.Hour,
		Replicas:  1,
	})
	if err != nil {
		return fmt.Errorf("create outbound stream: %w", err)
	}
	log.Info().Str("stream", "PERCOLATOR_RECEIPTS").Msg("ensured outbound stream")
	return nil
}
