package ingestion

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"sync"

	"Percolator/internal/core"
	"Percolator/internal/event"
	"Percolator/internal/identity"
	"Percolator/internal/observability"
	"Percolator/internal/riskerr"

	"github.com/gagliardetto/solana-go"
	"github.com/rs/zerolog"
)

// FeedCache keeps the latest raw bytes of each oracle feed account. It is
// the only source of feed data a request executes against.
type FeedCache struct {
	mu    sync.RWMutex
	feeds map[solana.PublicKey][]byte
}

func NewFeedCache() *FeedCache {
	return &FeedCache{feeds: make(map[solana.PublicKey][]byte)}
}

func (fc *FeedCache) Put(u FeedUpdate) {
	fc.mu.Lock()
	defer fc.mu.Unlock()
	fc.feeds[u.Feed] = append([]byte(nil), u.Data...)
}

// Get returns a copy of the cached bytes of feed.
func (fc *FeedCache) Get(feed solana.PublicKey) ([]byte, bool) {
	fc.mu.RLock()
	defer fc.mu.RUnlock()
	data, ok := fc.feeds[feed]
	if !ok {
		return nil, false
	}
	return append([]byte(nil), data...), true
}

// ErrStopped is returned by Submit once Run has exited.
var ErrStopped = errors.New("ingest service stopped")

type submission struct {
	req   *event.Request
	reply chan submitResult
}

type submitResult struct {
	receipt *core.Receipt
	err     error
}

// IngestService is the single goroutine that feeds the controller. NATS
// messages and direct submissions from the API are serialized through Run.
type IngestService struct {
	ctrl       *core.Controller
	feeds      *FeedCache
	clock      SlotClock
	rawChan    <-chan RawMessage
	submitChan chan submission
	stopped    chan struct{}
	stopOnce   sync.Once
	metrics    *observability.Metrics
	log        zerolog.Logger
}

// NewIngestService wires the pipeline. A nil clock holds every request at
// the last committed slot.
func NewIngestService(
	ctrl *core.Controller,
	feeds *FeedCache,
	clock SlotClock,
	rawChan <-chan RawMessage,
	metrics *observability.Metrics,
	log zerolog.Logger,
) *IngestService {
	if feeds == nil {
		feeds = NewFeedCache()
	}
	if clock == nil {
		clock = SlotFunc(ctrl.LastSlot)
	}
	return &IngestService{
		ctrl:       ctrl,
		feeds:      feeds,
		clock:      clock,
		rawChan:    rawChan,
		submitChan: make(chan submission),
		stopped:    make(chan struct{}),
		metrics:    metrics,
		log:        log,
	}
}

// Feeds returns the oracle feed cache.
func (s *IngestService) Feeds() *FeedCache {
	return s.feeds
}

// Submit hands req to the processing goroutine and waits for its receipt.
func (s *IngestService) Submit(ctx context.Context, req *event.Request) (*core.Receipt, error) {
	sub := submission{req: req, reply: make(chan submitResult, 1)}

	select {
	case s.submitChan <- sub:
	case <-s.stopped:
		return nil, ErrStopped
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	select {
	case res := <-sub.reply:
		return res.receipt, res.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Run processes messages until ctx is cancelled or the raw channel closes.
// Submit fails with ErrStopped afterwards.
func (s *IngestService) Run(ctx context.Context) error {
	defer s.stopOnce.Do(func() { close(s.stopped) })

	raw := s.rawChan
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case msg, ok := <-raw:
			if !ok {
				// keep serving direct submissions
				raw = nil
				continue
			}
			s.handleRaw(msg)

		case sub := <-s.submitChan:
			s.count("api")
			receipt, err := s.process(sub.req)
			sub.reply <- submitResult{receipt: receipt, err: err}
		}
	}
}

func (s *IngestService) handleRaw(msg RawMessage) {
	s.count("nats")
	switch msg.Kind {
	case KindFeedUpdate:
		u, err := ParseFeedUpdate(msg.Data)
		if err != nil {
			s.parseError(msg, err)
			return
		}
		s.feeds.Put(u)

	case KindRequest:
		req, err := ParseRequest(msg.Data)
		if err != nil {
			s.parseError(msg, err)
			return
		}
		// a rejection is final: redelivery would be rejected again
		_, _ = s.process(req)

	default:
		s.log.Warn().Str("subject", msg.Subject).Msg("unknown message kind")
	}
	ack(msg)
}

func (s *IngestService) process(req *event.Request) (*core.Receipt, error) {
	if err := s.hydrate(req); err != nil {
		return nil, err
	}
	req.Slot = max(s.clock.Slot(), s.ctrl.LastSlot())
	return s.ctrl.Process(req)
}

// hydrate replaces the owner, lamports, executable flag and data of every
// account with what the server holds for its key: registered matcher
// programs are executable, bound matcher contexts carry their owner and
// data, and oracle feeds carry the cached bytes. Anything else is an empty
// system account. Contents a caller supplied must match.
func (s *IngestService) hydrate(req *event.Request) error {
	matchers := s.ctrl.Matchers()
	for i := range req.Accounts {
		a := &req.Accounts[i]
		held := identity.AccountInfo{Key: a.Key, IsSigner: a.IsSigner, IsWritable: a.IsWritable}
		if _, ok := matchers.Lookup(a.Key); ok {
			held.Executable = true
		}
		if program, data, ok := matchers.Context(a.Key); ok {
			held.Owner, held.Data = program, data
		} else if data, ok := s.feeds.Get(a.Key); ok {
			held.Data = data
		}

		if supplied(a) && !sameContents(a, &held) {
			return fmt.Errorf("%w: account %d (%s) does not match server state", riskerr.ErrAccountShape, i, a.Key)
		}
		*a = held
	}
	return nil
}

func supplied(a *identity.AccountInfo) bool {
	return !a.Owner.IsZero() || a.Lamports != 0 || a.Executable || len(a.Data) > 0
}

func sameContents(a, b *identity.AccountInfo) bool {
	return a.Owner.Equals(b.Owner) && a.Lamports == b.Lamports &&
		a.Executable == b.Executable && bytes.Equal(a.Data, b.Data)
}

// parseError acks a malformed message so it is not redelivered.
func (s *IngestService) parseError(msg RawMessage, err error) {
	if s.metrics != nil {
		s.metrics.IngestParseErrors.WithLabelValues(msg.Kind.String()).Inc()
	}
	s.log.Warn().Err(err).Str("subject", msg.Subject).Msg("dropping malformed message")
	ack(msg)
}

func (s *IngestService) count(source string) {
	if s.metrics != nil {
		s.metrics.IngestReceived.WithLabelValues(source).Inc()
	}
}

func ack(msg RawMessage) {
	if msg.AckFunc != nil {
		msg.AckFunc()
	}
}
