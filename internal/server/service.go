package server

import (
	"context"
	"errors"

	"Percolator/internal/core"
	"Percolator/internal/event"
	"Percolator/internal/ingestion"
	"Percolator/internal/query"
	"Percolator/internal/riskerr"

	"github.com/gagliardetto/solana-go"
	"github.com/rs/zerolog"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// Submitter hands a request to the instruction pipeline.
type Submitter interface {
	Submit(ctx context.Context, req *event.Request) (*core.Receipt, error)
}

// Service implements PercolatorServer. The HTTP API calls it directly.
type Service struct {
	ingest Submitter
	query  *query.QueryService
	log    zerolog.Logger
}

func NewService(ingest Submitter, qs *query.QueryService, log zerolog.Logger) *Service {
	return &Service{ingest: ingest, query: qs, log: log}
}

func (s *Service) Submit(ctx context.Context, in *ingestion.RequestJSON) (*ingestion.ReceiptJSON, error) {
	req, err := in.Request()
	if errors.Is(err, ingestion.ErrInvalidSignature) {
		return nil, status.Error(codes.Unauthenticated, err.Error())
	}
	if err != nil {
		return nil, status.Error(codes.InvalidArgument, err.Error())
	}
	receipt, err := s.ingest.Submit(ctx, req)
	if err != nil {
		s.log.Debug().Err(err).Str("request_id", in.RequestID).Msg("submit rejected")
		return nil, toStatus(err)
	}
	out := ingestion.NewReceiptJSON(receipt)
	return &out, nil
}

func (s *Service) GetMarket(ctx context.Context, _ *GetMarketRequest) (*query.MarketView, error) {
	v, err := s.query.GetMarket(ctx)
	if err != nil {
		return nil, toStatus(err)
	}
	return v, nil
}

func (s *Service) GetAccount(ctx context.Context, in *GetAccountRequest) (*query.AccountView, error) {
	v, err := s.query.GetAccount(ctx, in.Index)
	if err != nil {
		return nil, toStatus(err)
	}
	return v, nil
}

func (s *Service) ListAccounts(ctx context.Context, in *ListAccountsRequest) (*ListAccountsResponse, error) {
	var owner *solana.PublicKey
	if in.Owner != "" {
		key, err := solana.PublicKeyFromBase58(in.Owner)
		if err != nil {
			return nil, status.Errorf(codes.InvalidArgument, "invalid owner: %v", err)
		}
		owner = &key
	}
	views, err := s.query.ListAccounts(ctx, owner)
	if err != nil {
		return nil, toStatus(err)
	}
	return &ListAccountsResponse{Accounts: views}, nil
}

func (s *Service) GetReceipts(ctx context.Context, in *GetReceiptsRequest) (*GetReceiptsResponse, error) {
	receipts, err := s.query.GetReceipts(ctx, in.Limit, in.BeforeSequence)
	if err != nil {
		return nil, toStatus(err)
	}
	return &GetReceiptsResponse{Receipts: receipts}, nil
}

// toStatus maps engine rejections onto gRPC codes. The message starts with
// the riskerr code label.
func toStatus(err error) error {
	if _, ok := status.FromError(err); ok {
		return err
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return status.FromContextError(err).Err()
	}
	if errors.Is(err, query.ErrNotInitialized) {
		return status.Error(codes.FailedPrecondition, err.Error())
	}
	if errors.Is(err, ingestion.ErrStopped) {
		return status.Error(codes.Unavailable, err.Error())
	}

	code := codes.Internal
	switch {
	case errors.Is(err, riskerr.ErrDuplicateRequest):
		code = codes.AlreadyExists
	case errors.Is(err, riskerr.ErrMatcherProtocol):
		code = codes.Aborted
	case errors.Is(err, riskerr.ErrUnauthorized):
		code = codes.PermissionDenied
	case errors.Is(err, riskerr.ErrInvalidIndex):
		code = codes.NotFound
	case errors.Is(err, riskerr.ErrInvalidConfig), errors.Is(err, riskerr.ErrAccountShape):
		code = codes.InvalidArgument
	case errors.Is(err, riskerr.ErrStaleInput),
		errors.Is(err, riskerr.ErrOracleInvalid),
		errors.Is(err, riskerr.ErrOracleLowConfidence):
		code = codes.Unavailable
	case riskerr.Code(err) != "internal":
		code = codes.FailedPrecondition
	}
	return status.Errorf(code, "%s: %v", riskerr.Code(err), err)
}
