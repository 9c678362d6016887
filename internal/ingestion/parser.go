package ingestion

import (
	"encoding/base64"
	"errors"
	"fmt"

	"Percolator/internal/event"
	"Percolator/internal/identity"

	"github.com/gagliardetto/solana-go"
	"github.com/google/uuid"
	jsoniter "github.com/json-iterator/go"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// ErrInvalidSignature marks a submission whose signatures do not verify.
var ErrInvalidSignature = errors.New("invalid signature")

// --- JSON wire formats ---
// Keys and signatures are base58, byte payloads are standard base64. Field
// names use snake_case to match upstream producers.

// RequestJSON is one signed instruction submission. Account contents and
// the slot are supplied by the server, never by the submitter.
type RequestJSON struct {
	RequestID  string          `json:"request_id"`
	Data       string          `json:"data"` // event.Encode output
	Accounts   []AccountJSON   `json:"accounts"`
	Signatures []SignatureJSON `json:"signatures,omitempty"`
}

// AccountJSON names one account the instruction touches.
type AccountJSON struct {
	Key      string `json:"key"`
	Writable bool   `json:"writable,omitempty"`
}

// SignatureJSON is an ed25519 signature by Key over the request's signing
// message.
type SignatureJSON struct {
	Key       string `json:"key"`
	Signature string `json:"signature"`
}

// FeedUpdateJSON carries the latest raw bytes of an oracle feed account.
type FeedUpdateJSON struct {
	Feed string `json:"feed"`
	Data string `json:"data"`
}

// FeedUpdate is a parsed FeedUpdateJSON.
type FeedUpdate struct {
	Feed solana.PublicKey
	Data []byte
}

// ParseRequest converts a JSON submission into a request for the controller.
func ParseRequest(data []byte) (*event.Request, error) {
	var j RequestJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, fmt.Errorf("parse request: %w", err)
	}
	return j.Request()
}

// Request decodes the instruction and accounts of j and verifies its
// signatures. An account is a signer only if a signature by its key
// verifies.
func (j *RequestJSON) Request() (*event.Request, error) {
	requestID, err := uuid.Parse(j.RequestID)
	if err != nil {
		return nil, fmt.Errorf("parse request_id: %w", err)
	}

	raw, err := base64.StdEncoding.DecodeString(j.Data)
	if err != nil {
		return nil, fmt.Errorf("parse data: %w", err)
	}
	ix, err := event.Decode(raw)
	if err != nil {
		return nil, fmt.Errorf("decode instruction: %w", err)
	}

	accounts := make([]identity.AccountInfo, 0, len(j.Accounts))
	for i, a := range j.Accounts {
		key, err := solana.PublicKeyFromBase58(a.Key)
		if err != nil {
			return nil, fmt.Errorf("account %d: parse key: %w", i, err)
		}
		accounts = append(accounts, identity.AccountInfo{Key: key, IsWritable: a.Writable})
	}

	req := &event.Request{
		RequestID:   requestID,
		Instruction: ix,
		Accounts:    accounts,
	}
	if err := verifySignatures(req, j.Signatures); err != nil {
		return nil, err
	}
	return req, nil
}

func verifySignatures(req *event.Request, sigs []SignatureJSON) error {
	msg := req.SigningMessage()
	for i, sj := range sigs {
		key, err := solana.PublicKeyFromBase58(sj.Key)
		if err != nil {
			return fmt.Errorf("signature %d: parse key: %w", i, err)
		}
		sig, err := solana.SignatureFromBase58(sj.Signature)
		if err != nil {
			return fmt.Errorf("signature %d: %w: %v", i, ErrInvalidSignature, err)
		}
		if !sig.Verify(key, msg) {
			return fmt.Errorf("%w: %s", ErrInvalidSignature, key)
		}
		named := false
		for k := range req.Accounts {
			if req.Accounts[k].Key.Equals(key) {
				req.Accounts[k].IsSigner = true
				named = true
			}
		}
		if !named {
			return fmt.Errorf("%w: signer %s is not a request account", ErrInvalidSignature, key)
		}
	}
	return nil
}

// EncodeRequest is the inverse of ParseRequest: req signed by signers.
func EncodeRequest(req *event.Request, signers ...solana.PrivateKey) ([]byte, error) {
	j, err := NewRequestJSON(req, signers...)
	if err != nil {
		return nil, err
	}
	return json.Marshal(j)
}

// NewRequestJSON converts a request to its wire form with a signature from
// each of signers. The IsSigner flags of req are not carried.
func NewRequestJSON(req *event.Request, signers ...solana.PrivateKey) (RequestJSON, error) {
	j := RequestJSON{
		RequestID: req.RequestID.String(),
		Data:      base64.StdEncoding.EncodeToString(event.Encode(req.Instruction)),
		Accounts:  make([]AccountJSON, 0, len(req.Accounts)),
	}
	for _, a := range req.Accounts {
		j.Accounts = append(j.Accounts, AccountJSON{Key: a.Key.String(), Writable: a.IsWritable})
	}

	msg := req.SigningMessage()
	for _, signer := range signers {
		sig, err := signer.Sign(msg)
		if err != nil {
			return RequestJSON{}, fmt.Errorf("sign request: %w", err)
		}
		j.Signatures = append(j.Signatures, SignatureJSON{Key: signer.PublicKey().String(), Signature: sig.String()})
	}
	return j, nil
}

// ParseFeedUpdate parses an oracle feed update.
func ParseFeedUpdate(data []byte) (FeedUpdate, error) {
	var j FeedUpdateJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return FeedUpdate{}, fmt.Errorf("parse feed update: %w", err)
	}
	feed, err := solana.PublicKeyFromBase58(j.Feed)
	if err != nil {
		return FeedUpdate{}, fmt.Errorf("parse feed: %w", err)
	}
	raw, err := base64.StdEncoding.DecodeString(j.Data)
	if err != nil {
		return FeedUpdate{}, fmt.Errorf("parse data: %w", err)
	}
	if len(raw) == 0 {
		return FeedUpdate{}, fmt.Errorf("parse feed update: empty data")
	}
	return FeedUpdate{Feed: feed, Data: raw}, nil
}
