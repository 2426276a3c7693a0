package custody

import (
	"context"
	"encoding/hex"
	"fmt"
	"sync"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"golang.org/x/crypto/sha3"
)

type simulatedTx struct {
	amount    decimal.Decimal
	incoming  bool
	polls     int
	confirmed bool
	block     int64
}

// Simulated is an in-process custody ledger used in development and tests. Transfers
// settle immediately; registered funding transfers confirm after a number of status polls.
type Simulated struct {
	mu            sync.Mutex
	balance       decimal.Decimal
	confirmations int
	nonce         uint64
	block         int64
	byReference   map[string]string
	txs           map[string]*simulatedTx
}

func NewSimulated(balance decimal.Decimal, confirmations int) *Simulated {
	if confirmations < 1 {
		confirmations = 1
	}
	return &Simulated{
		balance:       balance,
		confirmations: confirmations,
		block:         1,
		byReference:   make(map[string]string),
		txs:           make(map[string]*simulatedTx),
	}
}

func (s *Simulated) hash(parts ...string) string {
	s.nonce++
	h := sha3.NewLegacyKeccak256()
	for _, p := range parts {
		h.Write([]byte(p))
		h.Write([]byte{0})
	}
	h.Write([]byte(fmt.Sprintf("%d", s.nonce)))
	return "0x" + hex.EncodeToString(h.Sum(nil))
}

func (s *Simulated) Transfer(ctx context.Context, req TransferRequest) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if !req.Amount.IsPositive() {
		return "", &TransferError{Reference: req.Reference, Reason: "amount must be positive"}
	}
	if req.To == "" {
		return "", &TransferError{Reference: req.Reference, Reason: "missing destination"}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if txRef, ok := s.byReference[req.Reference]; ok {
		return txRef, nil
	}
	if s.balance.LessThan(req.Amount) {
		return "", ErrInsufficientCustodyBalance
	}

	txRef := s.hash(req.Reference, req.To, req.Amount.String())
	s.block++
	s.balance = s.balance.Sub(req.Amount)
	s.byReference[req.Reference] = txRef
	s.txs[txRef] = &simulatedTx{amount: req.Amount, confirmed: true, block: s.block}

	zap.L().Debug("simulated transfer", zap.String("reference", req.Reference), zap.String("tx_ref", txRef))
	return txRef, nil
}

// RegisterIncoming records a funding transfer into escrow. It confirms, and credits the
// balance, once it has been polled the configured number of times.
func (s *Simulated) RegisterIncoming(ctx context.Context, txRef string, amount decimal.Decimal) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.txs[txRef]; !ok {
		s.txs[txRef] = &simulatedTx{amount: amount, incoming: true}
	}
	return nil
}

func (s *Simulated) TransactionStatus(ctx context.Context, txRef string) (Receipt, error) {
	if err := ctx.Err(); err != nil {
		return Receipt{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	tx, ok := s.txs[txRef]
	if !ok {
		return Receipt{}, nil
	}

	if !tx.confirmed {
		tx.polls++
		if tx.polls >= s.confirmations {
			s.block++
			tx.confirmed = true
			tx.block = s.block
			if tx.incoming {
				s.balance = s.balance.Add(tx.amount)
			}
		}
	}

	r := Receipt{Found: true, Confirmed: tx.confirmed}
	if tx.confirmed {
		block := tx.block
		r.BlockNumber = &block
	}
	return r, nil
}

func (s *Simulated) LookupTransfer(ctx context.Context, reference string) (string, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	txRef, ok := s.byReference[reference]
	return txRef, ok, nil
}

func (s *Simulated) Balance(ctx context.Context) (decimal.Decimal, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.balance, nil
}
