package custody

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

type gatewayTransferRequest struct {
	Reference string          `json:"reference"`
	From      string          `json:"from,omitempty"`
	To        string          `json:"to"`
	Amount    decimal.Decimal `json:"amount"`
}

type gatewayTransfer struct {
	Reference string `json:"reference"`
	TxHash    string `json:"txHash"`
	Status    string `json:"status"`
}

type gatewayTransaction struct {
	TxHash      string `json:"txHash"`
	Status      string `json:"status"` // pending | confirmed | failed
	BlockNumber *int64 `json:"blockNumber"`
}

type gatewayBalance struct {
	Balance decimal.Decimal `json:"balance"`
}

type gatewayError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Gateway talks to an HTTP custody gateway holding the escrow account keys.
type Gateway struct {
	client *resty.Client
	from   string
}

func NewGateway(baseURL, apiKey, escrowAddress string, timeout time.Duration) *Gateway {
	client := resty.New().
		SetBaseURL(baseURL).
		SetTimeout(timeout).
		SetHeader("Accept", "application/json").
		SetError(&gatewayError{})
	if apiKey != "" {
		client.SetAuthToken(apiKey)
	}

	return &Gateway{client: client, from: escrowAddress}
}

func (g *Gateway) Transfer(ctx context.Context, req TransferRequest) (string, error) {
	balance, err := g.Balance(ctx)
	if err != nil {
		return "", err
	}
	if balance.LessThan(req.Amount) {
		return "", ErrInsufficientCustodyBalance
	}

	var out gatewayTransfer
	resp, err := g.client.R().
		SetContext(ctx).
		SetHeader("Idempotency-Key", req.Reference).
		SetBody(gatewayTransferRequest{Reference: req.Reference, From: g.from, To: req.To, Amount: req.Amount}).
		SetResult(&out).
		Post("/transfers")
	if err != nil {
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		return "", &TransferError{Reference: req.Reference, Reason: ReasonGatewayUnreachable, Cause: err}
	}

	if resp.IsError() {
		reason := resp.Status()
		if e, ok := resp.Error().(*gatewayError); ok && e.Message != "" {
			reason = e.Message
			if e.Code == "insufficient_balance" {
				return "", ErrInsufficientCustodyBalance
			}
		}
		if resp.StatusCode() >= http.StatusInternalServerError {
			zap.L().Warn("custody gateway failed mid transfer", zap.String("reference", req.Reference), zap.Int("status", resp.StatusCode()), zap.String("reason", reason))
			return "", &TransferError{Reference: req.Reference, Reason: ReasonGatewayUnknown, Cause: fmt.Errorf("%s", reason)}
		}
		zap.L().Warn("custody gateway refused transfer", zap.String("reference", req.Reference), zap.Int("status", resp.StatusCode()), zap.String("reason", reason))
		return "", &TransferError{Reference: req.Reference, Reason: reason}
	}
	if out.TxHash == "" {
		return "", &TransferError{Reference: req.Reference, Reason: ReasonGatewayUnknown, Cause: fmt.Errorf("no transaction hash returned")}
	}

	return out.TxHash, nil
}

func (g *Gateway) TransactionStatus(ctx context.Context, txRef string) (Receipt, error) {
	var out gatewayTransaction
	resp, err := g.client.R().
		SetContext(ctx).
		SetPathParam("hash", txRef).
		SetResult(&out).
		Get("/transactions/{hash}")
	if err != nil {
		return Receipt{}, err
	}
	if resp.StatusCode() == http.StatusNotFound {
		return Receipt{}, nil
	}
	if resp.IsError() {
		return Receipt{}, fmt.Errorf("custody gateway: transaction %s: %s", txRef, resp.Status())
	}

	return Receipt{
		Found:       true,
		Confirmed:   out.Status == "confirmed",
		Failed:      out.Status == "failed",
		BlockNumber: out.BlockNumber,
	}, nil
}

func (g *Gateway) LookupTransfer(ctx context.Context, reference string) (string, bool, error) {
	var out []gatewayTransfer
	resp, err := g.client.R().
		SetContext(ctx).
		SetQueryParam("reference", reference).
		SetResult(&out).
		Get("/transfers")
	if err != nil {
		return "", false, err
	}
	if resp.StatusCode() == http.StatusNotFound {
		return "", false, nil
	}
	if resp.IsError() {
		return "", false, fmt.Errorf("custody gateway: lookup %s: %s", reference, resp.Status())
	}

	for _, t := range out {
		if t.Reference == reference && t.TxHash != "" && t.Status != "failed" {
			return t.TxHash, true, nil
		}
	}
	return "", false, nil
}

func (g *Gateway) Balance(ctx context.Context) (decimal.Decimal, error) {
	var out gatewayBalance
	resp, err := g.client.R().
		SetContext(ctx).
		SetResult(&out).
		Get("/balance")
	if err != nil {
		return decimal.Zero, err
	}
	if resp.IsError() {
		return decimal.Zero, fmt.Errorf("custody gateway: balance: %s", resp.Status())
	}
	return out.Balance, nil
}
