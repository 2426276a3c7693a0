package custody

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
)

func newGatewayServer(t *testing.T, balance string) *httptest.Server {
	t.Helper()

	mux := http.NewServeMux()
	mux.HandleFunc("/balance", func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "Bearer secret", r.Header.Get("Authorization"))
		_, _ = w.Write([]byte(`{"balance":"` + balance + `"}`))
	})
	mux.HandleFunc("/transfers", func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodPost:
			var body map[string]any
			require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
			require.Equal(t, r.Header.Get("Idempotency-Key"), body["reference"])
			if body["to"] == "0xblocked" {
				w.WriteHeader(http.StatusUnprocessableEntity)
				_, _ = w.Write([]byte(`{"code":"blocked","message":"destination blocked"}`))
				return
			}
			if body["to"] == "0xflaky" {
				w.WriteHeader(http.StatusBadGateway)
				_, _ = w.Write([]byte(`{"code":"upstream","message":"node timeout"}`))
				return
			}
			_, _ = w.Write([]byte(`{"reference":"` + body["reference"].(string) + `","txHash":"0xsent","status":"submitted"}`))
		case http.MethodGet:
			if r.URL.Query().Get("reference") == "payout-1" {
				_, _ = w.Write([]byte(`[{"reference":"payout-1","txHash":"0xsent","status":"confirmed"}]`))
				return
			}
			_, _ = w.Write([]byte(`[]`))
		}
	})
	mux.HandleFunc("/transactions/", func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/transactions/0xsent" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		_, _ = w.Write([]byte(`{"txHash":"0xsent","status":"confirmed","blockNumber":12}`))
	})

	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func TestGatewayTransfer(t *testing.T) {
	ctx := context.Background()
	srv := newGatewayServer(t, "100")
	g := NewGateway(srv.URL, "secret", "0xescrow", 5*time.Second)

	txRef, err := g.Transfer(ctx, TransferRequest{Reference: "payout-1", To: "0xowner", Amount: decimal.NewFromInt(10)})
	require.NoError(t, err)
	require.Equal(t, "0xsent", txRef)

	_, err = g.Transfer(ctx, TransferRequest{Reference: "payout-2", To: "0xowner", Amount: decimal.NewFromInt(101)})
	require.ErrorIs(t, err, ErrInsufficientCustodyBalance)

	_, err = g.Transfer(ctx, TransferRequest{Reference: "payout-3", To: "0xblocked", Amount: decimal.NewFromInt(1)})
	var transferErr *TransferError
	require.ErrorAs(t, err, &transferErr)
	require.Equal(t, "destination blocked", transferErr.Reason)

	_, err = g.Transfer(ctx, TransferRequest{Reference: "payout-4", To: "0xflaky", Amount: decimal.NewFromInt(1)})
	require.ErrorAs(t, err, &transferErr)
	require.Equal(t, ReasonGatewayUnknown, transferErr.Reason)
	require.ErrorContains(t, err, "node timeout")
}

func TestGatewayStatusAndLookup(t *testing.T) {
	ctx := context.Background()
	srv := newGatewayServer(t, "100")
	g := NewGateway(srv.URL, "secret", "0xescrow", 5*time.Second)

	r, err := g.TransactionStatus(ctx, "0xsent")
	require.NoError(t, err)
	require.True(t, r.Confirmed)
	require.EqualValues(t, 12, *r.BlockNumber)

	r, err = g.TransactionStatus(ctx, "0xmissing")
	require.NoError(t, err)
	require.False(t, r.Found)

	txRef, ok, err := g.LookupTransfer(ctx, "payout-1")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "0xsent", txRef)

	_, ok, err = g.LookupTransfer(ctx, "payout-9")
	require.NoError(t, err)
	require.False(t, ok)
}
