package wallet

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"transactai/internal/reconciler"

	"github.com/stretchr/testify/require"
)

func TestClientSubmitAndStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "Bearer secret", r.Header.Get("Authorization"))
		switch {
		case r.Method == http.MethodPost && r.URL.Path == "/withdrawals":
			var req reconciler.SubmitRequest
			if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
				w.WriteHeader(http.StatusBadRequest)
				return
			}
			switch req.WithdrawalID {
			case "w-ok":
				_ = json.NewEncoder(w).Encode(map[string]string{"tx_hash": "0xabc"})
			case "w-rejected":
				w.WriteHeader(http.StatusUnprocessableEntity)
				_ = json.NewEncoder(w).Encode(map[string]string{"error": "hot wallet empty"})
			default:
				w.WriteHeader(http.StatusBadGateway)
			}
		case r.Method == http.MethodGet && r.URL.Path == "/withdrawals/w-ok":
			_ = json.NewEncoder(w).Encode(reconciler.BroadcastStatus{State: reconciler.BroadcastConfirmed, TxHash: "0xabc"})
		case r.Method == http.MethodGet && r.URL.Path == "/withdrawals/w-odd":
			_ = json.NewEncoder(w).Encode(map[string]string{"state": "lost"})
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	t.Cleanup(srv.Close)

	c, err := NewClient(Config{BaseURL: srv.URL + "/", APIKey: "secret"})
	require.NoError(t, err)
	ctx := context.Background()

	hash, err := c.Submit(ctx, reconciler.SubmitRequest{WithdrawalID: "w-ok", Wallet: "0x1", Amount: 5})
	require.NoError(t, err)
	require.Equal(t, "0xabc", hash)

	_, err = c.Submit(ctx, reconciler.SubmitRequest{WithdrawalID: "w-rejected"})
	require.ErrorIs(t, err, reconciler.ErrBroadcastRejected)
	require.Contains(t, err.Error(), "hot wallet empty")

	_, err = c.Submit(ctx, reconciler.SubmitRequest{WithdrawalID: "w-flaky"})
	require.Error(t, err)
	require.NotErrorIs(t, err, reconciler.ErrBroadcastRejected)

	st, err := c.Status(ctx, "w-ok")
	require.NoError(t, err)
	require.Equal(t, reconciler.BroadcastConfirmed, st.State)

	_, err = c.Status(ctx, "w-odd")
	require.Error(t, err)
}

func TestNewClientRequiresBaseURL(t *testing.T) {
	_, err := NewClient(Config{})
	require.Error(t, err)
}
