package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"transactai/internal/dispatcher"
	"transactai/internal/escrow"
	"transactai/internal/infrastructure/database/dbtest"
	"transactai/internal/infrastructure/lock"
	"transactai/internal/ledger"
	"transactai/internal/model"
	"transactai/internal/protocol"
	"transactai/pkg/logger"
	"transactai/pkg/response"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/require"
)

type fakeDispatcher struct {
	envelopes []*protocol.Envelope
	acks      []*protocol.Ack
	err       error
}

func (f *fakeDispatcher) Handle(_ context.Context, env *protocol.Envelope) (*dispatcher.Result, error) {
	f.envelopes = append(f.envelopes, env)
	if f.err != nil {
		return nil, f.err
	}
	reply, _ := json.Marshal(protocol.Reply{InReplyTo: env.MessageID, Status: protocol.StatusOK})
	return &dispatcher.Result{
		Ack:      &protocol.Ack{AcknowledgedMessageID: env.MessageID, Sender: "agent-ledger"},
		Response: &protocol.Envelope{Sender: "agent-ledger", MessageID: "resp-1", Command: protocol.ResponseCommand(env.Command), Payload: reply},
		Delivery: protocol.DeliveryFresh,
	}, nil
}

func (f *fakeDispatcher) HandleAck(_ context.Context, ack *protocol.Ack) (bool, error) {
	f.acks = append(f.acks, ack)
	return ack.AcknowledgedMessageID == "known", nil
}

type testServer struct {
	router *gin.Engine
	disp   *fakeDispatcher
	ledger *ledger.Ledger
	esc    *escrow.Manager
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	db := dbtest.New(t)
	l := ledger.New(db, lock.NewMemoryLocker(), "agent-ledger", ledger.WithLogger(logger.Discard()))
	esc := escrow.NewManager(l, db, escrow.Config{}, logger.Discard())
	disp := &fakeDispatcher{}
	return &testServer{
		router: SetupRouter(NewHandler(disp, l, esc, db)),
		disp:   disp,
		ledger: l,
		esc:    esc,
	}
}

func (s *testServer) do(t *testing.T, method, path string, body any) (*httptest.ResponseRecorder, response.Response) {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	s.router.ServeHTTP(w, req)

	var resp response.Response
	if w.Header().Get("Content-Type") != "" && w.Body.Len() > 0 {
		_ = json.Unmarshal(w.Body.Bytes(), &resp)
	}
	return w, resp
}

func TestSubmitEnvelope(t *testing.T) {
	s := newTestServer(t)
	frame := protocol.Frame{
		Kind: protocol.FrameEnvelope,
		Envelope: &protocol.Envelope{
			Sender:    "agent-a",
			MessageID: "m-1",
			Command:   protocol.CmdBalance,
			Timestamp: time.Now(),
		},
	}

	w, resp := s.do(t, http.MethodPost, "/submit", frame)
	require.Equal(t, http.StatusOK, w.Code)
	require.Equal(t, response.CodeSuccess, resp.Code)
	require.NotEmpty(t, w.Header().Get(headerRequestID))
	require.Len(t, s.disp.envelopes, 1)
	require.Equal(t, "m-1", s.disp.envelopes[0].MessageID)

	raw, err := json.Marshal(resp.Data)
	require.NoError(t, err)
	var result SubmitResult
	require.NoError(t, json.Unmarshal(raw, &result))
	require.Equal(t, "m-1", result.Ack.AcknowledgedMessageID)
	require.Equal(t, protocol.DeliveryFresh, result.Delivery)
	require.Equal(t, protocol.ResponseCommand(protocol.CmdBalance), result.Response.Command)
}

func TestSubmitAck(t *testing.T) {
	s := newTestServer(t)

	for _, tc := range []struct {
		id    string
		acked bool
	}{
		{"known", true},
		{"stale", false},
	} {
		frame := protocol.Frame{Kind: protocol.FrameAck, Ack: &protocol.Ack{AcknowledgedMessageID: tc.id, Sender: "agent-a"}}
		w, resp := s.do(t, http.MethodPost, "/submit", frame)
		require.Equal(t, http.StatusOK, w.Code)
		data, ok := resp.Data.(map[string]any)
		require.True(t, ok)
		require.Equal(t, tc.acked, data["acked"])
	}
	require.Len(t, s.disp.acks, 2)
	require.Empty(t, s.disp.envelopes)
}

func TestSubmitRejectsInvalidFrames(t *testing.T) {
	s := newTestServer(t)

	cases := map[string]any{
		"unknown kind":    protocol.Frame{Kind: "gossip"},
		"missing sender":  protocol.Frame{Kind: protocol.FrameEnvelope, Envelope: &protocol.Envelope{MessageID: "m", Command: protocol.CmdBalance}},
		"missing message": protocol.Frame{Kind: protocol.FrameEnvelope, Envelope: &protocol.Envelope{Sender: "a", Command: protocol.CmdBalance}},
		"empty ack":       protocol.Frame{Kind: protocol.FrameAck},
		"not an object":   []int{1, 2},
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			w, resp := s.do(t, http.MethodPost, "/submit", body)
			require.Equal(t, http.StatusBadRequest, w.Code)
			require.Equal(t, response.CodeInvalidFrame, resp.Code)
		})
	}
	require.Empty(t, s.disp.envelopes)
}

func TestSubmitServerErrorAsksForRetry(t *testing.T) {
	s := newTestServer(t)
	s.disp.err = errors.New("outbox unavailable")

	frame := protocol.Frame{Kind: protocol.FrameEnvelope, Envelope: &protocol.Envelope{Sender: "a", MessageID: "m", Command: protocol.CmdBalance}}
	w, resp := s.do(t, http.MethodPost, "/submit", frame)
	require.Equal(t, http.StatusInternalServerError, w.Code)
	require.Equal(t, response.CodeServerError, resp.Code)
}

func TestAccountAndEscrowQueries(t *testing.T) {
	s := newTestServer(t)
	ctx := context.Background()

	_, resp := s.do(t, http.MethodGet, "/api/v1/account/nobody", nil)
	require.Equal(t, response.CodeAccountNotFound, resp.Code)

	_, _, err := s.ledger.Register(ctx, "payer")
	require.NoError(t, err)
	_, _, err = s.ledger.Register(ctx, "payee")
	require.NoError(t, err)
	_, err = s.ledger.Credit(ctx, "payer", 100, model.ReasonDeposit, "seed")
	require.NoError(t, err)

	e, _, err := s.esc.Create(ctx, escrow.CreateRequest{RequestID: "payer:e-1", Payer: "payer", Payee: "payee", Amount: 40, TTL: time.Hour})
	require.NoError(t, err)

	_, resp = s.do(t, http.MethodGet, "/api/v1/account/payer", nil)
	require.Equal(t, response.CodeSuccess, resp.Code)
	account := resp.Data.(map[string]any)
	require.Equal(t, float64(60), account["balance"])

	_, resp = s.do(t, http.MethodGet, "/api/v1/escrow/"+e.ID, nil)
	require.Equal(t, response.CodeSuccess, resp.Code)
	got := resp.Data.(map[string]any)
	require.Equal(t, model.EscrowStateCreated, got["state"])
	require.Equal(t, float64(40), got["amount"])

	_, resp = s.do(t, http.MethodGet, "/api/v1/escrow/missing", nil)
	require.Equal(t, response.CodeEscrowNotFound, resp.Code)
}

func TestHealthAndMetrics(t *testing.T) {
	s := newTestServer(t)

	w, _ := s.do(t, http.MethodGet, "/health", nil)
	require.Equal(t, http.StatusOK, w.Code)
	require.Contains(t, w.Body.String(), "ok")

	w, _ = s.do(t, http.MethodGet, "/metrics", nil)
	require.Equal(t, http.StatusOK, w.Code)
	require.Contains(t, w.Body.String(), "go_goroutines")
}

func TestRecoveryMiddleware(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(RecoveryMiddleware())
	r.GET("/boom", func(c *gin.Context) { panic("boom") })

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/boom", nil))
	require.Equal(t, http.StatusInternalServerError, w.Code)
}
