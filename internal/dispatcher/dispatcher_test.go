package dispatcher

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"sync"
	"testing"
	"time"

	"transactai/internal/escrow"
	"transactai/internal/infrastructure/database/dbtest"
	"transactai/internal/infrastructure/lock"
	"transactai/internal/ledger"
	"transactai/internal/model"
	"transactai/internal/protocol"
	"transactai/internal/reconciler"
	"transactai/pkg/logger"

	"github.com/alicebob/miniredis/v2"
	"github.com/cenkalti/backoff/v4"
	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

const walletPeer = "agent-wallet"

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type rejectingBroadcaster struct{}

func (rejectingBroadcaster) Submit(context.Context, reconciler.SubmitRequest) (string, error) {
	return "", fmt.Errorf("%w: hot wallet empty", reconciler.ErrBroadcastRejected)
}

func (rejectingBroadcaster) Status(context.Context, string) (*reconciler.BroadcastStatus, error) {
	return &reconciler.BroadcastStatus{State: reconciler.BroadcastPending}, nil
}

type fixture struct {
	db     *gorm.DB
	clock  *fakeClock
	ledger *ledger.Ledger
	rec    *reconciler.Reconciler
	esc    *escrow.Manager
	d      *Dispatcher
	cfg    Config
	seq    int
}

func newFixture(t *testing.T, cfg Config) *fixture {
	t.Helper()
	db := dbtest.New(t)
	clock := &fakeClock{now: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)}
	l := ledger.New(db, lock.NewMemoryLocker(), "agent-ledger", ledger.WithClock(clock.Now), ledger.WithLogger(logger.Discard()))

	denoms, err := reconciler.NewDenominations("atestfet", nil)
	require.NoError(t, err)
	wallets, err := reconciler.NewWalletValidator(reconciler.WalletFormatEVM, "")
	require.NoError(t, err)
	rec := reconciler.New(l, db, denoms, wallets, reconciler.Config{RequiredConfirmations: 3},
		reconciler.WithBroadcaster(rejectingBroadcaster{}),
		reconciler.WithBackOff(func() backoff.BackOff { return &backoff.StopBackOff{} }),
		reconciler.WithLogger(logger.Discard()),
	)
	esc := escrow.NewManager(l, db, escrow.Config{}, logger.Discard())

	if cfg.TrustedWalletPeer == "" {
		cfg.TrustedWalletPeer = walletPeer
	}
	f := &fixture{db: db, clock: clock, ledger: l, rec: rec, esc: esc, cfg: cfg}
	f.d = f.newDispatcher()
	return f
}

// newDispatcher 模拟重启：数据库不变，已见缓存清空
func (f *fixture) newDispatcher() *Dispatcher {
	seen := protocol.NewMemorySeenCache(time.Hour, f.clock.Now)
	return New(f.ledger, f.esc, f.rec, seen, f.db, f.cfg, logger.Discard())
}

type replyView struct {
	InReplyTo string          `json:"in_reply_to"`
	Status    protocol.Status `json:"status"`
	Detail    string          `json:"detail"`
	Data      json.RawMessage `json:"data"`
}

func envelope(sender, messageID, command string, payload any) *protocol.Envelope {
	raw, _ := json.Marshal(payload)
	return &protocol.Envelope{Sender: sender, MessageID: messageID, Command: command, Payload: raw, Timestamp: time.Now()}
}

func (f *fixture) sendAs(t *testing.T, messageID, sender, command string, payload any) (*Result, replyView) {
	t.Helper()
	res, err := f.d.Handle(context.Background(), envelope(sender, messageID, command, payload))
	require.NoError(t, err)
	require.NotNil(t, res.Ack)
	require.Equal(t, messageID, res.Ack.AcknowledgedMessageID)
	require.Equal(t, protocol.ResponseCommand(command), res.Response.Command)

	var reply replyView
	require.NoError(t, json.Unmarshal(res.Response.Payload, &reply))
	require.Equal(t, messageID, reply.InReplyTo)
	return res, reply
}

func (f *fixture) send(t *testing.T, sender, command string, payload any) (*Result, replyView) {
	t.Helper()
	f.seq++
	return f.sendAs(t, fmt.Sprintf("%s-%d", sender, f.seq), sender, command, payload)
}

func (f *fixture) fund(t *testing.T, id string, amount int64) {
	t.Helper()
	_, err := f.ledger.Credit(context.Background(), id, amount, model.ReasonDeposit, "seed-"+id)
	require.NoError(t, err)
}

func balanceOf(t *testing.T, reply replyView) int64 {
	t.Helper()
	var data protocol.BalanceData
	require.NoError(t, json.Unmarshal(reply.Data, &data))
	return data.Balance
}

func TestRegisterAndBalance(t *testing.T) {
	f := newFixture(t, Config{})

	_, reply := f.send(t, "x", protocol.CmdBalance, nil)
	require.Equal(t, protocol.StatusNotRegistered, reply.Status)

	_, reply = f.send(t, "x", protocol.CmdRegister, nil)
	require.Equal(t, protocol.StatusOK, reply.Status)
	require.Zero(t, balanceOf(t, reply))

	f.fund(t, "x", 42)
	_, reply = f.send(t, "x", protocol.CmdRegister, nil)
	require.Equal(t, int64(42), balanceOf(t, reply))

	_, reply = f.send(t, "x", protocol.CmdBalance, nil)
	require.Equal(t, protocol.StatusOK, reply.Status)
	require.Equal(t, int64(42), balanceOf(t, reply))
}

// A 从 100 中付给 B 30，同一条消息重投时返回原响应
func TestPaymentRetryReplaysResponse(t *testing.T) {
	f := newFixture(t, Config{})
	f.send(t, "a", protocol.CmdRegister, nil)
	f.send(t, "b", protocol.CmdRegister, nil)
	f.fund(t, "a", 100)

	payment := protocol.Payment{Recipient: "b", Amount: 30, Reference: "invoice-7"}
	first, reply := f.sendAs(t, "pay-1", "a", protocol.CmdPayment, payment)
	require.Equal(t, protocol.StatusOK, reply.Status)
	require.Equal(t, protocol.DeliveryFresh, first.Delivery)
	var data protocol.PaymentData
	require.NoError(t, json.Unmarshal(reply.Data, &data))
	require.Equal(t, protocol.PaymentData{Recipient: "b", Amount: 30, Balance: 70}, data)

	for i := 0; i < 3; i++ {
		again, _ := f.sendAs(t, "pay-1", "a", protocol.CmdPayment, payment)
		require.Equal(t, protocol.DeliveryDuplicateRequest, again.Delivery)
		require.Equal(t, first.Response, again.Response)
	}

	a, _ := f.ledger.Balance(context.Background(), "a")
	b, _ := f.ledger.Balance(context.Background(), "b")
	require.Equal(t, int64(70), a)
	require.Equal(t, int64(30), b)

	var acks int64
	require.NoError(t, f.db.Model(&model.OutboxMessage{}).
		Where("recipient = ? AND command = ?", "a", protocol.FrameAck).Count(&acks).Error)
	require.Equal(t, int64(5), acks) // 注册 + 付款 + 三次重投
}

func TestPaymentRetryAfterRestartIsNotReapplied(t *testing.T) {
	f := newFixture(t, Config{})
	f.send(t, "a", protocol.CmdRegister, nil)
	f.send(t, "b", protocol.CmdRegister, nil)
	f.fund(t, "a", 100)

	payment := protocol.Payment{Recipient: "b", Amount: 30}
	_, before := f.sendAs(t, "pay-1", "a", protocol.CmdPayment, payment)

	f.d = f.newDispatcher()
	res, after := f.sendAs(t, "pay-1", "a", protocol.CmdPayment, payment)
	require.Equal(t, protocol.DeliveryDuplicateRequest, res.Delivery)
	require.Equal(t, protocol.StatusOK, after.Status)
	require.JSONEq(t, string(before.Data), string(after.Data))

	a, _ := f.ledger.Balance(context.Background(), "a")
	require.Equal(t, int64(70), a)
}

// 多实例共享 Redis 已见缓存：另一实例收到重投时原样返回首个响应
func TestPaymentRetryOnAnotherInstanceReplaysFromRedis(t *testing.T) {
	f := newFixture(t, Config{})
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	shared := protocol.NewRedisSeenCache(client, time.Hour)
	f.d = New(f.ledger, f.esc, f.rec, shared, f.db, f.cfg, logger.Discard())

	f.send(t, "a", protocol.CmdRegister, nil)
	f.send(t, "b", protocol.CmdRegister, nil)
	f.fund(t, "a", 100)

	payment := protocol.Payment{Recipient: "b", Amount: 30}
	first, _ := f.sendAs(t, "pay-1", "a", protocol.CmdPayment, payment)
	require.Equal(t, protocol.DeliveryFresh, first.Delivery)

	f.d = New(f.ledger, f.esc, f.rec, shared, f.db, f.cfg, logger.Discard())
	again, _ := f.sendAs(t, "pay-1", "a", protocol.CmdPayment, payment)
	require.Equal(t, protocol.DeliveryDuplicateRequest, again.Delivery)
	require.Equal(t, first.Response.MessageID, again.Response.MessageID)
	require.JSONEq(t, string(first.Response.Payload), string(again.Response.Payload))

	a, _ := f.ledger.Balance(context.Background(), "a")
	require.Equal(t, int64(70), a)
}

func TestConcurrentDuplicateDeliveries(t *testing.T) {
	f := newFixture(t, Config{})
	f.send(t, "a", protocol.CmdRegister, nil)
	f.send(t, "b", protocol.CmdRegister, nil)
	f.fund(t, "a", 100)

	env := envelope("a", "pay-concurrent", protocol.CmdPayment, protocol.Payment{Recipient: "b", Amount: 10})
	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		responses = map[string]int{}
	)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := f.d.Handle(context.Background(), env)
			if err != nil {
				t.Errorf("handle: %v", err)
				return
			}
			mu.Lock()
			responses[res.Response.MessageID]++
			mu.Unlock()
		}()
	}
	wg.Wait()

	require.Len(t, responses, 1)
	a, _ := f.ledger.Balance(context.Background(), "a")
	require.Equal(t, int64(90), a)
}

func TestFailuresAreStatusesAndStillAcknowledged(t *testing.T) {
	f := newFixture(t, Config{})
	f.send(t, "a", protocol.CmdRegister, nil)
	f.fund(t, "a", 10)

	cases := []struct {
		name    string
		command string
		payload any
		want    protocol.Status
	}{
		{"unknown recipient", protocol.CmdPayment, protocol.Payment{Recipient: "a2", Amount: 11}, protocol.StatusUnknownRecipient},
		{"self payment", protocol.CmdPayment, protocol.Payment{Recipient: "a", Amount: 1}, protocol.StatusInvalidRequest},
		{"non-positive amount", protocol.CmdPayment, protocol.Payment{Recipient: "a2", Amount: 0}, protocol.StatusInvalidRequest},
		{"unknown command", "teleport", nil, protocol.StatusUnknownCommand},
		{"malformed payload", protocol.CmdPayment, "not an object", protocol.StatusInvalidRequest},
		{"missing escrow", protocol.CmdReleaseEscrow, protocol.ReleaseEscrow{EscrowID: "nope"}, protocol.StatusEscrowNotFound},
		{"bad wallet", protocol.CmdRegisterWallet, protocol.RegisterWallet{WalletAddress: "xyz"}, protocol.StatusInvalidWallet},
		{"withdraw without wallet", protocol.CmdWithdraw, protocol.Withdraw{Amount: 1}, protocol.StatusInvalidWallet},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, reply := f.send(t, "a", tc.command, tc.payload)
			require.Equal(t, tc.want, reply.Status)
			require.NotEmpty(t, reply.Detail)
		})
	}

	f.send(t, "a2", protocol.CmdRegister, nil)
	_, reply := f.send(t, "a", protocol.CmdPayment, protocol.Payment{Recipient: "a2", Amount: 11})
	require.Equal(t, protocol.StatusInsufficientFunds, reply.Status)
	a, _ := f.ledger.Balance(context.Background(), "a")
	require.Equal(t, int64(10), a)
}

func TestInvalidEnvelopeIsRejected(t *testing.T) {
	f := newFixture(t, Config{})
	_, err := f.d.Handle(context.Background(), &protocol.Envelope{Sender: "a", Command: protocol.CmdBalance})
	require.ErrorIs(t, err, protocol.ErrInvalidEnvelope)
}

func TestEscrowCommands(t *testing.T) {
	f := newFixture(t, Config{})
	f.send(t, "x", protocol.CmdRegister, nil)
	f.send(t, "y", protocol.CmdRegister, nil)
	f.fund(t, "x", 100)

	_, reply := f.send(t, "x", protocol.CmdEscrow, protocol.CreateEscrow{Recipient: "y", Amount: 40, ExpirationSeconds: 60})
	require.Equal(t, protocol.StatusOK, reply.Status)
	var created protocol.EscrowData
	require.NoError(t, json.Unmarshal(reply.Data, &created))
	require.Equal(t, f.clock.Now().Add(time.Minute), created.ExpiresAt.UTC())

	_, reply = f.send(t, "y", protocol.CmdReleaseEscrow, protocol.ReleaseEscrow{EscrowID: created.EscrowID})
	require.Equal(t, protocol.StatusUnauthorized, reply.Status)

	_, reply = f.send(t, "x", protocol.CmdReleaseEscrow, protocol.ReleaseEscrow{EscrowID: created.EscrowID})
	require.Equal(t, protocol.StatusOK, reply.Status)
	var resolved protocol.EscrowResolutionData
	require.NoError(t, json.Unmarshal(reply.Data, &resolved))
	require.Equal(t, model.EscrowStateReleased, resolved.Status)

	_, reply = f.send(t, "x", protocol.CmdRefundEscrow, protocol.RefundEscrow{EscrowID: created.EscrowID})
	require.Equal(t, protocol.StatusInvalidEscrowState, reply.Status)

	_, reply = f.send(t, "y", protocol.CmdBalance, nil)
	require.Equal(t, int64(40), balanceOf(t, reply))
}

func TestEscrowExpirationOutOfRangeIsRejected(t *testing.T) {
	f := newFixture(t, Config{})
	f.send(t, "x", protocol.CmdRegister, nil)
	f.send(t, "y", protocol.CmdRegister, nil)
	f.fund(t, "x", 100)

	for _, seconds := range []int64{-1, 1 << 62, math.MaxInt64} {
		_, reply := f.send(t, "x", protocol.CmdEscrow, protocol.CreateEscrow{Recipient: "y", Amount: 40, ExpirationSeconds: seconds})
		require.Equal(t, protocol.StatusInvalidRequest, reply.Status, "expiration_seconds=%d", seconds)
	}

	balance, err := f.ledger.Balance(context.Background(), "x")
	require.NoError(t, err)
	require.Equal(t, int64(100), balance)
}

func TestBalanceSweepsExpiredEscrows(t *testing.T) {
	f := newFixture(t, Config{})
	f.send(t, "x", protocol.CmdRegister, nil)
	f.send(t, "y", protocol.CmdRegister, nil)
	f.fund(t, "x", 100)

	_, reply := f.send(t, "x", protocol.CmdEscrow, protocol.CreateEscrow{Recipient: "y", Amount: 25, ExpirationSeconds: 30})
	require.Equal(t, protocol.StatusOK, reply.Status)
	_, reply = f.send(t, "x", protocol.CmdBalance, nil)
	require.Equal(t, int64(75), balanceOf(t, reply))

	f.clock.Advance(31 * time.Second)
	_, reply = f.send(t, "x", protocol.CmdBalance, nil)
	require.Equal(t, int64(100), balanceOf(t, reply))
}

func TestDepositAndWithdrawCommands(t *testing.T) {
	f := newFixture(t, Config{})
	f.send(t, "x", protocol.CmdRegister, nil)

	_, reply := f.send(t, "x", protocol.CmdDeposit, protocol.Deposit{TxHash: "0xdep", Amount: 5})
	require.Equal(t, protocol.StatusInvalidWallet, reply.Status)

	_, reply = f.send(t, "x", protocol.CmdRegisterWallet, protocol.RegisterWallet{WalletAddress: "0x52908400098527886e0f7030069857d2e4169ee7"})
	require.Equal(t, protocol.StatusOK, reply.Status)
	var wallet protocol.WalletData
	require.NoError(t, json.Unmarshal(reply.Data, &wallet))
	require.Equal(t, "0x52908400098527886E0F7030069857D2E4169EE7", wallet.WalletAddress)

	_, reply = f.send(t, "x", protocol.CmdRegisterWallet, protocol.RegisterWallet{WalletAddress: "0x00000000000000000000000000000000000000aa"})
	require.Equal(t, protocol.StatusWalletAlreadyLinked, reply.Status)

	// 链上还没看到这笔交易
	_, reply = f.send(t, "x", protocol.CmdDeposit, protocol.Deposit{TxHash: "0xdep", Amount: 5})
	require.Equal(t, protocol.StatusPendingConfirmation, reply.Status)
	var dep protocol.DepositData
	require.NoError(t, json.Unmarshal(reply.Data, &dep))
	require.Equal(t, 3, dep.RequiredConfirmations)

	_, err := f.rec.ObserveDeposit(context.Background(), reconciler.Observation{
		TxHash: "0xdep", Wallet: wallet.WalletAddress, Amount: 300, Confirmations: 3,
	})
	require.NoError(t, err)
	_, reply = f.send(t, "x", protocol.CmdDeposit, protocol.Deposit{TxHash: "0xdep"})
	require.Equal(t, protocol.StatusOK, reply.Status)
	require.NoError(t, json.Unmarshal(reply.Data, &dep))
	require.Equal(t, int64(300), dep.Balance)

	// 广播服务拒绝：资金原样退回
	_, reply = f.send(t, "x", protocol.CmdWithdraw, protocol.Withdraw{Amount: 100})
	require.Equal(t, protocol.StatusWithdrawalFailed, reply.Status)
	var w protocol.WithdrawData
	require.NoError(t, json.Unmarshal(reply.Data, &w))
	require.Equal(t, model.WithdrawalStatusFailedRefunded, w.Status)
	require.Equal(t, int64(300), w.Balance)

	_, reply = f.send(t, "x", protocol.CmdWithdraw, protocol.Withdraw{Amount: 301})
	require.Equal(t, protocol.StatusInsufficientFunds, reply.Status)
}

func TestWithdrawalResultRequiresTrustedPeer(t *testing.T) {
	f := newFixture(t, Config{})
	f.send(t, "x", protocol.CmdRegister, nil)

	_, reply := f.send(t, "x", protocol.CmdWithdrawalResult, protocol.WithdrawalResult{WithdrawalID: "w1", Success: true})
	require.Equal(t, protocol.StatusUnauthorized, reply.Status)

	_, reply = f.send(t, walletPeer, protocol.CmdWithdrawalResult, protocol.WithdrawalResult{WithdrawalID: "w1", Success: true})
	require.Equal(t, protocol.StatusInvalidRequest, reply.Status)
}

func TestHistoryAndHealth(t *testing.T) {
	f := newFixture(t, Config{})
	f.send(t, "a", protocol.CmdRegister, nil)
	f.send(t, "b", protocol.CmdRegister, nil)
	f.fund(t, "a", 100)
	for i := 0; i < 3; i++ {
		f.send(t, "a", protocol.CmdPayment, protocol.Payment{Recipient: "b", Amount: 10})
	}

	_, reply := f.send(t, "a", protocol.CmdHistory, protocol.History{Limit: 2})
	require.Equal(t, protocol.StatusOK, reply.Status)
	var history protocol.HistoryData
	require.NoError(t, json.Unmarshal(reply.Data, &history))
	require.Len(t, history.Entries, 2)
	require.Equal(t, int64(70), history.Entries[0].ResultingBalance)
	require.Equal(t, int64(-10), history.Entries[0].Delta)
	require.Greater(t, history.Entries[0].Sequence, history.Entries[1].Sequence)

	_, reply = f.send(t, "anyone", protocol.CmdHealth, nil)
	require.Equal(t, protocol.StatusOK, reply.Status)
	var health protocol.HealthData
	require.NoError(t, json.Unmarshal(reply.Data, &health))
	require.Equal(t, "healthy", health.Status)
}

func TestRateLimitPerSender(t *testing.T) {
	f := newFixture(t, Config{QuotaRequests: 3, QuotaWindow: time.Hour})

	first, _ := f.sendAs(t, "m-0", "x", protocol.CmdRegister, nil)
	for i := 1; i < 3; i++ {
		_, reply := f.sendAs(t, fmt.Sprintf("m-%d", i), "x", protocol.CmdBalance, nil)
		require.Equal(t, protocol.StatusOK, reply.Status)
	}
	_, reply := f.sendAs(t, "m-3", "x", protocol.CmdBalance, nil)
	require.Equal(t, protocol.StatusRateLimited, reply.Status)

	// 重放不消耗配额，其他发送方不受影响
	again, _ := f.sendAs(t, "m-0", "x", protocol.CmdRegister, nil)
	require.Equal(t, first.Response, again.Response)
	_, reply = f.sendAs(t, "m-0", "y", protocol.CmdRegister, nil)
	require.Equal(t, protocol.StatusOK, reply.Status)

	f.clock.Advance(20 * time.Minute)
	_, reply = f.sendAs(t, "m-4", "x", protocol.CmdBalance, nil)
	require.Equal(t, protocol.StatusOK, reply.Status)
}

// 配额存在 Redis 时，换一个实例也不会重新获得配额
func TestRateLimitSharedAcrossInstances(t *testing.T) {
	client, _ := newTestRedis(t)
	cfg := Config{Limiter: NewRedisQuota(client, 3, time.Hour)}
	f := newFixture(t, cfg)

	f.sendAs(t, "m-0", "x", protocol.CmdRegister, nil)
	_, reply := f.sendAs(t, "m-1", "x", protocol.CmdBalance, nil)
	require.Equal(t, protocol.StatusOK, reply.Status)

	f.d = f.newDispatcher()
	_, reply = f.sendAs(t, "m-2", "x", protocol.CmdBalance, nil)
	require.Equal(t, protocol.StatusOK, reply.Status)
	_, reply = f.sendAs(t, "m-3", "x", protocol.CmdBalance, nil)
	require.Equal(t, protocol.StatusRateLimited, reply.Status)
}

func TestRateLimitStoreUnavailableAllowsCommands(t *testing.T) {
	client, mr := newTestRedis(t)
	f := newFixture(t, Config{Limiter: NewRedisQuota(client, 1, time.Hour)})
	mr.Close()

	_, reply := f.sendAs(t, "m-0", "x", protocol.CmdRegister, nil)
	require.Equal(t, protocol.StatusOK, reply.Status)
	_, reply = f.sendAs(t, "m-1", "x", protocol.CmdBalance, nil)
	require.Equal(t, protocol.StatusOK, reply.Status)
}

func TestHandleAckSettlesOutboundMessage(t *testing.T) {
	f := newFixture(t, Config{})
	res, _ := f.send(t, "x", protocol.CmdRegister, nil)

	acked, err := f.d.HandleAck(context.Background(), protocol.NewAck("mallory", res.Response.MessageID, time.Now()))
	require.NoError(t, err)
	require.False(t, acked)

	acked, err = f.d.HandleAck(context.Background(), protocol.NewAck("x", res.Response.MessageID, time.Now()))
	require.NoError(t, err)
	require.True(t, acked)

	var msg model.OutboxMessage
	require.NoError(t, f.db.Where("message_id = ?", res.Response.MessageID).First(&msg).Error)
	require.Equal(t, model.OutboxStatusAcked, msg.Status)
}

func TestStatusOfWrappedErrors(t *testing.T) {
	require.Equal(t, protocol.StatusOK, StatusOf(nil))
	require.Equal(t, protocol.StatusInsufficientFunds, StatusOf(fmt.Errorf("debit: %w", ledger.ErrInsufficientFunds)))
	require.Equal(t, protocol.StatusInvalidEscrowState, StatusOf(fmt.Errorf("release: %w", escrow.ErrInvalidEscrowState)))
	require.Equal(t, protocol.StatusInvalidRequest, StatusOf(fmt.Errorf("credit: %w", ledger.ErrBalanceOverflow)))
	require.Equal(t, protocol.StatusInternalError, StatusOf(fmt.Errorf("boom")))
}
