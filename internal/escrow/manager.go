package escrow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"transactai/internal/infrastructure/lock"
	"transactai/internal/ledger"
	"transactai/internal/metrics"
	"transactai/internal/model"
	"transactai/internal/protocol"
	"transactai/internal/repository"
	"transactai/pkg/idgen"
	"transactai/pkg/logger"

	"gorm.io/gorm"
)

var (
	ErrInvalidEscrowState = errors.New("托管单状态不允许该操作")
	ErrUnauthorized       = errors.New("无权处理该托管单")
	ErrEscrowNotFound     = errors.New("托管单不存在")
	ErrInvalidTTL         = errors.New("托管时长超出允许范围")
)

// Policy 决定谁可以把托管资金放给收款方
type Policy string

const (
	PolicyPayerOnly   Policy = "payer_only"
	PolicyEitherParty Policy = "either_party"
	PolicyArbiter     Policy = "arbiter"
)

// SystemResolver 到期清理时记录的 resolved_by
const SystemResolver = "system"

const sweepBatch = 100

type Config struct {
	Policy     Policy
	Arbiters   []string
	DefaultTTL time.Duration
	MaxTTL     time.Duration
}

// Manager 托管单生命周期管理
//
// 状态机：CREATED -> RELEASED | REFUNDED | EXPIRED，只迁出一次。
// 每次迁移都在 付款方+收款方 账户锁 与 托管单锁 下，对 state 做一次比较并交换，
// 输掉竞争的一方看到 ErrInvalidEscrowState 且不做任何资金变动。
type Manager struct {
	ledger   *ledger.Ledger
	escrows  *repository.EscrowRepository
	cfg      Config
	arbiters map[string]struct{}
	log      *slog.Logger
}

func NewManager(l *ledger.Ledger, db *gorm.DB, cfg Config, log *slog.Logger) *Manager {
	if cfg.Policy == "" {
		cfg.Policy = PolicyPayerOnly
	}
	if cfg.DefaultTTL <= 0 {
		cfg.DefaultTTL = time.Hour
	}
	arbiters := make(map[string]struct{}, len(cfg.Arbiters))
	for _, a := range cfg.Arbiters {
		arbiters[a] = struct{}{}
	}
	return &Manager{
		ledger:   l,
		escrows:  repository.NewEscrowRepository(db),
		cfg:      cfg,
		arbiters: arbiters,
		log:      logger.Component(log, "EscrowManager"),
	}
}

type CreateRequest struct {
	RequestID string
	Payer     string
	Payee     string
	Amount    int64
	Reference string
	// 零值使用默认有效期
	TTL time.Duration
}

// Create 锁定付款方资金并创建托管单，按 RequestID 幂等；返回值 replayed 表示命中已有托管单
func (m *Manager) Create(ctx context.Context, req CreateRequest) (*model.Escrow, bool, error) {
	if req.Amount <= 0 {
		return nil, false, ledger.ErrInvalidAmount
	}
	if req.Payer == req.Payee {
		return nil, false, ledger.ErrSelfTransfer
	}
	ttl := req.TTL
	if ttl <= 0 {
		ttl = m.cfg.DefaultTTL
	}
	if m.cfg.MaxTTL > 0 && ttl > m.cfg.MaxTTL {
		return nil, false, ErrInvalidTTL
	}

	var (
		escrow   *model.Escrow
		replayed bool
	)
	err := m.ledger.Atomically(ctx, ledger.Scope{Accounts: []string{req.Payer, req.Payee}}, func(tx *ledger.Tx) error {
		if req.RequestID != "" {
			existing, err := m.escrows.GetByRequestID(ctx, tx.DB(), req.RequestID)
			if err != nil {
				return fmt.Errorf("查询托管单失败: %w", err)
			}
			if existing != nil {
				escrow, replayed = existing, true
				return nil
			}
		}

		if _, err := tx.Account(req.Payer); err != nil {
			return err
		}
		if _, err := tx.Account(req.Payee); err != nil {
			if errors.Is(err, ledger.ErrAccountNotFound) {
				return ledger.ErrUnknownRecipient
			}
			return err
		}

		id := idgen.GenerateEscrowID()
		if _, err := tx.Debit(req.Payer, req.Amount, model.ReasonEscrowLock, id); err != nil {
			return err
		}

		requestID := req.RequestID
		if requestID == "" {
			requestID = id
		}
		escrow = &model.Escrow{
			ID:        id,
			RequestID: requestID,
			PayerID:   req.Payer,
			PayeeID:   req.Payee,
			Amount:    req.Amount,
			Reference: req.Reference,
			State:     model.EscrowStateCreated,
			ExpiresAt: tx.Now().Add(ttl),
			CreatedAt: tx.Now(),
			UpdatedAt: tx.Now(),
		}
		if err := m.escrows.Create(ctx, tx.DB(), escrow); err != nil {
			return fmt.Errorf("创建托管单失败: %w", err)
		}

		return tx.Notify(req.Payee, protocol.NotifyEscrowCreated, protocol.EscrowCreated{
			EscrowID:  id,
			Payer:     req.Payer,
			Amount:    req.Amount,
			Reference: req.Reference,
			ExpiresAt: escrow.ExpiresAt,
		})
	})
	if err != nil {
		return nil, false, err
	}

	if !replayed {
		metrics.EscrowTransition(model.EscrowStateCreated)
		m.log.Info("托管单已创建",
			slog.String("escrow", escrow.ID),
			slog.String("payer", escrow.PayerID),
			slog.String("payee", escrow.PayeeID),
			slog.Int64("amount", escrow.Amount),
			slog.Time("expires_at", escrow.ExpiresAt))
	}
	return escrow, replayed, nil
}

func (m *Manager) Get(ctx context.Context, id string) (*model.Escrow, error) {
	escrow, err := m.escrows.Get(ctx, nil, id)
	if errors.Is(err, repository.ErrEscrowNotFound) {
		return nil, ErrEscrowNotFound
	}
	return escrow, err
}

// Release 把托管资金付给收款方
func (m *Manager) Release(ctx context.Context, id, requester string) (*model.Escrow, error) {
	escrow, err := m.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if !m.canRelease(escrow, requester) {
		return nil, ErrUnauthorized
	}
	return m.resolve(ctx, escrow, model.EscrowStateReleased, requester, time.Time{})
}

// Refund 撤销托管，资金退回付款方；付款方或仲裁方可发起
func (m *Manager) Refund(ctx context.Context, id, requester string) (*model.Escrow, error) {
	escrow, err := m.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if !m.canRefund(escrow, requester) {
		return nil, ErrUnauthorized
	}
	return m.resolve(ctx, escrow, model.EscrowStateRefunded, requester, time.Time{})
}

// ExpireSweep 把所有到期仍为 CREATED 的托管单退回付款方，可重复调用
func (m *Manager) ExpireSweep(ctx context.Context, now time.Time) (int, error) {
	swept := 0
	for {
		expired, err := m.escrows.ListExpired(ctx, now, sweepBatch)
		if err != nil {
			return swept, fmt.Errorf("查询到期托管单失败: %w", err)
		}

		progressed := false
		for _, escrow := range expired {
			_, err := m.resolve(ctx, escrow, model.EscrowStateExpired, SystemResolver, now)
			switch {
			case err == nil:
				swept++
				progressed = true
			case errors.Is(err, ErrInvalidEscrowState):
				// 被并发的 release/refund 抢先
				progressed = true
			default:
				m.log.Error("托管单到期退回失败", slog.String("escrow", escrow.ID), slog.Any("err", err))
			}
		}
		if len(expired) < sweepBatch || !progressed {
			return swept, nil
		}
	}
}

func (m *Manager) canRelease(e *model.Escrow, requester string) bool {
	switch m.cfg.Policy {
	case PolicyEitherParty:
		return requester == e.PayerID || requester == e.PayeeID
	case PolicyArbiter:
		return requester == e.PayerID || m.isArbiter(requester)
	default:
		return requester == e.PayerID
	}
}

func (m *Manager) canRefund(e *model.Escrow, requester string) bool {
	return requester == e.PayerID || m.isArbiter(requester)
}

func (m *Manager) isArbiter(id string) bool {
	_, ok := m.arbiters[id]
	return ok
}

// resolve 在双方账户锁与托管单锁下执行一次 CAS 迁移并转移资金
//
// 是否过期以 asOf 判断，零值取事务时间。release/refund 到达时若已过期，
// 改为执行过期退款并返回 ErrInvalidEscrowState。
func (m *Manager) resolve(ctx context.Context, snapshot *model.Escrow, target, resolver string, asOf time.Time) (*model.Escrow, error) {
	scope := ledger.Scope{
		Accounts: []string{snapshot.PayerID, snapshot.PayeeID},
		Keys:     []string{lock.EscrowKey(snapshot.ID)},
	}

	var (
		result  *model.Escrow
		reached string
	)
	err := m.ledger.Atomically(ctx, scope, func(tx *ledger.Tx) error {
		escrow, err := m.escrows.Get(ctx, tx.DB(), snapshot.ID)
		if err != nil {
			return err
		}
		if escrow.State != model.EscrowStateCreated {
			return ErrInvalidEscrowState
		}

		if asOf.IsZero() {
			asOf = tx.Now()
		}
		state, by := target, resolver
		if !asOf.Before(escrow.ExpiresAt) {
			state, by = model.EscrowStateExpired, SystemResolver
		} else if target == model.EscrowStateExpired {
			return ErrInvalidEscrowState
		}

		if err := m.escrows.Transition(ctx, tx.DB(), escrow.ID, model.EscrowStateCreated, state, by, tx.Now()); err != nil {
			if errors.Is(err, repository.ErrStatusConflict) {
				return ErrInvalidEscrowState
			}
			return err
		}

		beneficiary, reason := escrow.PayerID, model.ReasonEscrowRefund
		if state == model.EscrowStateReleased {
			beneficiary, reason = escrow.PayeeID, model.ReasonEscrowRelease
		}
		if _, err := tx.Credit(beneficiary, escrow.Amount, reason, escrow.ID); err != nil {
			return err
		}

		notice := protocol.EscrowResolved{EscrowID: escrow.ID, State: state, Amount: escrow.Amount}
		for _, party := range []string{escrow.PayerID, escrow.PayeeID} {
			if party == by {
				continue
			}
			if err := tx.Notify(party, protocol.NotifyEscrowResolved, notice); err != nil {
				return err
			}
		}

		at := tx.Now()
		escrow.State, escrow.ResolvedBy, escrow.ResolvedAt = state, by, &at
		result, reached = escrow, state
		return nil
	})
	if err != nil {
		return nil, err
	}

	metrics.EscrowTransition(reached)
	m.log.Info("托管单已处理",
		slog.String("escrow", result.ID),
		slog.String("state", reached),
		slog.String("by", result.ResolvedBy))

	if reached != target {
		return result, ErrInvalidEscrowState
	}
	return result, nil
}
