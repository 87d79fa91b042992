package handler

import (
	"context"
	"errors"
	"net/http"
	"time"

	"transactai/internal/dispatcher"
	"transactai/internal/escrow"
	"transactai/internal/ledger"
	"transactai/internal/protocol"
	"transactai/pkg/response"

	"github.com/gin-gonic/gin"
	"gorm.io/gorm"
)

// Dispatcher 入站帧的处理方
type Dispatcher interface {
	Handle(ctx context.Context, env *protocol.Envelope) (*dispatcher.Result, error)
	HandleAck(ctx context.Context, ack *protocol.Ack) (bool, error)
}

// Handler 统一处理器
type Handler struct {
	dispatcher Dispatcher
	ledger     *ledger.Ledger
	escrows    *escrow.Manager
	db         *gorm.DB
}

// NewHandler 创建处理器实例
func NewHandler(d Dispatcher, l *ledger.Ledger, escrows *escrow.Manager, db *gorm.DB) *Handler {
	return &Handler{
		dispatcher: d,
		ledger:     l,
		escrows:    escrows,
		db:         db,
	}
}

// ============================================================
// 消息入口
// ============================================================

// SubmitResult 一次投递的处理结果
type SubmitResult struct {
	Ack      *protocol.Ack      `json:"ack,omitempty"`
	Response *protocol.Envelope `json:"response,omitempty"`
	Delivery string             `json:"delivery,omitempty"`
	Acked    *bool              `json:"acked,omitempty"`
}

// Submit 接收对端代理发来的一帧
// POST /submit
func (h *Handler) Submit(c *gin.Context) {
	var frame protocol.Frame
	if err := c.ShouldBindJSON(&frame); err != nil {
		response.Abort(c, http.StatusBadRequest, response.CodeInvalidFrame, "帧格式错误: "+err.Error())
		return
	}
	if err := frame.Validate(); err != nil {
		response.Abort(c, http.StatusBadRequest, response.CodeInvalidFrame, err.Error())
		return
	}

	ctx := c.Request.Context()
	if frame.Kind == protocol.FrameAck {
		acked, err := h.dispatcher.HandleAck(ctx, frame.Ack)
		if err != nil {
			response.ServerError(c, err.Error())
			return
		}
		response.Success(c, SubmitResult{Acked: &acked})
		return
	}

	res, err := h.dispatcher.Handle(ctx, frame.Envelope)
	if err != nil {
		if errors.Is(err, protocol.ErrInvalidEnvelope) {
			response.Abort(c, http.StatusBadRequest, response.CodeInvalidFrame, err.Error())
			return
		}
		// 未持久化任何结果，对端应重发同一 message_id
		response.ServerError(c, err.Error())
		return
	}
	response.Success(c, SubmitResult{
		Ack:      res.Ack,
		Response: res.Response,
		Delivery: res.Delivery,
	})
}

// ============================================================
// 运维查询接口
// ============================================================

// GetAccount 查询代理账户
// GET /api/v1/account/:id
func (h *Handler) GetAccount(c *gin.Context) {
	account, err := h.ledger.Account(c.Request.Context(), c.Param("id"))
	if err != nil {
		if errors.Is(err, ledger.ErrAccountNotFound) {
			response.BusinessError(c, response.CodeAccountNotFound, "账户不存在")
			return
		}
		response.ServerError(c, err.Error())
		return
	}

	response.Success(c, gin.H{
		"id":            account.ID,
		"balance":       account.Balance,
		"linked_wallet": account.Wallet(),
		"sequence":      account.Sequence,
	})
}

// GetEscrow 查询托管单
// GET /api/v1/escrow/:id
func (h *Handler) GetEscrow(c *gin.Context) {
	e, err := h.escrows.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		if errors.Is(err, escrow.ErrEscrowNotFound) {
			response.BusinessError(c, response.CodeEscrowNotFound, "托管单不存在")
			return
		}
		response.ServerError(c, err.Error())
		return
	}
	response.Success(c, e)
}

// Health 存活检查
// GET /health
func (h *Handler) Health(c *gin.Context) {
	sqlDB, err := h.db.DB()
	if err == nil {
		ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
		defer cancel()
		err = sqlDB.PingContext(ctx)
	}
	if err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unhealthy"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}
