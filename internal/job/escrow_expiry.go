package job

import (
	"context"
	"log"
	"time"

	"transactai/internal/escrow"
)

// EscrowExpiryJob 定时把到期托管退回付款方
type EscrowExpiryJob struct {
	escrows  *escrow.Manager
	now      func() time.Time
	stopCh   chan struct{}
	interval time.Duration
}

func NewEscrowExpiryJob(escrows *escrow.Manager, now func() time.Time, interval time.Duration) *EscrowExpiryJob {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	return &EscrowExpiryJob{
		escrows:  escrows,
		now:      now,
		stopCh:   make(chan struct{}),
		interval: interval,
	}
}

func (j *EscrowExpiryJob) Start(ctx context.Context) {
	log.Println("[EscrowExpiryJob] 托管到期任务启动")

	ticker := time.NewTicker(j.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Println("[EscrowExpiryJob] 收到停止信号，任务退出")
			return
		case <-j.stopCh:
			log.Println("[EscrowExpiryJob] 任务停止")
			return
		case <-ticker.C:
			j.expire(ctx)
		}
	}
}

func (j *EscrowExpiryJob) Stop() {
	close(j.stopCh)
}

func (j *EscrowExpiryJob) expire(ctx context.Context) int {
	swept, err := j.escrows.ExpireSweep(ctx, j.now())
	if err != nil {
		log.Printf("[EscrowExpiryJob] 处理到期托管失败: %v", err)
	}
	if swept > 0 {
		log.Printf("[EscrowExpiryJob] 本轮退回 %d 个到期托管", swept)
	}
	return swept
}
