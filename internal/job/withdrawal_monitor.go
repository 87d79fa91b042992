package job

import (
	"context"
	"log"
	"time"

	"transactai/internal/reconciler"
)

// WithdrawalMonitorJob 提现补偿任务：查询广播结果、重提遗留的 RESERVED、超时退款
type WithdrawalMonitorJob struct {
	reconciler *reconciler.Reconciler
	stopCh     chan struct{}
	interval   time.Duration
}

func NewWithdrawalMonitorJob(rec *reconciler.Reconciler, interval time.Duration) *WithdrawalMonitorJob {
	if interval <= 0 {
		interval = 15 * time.Second
	}
	return &WithdrawalMonitorJob{
		reconciler: rec,
		stopCh:     make(chan struct{}),
		interval:   interval,
	}
}

func (j *WithdrawalMonitorJob) Start(ctx context.Context) {
	log.Println("[WithdrawalMonitorJob] 提现补偿任务启动")

	ticker := time.NewTicker(j.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Println("[WithdrawalMonitorJob] 收到停止信号，任务退出")
			return
		case <-j.stopCh:
			log.Println("[WithdrawalMonitorJob] 任务停止")
			return
		case <-ticker.C:
			j.reconciler.MonitorWithdrawals(ctx)
		}
	}
}

func (j *WithdrawalMonitorJob) Stop() {
	close(j.stopCh)
}
