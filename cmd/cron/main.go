package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"credit-service/internal/biz"
	"credit-service/internal/conf"
	"credit-service/internal/constants"
	"credit-service/internal/metrics"

	"github.com/gaoyong06/go-pkg/logger"
	"github.com/go-kratos/kratos/v2/config"
	"github.com/go-kratos/kratos/v2/config/file"
	"github.com/go-kratos/kratos/v2/log"
	"github.com/robfig/cron/v3"
	_ "go.uber.org/automaxprocs"
)

var (
	flagconf string
)

// CronApp Cron 应用结构
type CronApp struct {
	creditUsecase *biz.CreditUseCase
}

func init() {
	flag.StringVar(&flagconf, "conf", "../../configs/config.yaml", "config path, eg: -conf config.yaml")
}

func main() {
	flag.Parse()

	// 初始化配置
	c := config.New(
		config.WithSource(
			file.NewSource(flagconf),
		),
	)
	defer c.Close()

	if err := c.Load(); err != nil {
		panic(err)
	}

	var bc conf.Bootstrap
	if err := c.Scan(&bc); err != nil {
		panic(err)
	}

	// 初始化日志 (使用 go-pkg/logger)
	logConfig := &logger.Config{
		Level:         "info",
		Format:        "json",
		Output:        "stdout",
		FilePath:      "logs/credit-cron.log",
		MaxSize:       100,
		MaxAge:        30,
		MaxBackups:    10,
		Compress:      true,
		EnableConsole: true,
	}

	loggerInstance := logger.NewLogger(logConfig)

	// 添加基本字段
	loggerInstance = log.With(loggerInstance,
		"ts", log.DefaultTimestamp,
		"caller", log.DefaultCaller,
		"service.name", "credit-cron",
	)

	logHelper := log.NewHelper(loggerInstance)

	// 初始化指标
	metrics.InitMetrics()

	// 初始化应用
	app, cleanup, err := wireApp(&bc, loggerInstance)
	if err != nil {
		panic(err)
	}
	defer cleanup()

	// 创建定时任务调度器（支持秒级调度）
	cronScheduler := cron.New(cron.WithSeconds())

	// 月度额度刷新 - 每月1日 00:00 执行（关闭上个账期 + 开启新账期）
	_, err = cronScheduler.AddFunc("0 0 0 1 * *", func() {
		logHelper.Info("[CRON] Starting monthly refresh...")
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Minute)
		defer cancel()

		now := time.Now()
		report, err := app.creditUsecase.Allocation().RefreshMonth(ctx, now.Format(constants.TimeFormatMonth), now)
		if err != nil {
			logHelper.Errorf("[CRON] Monthly refresh error: %v", err)
			return
		}
		logHelper.Infof("[CRON] Monthly refresh completed: processed=%d, errors=%d", report.Processed, len(report.Errors))
		for _, e := range report.Errors {
			logHelper.Errorf("[CRON] Monthly refresh client error: %s", e)
		}
	})
	if err != nil {
		logHelper.Errorf("Failed to add monthly refresh job: %v", err)
	}

	// 结转过期清扫 - 每日 01:00 执行
	_, err = cronScheduler.AddFunc("0 0 1 * * *", func() {
		logHelper.Info("[CRON] Starting rollover expiry sweep...")
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Minute)
		defer cancel()

		report, err := app.creditUsecase.Allocation().ExpireRollovers(ctx, time.Now())
		if err != nil {
			logHelper.Errorf("[CRON] Rollover expiry sweep error: %v", err)
			return
		}
		logHelper.Infof("[CRON] Rollover expiry sweep completed: expired=%d, errors=%d", report.Processed, len(report.Errors))
	})
	if err != nil {
		logHelper.Errorf("Failed to add rollover expiry job: %v", err)
	}

	// 余额对账 - 每日 02:00 执行
	_, err = cronScheduler.AddFunc("0 0 2 * * *", func() {
		logHelper.Info("[CRON] Starting balance reconciliation...")
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Minute)
		defer cancel()

		report, err := app.creditUsecase.Reconcile().ReconcileBalances(ctx)
		if err != nil {
			logHelper.Errorf("[CRON] Balance reconciliation error: %v", err)
			return
		}
		logHelper.Infof("[CRON] Balance reconciliation completed: clients=%d, corrections=%d, errors=%d",
			report.ClientsProcessed, report.CorrectionsApplied, len(report.Errors))
	})
	if err != nil {
		logHelper.Errorf("Failed to add reconciliation job: %v", err)
	}

	// 完整性体检 - 每小时整点执行
	_, err = cronScheduler.AddFunc("0 0 * * * *", func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Minute)
		defer cancel()

		report := app.creditUsecase.Reconcile().VerifyIntegrity(ctx, 0)
		logHelper.Infof("[CRON] Integrity check: status=%s, clients=%d, findings=%d",
			report.Status, report.ClientsChecked, len(report.Findings))
	})
	if err != nil {
		logHelper.Errorf("Failed to add integrity check job: %v", err)
	}

	// 启动定时任务
	cronScheduler.Start()
	logHelper.Info("========================================")
	logHelper.Info("Cron jobs started successfully")
	logHelper.Info("Scheduled jobs:")
	logHelper.Info("  - Monthly refresh: Every month on the 1st at 00:00")
	logHelper.Info("  - Rollover expiry sweep: Every day at 01:00")
	logHelper.Info("  - Balance reconciliation: Every day at 02:00")
	logHelper.Info("  - Integrity check: Every hour")
	logHelper.Info("========================================")

	// 优雅退出
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logHelper.Info("Shutting down gracefully...")

	// 停止定时任务
	stopCtx := cronScheduler.Stop()
	select {
	case <-stopCtx.Done():
		logHelper.Info("Cron jobs stopped gracefully")
	case <-time.After(5 * time.Second):
		logHelper.Info("Cron jobs forced to stop after timeout")
	}
}
