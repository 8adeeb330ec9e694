package server

import (
	"context"
	"fmt"

	"media-grabber/app/auth"
	"media-grabber/app/config"
	"media-grabber/app/logger"
	"media-grabber/app/platform"
	"media-grabber/app/repository"
	"media-grabber/app/service"
	"media-grabber/app/utils/downloader"

	"gorm.io/gorm"
)

// App 下载核心的全部组件
type App struct {
	Config *config.Config
	Logger *logger.Logger
	DB     *gorm.DB

	Repo     *repository.DownloadRepository
	Bus      *service.EventBus
	Settings *service.SettingsService
	Setup    *service.SetupService
	Gateway  *platform.Gateway
	Fetcher  *downloader.Downloader
	Queue    *service.DownloadQueueService
	Batch    *service.BatchService
	Retry    *service.RetryService
	Notify   *service.NotifyService
	JWT      *auth.JWTService
}

// SettingsDefaults 配置文件中的下载设置默认值
func SettingsDefaults(cfg *config.Config) service.Settings {
	return service.Settings{
		WifiOnly:               cfg.Download.WifiOnly,
		NotificationEnabled:    cfg.Download.NotificationEnabled,
		MaxConcurrentDownloads: cfg.Download.MaxConcurrent,
		MaxRetries:             cfg.Download.MaxRetries,
	}
}

// NewApp 创建并连接所有组件，读取已保存的设置与登录状态，但不启动后台任务
func NewApp(ctx context.Context, cfg *config.Config, log *logger.Logger, db *gorm.DB) (*App, error) {
	a := &App{Config: cfg, Logger: log, DB: db}

	a.Repo = repository.NewDownloadRepository(db)
	a.Bus = service.NewEventBus(log.Named("bus"), 64)

	a.Settings = service.NewSettingsService(log.Named("settings"), db, SettingsDefaults(cfg))
	if err := a.Settings.Load(ctx); err != nil {
		return nil, fmt.Errorf("读取下载设置失败: %w", err)
	}

	a.Setup = service.NewSetupService(log.Named("setup"), db, cfg.Download.Dir)
	if err := a.Setup.Load(ctx); err != nil {
		return nil, fmt.Errorf("读取登录状态失败: %w", err)
	}

	a.Gateway = platform.NewGateway(cfg.Platforms, platform.NewHeaderBuilder(cfg.Download.UserAgent, a.Setup))
	a.Fetcher = downloader.New(&downloader.Config{
		UserAgent:        cfg.Download.UserAgent,
		Timeout:          cfg.Download.Timeout,
		ProgressInterval: cfg.Download.ProgressInterval,
	})

	current := a.Settings.Get()
	a.Queue = service.NewDownloadQueueService(log.Named("queue"), a.Repo, a.Fetcher, a.Bus, &service.DownloadQueueConfig{
		MaxConcurrent:  current.MaxConcurrentDownloads,
		BaseDir:        cfg.Download.Dir,
		MinFreeSpace:   uint64(max(cfg.Download.MinFreeSpaceMB, 0)) << 20,
		Thumbnails:     cfg.Download.Thumbnails,
		ThumbnailWidth: cfg.Download.ThumbnailWidth,
	})
	a.Queue.SetNetworkGate(a.Settings)
	a.Queue.SetHeaderBuilder(a.Gateway)
	a.Settings.OnChange(func(old, current service.Settings) {
		// 关闭仅 WiFi 后等待中的任务需要重新调度
		if old.MaxConcurrentDownloads != current.MaxConcurrentDownloads || old.WifiOnly != current.WifiOnly {
			a.Queue.UpdateConcurrency(current.MaxConcurrentDownloads)
		}
	})

	a.Batch = service.NewBatchService(log.Named("batch"), a.Repo, a.Queue, &service.BatchConfig{
		MinDelay:     cfg.Batch.MinDelay,
		MaxDelay:     cfg.Batch.MaxDelay,
		DedupeWindow: cfg.Batch.DedupeWindow,
	})
	a.Retry = service.NewRetryService(log.Named("retry"), a.Repo, a.Queue, a.Settings.MaxRetries, cfg.Download.RetryCron)
	a.Notify = service.NewNotifyService(log.Named("notify"), a.Bus, a.Settings.NotificationsEnabled, a.Repo)
	a.JWT = auth.NewJWTService(cfg.JWT)

	return a, nil
}

// Start 恢复上次中断的下载并启动后台任务
func (a *App) Start(ctx context.Context) error {
	a.Notify.Start()

	n, err := a.Queue.Reconcile(ctx)
	if err != nil {
		return fmt.Errorf("恢复未完成的下载失败: %w", err)
	}
	if n > 0 {
		a.Logger.Infof("已恢复 %d 个未完成的下载", n)
	}

	a.Queue.StartWorkers()
	if err := a.Retry.Start(); err != nil {
		a.Queue.StopWorkers()
		return err
	}
	return nil
}

// Stop 停止后台任务。进行中的下载回到 PENDING，下次启动时继续
func (a *App) Stop() {
	a.Batch.Close()
	a.Retry.Stop()
	a.Queue.StopWorkers()
	a.Notify.Stop()

	if err := a.Gateway.Close(); err != nil {
		a.Logger.Warnf("关闭平台网关失败: %v", err)
	}
	if err := a.Fetcher.Close(); err != nil {
		a.Logger.Warnf("关闭下载器失败: %v", err)
	}
}

// ApplyConfig 配置文件热加载：更新设置默认值，用户保存过的设置保持不变
func (a *App) ApplyConfig(cfg *config.Config) {
	a.Settings.ApplyDefaults(SettingsDefaults(cfg))
	a.Logger.Infof("配置已重新加载，当前下载设置: %+v", a.Settings.Get())
}
