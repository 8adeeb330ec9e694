package cmd

import (
	"context"
	"fmt"
	"time"

	"media-grabber/app/config"
	"media-grabber/app/database"
	"media-grabber/app/logger"
	"media-grabber/app/model"
	"media-grabber/app/server"

	"github.com/spf13/cobra"
)

var reconcileWait time.Duration

var reconcileCmd = &cobra.Command{
	Use:   "reconcile",
	Short: "恢复上次中断的下载",
	Long:  "把 DOWNLOADING 与 PENDING 的记录重新加入队列，运行到全部结束或超时后退出",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := config.Load()

		log := logger.New(cfg.Log)
		defer log.Close()

		db, err := database.Init(cfg, log)
		if err != nil {
			return fmt.Errorf("数据库初始化失败: %w", err)
		}
		defer database.Close(db)

		ctx, cancel := context.WithTimeout(cmd.Context(), reconcileWait)
		defer cancel()

		app, err := server.NewApp(ctx, cfg, log, db)
		if err != nil {
			return err
		}
		defer app.Stop()

		n, err := app.Queue.Reconcile(ctx)
		if err != nil {
			return err
		}
		if n == 0 {
			log.Info("没有需要恢复的下载")
			return nil
		}

		app.Queue.StartWorkers()
		log.Infof("已重新加入 %d 个下载，等待完成...", n)

		ticker := time.NewTicker(time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				log.Warn("等待超时，剩余的下载将在下次启动时继续")
				return nil
			case <-ticker.C:
				snap := app.Queue.Snapshot()
				if len(snap.Running) == 0 && len(snap.Waiting) == 0 {
					counts, err := app.Repo.CountByStatus(ctx)
					if err != nil {
						return err
					}
					log.Infof("恢复完成: 完成 %d 个, 失败 %d 个",
						counts[model.DownloadStatusCompleted], counts[model.DownloadStatusFailed])
					return nil
				}
			}
		}
	},
}

func init() {
	reconcileCmd.Flags().DurationVar(&reconcileWait, "wait", 30*time.Minute, "最长等待时间")
	rootCmd.AddCommand(reconcileCmd)
}
