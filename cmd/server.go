package cmd

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"media-grabber/app/config"
	"media-grabber/app/database"
	"media-grabber/app/logger"
	"media-grabber/app/server"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var serverCmd = &cobra.Command{
	Use:   "server",
	Short: "启动服务器",
	Run: func(cmd *cobra.Command, args []string) {
		cfg := config.Load()

		// 创建日志器
		log := logger.New(cfg.Log)
		defer log.Close()

		// 初始化数据库
		db, err := database.Init(cfg, log)
		if err != nil {
			log.Fatalf("数据库初始化失败: %v", err)
		}
		defer database.Close(db)

		ctx := context.Background()
		app, err := server.NewApp(ctx, cfg, log, db)
		if err != nil {
			log.Fatalf("初始化下载服务失败: %v", err)
		}
		watchConfig(app)

		srv := server.New(app)

		// 在协程中启动服务器
		go func() {
			if err := srv.Start(ctx); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.Fatalf("启动服务器失败: %v", err)
			}
		}()

		quit := make(chan os.Signal, 1)
		signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
		<-quit
		log.Info("收到关闭信号，正在关闭服务器...")

		shutdownCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Errorf("服务器关闭失败: %v", err)
		}
		log.Info("服务器已退出")
	},
}

// watchConfig 配置文件变化时重新解码，并把下载设置默认值应用到运行中的服务
func watchConfig(app *server.App) {
	if viper.ConfigFileUsed() == "" {
		return
	}
	viper.OnConfigChange(func(e fsnotify.Event) {
		if !e.Has(fsnotify.Write) && !e.Has(fsnotify.Create) {
			return
		}
		cfg, err := config.Decode()
		if err != nil {
			app.Logger.Warnf("配置文件 %s 无效，保持当前配置: %v", e.Name, err)
			return
		}
		app.ApplyConfig(cfg)
	})
	viper.WatchConfig()
	app.Logger.Infof("正在监听配置文件: %s", viper.ConfigFileUsed())
}

func init() {
	rootCmd.AddCommand(serverCmd)
}
