package server

import (
	"context"
	"media-grabber/app/handler"
	"media-grabber/app/middleware"
	"net/http"

	"github.com/gin-gonic/gin"
)

// Server 表示 HTTP 服务器
type Server struct {
	App  *App
	gin  *gin.Engine
	http *http.Server
}

// New 创建一个新的 Server 实例
func New(app *App) *Server {
	router := gin.New()
	router.Use(gin.Recovery(), middleware.RequestLogger(app.Logger.Named("http")))

	s := &Server{
		App: app,
		gin: router,
		http: &http.Server{
			Addr:    ":" + app.Config.Server.Port,
			Handler: router,
		},
	}

	// 设置路由
	s.setupRoutes()

	return s
}

// Handler 返回路由，测试中配合 httptest 使用
func (s *Server) Handler() http.Handler {
	return s.gin
}

// Start 启动后台任务和 HTTP 服务器
func (s *Server) Start(ctx context.Context) error {
	if err := s.App.Start(ctx); err != nil {
		return err
	}

	s.App.Logger.Infof("在端口 %s 启动服务器", s.http.Addr)
	return s.http.ListenAndServe()
}

// Shutdown 先停止接收请求，再停止下载队列
func (s *Server) Shutdown(ctx context.Context) error {
	err := s.http.Shutdown(ctx)
	s.App.Stop()
	return err
}

// setupRoutes 设置API路由
func (s *Server) setupRoutes() {
	a := s.App
	authHandler := handler.NewAuthHandler(a.DB, a.JWT)
	downloadHandler := handler.NewDownloadHandler(a.Logger.Named("api"), a.Repo, a.Queue, a.Batch, a.Gateway, a.Bus)
	batchHandler := handler.NewBatchHandler(a.Batch, a.Gateway)
	settingsHandler := handler.NewSettingsHandler(a.Settings)
	setupHandler := handler.NewSetupHandler(a.Setup)

	// API路由组
	api := s.gin.Group("/api")

	// 认证相关路由（不需要JWT验证）
	auth := api.Group("/auth")
	{
		auth.POST("/login", authHandler.Login)
		auth.POST("/refresh", authHandler.RefreshToken)
	}

	// 需要JWT验证的路由
	protected := api.Group("/")
	protected.Use(middleware.JWTAuth(a.JWT))
	{
		protected.GET("/me", authHandler.Me)

		downloads := protected.Group("/downloads")
		{
			downloads.GET("", downloadHandler.List)
			downloads.POST("", downloadHandler.Create)
			downloads.GET("/events", downloadHandler.Events)
			downloads.GET("/stats", downloadHandler.Stats)
			downloads.GET("/:id", downloadHandler.Get)
			downloads.DELETE("/:id", downloadHandler.Delete)
			downloads.POST("/:id/pause", downloadHandler.Pause)
			downloads.POST("/:id/resume", downloadHandler.Resume)
			downloads.POST("/:id/cancel", downloadHandler.Cancel)
		}

		batches := protected.Group("/batches")
		{
			batches.POST("", batchHandler.Create)
			batches.GET("/:id", batchHandler.Get)
		}

		settings := protected.Group("/settings")
		{
			settings.GET("", settingsHandler.Get)
			settings.PUT("", settingsHandler.Update)
		}

		setup := protected.Group("/setup")
		{
			setup.GET("", setupHandler.State)
			setup.POST("/logins/:platform", setupHandler.SaveLogin)
			setup.DELETE("/logins/:platform", setupHandler.ClearLogin)
			setup.POST("/complete", setupHandler.Complete)
		}
	}
}
