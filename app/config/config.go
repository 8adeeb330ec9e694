package config

import (
	"fmt"
	"log"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Log       LogConfig       `mapstructure:"log"`
	JWT       JWTConfig       `mapstructure:"jwt"`
	Database  DatabaseConfig  `mapstructure:"database"`
	Download  DownloadConfig  `mapstructure:"download"`
	Batch     BatchConfig     `mapstructure:"batch"`
	Platforms PlatformsConfig `mapstructure:"platforms"`
}

type ServerConfig struct {
	Port     string `mapstructure:"port"`
	Username string `mapstructure:"username"`
	Password string `mapstructure:"password"`
}

type LogConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`      // json 或 text
	Output     string `mapstructure:"output"`      // stdout 或 file
	File       string `mapstructure:"file"`        // 日志文件路径
	MaxSize    int    `mapstructure:"max_size"`    // 兆字节
	MaxBackups int    `mapstructure:"max_backups"` // 备份数量
	MaxAge     int    `mapstructure:"max_age"`     // 天数
	Compress   bool   `mapstructure:"compress"`    // 是否压缩旧文件
}

type JWTConfig struct {
	Secret     string `mapstructure:"secret"`      // JWT 密钥
	ExpireTime int    `mapstructure:"expire_time"` // 过期时间（小时）
	Issuer     string `mapstructure:"issuer"`      // 签发者
}

type DatabaseConfig struct {
	Path string `mapstructure:"path"`
}

// DownloadConfig 下载队列配置，其中前四项是设置页的默认值
type DownloadConfig struct {
	MaxConcurrent       int           `mapstructure:"max_concurrent"`
	MaxRetries          int           `mapstructure:"max_retries"`
	WifiOnly            bool          `mapstructure:"wifi_only"`
	NotificationEnabled bool          `mapstructure:"notification_enabled"`
	Dir                 string        `mapstructure:"dir"`
	MinFreeSpaceMB      int64         `mapstructure:"min_free_space_mb"`
	Timeout             time.Duration `mapstructure:"timeout"`
	ProgressInterval    time.Duration `mapstructure:"progress_interval"`
	UserAgent           string        `mapstructure:"user_agent"`
	RetryCron           string        `mapstructure:"retry_cron"`   // 为空则关闭自动重试
	Thumbnails          bool          `mapstructure:"thumbnails"`   // 图片下载完成后生成缩略图
	ThumbnailWidth      int           `mapstructure:"thumbnail_width"`
}

type BatchConfig struct {
	MinDelay     time.Duration `mapstructure:"min_delay"`
	MaxDelay     time.Duration `mapstructure:"max_delay"`
	DedupeWindow time.Duration `mapstructure:"dedupe_window"`
}

type PlatformsConfig struct {
	Timeout  time.Duration  `mapstructure:"timeout"`
	Twitter  PlatformConfig `mapstructure:"twitter"`
	Pixiv    PlatformConfig `mapstructure:"pixiv"`
	Lofter   PlatformConfig `mapstructure:"lofter"`
	MissEvan PlatformConfig `mapstructure:"missevan"`
	Kuaikan  PlatformConfig `mapstructure:"kuaikan"`
}

type PlatformConfig struct {
	BaseURL string `mapstructure:"base_url"`
}

func Load() *Config {
	setDefaults()

	// 读取配置
	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			log.Println("未找到配置文件，使用默认配置")
		} else {
			log.Fatalf("读取配置文件出错: %v", err)
		}
	}

	cfg, err := Decode()
	if err != nil {
		log.Fatalf("%v", err)
	}
	return cfg
}

// Decode 将 viper 当前的值解码为 Config 并校验，热加载时也会调用
func Decode() (*Config, error) {
	var config Config
	if err := viper.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("无法解码配置: %w", err)
	}

	if err := validateConfig(&config); err != nil {
		return nil, fmt.Errorf("配置验证失败: %w", err)
	}

	return &config, nil
}

// setDefaults 设置默认配置
func setDefaults() {
	viper.SetDefault("server.port", "5000")

	// 日志默认配置
	viper.SetDefault("log.level", "info")
	viper.SetDefault("log.format", "text")
	viper.SetDefault("log.output", "stdout")
	viper.SetDefault("log.file", "data/logs/media-grabber.log")
	viper.SetDefault("log.max_size", 100)
	viper.SetDefault("log.max_backups", 3)
	viper.SetDefault("log.max_age", 28)
	viper.SetDefault("log.compress", true)

	// JWT默认配置
	viper.SetDefault("jwt.secret", "your-secret-key-change-in-production")
	viper.SetDefault("jwt.expire_time", 24) // 24小时
	viper.SetDefault("jwt.issuer", "media-grabber")

	viper.SetDefault("database.path", "data/media-grabber.db")

	// 下载默认配置
	viper.SetDefault("download.max_concurrent", 3)
	viper.SetDefault("download.max_retries", 3)
	viper.SetDefault("download.wifi_only", false)
	viper.SetDefault("download.notification_enabled", true)
	viper.SetDefault("download.dir", "data/downloads")
	viper.SetDefault("download.min_free_space_mb", 200)
	viper.SetDefault("download.timeout", 30*time.Minute)
	viper.SetDefault("download.progress_interval", 500*time.Millisecond)
	viper.SetDefault("download.user_agent", "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/124.0.0.0 Safari/537.36")
	viper.SetDefault("download.retry_cron", "")
	viper.SetDefault("download.thumbnails", true)
	viper.SetDefault("download.thumbnail_width", 320)

	// 批量导入默认配置
	viper.SetDefault("batch.min_delay", 50*time.Millisecond)
	viper.SetDefault("batch.max_delay", 150*time.Millisecond)
	viper.SetDefault("batch.dedupe_window", 10*time.Minute)

	viper.SetDefault("platforms.timeout", 30*time.Second)
}

// validateConfig 验证配置的有效性
func validateConfig(config *Config) error {
	if config.Server.Port == "" {
		return fmt.Errorf("服务器端口未设置")
	}
	if config.JWT.Secret == "" {
		return fmt.Errorf("JWT密钥未设置")
	}
	if config.Download.Dir == "" {
		return fmt.Errorf("下载目录未设置")
	}
	if config.Download.MaxConcurrent <= 0 {
		return fmt.Errorf("最大并发下载数必须大于0: %d", config.Download.MaxConcurrent)
	}
	if config.Download.Timeout <= 0 {
		return fmt.Errorf("下载超时时间必须大于0")
	}
	if config.Batch.MinDelay > config.Batch.MaxDelay {
		return fmt.Errorf("批量导入延迟区间无效: %s > %s", config.Batch.MinDelay, config.Batch.MaxDelay)
	}
	return nil
}
