package model

import (
	"strconv"
	"time"
)

// SystemConfig 键值形式的系统配置，保存设置项与各平台的登录状态
type SystemConfig struct {
	ID          uint      `gorm:"primarykey" json:"id"`
	ConfigKey   string    `gorm:"uniqueIndex;not null;size:100;comment:配置键" json:"config_key"`
	ConfigValue string    `gorm:"type:text;comment:配置值" json:"config_value"`
	ConfigType  string    `gorm:"size:20;default:string;comment:配置类型(string,int,bool)" json:"config_type"`
	Category    string    `gorm:"size:50;index;comment:配置分类" json:"category"`
	Description string    `gorm:"size:200;comment:配置描述" json:"description"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// TableName 指定表名
func (SystemConfig) TableName() string {
	return "system_configs"
}

// ConfigCategory 配置分类常量
const (
	CategoryDownload = "download" // 下载设置
	CategorySetup    = "setup"    // 初始化状态
	CategoryLogin    = "login"    // 平台登录凭据
)

// ConfigType 配置类型常量
const (
	TypeString = "string"
	TypeInt    = "int"
	TypeBool   = "bool"
)

// 设置项键名
const (
	KeyWifiOnly               = "download.wifi_only"
	KeyNotificationEnabled    = "download.notification_enabled"
	KeyMaxConcurrentDownloads = "download.max_concurrent_downloads"
	KeyMaxRetries             = "download.max_retries"
	KeySetupCompleted         = "setup.completed"
)

// LoginKey 平台登录凭据的键名
func LoginKey(p PlatformType) string {
	return "login." + p.Dir()
}

// BoolValue 按布尔值解析，解析失败返回 fallback
func (c *SystemConfig) BoolValue(fallback bool) bool {
	v, err := strconv.ParseBool(c.ConfigValue)
	if err != nil {
		return fallback
	}
	return v
}

// IntValue 按整数解析，解析失败返回 fallback
func (c *SystemConfig) IntValue(fallback int) int {
	v, err := strconv.Atoi(c.ConfigValue)
	if err != nil {
		return fallback
	}
	return v
}
