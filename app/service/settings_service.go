package service

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"

	"media-grabber/app/logger"
	"media-grabber/app/model"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var ErrInvalidSettings = errors.New("下载设置无效")

// Settings 用户可修改的下载设置
type Settings struct {
	WifiOnly               bool `json:"wifi_only"`
	NotificationEnabled    bool `json:"notification_enabled"`
	MaxConcurrentDownloads int  `json:"max_concurrent_downloads"`
	MaxRetries             int  `json:"max_retries"`
}

// Validate 校验设置取值
func (s Settings) Validate() error {
	if s.MaxConcurrentDownloads < 1 || s.MaxConcurrentDownloads > 16 {
		return fmt.Errorf("%w: 最大并发下载数必须在 1 到 16 之间: %d", ErrInvalidSettings, s.MaxConcurrentDownloads)
	}
	if s.MaxRetries < 0 || s.MaxRetries > 10 {
		return fmt.Errorf("%w: 最大重试次数必须在 0 到 10 之间: %d", ErrInvalidSettings, s.MaxRetries)
	}
	return nil
}

// SettingsListener 设置变更回调
type SettingsListener func(old, current Settings)

// SettingsService 下载设置。
//
// 默认值来自配置文件，用户修改过的项保存在 system_configs 表中并优先生效。
// 读取返回副本，修改后依次通知监听者（例如调整队列并发数）。
type SettingsService struct {
	logger *logger.Logger
	db     *gorm.DB

	mu         sync.RWMutex
	current    Settings
	defaults   Settings
	overridden map[string]bool
	listeners  []SettingsListener
	unmetered  func() bool
}

// NewSettingsService 创建设置服务
func NewSettingsService(log *logger.Logger, db *gorm.DB, defaults Settings) *SettingsService {
	return &SettingsService{
		logger:     log,
		db:         db,
		current:    defaults,
		defaults:   defaults,
		overridden: make(map[string]bool),
		unmetered:  func() bool { return true },
	}
}

// Load 从数据库读取用户保存的设置
func (s *SettingsService) Load(ctx context.Context) error {
	var rows []model.SystemConfig
	if err := s.db.WithContext(ctx).Where("category = ?", model.CategoryDownload).Find(&rows).Error; err != nil {
		return fmt.Errorf("读取下载设置失败: %w", err)
	}

	s.mu.Lock()
	old := s.current
	next := s.defaults
	for i := range rows {
		row := &rows[i]
		switch row.ConfigKey {
		case model.KeyWifiOnly:
			next.WifiOnly = row.BoolValue(next.WifiOnly)
		case model.KeyNotificationEnabled:
			next.NotificationEnabled = row.BoolValue(next.NotificationEnabled)
		case model.KeyMaxConcurrentDownloads:
			next.MaxConcurrentDownloads = row.IntValue(next.MaxConcurrentDownloads)
		case model.KeyMaxRetries:
			next.MaxRetries = row.IntValue(next.MaxRetries)
		default:
			continue
		}
		s.overridden[row.ConfigKey] = true
	}
	if err := next.Validate(); err != nil {
		s.mu.Unlock()
		return fmt.Errorf("已保存的下载设置无效: %w", err)
	}
	s.current = next
	listeners := s.listeners
	s.mu.Unlock()

	notify(listeners, old, next)
	return nil
}

// Get 返回当前设置的副本
func (s *SettingsService) Get() Settings {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.current
}

// Update 保存并应用新的设置
func (s *SettingsService) Update(ctx context.Context, next Settings) (Settings, error) {
	if err := next.Validate(); err != nil {
		return Settings{}, err
	}

	rows := []model.SystemConfig{
		settingRow(model.KeyWifiOnly, model.TypeBool, strconv.FormatBool(next.WifiOnly), "仅在 WiFi 下下载"),
		settingRow(model.KeyNotificationEnabled, model.TypeBool, strconv.FormatBool(next.NotificationEnabled), "下载完成或失败时通知"),
		settingRow(model.KeyMaxConcurrentDownloads, model.TypeInt, strconv.Itoa(next.MaxConcurrentDownloads), "最大并发下载数"),
		settingRow(model.KeyMaxRetries, model.TypeInt, strconv.Itoa(next.MaxRetries), "失败后自动重试次数"),
	}

	s.mu.Lock()
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		for i := range rows {
			if err := tx.Clauses(clause.OnConflict{
				Columns:   []clause.Column{{Name: "config_key"}},
				DoUpdates: clause.AssignmentColumns([]string{"config_value", "updated_at"}),
			}).Create(&rows[i]).Error; err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		s.mu.Unlock()
		s.logger.Errorf("保存下载设置失败: %v", err)
		return Settings{}, fmt.Errorf("保存下载设置失败: %w", err)
	}

	old := s.current
	s.current = next
	for i := range rows {
		s.overridden[rows[i].ConfigKey] = true
	}
	listeners := s.listeners
	s.mu.Unlock()

	s.logger.Infof("下载设置已更新: %+v", next)
	notify(listeners, old, next)
	return next, nil
}

// ApplyDefaults 配置文件热加载后更新默认值，用户保存过的项保持不变
func (s *SettingsService) ApplyDefaults(defaults Settings) {
	s.mu.Lock()
	old := s.current
	next := s.current
	if !s.overridden[model.KeyWifiOnly] {
		next.WifiOnly = defaults.WifiOnly
	}
	if !s.overridden[model.KeyNotificationEnabled] {
		next.NotificationEnabled = defaults.NotificationEnabled
	}
	if !s.overridden[model.KeyMaxConcurrentDownloads] {
		next.MaxConcurrentDownloads = defaults.MaxConcurrentDownloads
	}
	if !s.overridden[model.KeyMaxRetries] {
		next.MaxRetries = defaults.MaxRetries
	}
	if err := next.Validate(); err != nil {
		s.mu.Unlock()
		s.logger.Warnf("忽略无效的默认设置: %v", err)
		return
	}
	s.defaults = defaults
	s.current = next
	listeners := s.listeners
	s.mu.Unlock()

	if old != next {
		notify(listeners, old, next)
	}
}

// OnChange 注册设置变更回调
func (s *SettingsService) OnChange(fn SettingsListener) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.listeners = append(s.listeners, fn)
}

// SetNetworkProbe 设置判断当前网络是否为不计流量网络的函数
func (s *SettingsService) SetNetworkProbe(fn func() bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.unmetered = fn
}

// AllowStart 开启仅 WiFi 下载时，只有在不计流量的网络下才开始新任务
func (s *SettingsService) AllowStart() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return !s.current.WifiOnly || s.unmetered()
}

// NotificationsEnabled 是否开启通知
func (s *SettingsService) NotificationsEnabled() bool {
	return s.Get().NotificationEnabled
}

// MaxRetries 自动重试次数上限
func (s *SettingsService) MaxRetries() int {
	return s.Get().MaxRetries
}

func settingRow(key, typ, value, desc string) model.SystemConfig {
	return model.SystemConfig{
		ConfigKey:   key,
		ConfigValue: value,
		ConfigType:  typ,
		Category:    model.CategoryDownload,
		Description: desc,
	}
}

func notify(listeners []SettingsListener, old, current Settings) {
	for _, fn := range listeners {
		fn(old, current)
	}
}
