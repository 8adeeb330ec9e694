package service

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"

	"media-grabber/app/logger"
	"media-grabber/app/model"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var (
	ErrNoLogin     = errors.New("至少需要登录一个平台")
	ErrEmptyCookie = errors.New("cookie 不能为空")
	ErrDirNotReady = errors.New("下载目录不可写")
)

// SetupState 初始化向导状态
type SetupState struct {
	Completed   bool                        `json:"completed"`
	Logins      map[model.PlatformType]bool `json:"logins"`
	DownloadDir string                      `json:"download_dir"`
}

// SetupService 平台登录状态与初始化向导。
//
// 所有“先检查再写入”的操作都在同一个互斥锁内完成，并发调用不会产生重复写入。
type SetupService struct {
	logger      *logger.Logger
	db          *gorm.DB
	downloadDir string

	mu        sync.Mutex
	cookies   map[model.PlatformType]string
	completed bool
}

// NewSetupService 创建初始化服务
func NewSetupService(log *logger.Logger, db *gorm.DB, downloadDir string) *SetupService {
	return &SetupService{
		logger:      log,
		db:          db,
		downloadDir: downloadDir,
		cookies:     make(map[model.PlatformType]string),
	}
}

// Load 从数据库读取登录状态
func (s *SetupService) Load(ctx context.Context) error {
	var rows []model.SystemConfig
	err := s.db.WithContext(ctx).
		Where("category IN ?", []string{model.CategoryLogin, model.CategorySetup}).
		Find(&rows).Error
	if err != nil {
		return fmt.Errorf("读取登录状态失败: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range rows {
		row := &rows[i]
		if row.ConfigKey == model.KeySetupCompleted {
			s.completed = row.BoolValue(false)
			continue
		}
		for _, p := range model.Platforms {
			if row.ConfigKey == model.LoginKey(p) && row.ConfigValue != "" {
				s.cookies[p] = row.ConfigValue
			}
		}
	}
	return nil
}

// SaveLogin 保存平台登录后的 Cookie
func (s *SetupService) SaveLogin(ctx context.Context, p model.PlatformType, cookie string) error {
	cookie = strings.TrimSpace(cookie)
	if cookie == "" {
		return ErrEmptyCookie
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.put(ctx, model.LoginKey(p), model.CategoryLogin, cookie); err != nil {
		return err
	}
	s.cookies[p] = cookie
	s.logger.Infof("已保存平台登录状态: %s", p)
	return nil
}

// ClearLogin 退出平台登录。清除最后一个登录时初始化状态同时重置
func (s *SetupService) ClearLogin(ctx context.Context, p model.PlatformType) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.cookies[p]; !ok {
		return nil
	}

	resetSetup := s.completed && len(s.cookies) == 1
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("config_key = ?", model.LoginKey(p)).Delete(&model.SystemConfig{}).Error; err != nil {
			return err
		}
		if resetSetup {
			return upsertConfig(tx, model.KeySetupCompleted, model.CategorySetup, "false")
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("清除登录状态失败: %w", err)
	}

	delete(s.cookies, p)
	if resetSetup {
		s.completed = false
	}
	s.logger.Infof("已清除平台登录状态: %s", p)
	return nil
}

// CompleteSetup 完成初始化：至少登录一个平台，且下载目录可写。重复调用是幂等的
func (s *SetupService) CompleteSetup(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.completed {
		return nil
	}
	if len(s.cookies) == 0 {
		return ErrNoLogin
	}
	if err := checkWritable(s.downloadDir); err != nil {
		return err
	}

	if err := s.put(ctx, model.KeySetupCompleted, model.CategorySetup, "true"); err != nil {
		return err
	}
	s.completed = true
	s.logger.Info("初始化完成")
	return nil
}

// State 返回当前初始化状态
func (s *SetupService) State() SetupState {
	s.mu.Lock()
	defer s.mu.Unlock()

	logins := make(map[model.PlatformType]bool, len(model.Platforms))
	for _, p := range model.Platforms {
		_, ok := s.cookies[p]
		logins[p] = ok
	}
	return SetupState{
		Completed:   s.completed,
		Logins:      logins,
		DownloadDir: s.downloadDir,
	}
}

// Cookie 返回平台的登录 Cookie
func (s *SetupService) Cookie(p model.PlatformType) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.cookies[p]
	return c, ok
}

// put 调用方需持有 s.mu
func (s *SetupService) put(ctx context.Context, key, category, value string) error {
	if err := upsertConfig(s.db.WithContext(ctx), key, category, value); err != nil {
		s.logger.Errorf("保存配置失败: %s, %v", key, err)
		return fmt.Errorf("保存配置失败: %w", err)
	}
	return nil
}

func upsertConfig(db *gorm.DB, key, category, value string) error {
	row := model.SystemConfig{
		ConfigKey:   key,
		ConfigValue: value,
		ConfigType:  model.TypeString,
		Category:    category,
	}
	return db.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "config_key"}},
		DoUpdates: clause.AssignmentColumns([]string{"config_value", "updated_at"}),
	}).Create(&row).Error
}

func checkWritable(dir string) error {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("%w: %v", ErrDirNotReady, err)
	}
	f, err := os.CreateTemp(dir, ".write-test-*")
	if err != nil {
		return fmt.Errorf("%w: %v", ErrDirNotReady, err)
	}
	name := f.Name()
	_ = f.Close()
	return os.Remove(name)
}
