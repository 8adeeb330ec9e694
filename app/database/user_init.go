package database

import (
	"errors"
	"fmt"

	"media-grabber/app/config"
	"media-grabber/app/logger"
	"media-grabber/app/model"
	"media-grabber/app/utils"

	"gorm.io/gorm"
)

// InitAdminUser 按配置文件创建或更新唯一的 API 用户
func InitAdminUser(db *gorm.DB, cfg *config.Config, log *logger.Logger) error {
	if cfg.Server.Username == "" || cfg.Server.Password == "" {
		return fmt.Errorf("管理员账户配置不能为空，请在配置文件中设置 username 和 password")
	}

	var admin model.User
	err := db.Order("id ASC").First(&admin).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		hashed, err := utils.HashPassword(cfg.Server.Password)
		if err != nil {
			return err
		}
		admin = model.User{Username: cfg.Server.Username, Password: hashed, IsActive: true}
		if err := db.Create(&admin).Error; err != nil {
			return fmt.Errorf("创建管理员账户失败: %w", err)
		}
		log.Infof("管理员账户 '%s' 创建成功", cfg.Server.Username)
		return nil
	}
	if err != nil {
		return err
	}

	needUpdate := false
	if admin.Username != cfg.Server.Username {
		log.Infof("管理员用户名从 '%s' 更新为 '%s'", admin.Username, cfg.Server.Username)
		admin.Username = cfg.Server.Username
		needUpdate = true
	}
	if !utils.VerifyPassword(cfg.Server.Password, admin.Password) || utils.NeedsRehash(admin.Password) {
		hashed, err := utils.HashPassword(cfg.Server.Password)
		if err != nil {
			return err
		}
		admin.Password = hashed
		needUpdate = true
		log.Infof("管理员 '%s' 密码已更新", cfg.Server.Username)
	}

	if needUpdate {
		if err := db.Save(&admin).Error; err != nil {
			return fmt.Errorf("更新管理员账户失败: %w", err)
		}
	}
	return nil
}
