package database

import (
	"media-grabber/app/model"

	"gorm.io/gorm"
)

func AutoMigrate(db *gorm.DB) error {
	return db.AutoMigrate(
		&model.SystemConfig{},
		&model.User{},
		&model.Download{},
	)
}
