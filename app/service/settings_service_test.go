package service

import (
	"context"
	"testing"

	"media-grabber/app/database"
	"media-grabber/app/logger"
	"media-grabber/app/model"

	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

var defaultSettings = Settings{
	WifiOnly:               false,
	NotificationEnabled:    true,
	MaxConcurrentDownloads: 3,
	MaxRetries:             3,
}

func setupDB(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := database.Open(":memory:")
	require.NoError(t, err)
	require.NoError(t, database.AutoMigrate(db))
	t.Cleanup(func() { _ = database.Close(db) })
	return db
}

func TestSettingsUpdatePersistsAndNotifies(t *testing.T) {
	req := require.New(t)
	db := setupDB(t)
	svc := NewSettingsService(logger.NewNop(), db, defaultSettings)

	var seen []int
	svc.OnChange(func(old, current Settings) {
		if old.MaxConcurrentDownloads != current.MaxConcurrentDownloads {
			seen = append(seen, current.MaxConcurrentDownloads)
		}
	})

	next := defaultSettings
	next.MaxConcurrentDownloads = 5
	next.WifiOnly = true
	_, err := svc.Update(context.Background(), next)
	req.NoError(err)
	req.Equal([]int{5}, seen)
	req.Equal(5, svc.Get().MaxConcurrentDownloads)

	// 第二次写入走 upsert，不产生重复行
	next.MaxRetries = 1
	_, err = svc.Update(context.Background(), next)
	req.NoError(err)

	var count int64
	req.NoError(db.Model(&model.SystemConfig{}).Where("category = ?", model.CategoryDownload).Count(&count).Error)
	req.Equal(int64(4), count)

	reloaded := NewSettingsService(logger.NewNop(), db, defaultSettings)
	req.NoError(reloaded.Load(context.Background()))
	req.Equal(next, reloaded.Get())
}

func TestSettingsRejectsInvalidValues(t *testing.T) {
	req := require.New(t)
	svc := NewSettingsService(logger.NewNop(), setupDB(t), defaultSettings)

	bad := defaultSettings
	bad.MaxConcurrentDownloads = 0
	_, err := svc.Update(context.Background(), bad)
	req.ErrorIs(err, ErrInvalidSettings)
	req.Equal(defaultSettings, svc.Get())
}

func TestSettingsApplyDefaultsKeepsUserOverrides(t *testing.T) {
	req := require.New(t)
	svc := NewSettingsService(logger.NewNop(), setupDB(t), defaultSettings)

	next := defaultSettings
	next.MaxRetries = 5
	_, err := svc.Update(context.Background(), next)
	req.NoError(err)

	fresh := NewSettingsService(logger.NewNop(), setupDB(t), defaultSettings)
	fresh.ApplyDefaults(Settings{MaxConcurrentDownloads: 6, MaxRetries: 2, NotificationEnabled: false})
	req.Equal(6, fresh.Get().MaxConcurrentDownloads)
	req.False(fresh.Get().NotificationEnabled)

	svc.ApplyDefaults(Settings{MaxConcurrentDownloads: 6, MaxRetries: 2})
	req.Equal(5, svc.Get().MaxRetries)
	req.Equal(3, svc.Get().MaxConcurrentDownloads)
}

func TestSettingsWifiOnlyGate(t *testing.T) {
	req := require.New(t)
	svc := NewSettingsService(logger.NewNop(), setupDB(t), defaultSettings)

	onWifi := false
	svc.SetNetworkProbe(func() bool { return onWifi })
	req.True(svc.AllowStart())

	next := defaultSettings
	next.WifiOnly = true
	_, err := svc.Update(context.Background(), next)
	req.NoError(err)
	req.False(svc.AllowStart())

	onWifi = true
	req.True(svc.AllowStart())
}
