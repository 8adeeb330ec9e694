package model

import "time"

// User API 账户。只有一个管理员，用户名和密码以配置文件为准，每次启动时同步
type User struct {
	ID        uint       `json:"id" gorm:"primarykey"`
	Username  string     `json:"username" gorm:"uniqueIndex;size:64;not null"`
	Password  string     `json:"-" gorm:"size:100;not null"`
	IsActive  bool       `json:"is_active" gorm:"default:true"`
	LastLogin *time.Time `json:"last_login"`
	CreatedAt time.Time  `json:"created_at"`
	UpdatedAt time.Time  `json:"updated_at"`
}

// TableName 指定表名
func (User) TableName() string {
	return "users"
}

// RecordLogin 记录登录时间
func (u *User) RecordLogin(at time.Time) {
	u.LastLogin = &at
}
