package db

import (
	"strings"
	"time"

	"github.com/minhdzvcl102/chatbot/internal/models"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// SQLitePrefix 标记使用内嵌 SQLite 的 DSN，例如 "sqlite:file:chat.db"。
const SQLitePrefix = "sqlite:"

func dialector(dsn string) gorm.Dialector {
	if strings.HasPrefix(dsn, SQLitePrefix) {
		return sqlite.Open(strings.TrimPrefix(dsn, SQLitePrefix))
	}
	return postgres.Open(dsn)
}

// Connect 负责建立数据库连接，并带有简单的重试来等待容器就绪。
func Connect(dsn string) (*gorm.DB, error) {
	var gdb *gorm.DB
	var err error
	for i := 0; i < 10; i++ {
		gdb, err = gorm.Open(dialector(dsn), &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
		if err == nil {
			sqlDB, err2 := gdb.DB()
			if err2 == nil {
				if strings.HasPrefix(dsn, SQLitePrefix) {
					// SQLite 只允许单写者。
					sqlDB.SetMaxOpenConns(1)
				} else {
					sqlDB.SetMaxIdleConns(5)
					sqlDB.SetMaxOpenConns(20)
				}
				sqlDB.SetConnMaxLifetime(time.Hour)
				return gdb, nil
			}
			err = err2
		}
		time.Sleep(time.Duration(500+i*200) * time.Millisecond)
	}
	return nil, err
}

// Migrate 自动迁移全部表结构。
func Migrate(gdb *gorm.DB) error {
	return gdb.AutoMigrate(&models.User{}, &models.Conversation{}, &models.Message{}, &models.UploadedFile{}, &models.RefreshToken{})
}

// OpenMemory 打开一个以 name 区分的内存 SQLite 库并完成迁移，用于测试与本地演示。
func OpenMemory(name string) (*gorm.DB, error) {
	gdb, err := Connect(SQLitePrefix + "file:" + name + "?mode=memory&cache=shared")
	if err != nil {
		return nil, err
	}
	if err := Migrate(gdb); err != nil {
		return nil, err
	}
	return gdb, nil
}
