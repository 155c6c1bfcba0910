package db

import (
	"time"

	"chatcore/internal/models"

	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"
)

func gormConfig() *gorm.Config {
	// TranslateError 让唯一索引冲突统一成 gorm.ErrDuplicatedKey，供服务层映射为 Conflict。
	return &gorm.Config{Logger: logger.Default.LogMode(logger.Silent), TranslateError: true}
}

// Connect 负责建立到 Postgres 的连接，并带有简单的重试来等待容器就绪。
func Connect(dsn string) (*gorm.DB, error) {
	var gdb *gorm.DB
	var err error
	for i := 0; i < 10; i++ {
		gdb, err = gorm.Open(postgres.Open(dsn), gormConfig())
		if err == nil {
			sqlDB, err2 := gdb.DB()
			if err2 == nil {
				sqlDB.SetMaxIdleConns(5)
				sqlDB.SetMaxOpenConns(20)
				sqlDB.SetConnMaxLifetime(time.Hour)
				return gdb, nil
			}
			err = err2
		}
		time.Sleep(time.Duration(500+i*200) * time.Millisecond)
	}
	return nil, err
}

// OpenSQLite 打开一个命名的内存 SQLite 库，用于测试和本地调试。
// 只保留一个连接，使事务天然串行化。
func OpenSQLite(name string) (*gorm.DB, error) {
	gdb, err := gorm.Open(sqlite.Open("file:"+name+"?mode=memory&cache=shared"), gormConfig())
	if err != nil {
		return nil, err
	}
	sqlDB, err := gdb.DB()
	if err != nil {
		return nil, err
	}
	sqlDB.SetMaxOpenConns(1)
	return gdb, nil
}

// Migrate 自动迁移全部表结构。
func Migrate(gdb *gorm.DB) error {
	return gdb.AutoMigrate(
		&models.User{},
		&models.Session{},
		&models.Friendship{},
		&models.Chat{},
		&models.ChatMember{},
		&models.Message{},
		&models.Notification{},
	)
}

// ForShare 在 Postgres 上为读取加共享行锁；SQLite 的写事务本身串行，不需要额外子句。
func ForShare(tx *gorm.DB) *gorm.DB {
	if tx.Dialector.Name() == "postgres" {
		return tx.Clauses(clause.Locking{Strength: "SHARE"})
	}
	return tx
}

// ForUpdate 同 ForShare，但加排他行锁。
func ForUpdate(tx *gorm.DB) *gorm.DB {
	if tx.Dialector.Name() == "postgres" {
		return tx.Clauses(clause.Locking{Strength: "UPDATE"})
	}
	return tx
}
