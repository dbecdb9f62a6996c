package database

import (
	"fmt"
	"log"

	"webreplay/backend/internal/config"
	"webreplay/backend/internal/models"

	"golang.org/x/crypto/bcrypt"
	"gorm.io/driver/mysql"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

var DB *gorm.DB

func InitDatabase(cfg *config.Config) error {
	var err error

	dsn := cfg.GetDSN()

	DB, err = gorm.Open(mysql.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Info),
	})

	if err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}

	sqlDB, err := DB.DB()
	if err != nil {
		return fmt.Errorf("failed to get sql.DB: %w", err)
	}

	sqlDB.SetMaxIdleConns(10)
	sqlDB.SetMaxOpenConns(100)

	if err = sqlDB.Ping(); err != nil {
		return fmt.Errorf("failed to ping database: %w", err)
	}

	log.Println("Database connected successfully")

	return AutoMigrate()
}

func AutoMigrate() error {
	err := DB.AutoMigrate(
		&models.User{},
		&models.Recording{},
		&models.ReplayExecution{},
		&models.StrategyTelemetry{},
	)

	if err != nil {
		return fmt.Errorf("failed to migrate database: %w", err)
	}

	log.Println("Database migration completed")

	return SeedDefaultData()
}

func SeedDefaultData() error {
	// Seed the admin account so a fresh install is immediately usable.
	var admin models.User
	if err := DB.Where("username = ?", "admin").First(&admin).Error; err != nil {
		if err == gorm.ErrRecordNotFound {
			hash, hashErr := bcrypt.GenerateFromPassword([]byte("admin123"), bcrypt.DefaultCost)
			if hashErr != nil {
				return fmt.Errorf("failed to hash admin password: %w", hashErr)
			}
			admin = models.User{
				Username: "admin",
				Email:    "admin@webreplay.local",
				Password: string(hash),
				Status:   1,
			}
			if err := DB.Create(&admin).Error; err != nil {
				return fmt.Errorf("failed to create admin user: %w", err)
			}
			log.Println("Default admin user created (admin/admin123)")
		} else {
			return fmt.Errorf("failed to query admin user: %w", err)
		}
	}

	log.Println("Default data seeded successfully")
	return nil
}
