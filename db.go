package main

import (
	"os"
	"strings"

	log "github.com/sirupsen/logrus"
	"golang.org/x/crypto/bcrypt"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"

	"gwascoloc/models"
)

// initDB opens the Postgres connection from DB_DSN, migrates the schema and
// seeds the operator roles. Fatal if the database is unreachable.
func initDB() *gorm.DB {
	dsn := os.Getenv("DB_DSN")
	if dsn == "" {
		log.Fatal("DB_DSN is not set. This service requires a Postgres DSN in DB_DSN.")
	}
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{})
	if err != nil {
		log.WithError(err).Fatal("failed to connect postgres database")
	}
	// Control schema migrations with env DB_AUTO_MIGRATE (default true). Any permission errors will be logged and ignored.
	shouldMigrate := true
	if v := os.Getenv("DB_AUTO_MIGRATE"); v != "" {
		lv := strings.ToLower(v)
		if lv == "false" || lv == "0" || lv == "no" {
			shouldMigrate = false
		}
	}
	if shouldMigrate {
		if err := models.AutoMigrate(db); err != nil {
			log.WithError(err).Warn("migration warning")
		}
	}
	seedDB(db)
	return db
}

// seedDB seeds the master roles and the default administrator operator.
func seedDB(db *gorm.DB) {
	roles := []models.Role{{Name: "administrator", Description: "full access"}, {Name: "worker", Description: "pipeline worker"}}
	for _, r := range roles {
		var cnt int64
		db.Model(&models.Role{}).Where("name = ?", r.Name).Count(&cnt)
		if cnt == 0 {
			db.Create(&r)
		}
	}

	var count int64
	db.Model(&models.User{}).Where("username = ?", "admin").Count(&count)
	if count == 0 {
		var role models.Role
		if err := db.Where("name = ?", "administrator").First(&role).Error; err != nil {
			log.WithError(err).Error("failed to find administrator role")
		}
		rid := role.ID
		admin := models.User{Username: "admin", RoleID: &rid}
		password := os.Getenv("ADMIN_PASSWORD")
		if password == "" {
			password = "admin123" // development fallback
		}
		hashedPassword, _ := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
		admin.HashedPassword = hashedPassword
		db.Create(&admin)
		log.Info("seeded admin operator account")
	}
}

// contentBaseDir returns the content store root (configurable via CONTENT_BASE env)
func contentBaseDir() string {
	if v := os.Getenv("CONTENT_BASE"); v != "" {
		return v
	}
	return "content"
}
