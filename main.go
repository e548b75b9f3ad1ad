package main

import (
	"bufio"
	"os"
	"path/filepath"
	"strings"

	"github.com/gin-gonic/gin"
	log "github.com/sirupsen/logrus"

	"gwascoloc/pkg/contentstore"
	"gwascoloc/pkg/ingest"
	"gwascoloc/pkg/queue"
	"gwascoloc/pkg/reconcile"
)

var jwtSecret []byte // loaded from env JWT_SECRET (fallback to dev default)

func main() {
	// Auto-load ./.env if present (no external dependency) before reading vars
	loadDotEnv()
	secret := os.Getenv("JWT_SECRET")
	if secret == "" {
		secret = "dev-insecure-secret-change" // development fallback
	}
	jwtSecret = []byte(secret)

	if lvl, err := log.ParseLevel(os.Getenv("LOG_LEVEL")); err == nil {
		log.SetLevel(lvl)
	}

	// Support a lightweight migrate command: `./gwascoloc migrate`
	// It runs AutoMigrate and seeding then exits. Useful for CI or manual DB setup.
	if len(os.Args) > 1 && os.Args[1] == "migrate" {
		initDB()
		log.Info("migration and seeding completed")
		return
	}

	db := initDB()
	rdb := initRedis()
	defer rdb.Close()
	if sqlDB, err := db.DB(); err == nil {
		defer sqlDB.Close()
	}

	store, err := contentstore.New(contentBaseDir())
	if err != nil {
		log.WithError(err).Fatal("failed to initialize content store")
	}
	queues := queue.New(rdb)

	a := &app{
		db:      db,
		queues:  queues,
		store:   store,
		gateway: &ingest.Gateway{DB: db, Queues: queues, Store: store},
		engine:  &reconcile.Engine{DB: db},
	}

	r := gin.Default()
	setupRoutes(r, a)

	port := os.Getenv("PORT")
	if port == "" {
		port = "8081"
	}
	r.Run(":" + port)
}

// loadDotEnv loads key=value pairs from a local .env file into the environment
// without overwriting variables that are already set. Lines starting with # are ignored.
func loadDotEnv() {
	path := ".env"
	if _, err := os.Stat(path); err != nil {
		return // no .env file
	}
	f, err := os.Open(filepath.Clean(path))
	if err != nil {
		return
	}
	defer f.Close()
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		// split on first '='
		if eq := strings.IndexByte(line, '='); eq > 0 {
			key := strings.TrimSpace(line[:eq])
			val := strings.TrimSpace(line[eq+1:])
			if _, exists := os.LookupEnv(key); !exists {
				_ = os.Setenv(key, val)
			}
		}
	}
}
