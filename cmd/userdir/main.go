package main

import (
	"context"
	"database/sql"
	"os"
	"os/signal"
	"syscall"

	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"

	"userdir/internal/config"
	"userdir/internal/consumer"
	"userdir/internal/database"
	"userdir/internal/directory"
	"userdir/internal/logger"
	"userdir/internal/repository"
)

func main() {
	cfg := config.Load()

	log, err := logger.New(cfg.Log.Level, cfg.Log.Format, "userdir")
	if err != nil {
		panic(err)
	}
	defer log.Sync()

	redisClient := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})

	dirClient := directory.New(cfg.LDAP, log)
	ldapRepo := repository.NewLDAPUsersRepository(dirClient, log)

	// The directory alone is a working deployment; the relational fallback
	// is attached when reachable and skipped with a warning when not.
	var store repository.UserRepository = ldapRepo
	var db *sql.DB
	if cfg.DBEnabled {
		if d, err := database.NewPostgresDB(&cfg.Database); err == nil {
			db = d
			store = repository.NewFallbackUsersRepository(ldapRepo, repository.NewPostgresUsersRepository(d), log)
			log.Info("fallback store enabled")
		} else {
			log.Warn("fallback store unreachable, running on directory only", zap.Error(err))
		}
	}

	ingest := consumer.NewStreamConsumer(cfg.Consumer, redisClient, store, log)
	if err := ingest.Start(context.Background()); err != nil {
		log.Fatal("failed to start consumer", zap.Error(err))
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	ingest.Stop()
	_ = redisClient.Close()
	if db != nil {
		_ = db.Close()
	}
}
