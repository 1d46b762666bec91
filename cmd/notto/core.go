package main

import (
	"time"

	"github.com/MarcoPoloResearchLab/notto/internal/auth"
	"github.com/MarcoPoloResearchLab/notto/internal/config"
	"github.com/MarcoPoloResearchLab/notto/internal/database"
	"github.com/MarcoPoloResearchLab/notto/internal/gateway"
	"github.com/MarcoPoloResearchLab/notto/internal/logging"
	"github.com/MarcoPoloResearchLab/notto/internal/notes"
	"github.com/MarcoPoloResearchLab/notto/internal/syncer"
	"github.com/MarcoPoloResearchLab/notto/internal/users"
	"github.com/MarcoPoloResearchLab/notto/internal/vault"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

const maxConcurrentHashes = 2

// core is one wired installation.
type core struct {
	config  config.AppConfig
	logger  *zap.Logger
	gateway *gateway.Gateway
	manager *syncer.Manager
	close   func()
}

func openCore() (*core, error) {
	appConfig, err := config.Load(viper.GetViper())
	if err != nil {
		return nil, err
	}

	logger, err := logging.NewLoggerWithFile(appConfig.LogLevel, logging.FileOptions{
		Path:       appConfig.LogFile,
		MaxSizeMB:  appConfig.LogMaxSizeMB,
		MaxBackups: appConfig.LogMaxBackups,
	})
	if err != nil {
		return nil, err
	}

	db, err := database.OpenSQLite(appConfig.DatabasePath, logger)
	if err != nil {
		return nil, err
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}

	store, err := users.NewStore(users.StoreConfig{Database: db, Logger: logger})
	if err != nil {
		return nil, err
	}
	hasher := auth.NewHasher(auth.PasswordParams{
		MemoryKiB:   appConfig.Argon2.MemoryKiB,
		Iterations:  appConfig.Argon2.Iterations,
		Parallelism: appConfig.Argon2.Parallelism,
	}, maxConcurrentHashes)
	keys := vault.NewKeyring()
	authService, err := auth.NewService(auth.ServiceConfig{
		Store:           store,
		Hasher:          hasher,
		Keys:            keys,
		IDProvider:      notes.NewUUIDProvider(),
		ChallengeSecret: []byte(appConfig.ChallengeSecret),
		SessionTTL:      appConfig.SessionTTL,
		TotpIssuer:      appConfig.TotpIssuer,
		Clock:           time.Now,
		Logger:          logger,
	})
	if err != nil {
		return nil, err
	}

	noteService, err := notes.NewService(notes.ServiceConfig{
		Database:   db,
		Clock:      time.Now,
		IDProvider: notes.NewUUIDProvider(),
		Keys:       keys,
		Logger:     logger,
	})
	if err != nil {
		return nil, err
	}

	manager, err := syncer.NewManager(syncer.ManagerConfig{
		Database: db,
		Notes:    noteService,
		Keys:     keys,
		Deriver:  hasher,
		Timing: syncer.Timing{
			Interval:       appConfig.SyncInterval,
			HealthInterval: appConfig.SyncHealthInterval,
			HealthTimeout:  appConfig.SyncHealthTimeout,
			BackoffBase:    appConfig.SyncBackoffBase,
			BackoffMax:     appConfig.SyncBackoffMax,
			Watch:          appConfig.SyncWatch,
		},
		Clock:  time.Now,
		Logger: logger,
	})
	if err != nil {
		return nil, err
	}

	commandGateway, err := gateway.New(gateway.Config{
		Auth:   authService,
		Notes:  noteService,
		Sync:   manager,
		Logger: logger,
	})
	if err != nil {
		manager.Close()
		return nil, err
	}

	return &core{
		config:  appConfig,
		logger:  logger,
		gateway: commandGateway,
		manager: manager,
		close: func() {
			manager.Close()
			_ = sqlDB.Close()
			_ = logger.Sync()
		},
	}, nil
}
