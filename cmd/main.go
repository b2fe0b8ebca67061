package main

import (
	"context"
	"net"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"google.golang.org/grpc/reflection"

	"whisper/chat-service/internal/attachment"
	"whisper/chat-service/internal/auth"
	"whisper/chat-service/internal/config"
	grpcServer "whisper/chat-service/internal/grpc"
	"whisper/chat-service/internal/keylock"
	"whisper/chat-service/internal/repository"
	"whisper/chat-service/internal/search"
	"whisper/chat-service/internal/service"
	"whisper/chat-service/internal/store"
	"whisper/chat-service/internal/store/filestore"
	"whisper/chat-service/internal/store/sqlstore"
	"whisper/chat-service/internal/watch"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		logrus.Fatalf("Failed to load config: %v", err)
	}

	logger := newLogger(cfg.Logging)

	ctx, stop := context.WithCancel(context.Background())
	defer stop()

	docs, err := openDocumentStore(ctx, cfg, logger)
	if err != nil {
		logger.Fatalf("Failed to open document store: %v", err)
	}
	defer docs.Close()

	blobs, err := openAttachmentStore(ctx, cfg.Attachments)
	if err != nil {
		logger.Fatalf("Failed to open attachment store: %v", err)
	}

	location, err := time.LoadLocation(cfg.Chat.Timezone)
	if err != nil {
		logger.Fatalf("Failed to load timezone %s: %v", cfg.Chat.Timezone, err)
	}

	authn, err := auth.New(cfg.Auth.Users, cfg.Auth.SessionTTL, nil)
	if err != nil {
		logger.Fatalf("Failed to configure users: %v", err)
	}

	locks := keylock.New()
	hub := watch.NewHub()

	if cfg.Storage.Driver == config.StorageFile && cfg.Storage.WatchExternal {
		fs := docs.(*filestore.Store)
		dw, err := watch.NewDirWatcher(fs.Dir(store.NamespaceConversations), hub, cfg.Storage.WatchDebounce, logger)
		if err != nil {
			logger.Fatalf("Failed to watch conversations directory: %v", err)
		}
		go dw.Run(ctx)
		logger.Info("Watching conversations directory for external changes")
	}

	chatRepo := repository.NewChatRepository(docs, locks, hub, logger)
	archiveRepo := repository.NewArchiveRepository(docs, locks, nil, logger)
	index := search.NewIndex(archiveRepo, cfg.Chat.SearchMaxResults, logger)

	chatService := service.NewChatService(service.Dependencies{
		Chats:       chatRepo,
		Archive:     archiveRepo,
		Index:       index,
		Attachments: blobs,
		Auth:        authn,
		Hub:         hub,
	}, service.Options{
		Location:        location,
		TimestampFormat: cfg.Chat.TimestampFormat,
		MaxVoiceBytes:   grpcServer.MaxAudioBytes(cfg.GRPC.MaxMessageBytes),
	}, logger)

	limiter := grpcServer.NewRateLimiter(cfg.RateLimit.RPS, cfg.RateLimit.Burst)
	s, healthSrv := grpcServer.NewServer(grpcServer.NewChatServer(chatService, logger), limiter, cfg.GRPC.MaxMessageBytes, logger)

	if cfg.GRPC.ReflectionEnabled {
		reflection.Register(s)
		logger.Info("gRPC reflection enabled")
	}

	address := net.JoinHostPort(cfg.Server.Host, cfg.Server.Port)
	lis, err := net.Listen("tcp", address)
	if err != nil {
		logger.Fatalf("Failed to listen on %s: %v", address, err)
	}

	go func() {
		logger.WithFields(logrus.Fields{
			"address": address,
			"storage": cfg.Storage.Driver,
			"users":   authn.Users(),
		}).Info("Starting gRPC server")
		if err := s.Serve(lis); err != nil {
			logger.Fatalf("Failed to start gRPC server: %v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("Shutting down gRPC server...")
	healthSrv.Shutdown()
	stop()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.GRPC.ShutdownTimeout)
	defer cancel()

	done := make(chan struct{})
	go func() {
		s.GracefulStop()
		close(done)
	}()

	select {
	case <-done:
		logger.Info("gRPC server exited gracefully")
	case <-shutdownCtx.Done():
		logger.Info("gRPC server shutdown timeout")
		s.Stop()
	}

	logger.Info("Server exited")
}

func newLogger(cfg config.LoggingConfig) *logrus.Logger {
	logger := logrus.New()

	switch cfg.Level {
	case "debug":
		logger.SetLevel(logrus.DebugLevel)
	case "info":
		logger.SetLevel(logrus.InfoLevel)
	case "warn":
		logger.SetLevel(logrus.WarnLevel)
	case "error":
		logger.SetLevel(logrus.ErrorLevel)
	default:
		logger.SetLevel(logrus.InfoLevel)
	}

	if cfg.Format == "json" {
		logger.SetFormatter(&logrus.JSONFormatter{})
	} else {
		logger.SetFormatter(&logrus.TextFormatter{})
	}
	return logger
}

func openDocumentStore(ctx context.Context, cfg *config.Config, logger *logrus.Logger) (store.DocumentStore, error) {
	switch cfg.Storage.Driver {
	case config.StorageSQLite:
		if err := os.MkdirAll(filepath.Dir(cfg.Storage.SQLitePath), 0o700); err != nil {
			return nil, err
		}
		s, err := sqlstore.Open(ctx, sqlstore.DriverSQLite, sqlstore.SQLiteDSN(cfg.Storage.SQLitePath))
		if err != nil {
			return nil, err
		}
		logger.WithField("path", cfg.Storage.SQLitePath).Info("Using SQLite document store")
		return s, nil

	case config.StoragePostgres:
		db := cfg.Database
		s, err := sqlstore.Open(ctx, sqlstore.DriverPostgres,
			sqlstore.PostgresDSN(db.Host, db.Port, db.User, db.Password, db.DBName, db.SSLMode))
		if err != nil {
			return nil, err
		}
		logger.Info("Connected to PostgreSQL database")
		return s, nil

	default:
		s, err := filestore.New(filestore.Config{
			Root:            cfg.Storage.DataDir,
			Retries:         cfg.Storage.IORetries,
			RetryInterval:   cfg.Storage.IORetryInterval,
			RetryMaxElapsed: cfg.Storage.IORetryMaxTime,
		}, logger)
		if err != nil {
			return nil, err
		}
		logger.WithField("dir", cfg.Storage.DataDir).Info("Using JSON file document store")
		return s, nil
	}
}

func openAttachmentStore(ctx context.Context, cfg config.AttachmentsConfig) (attachment.Store, error) {
	if cfg.Driver == config.AttachmentsS3 {
		s, err := attachment.NewS3Store(ctx, attachment.S3Config{
			Bucket:          cfg.S3.Bucket,
			Region:          cfg.S3.Region,
			Prefix:          cfg.S3.Prefix,
			Endpoint:        cfg.S3.Endpoint,
			AccessKeyID:     cfg.S3.AccessKeyID,
			SecretAccessKey: cfg.S3.SecretAccessKey,
			UsePathStyle:    cfg.S3.UsePathStyle,
		})
		if err != nil {
			return nil, err
		}
		return s, nil
	}

	s, err := attachment.NewLocalStore(cfg.Dir)
	if err != nil {
		return nil, err
	}
	return s, nil
}
