package main

import (
	"context"
	"errors"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/example/facecheck/internal/auth"
	"github.com/example/facecheck/internal/config"
	"github.com/example/facecheck/internal/handlers"
	"github.com/example/facecheck/internal/imagesource"
	"github.com/example/facecheck/internal/logging"
	"github.com/example/facecheck/internal/repository"
	"github.com/example/facecheck/internal/usecase"
	"github.com/example/facecheck/internal/verify"
	"github.com/example/facecheck/internal/vision/onnx"
	"github.com/example/facecheck/internal/vision/opencv"
)

func main() {
	cfg, err := config.Load(os.Getenv("FACECHECK_CONFIG"))
	if err != nil {
		panic(err)
	}

	logger, err := logging.NewLogger(logging.Options{
		Level:        cfg.Log.Level,
		File:         cfg.Log.File,
		MaxAge:       cfg.Log.MaxAge,
		RotationTime: cfg.Log.RotationTime,
	})
	if err != nil {
		panic(err)
	}
	defer logger.Sync() //nolint:errcheck

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	verifier, closeVerifier, err := buildVerifier(cfg, logger)
	if err != nil {
		logger.Fatal("failed to load verification models", zap.String("strategy", cfg.Strategy), zap.Error(err))
	}
	defer closeVerifier()

	db := initDatabase(ctx, cfg.DatabaseDSN, logger)
	repo := repository.NewVerificationRepository(db, logger)
	if err := repo.AutoMigrate(ctx); err != nil {
		logger.Fatal("auto migrate failed", zap.Error(err))
	}
	users := repository.NewUserRepository(db, logger)

	redisCtx, redisCancel := context.WithTimeout(ctx, 5*time.Second)
	defer redisCancel()
	redisClient := initRedis(redisCtx, cfg.RedisAddr, logger)
	defer redisClient.Close()

	images, err := imagesource.New(cfg.UploadDir, cfg.ReferenceDir, cfg.MaxDimension)
	if err != nil {
		logger.Fatal("failed to prepare image directories", zap.Error(err))
	}

	uc := usecase.NewVerificationUseCase(usecase.Dependencies{
		Repo:      repo,
		Users:     users,
		Images:    images,
		Verifier:  verifier,
		Cache:     usecase.NewRedisCache(redisClient),
		Logger:    logger,
		ResultTTL: cfg.ResultTTL,
	})

	issuer, err := auth.NewIssuer(cfg.JWTSecret, cfg.JWTAudience, cfg.TokenTTL)
	if err != nil {
		logger.Fatal("invalid token settings", zap.Error(err))
	}

	r := gin.Default()
	r.MaxMultipartMemory = cfg.MaxUploadSize
	handlers.RegisterRoutes(r, uc, handlers.Options{
		Auth:          auth.JWTMiddleware(cfg.JWTSecret, cfg.JWTAudience),
		Tokens:        issuer,
		MaxUploadSize: cfg.MaxUploadSize,
	})

	healthSrv := health.NewServer()
	grpcServer, err := startHealthServer(cfg.GRPCAddr, healthSrv, logger)
	if err != nil {
		logger.Fatal("failed to start health server", zap.Error(err))
	}
	defer grpcServer.GracefulStop()

	server := &http.Server{
		Addr:    cfg.HTTPAddr,
		Handler: r,
	}
	server.RegisterOnShutdown(healthSrv.Shutdown)

	healthSrv.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)
	logger.Info("facecheck listening",
		zap.String("addr", cfg.HTTPAddr),
		zap.String("grpc_addr", cfg.GRPCAddr),
		zap.String("strategy", string(verifier.Strategy())),
	)
	if err := serveHTTPServer(server, cfg.ShutdownTimeout, logger); err != nil {
		logger.Fatal("server failed", zap.Error(err))
	}
}

// buildVerifier loads the models of the configured strategy. The returned
// closer releases them.
func buildVerifier(cfg *config.Config, logger *zap.Logger) (verify.Verifier, func(), error) {
	strategy, err := verify.ParseStrategy(cfg.Strategy)
	if err != nil {
		return nil, nil, err
	}

	if strategy == verify.StrategyKeypoint {
		matcher, err := opencv.NewMatcher(cfg.Keypoint.Matcher)
		if err != nil {
			return nil, nil, err
		}
		v, err := verify.NewKeypointVerifier(opencv.NewSIFTExtractor(), matcher, verify.KeypointConfig{
			LoweRatio:      cfg.Keypoint.LoweRatio,
			MatchThreshold: cfg.Keypoint.MatchThreshold,
		})
		if err != nil {
			return nil, nil, err
		}
		return v, func() {}, nil
	}

	metric, err := verify.ParseMetric(cfg.Embedding.DistanceMetric)
	if err != nil {
		return nil, nil, err
	}
	policy, err := verify.ParseFacePolicy(cfg.Embedding.FacePolicy)
	if err != nil {
		return nil, nil, err
	}

	detector, err := opencv.NewCascadeDetector(opencv.DetectorConfig{
		CascadePath: cfg.Embedding.CascadePath,
		PoolSize:    cfg.Embedding.DetectorPoolSize,
		MinFaceSize: cfg.Embedding.MinFaceSize,
	})
	if err != nil {
		return nil, nil, err
	}
	embedder, err := onnx.NewEmbedder(onnx.Config{
		SharedLibraryPath: cfg.Embedding.SharedLibraryPath,
		ModelPath:         cfg.Embedding.ModelPath,
		ModelName:         cfg.Embedding.ModelName,
		InputSize:         cfg.Embedding.InputSize,
		EmbeddingSize:     cfg.Embedding.EmbeddingSize,
	})
	if err != nil {
		detector.Close() //nolint:errcheck
		return nil, nil, err
	}
	closer := func() {
		if err := embedder.Close(); err != nil {
			logger.Warn("failed to release embedding model", zap.Error(err))
		}
		if err := detector.Close(); err != nil {
			logger.Warn("failed to release face detector", zap.Error(err))
		}
	}

	v, err := verify.NewEmbeddingVerifier(detector, embedder, verify.EmbeddingConfig{
		Metric:    metric,
		Threshold: cfg.Embedding.Threshold,
		Policy:    policy,
	})
	if err != nil {
		closer()
		return nil, nil, err
	}
	return v, closer, nil
}

func initDatabase(ctx context.Context, dsn string, zapLogger *zap.Logger) *gorm.DB {
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{
		Logger:         gormlogger.Default.LogMode(gormlogger.Warn),
		TranslateError: true,
	})
	if err != nil {
		zapLogger.Fatal("failed to connect to database", zap.Error(err))
	}

	sqlDB, err := db.DB()
	if err != nil {
		zapLogger.Fatal("failed to access db handle", zap.Error(err))
	}
	sqlDB.SetMaxIdleConns(5)
	sqlDB.SetMaxOpenConns(10)
	sqlDB.SetConnMaxLifetime(time.Hour)

	if err := sqlDB.PingContext(ctx); err != nil {
		zapLogger.Fatal("database ping failed", zap.Error(err))
	}

	return db
}

func initRedis(ctx context.Context, addr string, zapLogger *zap.Logger) *redis.Client {
	client := redis.NewClient(&redis.Options{Addr: addr})
	if err := client.Ping(ctx).Err(); err != nil {
		zapLogger.Fatal("redis connection failed", zap.Error(err))
	}
	return client
}

// startHealthServer serves grpc.health.v1 on addr until GracefulStop.
func startHealthServer(addr string, healthSrv *health.Server, logger *zap.Logger) (*grpc.Server, error) {
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}
	return serveHealth(listener, healthSrv, logger), nil
}

func serveHealth(listener net.Listener, healthSrv *health.Server, logger *zap.Logger) *grpc.Server {
	srv := grpc.NewServer()
	healthpb.RegisterHealthServer(srv, healthSrv)
	go func() {
		if err := srv.Serve(listener); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
			logger.Error("health server stopped", zap.Error(err))
		}
	}()
	return srv
}

func serveHTTPServer(server *http.Server, shutdownTimeout time.Duration, logger *zap.Logger) error {
	return serveHTTPServerWithOptions(server, shutdownTimeout, logger, nil, nil)
}

func serveHTTPServerWithOptions(server *http.Server, shutdownTimeout time.Duration, logger *zap.Logger, listener net.Listener, signalCh <-chan os.Signal) error {
	errCh := make(chan error, 1)
	go func() {
		var err error
		if listener != nil {
			err = server.Serve(listener)
		} else {
			err = server.ListenAndServe()
		}
		if errors.Is(err, http.ErrServerClosed) {
			err = nil
		}
		errCh <- err
	}()

	var (
		sigCh       <-chan os.Signal
		stopSignals func()
	)

	if signalCh != nil {
		sigCh = signalCh
		stopSignals = func() {}
	} else {
		ch := make(chan os.Signal, 1)
		signal.Notify(ch, os.Interrupt, syscall.SIGTERM)
		sigCh = ch
		stopSignals = func() {
			signal.Stop(ch)
		}
	}
	defer stopSignals()

	select {
	case err := <-errCh:
		return err
	case sig, ok := <-sigCh:
		if !ok {
			return <-errCh
		}
		logger.Info("received shutdown signal", zap.String("signal", sig.String()))
		ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := server.Shutdown(ctx); err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
		return <-errCh
	}
}
