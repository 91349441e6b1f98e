package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/opensandbox/runbox/internal/api"
	"github.com/opensandbox/runbox/internal/auth"
	"github.com/opensandbox/runbox/internal/config"
	"github.com/opensandbox/runbox/internal/events"
	"github.com/opensandbox/runbox/internal/nsjail"
	"github.com/opensandbox/runbox/internal/orchestrator"
	"github.com/opensandbox/runbox/internal/sandbox"
	"github.com/opensandbox/runbox/internal/state"
	"github.com/opensandbox/runbox/internal/storage"
	"github.com/opensandbox/runbox/pkg/types"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("server: load config: %v", err)
	}

	driver := nsjail.NewDriver(cfg.NsjailBin)
	manager := sandbox.NewManager(driver, sandbox.ManagerConfig{
		BaseDir:       cfg.SandboxBaseDir,
		TmpfsSizeMB:   cfg.TmpfsSizeMB,
		MemoryMB:      cfg.DefaultMemoryMB,
		WarmupTimeout: cfg.ReplWarmupTimeout,
		HealthTimeout: cfg.ReplHealthTimeout,
	})
	pool := sandbox.NewPool(manager, sandbox.PoolConfig{
		Targets:        map[types.Language]int{types.LangPython: cfg.PoolTargetPy},
		ParallelBatch:  cfg.PoolParallelBatch,
		AcquireTimeout: cfg.AcquireTimeout,
		SandboxTTL:     cfg.SandboxTTL,
		HealthTimeout:  cfg.ReplHealthTimeout,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 2*cfg.ReplWarmupTimeout)
	if err := pool.Warmup(ctx); err != nil {
		log.Printf("server: pool warmup incomplete: %v", err)
	}
	cancel()
	log.Printf("server: pool warm, %d py sandboxes targeted", cfg.PoolTargetPy)

	// State persistence is optional: without Redis every request is
	// stateless and session ids are rejected at save time.
	var store orchestrator.StateStore
	var redisProbe, s3Probe api.HealthProbe
	var archivist *state.Archivist
	var hot *state.RedisTier
	if cfg.RedisURL != "" {
		hot, err = state.NewRedisTier(cfg.RedisURL, cfg.StateTTL, int64(cfg.StateMaxBytes))
		if err != nil {
			log.Fatalf("server: redis: %v", err)
		}
		redisProbe = hot.Healthy

		var cold state.ColdTier
		if cfg.S3Bucket != "" {
			client := s3Client(cfg)
			cold = state.NewS3Tier(client, cfg.S3Bucket)
			archivist = state.NewArchivist(hot, cold, cfg.ArchiveAfter, cfg.ArchiveScanInterval)
			archivist.Start()
			log.Printf("server: archivist running, idle threshold %v", cfg.ArchiveAfter)
		}
		store = state.NewStore(hot, cold)
	}

	var blobs api.BlobStore
	var blobGetter orchestrator.BlobGetter
	if cfg.S3Bucket != "" {
		client := s3Client(cfg)
		bs, err := storage.NewBlobStore(client, cfg.S3Bucket)
		if err != nil {
			log.Fatalf("server: blob store: %v", err)
		}
		blobs = bs
		blobGetter = bs
		// A NotFound answer proves the bucket is reachable.
		s3Probe = func(ctx context.Context) bool {
			_, _, err := bs.Get(ctx, "health", "probe")
			return err == nil || errors.Is(err, types.ErrNotFound)
		}
	}

	var publisher *events.Publisher
	if cfg.NATSURL != "" {
		publisher, err = events.Connect(cfg.NATSURL)
		if err != nil {
			log.Printf("server: nats unavailable, events disabled: %v", err)
		} else {
			defer publisher.Close()
		}
	}

	orch := orchestrator.New(orchestrator.Config{
		DefaultTimeout: 30 * time.Second,
		MaxTimeout:     cfg.MaxExecutionTime,
		MaxCodeBytes:   cfg.MaxCodeBytes,
		CaptureOnError: cfg.StateCaptureOnError,
	},
		pool,
		sandbox.NewREPL(sandbox.REPLConfig{
			MaxOutputFiles: cfg.MaxOutputFiles,
			MaxOutputBytes: cfg.MaxOutputBytes,
		}),
		sandbox.NewOneShot(driver, sandbox.OneShotConfig{
			TmpfsSizeMB:    cfg.TmpfsSizeMB,
			MemoryMB:       cfg.DefaultMemoryMB,
			MaxOutputFiles: cfg.MaxOutputFiles,
			MaxOutputBytes: cfg.MaxOutputBytes,
		}),
		store,
		blobGetter,
		publisher,
	)

	server := api.NewServer(api.ServerConfig{
		APIKey:     cfg.APIKey,
		Executor:   orch,
		Blobs:      blobs,
		Tokens:     tokenIssuer(cfg),
		RedisProbe: redisProbe,
		S3Probe:    s3Probe,
	})

	go func() {
		addr := fmt.Sprintf(":%d", cfg.Port)
		log.Printf("server: listening on %s", addr)
		if err := server.Start(addr); err != nil {
			log.Printf("server: %v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Println("server: shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Printf("server: shutdown: %v", err)
	}
	if archivist != nil {
		archivist.Stop()
	}
	pool.Shutdown()
	if hot != nil {
		hot.Close()
	}
	log.Println("server: stopped")
}

func s3Client(cfg *config.Config) *s3.Client {
	var opts []func(*awsconfig.LoadOptions) error
	opts = append(opts, awsconfig.WithRegion(cfg.S3Region))
	if cfg.S3AccessKeyID != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.S3AccessKeyID, cfg.S3SecretAccessKey, ""),
		))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(context.Background(), opts...)
	if err != nil {
		log.Fatalf("server: aws config: %v", err)
	}
	return s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.S3Endpoint != "" {
			o.BaseEndpoint = &cfg.S3Endpoint
		}
		o.UsePathStyle = cfg.S3ForcePathStyle
	})
}

// tokenIssuer builds the signed-link issuer; without a secret, signed
// downloads are disabled and only the API key grants access.
func tokenIssuer(cfg *config.Config) *auth.TokenIssuer {
	if cfg.JWTSecret == "" {
		return nil
	}
	return auth.NewTokenIssuer(cfg.JWTSecret, 15*time.Minute)
}
