package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"

	"vid2gif/config"
	"vid2gif/queue"
	"vid2gif/services"
	"vid2gif/worker"
)

func main() {
	log.Println("Starting vid2gif conversion service...")

	_ = godotenv.Load()
	cfg := config.Load()

	redisClient := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})

	ctx := context.Background()
	if err := redisClient.Ping(ctx).Err(); err != nil {
		log.Fatalf("Failed to connect to Redis: %v", err)
	}
	log.Println("Connected to Redis successfully")

	jobQueue := queue.NewRedisQueue(redisClient, cfg.RedisPrefix, cfg.StallWindow)
	storage := services.NewStorageService(cfg.UploadsDir, cfg.ConvertedDir)
	janitor := services.NewJanitor(storage)
	converter := services.NewFfmpegService(cfg.FfmpegPath, cfg.FfprobePath, cfg.GifFPS, cfg.GifHeight)

	opts := worker.Options{
		Pressure: worker.NewBackpressure(cfg.MemoryThreshold, cfg.MemoryInterval),
	}

	if cfg.DatabaseURL != "" {
		dbSvc, err := services.NewDatabaseService(cfg.DatabaseURL)
		if err != nil {
			log.Fatalf("Failed to connect to database: %v", err)
		}
		defer dbSvc.Close()
		opts.Recorder = dbSvc
		log.Println("Connected to database successfully")
	}

	if cfg.S3Bucket != "" {
		opts.Archiver = services.NewS3Service(services.S3Options{
			Bucket:       cfg.S3Bucket,
			Region:       cfg.S3Region,
			AccessKey:    cfg.S3AccessKey,
			SecretKey:    cfg.S3SecretKey,
			Endpoint:     cfg.S3Endpoint,
			UsePathStyle: cfg.S3PathStyle,
		})
		log.Printf("Archiving converted files to s3://%s", cfg.S3Bucket)
	}

	pool := worker.NewPool(cfg, jobQueue, storage, converter, janitor, opts)

	var wg sync.WaitGroup
	ctx, cancel := context.WithCancel(context.Background())

	for i := 0; i < cfg.WorkerCount; i++ {
		wg.Add(1)
		go func(workerID int) {
			defer wg.Done()
			pool.StartWorker(ctx, workerID)
		}(i)
	}

	wg.Add(1)
	go func() {
		defer wg.Done()
		pool.RecoveryLoop(ctx)
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		opts.Pressure.Run(ctx)
	}()

	log.Printf("Started %d conversion workers", cfg.WorkerCount)
	log.Printf("Uploads: %s, converted: %s", cfg.UploadsDir, cfg.ConvertedDir)
	log.Println("Service is ready to process conversions")

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	<-sigChan

	log.Println("Shutdown signal received, stopping workers...")
	cancel()
	janitor.Stop()

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		log.Println("All workers stopped gracefully")
	case <-time.After(30 * time.Second):
		log.Println("Shutdown timeout, forcing exit")
	}

	redisClient.Close()
	log.Println("Conversion service stopped")
}
