package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"qcat/internal/accounts"
	"qcat/internal/app"
	"qcat/internal/config"
	"qcat/internal/configuration"
	"qcat/internal/draft"
	"qcat/internal/email"
	"qcat/internal/geo"
	"qcat/internal/notify"
	"qcat/internal/search"
	"qcat/internal/store"
	"qcat/internal/summary"
	"qcat/internal/upload"
)

func main() {
	cfg := config.Load()
	ctx := context.Background()

	db, err := store.Open(ctx, cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("database connection failed: %v", err)
	}
	defer db.Close()

	if err := store.ApplyMigrations(ctx, db, cfg.MigrationsDir); err != nil {
		log.Fatalf("migrations failed: %v", err)
	}

	dataStore := store.NewPostgresStore(db)
	registry := configuration.NewRegistry(dataStore)

	drafts, err := draft.NewRedisStore(cfg.RedisURL, cfg.DraftTTL)
	if err != nil {
		log.Fatalf("redis connection failed: %v", err)
	}
	defer drafts.Close()

	var meiliClient *search.Meili
	if strings.TrimSpace(cfg.MeiliURL) != "" {
		meiliClient = search.NewMeili(cfg.MeiliURL, cfg.MeiliMasterKey)
		defer meiliClient.Close()
	}
	searchService := search.NewService(meiliClient, search.NewDBSearch(dataStore))

	var blobs upload.BlobStore
	if strings.TrimSpace(cfg.MinioEndpoint) != "" {
		blobs, err = upload.NewMinioStore(ctx, cfg.MinioEndpoint, cfg.MinioAccessKey, cfg.MinioSecretKey, cfg.MinioBucket, cfg.MinioUseSSL)
		if err != nil {
			log.Fatalf("minio connection failed: %v", err)
		}
	} else {
		blobs, err = upload.NewDiskStore(cfg.UploadDir)
		if err != nil {
			log.Fatalf("upload dir unusable: %v", err)
		}
	}
	uploads := upload.NewService(dataStore, blobs, cfg.UploadMaxFileSize)

	var maps *geo.Client
	if strings.TrimSpace(cfg.StaticMapURL) != "" {
		maps = geo.NewClient(cfg.StaticMapURL, cfg.StaticMapTimeout)
	}
	pdfCache := summary.NewCache(cfg.SummaryCacheDir)
	summaries := summary.NewService(dataStore, registry, maps, pdfCache)

	remote := accounts.NewRemoteClient(cfg.AuthAPIURL, cfg.AuthAPITimeout)
	accountsService := accounts.NewService(dataStore, remote, []byte(cfg.JWTSecret), cfg.AccessTTL)

	notifyService := notify.NewService(dataStore)

	service := app.NewService(app.Deps{
		Store:     dataStore,
		Registry:  registry,
		Drafts:    drafts,
		Search:    searchService,
		Uploads:   uploads,
		Notify:    notifyService,
		Accounts:  accountsService,
		Summaries: summaries,
	}, []byte(cfg.ServerKey), cfg.LockTTL)

	workerCtx, stopWorkers := context.WithCancel(ctx)
	defer stopWorkers()

	mail := email.NewService(email.Config{
		Host:     cfg.SMTPHost,
		Port:     cfg.SMTPPort,
		Username: cfg.SMTPUsername,
		Password: cfg.SMTPPassword,
		From:     cfg.SMTPFrom,
		FromName: cfg.SMTPFromName,
	})
	if mail.IsConfigured() {
		digester := notify.NewDigester(dataStore, mail, []byte(cfg.ServerKey), cfg.BaseURL, cfg.NotificationsBatch, 0)
		go digester.Run(workerCtx)
	} else {
		log.Printf("SMTP not configured, digest mails disabled")
	}

	// Periodic cleanup of orphaned uploads and stale cached summaries.
	go func() {
		ticker := time.NewTicker(12 * time.Hour)
		defer ticker.Stop()
		for {
			select {
			case <-workerCtx.Done():
				return
			case <-ticker.C:
				removed, err := uploads.CollectGarbage(workerCtx, cfg.FileGCMinAge)
				if err != nil {
					log.Printf("file gc failed: %v", err)
				} else if removed > 0 {
					log.Printf("file gc removed %d orphaned files", removed)
				}
				pruned, err := pdfCache.Prune(cfg.SummaryCacheMaxAge)
				if err != nil {
					log.Printf("summary cache prune failed: %v", err)
				} else if pruned > 0 {
					log.Printf("summary cache pruned %d entries", pruned)
				}
			}
		}
	}()

	httpServer := app.NewHTTPServer(service, cfg.CORSOrigin)
	server := &http.Server{
		Addr:              cfg.Addr,
		Handler:           httpServer.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      60 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		log.Printf("QCAT API listening on %s", cfg.Addr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("server failed: %v", err)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	stopWorkers()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Printf("shutdown error: %v", err)
	}
}
