package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/assetflow/artgate/internal/artgate"
	"github.com/assetflow/artgate/internal/dropwatch"
	"github.com/assetflow/artgate/internal/httpapi"
)

func main() {
	addr := os.Getenv("ARTGATE_ADDR")
	if addr == "" {
		addr = ":8080"
	}

	storage, err := buildStorageFromEnv()
	if err != nil {
		log.Fatalf("failed to initialize storage client: %v", err)
	}
	categories, err := buildCategoriesFromEnv()
	if err != nil {
		log.Fatalf("failed to load category rules: %v", err)
	}
	auditSink, err := artgate.BuildAuditSinkFromDSN(os.Getenv("ARTGATE_AUDIT_DSN"))
	if err != nil {
		log.Fatalf("failed to initialize audit sink: %v", err)
	}

	hub := httpapi.NewEventHub()
	gate := artgate.NewGateWithOptions(artgate.GateOptions{
		Storage:       storage,
		Payloads:      artgate.NewRefPayloadFetcher(nil, int64Env("ARTGATE_MAX_FILE_BYTES", 0)),
		Notifier:      hub,
		Audit:         auditSink,
		Categories:    categories,
		PathPrefix:    envOr("ARTGATE_PATH_PREFIX", "Addressables"),
		MaxSeenEvents: intEnv("ARTGATE_MAX_SEEN_EVENTS", 0),
		RetentionTTL:  durationEnv("ARTGATE_RETENTION_TTL", 0),
		SweepInterval: durationEnv("ARTGATE_SWEEP_INTERVAL", 0),
	})
	defer gate.Close()

	server := httpapi.NewServerWithConfig(gate, httpapi.ServerConfig{
		Hub:              hub,
		IntakeHMACSecret: os.Getenv("ARTGATE_INTAKE_HMAC_SECRET"),
		IntakeMaxSkew:    durationEnv("ARTGATE_INTAKE_MAX_SKEW", 5*time.Minute),
		MaxBodyBytes:     int64Env("ARTGATE_MAX_BODY_BYTES", 0),
		MaxFileBytes:     int64Env("ARTGATE_MAX_FILE_BYTES", 0),
	})

	if dropDir := strings.TrimSpace(os.Getenv("ARTGATE_DROP_DIR")); dropDir != "" {
		watcher, err := dropwatch.New(dropwatch.Options{
			Root:         dropDir,
			Admitter:     gate,
			SettleDelay:  durationEnv("ARTGATE_DROP_SETTLE_DELAY", 0),
			ScanExisting: true,
		})
		if err != nil {
			log.Fatalf("failed to initialize drop folder watcher: %v", err)
		}
		if err := watcher.Start(context.Background()); err != nil {
			log.Fatalf("failed to start drop folder watcher: %v", err)
		}
		defer watcher.Close()
		log.Printf("artgate watching drop folder %s", dropDir)
	}

	log.Printf("artgate listening on %s", addr)
	if err := http.ListenAndServe(addr, server); err != nil {
		log.Fatalf("server failed: %v", err)
	}
}

func buildStorageFromEnv() (artgate.StorageClient, error) {
	return artgate.NewGitHubContentClient(artgate.GitHubClientOptions{
		BaseURL:        os.Getenv("ARTGATE_GITHUB_BASE_URL"),
		Owner:          os.Getenv("ARTGATE_GITHUB_OWNER"),
		Repo:           os.Getenv("ARTGATE_GITHUB_REPO"),
		Branch:         os.Getenv("ARTGATE_GITHUB_BRANCH"),
		Token:          os.Getenv("ARTGATE_GITHUB_TOKEN"),
		CommitterName:  os.Getenv("ARTGATE_COMMITTER_NAME"),
		CommitterEmail: os.Getenv("ARTGATE_COMMITTER_EMAIL"),
		MaxRetries:     intEnv("ARTGATE_GITHUB_MAX_RETRIES", 0),
	})
}

func buildCategoriesFromEnv() (*artgate.CategorySet, error) {
	rulesPath := strings.TrimSpace(os.Getenv("ARTGATE_CATEGORY_RULES"))
	if rulesPath == "" {
		return artgate.DefaultCategorySet(), nil
	}
	return artgate.LoadCategoryRules(rulesPath)
}

func envOr(name, fallback string) string {
	if value := strings.TrimSpace(os.Getenv(name)); value != "" {
		return value
	}
	return fallback
}

func intEnv(name string, fallback int) int {
	raw := os.Getenv(name)
	if raw == "" {
		return fallback
	}
	value, err := strconv.Atoi(raw)
	if err != nil {
		log.Printf("invalid %s=%q, using fallback %d", name, raw, fallback)
		return fallback
	}
	return value
}

func int64Env(name string, fallback int64) int64 {
	raw := os.Getenv(name)
	if raw == "" {
		return fallback
	}
	value, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		log.Printf("invalid %s=%q, using fallback %d", name, raw, fallback)
		return fallback
	}
	return value
}

func durationEnv(name string, fallback time.Duration) time.Duration {
	raw := os.Getenv(name)
	if raw == "" {
		return fallback
	}
	value, err := time.ParseDuration(raw)
	if err != nil {
		log.Printf("invalid %s=%q, using fallback %s", name, raw, fallback.String())
		return fallback
	}
	return value
}
