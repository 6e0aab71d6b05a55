package main

import (
	"fmt"
	"log"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/agentworkforce/boardsync/internal/board"
	"github.com/agentworkforce/boardsync/internal/gateway"
)

func main() {
	addr := os.Getenv("BOARDSYNC_ADDR")
	if addr == "" {
		addr = ":8080"
	}
	durable, err := buildDurableStoreFromEnv()
	if err != nil {
		log.Fatalf("failed to initialize durable store: %v", err)
	}

	store := board.NewStoreWithOptions(board.StoreOptions{
		Durable:       durable,
		EvictionGrace: durationEnv("BOARDSYNC_EVICTION_GRACE", 0),
	})
	router := gateway.NewRouter()
	coordinator := board.NewCoordinator(board.CoordinatorOptions{
		Store:              store,
		Durable:            durable,
		Publisher:          router,
		MaxDurableAttempts: intEnv("BOARDSYNC_MAX_DURABLE_ATTEMPTS", 0),
		DurableRetryDelay:  durationEnv("BOARDSYNC_DURABLE_RETRY_DELAY", 0),
	})
	server := gateway.NewServer(store, coordinator, router, gateway.ServerConfig{
		JWTSecret:        os.Getenv("BOARDSYNC_JWT_SECRET"),
		SessionQueueSize: intEnv("BOARDSYNC_SESSION_QUEUE_SIZE", 0),
		WriteTimeout:     durationEnv("BOARDSYNC_WRITE_TIMEOUT", 0),
		PingInterval:     durationEnv("BOARDSYNC_PING_INTERVAL", 0),
		ConnectLimitMax:  intEnv("BOARDSYNC_CONNECT_LIMIT_MAX", 0),
		ConnectWindow:    durationEnv("BOARDSYNC_CONNECT_WINDOW", time.Minute),
		AllowedOrigins:   splitEnv("BOARDSYNC_ALLOWED_ORIGINS"),
	})

	log.Printf("boardsync listening on %s", addr)
	if err := http.ListenAndServe(addr, server); err != nil {
		log.Fatalf("server failed: %v", err)
	}
}

func buildDurableStoreFromEnv() (board.DurableStore, error) {
	dsn := strings.TrimSpace(os.Getenv("BOARDSYNC_DURABLE_DSN"))
	if dsn == "" {
		profile := strings.ToLower(strings.TrimSpace(os.Getenv("BOARDSYNC_BACKEND_PROFILE")))
		dataDir := strings.TrimSpace(os.Getenv("BOARDSYNC_DATA_DIR"))
		if dataDir == "" {
			dataDir = ".boardsync"
		}
		switch profile {
		case "", "memory", "inmemory":
			dsn = "memory://"
		case "durable-local", "local-durable":
			dsn = "file://" + filepath.Join(dataDir, "tasks.json")
		case "production", "prod":
			dsn = strings.TrimSpace(os.Getenv("BOARDSYNC_POSTGRES_DSN"))
			if dsn == "" {
				return nil, fmt.Errorf("BOARDSYNC_POSTGRES_DSN is required when BOARDSYNC_BACKEND_PROFILE=%s", profile)
			}
		default:
			return nil, fmt.Errorf("unsupported BOARDSYNC_BACKEND_PROFILE: %s", profile)
		}
	}
	return board.BuildDurableStoreFromDSN(dsn)
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

func splitEnv(name string) []string {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, part := range parts {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}
