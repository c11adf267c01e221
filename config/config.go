package config

import (
	"log"
	"os"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	// APIBaseURL is the TripLink backend root, e.g. http://192.168.18.6:8000.
	APIBaseURL string
	// WSBaseURL is the websocket root, e.g. ws://192.168.18.6:8000.
	WSBaseURL string

	RequestTimeout time.Duration

	// SessionDBPath is where the persisted session lives across restarts.
	SessionDBPath string

	// ProactiveRefreshInterval must stay below the server's 30m access
	// token lifetime.
	ProactiveRefreshInterval time.Duration
	ChatPollInterval         time.Duration
	RoomListPollInterval     time.Duration
	UnreadPollInterval       time.Duration
}

func Load() *Config {
	if err := godotenv.Load(); err != nil {
		log.Println("no .env file found, using environment variables")
	}

	return &Config{
		APIBaseURL:               getEnv("TRIPLINK_API_URL", "http://localhost:8000"),
		WSBaseURL:                getEnv("TRIPLINK_WS_URL", "ws://localhost:8000"),
		RequestTimeout:           getDuration("TRIPLINK_REQUEST_TIMEOUT", 15*time.Second),
		SessionDBPath:            getEnv("TRIPLINK_SESSION_DB", "triplink.db"),
		ProactiveRefreshInterval: getDuration("TRIPLINK_REFRESH_INTERVAL", 25*time.Minute),
		ChatPollInterval:         getDuration("TRIPLINK_CHAT_POLL_INTERVAL", 2*time.Second),
		RoomListPollInterval:     getDuration("TRIPLINK_ROOMS_POLL_INTERVAL", 3*time.Second),
		UnreadPollInterval:       getDuration("TRIPLINK_UNREAD_POLL_INTERVAL", 5*time.Second),
	}
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getDuration(key string, fallback time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		log.Printf("invalid duration for %s: %v, using default", key, err)
		return fallback
	}
	return d
}
