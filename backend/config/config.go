package config

import (
	"log"
	"os"

	"github.com/joho/godotenv"
)

// Config holds environment-sourced defaults. Command-line flags in main
// take precedence over these.
type Config struct {
	APIListenAddr string
	WSListenAddr  string
	LogLevel      string
}

func Load() *Config {
	// Load .env file if it exists
	if err := godotenv.Load(); err != nil {
		log.Printf("no .env file loaded: %v", err)
	}

	return &Config{
		APIListenAddr: getEnvOrDefault("VIBRON_API_ADDR", ":8080"),
		WSListenAddr:  getEnvOrDefault("VIBRON_WS_ADDR", ":8888"),
		LogLevel:      getEnvOrDefault("VIBRON_LOG_LEVEL", "debug"),
	}
}

func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
