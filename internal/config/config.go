// Package config loads the host's configuration from the environment.
package config

import "os"

// Config holds every environment-derived setting the host needs at startup.
type Config struct {
	ListenHost string
	ListenPort string

	DatabaseURL string

	AuthBrokerURL       string
	AuthBrokerPublicURL string

	UpstreamBrokerURL      string
	UpstreamBrokerPassword string

	DirectoryURL           string
	IdentifierDirectoryURL string

	StaticAssetPath string

	BootstrapAdminSecret string
}

// Load reads configuration from the environment, falling back to development
// defaults the way cmd/server in the reference project does.
func Load() Config {
	return Config{
		ListenHost: getenv("LISTEN_HOST", "0.0.0.0"),
		ListenPort: getenv("LISTEN_PORT", "8080"),

		DatabaseURL: getenv("DATABASE_URL", "postgres://localhost:5432/lexhost?sslmode=disable"),

		AuthBrokerURL:       getenv("AUTH_BROKER_URL", "http://localhost:8081"),
		AuthBrokerPublicURL: getenv("AUTH_BROKER_PUBLIC_URL", "http://localhost:8081"),

		UpstreamBrokerURL:      getenv("UPSTREAM_BROKER_URL", "http://localhost:6008"),
		UpstreamBrokerPassword: getenv("UPSTREAM_BROKER_PASSWORD", ""),

		DirectoryURL:           getenv("DIRECTORY_URL", "https://plc.directory"),
		IdentifierDirectoryURL: getenv("IDENTIFIER_DIRECTORY_URL", "https://plc.directory"),

		StaticAssetPath: getenv("STATIC_ASSET_PATH", "./static"),

		BootstrapAdminSecret: getenv("BOOTSTRAP_ADMIN_SECRET", ""),
	}
}

func getenv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
