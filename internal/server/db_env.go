package server

import (
	"net/url"
	"os"
)

// dbDSNFromEnv resolves the Postgres DSN. DATABASE_URL wins outright;
// otherwise one is assembled from DB_* parts with local-dev defaults, so the
// result is never empty.
func dbDSNFromEnv() string {
	if v := os.Getenv("DATABASE_URL"); v != "" {
		return v
	}

	dsn := url.URL{
		Scheme: "postgres",
		User:   url.UserPassword(getenvDefault("DB_USER", "app"), getenvDefault("DB_PASSWORD", "app")),
		Host:   getenvDefault("DB_HOST", "127.0.0.1") + ":" + getenvDefault("DB_PORT", "5432"),
		Path:   "/" + getenvDefault("DB_NAME", "gridvault"),
	}
	q := url.Values{}
	q.Set("sslmode", getenvDefault("DB_SSLMODE", "disable"))
	dsn.RawQuery = q.Encode()
	return dsn.String()
}

func getenvDefault(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
