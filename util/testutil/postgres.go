package testutil

import (
	"context"
	"fmt"
	"os"
	"regexp"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/isekhub/isekreg/util/postgres"
)

var dbNameUnsafe = regexp.MustCompile(`[^a-zA-Z0-9_]`)

// sanitizeDBName turns a test name into a valid PostgreSQL database name:
// at most 63 chars, lowercase letters, digits and underscores only.
func sanitizeDBName(testName string) string {
	name := strings.ToLower(dbNameUnsafe.ReplaceAllString(testName, "_"))
	if name == "" || (name[0] >= '0' && name[0] <= '9') {
		name = "t_" + name
	}
	if len(name) > 63 {
		name = name[:63]
	}
	return name
}

func envOrDefault(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

// PostgresAdminConfig returns the connection settings used to create test
// databases, overridable through POSTGRES_HOST, POSTGRES_PORT, POSTGRES_USER
// and POSTGRES_PASSWORD.
func PostgresAdminConfig() *postgres.Config {
	port, err := strconv.Atoi(envOrDefault("POSTGRES_PORT", "5432"))
	if err != nil {
		port = 5432
	}
	return &postgres.Config{
		Host:     envOrDefault("POSTGRES_HOST", "localhost"),
		Port:     port,
		User:     envOrDefault("POSTGRES_USER", "postgres"),
		Password: envOrDefault("POSTGRES_PASSWORD", "postgres"),
		Database: "postgres",
		SSLMode:  "disable",
	}
}

// CreateTestDatabase creates a fresh database named after the test, returns a
// connection to it, and drops it on cleanup. The test is skipped when
// PostgreSQL is unreachable or SKIP_POSTGRES_TESTS=1.
func CreateTestDatabase(t *testing.T) *postgres.DB {
	t.Helper()

	if os.Getenv("SKIP_POSTGRES_TESTS") == "1" {
		t.Skip("Skipping PostgreSQL test (SKIP_POSTGRES_TESTS=1)")
	}

	dbName := sanitizeDBName(t.Name())
	adminConfig := PostgresAdminConfig()

	adminDB, err := postgres.NewDB(adminConfig)
	if err != nil {
		t.Skipf("Skipping test - PostgreSQL not available: %v", err)
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := adminDB.Ping(ctx); err != nil {
		adminDB.Close()
		t.Skipf("Skipping test - PostgreSQL not reachable: %v", err)
		return nil
	}

	_, _ = adminDB.Exec(ctx, fmt.Sprintf("DROP DATABASE IF EXISTS %s WITH (FORCE)", dbName))
	if _, err := adminDB.Exec(ctx, fmt.Sprintf("CREATE DATABASE %s", dbName)); err != nil {
		adminDB.Close()
		t.Skipf("Failed to create test database: %v", err)
		return nil
	}
	adminDB.Close()

	testConfig := *adminConfig
	testConfig.Database = dbName
	db, err := postgres.NewDB(&testConfig)
	if err != nil {
		t.Skipf("Skipping test - failed to connect to test database: %v", err)
		return nil
	}

	t.Cleanup(func() {
		db.Close()

		cleanupDB, err := postgres.NewDB(adminConfig)
		if err != nil {
			t.Logf("Warning: failed to connect for cleanup: %v", err)
			return
		}
		defer cleanupDB.Close()

		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if _, err := cleanupDB.Exec(ctx, fmt.Sprintf("DROP DATABASE IF EXISTS %s WITH (FORCE)", dbName)); err != nil {
			t.Logf("Warning: failed to drop test database: %v", err)
		}
	})

	return db
}
