package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/isekhub/isekreg/config"
	"github.com/isekhub/isekreg/registry/pgregistry"
	"github.com/isekhub/isekreg/util/postgres"
)

const (
	commandInit   = "init"
	commandVerify = "verify"
	commandReset  = "reset"
	commandStatus = "status"
	commandSweep  = "sweep"
)

const indexExpiresAt = "idx_isek_nodes_expires_at"

func main() {
	var (
		configFile = flag.String("config", "", "Path to YAML configuration file")
		host       = flag.String("host", "localhost", "PostgreSQL host")
		port       = flag.Int("port", 5432, "PostgreSQL port")
		user       = flag.String("user", "isek", "PostgreSQL user")
		password   = flag.String("password", "isek", "PostgreSQL password")
		database   = flag.String("database", "isek", "PostgreSQL database")
		sslmode    = flag.String("sslmode", "disable", "PostgreSQL SSL mode")
		ttl        = flag.Duration("ttl", 0, "Lease TTL used to judge expiry (default from config, 30s)")
	)

	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: %s [options] <command>\n\n", os.Args[0])
		fmt.Fprintf(os.Stderr, "Manages the PostgreSQL node registry table.\n\n")
		fmt.Fprintf(os.Stderr, "Commands:\n")
		fmt.Fprintf(os.Stderr, "  init     Create the node table and its index\n")
		fmt.Fprintf(os.Stderr, "  verify   Check the connection and the schema\n")
		fmt.Fprintf(os.Stderr, "  reset    Drop and recreate the node table (WARNING: deletes all registrations)\n")
		fmt.Fprintf(os.Stderr, "  status   Show live and expired registrations\n")
		fmt.Fprintf(os.Stderr, "  sweep    Delete expired registrations now\n")
		fmt.Fprintf(os.Stderr, "\nOptions:\n")
		flag.PrintDefaults()
		fmt.Fprintf(os.Stderr, "\nExamples:\n")
		fmt.Fprintf(os.Stderr, "  %s --config isek.yml init\n", os.Args[0])
		fmt.Fprintf(os.Stderr, "  %s --host db.internal --user isek --database isek status\n", os.Args[0])
	}
	flag.Parse()

	if flag.NArg() != 1 {
		fmt.Fprintf(os.Stderr, "Error: command required\n\n")
		flag.Usage()
		os.Exit(1)
	}
	command := flag.Arg(0)

	pgConfig := &postgres.Config{
		Host:     *host,
		Port:     *port,
		User:     *user,
		Password: *password,
		Database: *database,
		SSLMode:  *sslmode,
	}
	leaseTTL := *ttl
	if *configFile != "" {
		cfg, err := config.LoadConfig(*configFile)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error loading config file: %v\n", err)
			os.Exit(1)
		}
		c := cfg.Registry.Postgres
		pgConfig = &c
		if leaseTTL == 0 {
			leaseTTL = cfg.Registry.TTL
		}
	}
	if err := pgConfig.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	ctx := context.Background()
	if err := executeCommand(ctx, command, pgConfig, leaseTTL, os.Stdin, os.Stdout); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func executeCommand(ctx context.Context, command string, config *postgres.Config, ttl time.Duration, in io.Reader, out io.Writer) error {
	switch command {
	case commandInit, commandVerify, commandReset, commandStatus, commandSweep:
	default:
		return fmt.Errorf("unknown command: %s", command)
	}

	if command == commandReset && !confirm(in, out) {
		fmt.Fprintln(out, "Operation cancelled.")
		return nil
	}

	db, err := postgres.NewDB(config)
	if err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}
	defer db.Close()

	start := time.Now()
	if err := db.Ping(ctx); err != nil {
		return fmt.Errorf("failed to ping database %s: %w", config.String(), err)
	}
	fmt.Fprintf(out, "✓ Connected to %s (latency: %v)\n", config.String(), time.Since(start).Round(time.Microsecond))

	reg := pgregistry.New(db, pgregistry.Config{TTL: ttl})
	switch command {
	case commandInit:
		return initSchema(ctx, db, reg, out)
	case commandVerify:
		return verifySchema(ctx, db, out)
	case commandReset:
		return resetSchema(ctx, db, reg, out)
	case commandStatus:
		return showStatus(ctx, db, reg, out)
	default:
		return sweep(ctx, db, reg, out)
	}
}

func confirm(in io.Reader, out io.Writer) bool {
	fmt.Fprintln(out, "WARNING: This will delete every node registration!")
	fmt.Fprint(out, "Are you sure you want to continue? (yes/no): ")
	scanner := bufio.NewScanner(in)
	if !scanner.Scan() {
		return false
	}
	return strings.ToLower(strings.TrimSpace(scanner.Text())) == "yes"
}

func initSchema(ctx context.Context, db *postgres.DB, reg *pgregistry.Registry, out io.Writer) error {
	if err := reg.InitSchema(ctx); err != nil {
		return err
	}
	exists, err := tableExists(ctx, db, pgregistry.TableName)
	if err != nil {
		return fmt.Errorf("failed to verify table %s: %w", pgregistry.TableName, err)
	}
	if !exists {
		return fmt.Errorf("table '%s' was not created", pgregistry.TableName)
	}
	fmt.Fprintf(out, "✓ Table '%s' ready\n", pgregistry.TableName)
	return nil
}

func verifySchema(ctx context.Context, db *postgres.DB, out io.Writer) error {
	exists, err := tableExists(ctx, db, pgregistry.TableName)
	if err != nil {
		return fmt.Errorf("failed to check table %s: %w", pgregistry.TableName, err)
	}
	if !exists {
		fmt.Fprintf(out, "✗ Table '%s' does not exist. Run 'init' to create it.\n", pgregistry.TableName)
		return fmt.Errorf("schema verification failed")
	}
	fmt.Fprintf(out, "✓ Table '%s' exists\n", pgregistry.TableName)

	exists, err = indexExists(ctx, db, pgregistry.TableName, indexExpiresAt)
	if err != nil {
		return fmt.Errorf("failed to check index %s: %w", indexExpiresAt, err)
	}
	if !exists {
		fmt.Fprintf(out, "✗ Index '%s' does not exist; listing and sweeping will scan the table\n", indexExpiresAt)
		return nil
	}
	fmt.Fprintf(out, "✓ Index '%s' exists\n", indexExpiresAt)
	return nil
}

func resetSchema(ctx context.Context, db *postgres.DB, reg *pgregistry.Registry, out io.Writer) error {
	if err := reg.DropSchema(ctx); err != nil {
		return err
	}
	fmt.Fprintln(out, "✓ Dropped node table")
	return initSchema(ctx, db, reg, out)
}

func showStatus(ctx context.Context, db *postgres.DB, reg *pgregistry.Registry, out io.Writer) error {
	exists, err := tableExists(ctx, db, pgregistry.TableName)
	if err != nil {
		return fmt.Errorf("failed to check table %s: %w", pgregistry.TableName, err)
	}
	if !exists {
		fmt.Fprintf(out, "%s: ✗ (does not exist)\n", pgregistry.TableName)
		return nil
	}

	live, expired, err := reg.Count(ctx)
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "%s: %d live, %d expired awaiting sweep\n", pgregistry.TableName, live, expired)

	nodes, err := reg.GetAvailableNodes(ctx)
	if err != nil {
		return err
	}
	for id, rec := range nodes {
		fmt.Fprintf(out, "  %s  %s\n", id, rec.Address())
	}
	return nil
}

func sweep(ctx context.Context, db *postgres.DB, reg *pgregistry.Registry, out io.Writer) error {
	removed, err := reg.Sweep(ctx)
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "✓ Removed %d expired registrations\n", removed)
	return nil
}

func tableExists(ctx context.Context, db *postgres.DB, tableName string) (bool, error) {
	var exists bool
	err := db.Connection().QueryRowContext(ctx, `
		SELECT EXISTS (
			SELECT FROM information_schema.tables
			WHERE table_schema = 'public'
			AND table_name = $1
		)`, tableName).Scan(&exists)
	return exists, err
}

func indexExists(ctx context.Context, db *postgres.DB, tableName, indexName string) (bool, error) {
	var exists bool
	err := db.Connection().QueryRowContext(ctx, `
		SELECT EXISTS (
			SELECT FROM pg_indexes
			WHERE schemaname = 'public'
			AND tablename = $1
			AND indexname = $2
		)`, tableName, indexName).Scan(&exists)
	return exists, err
}
