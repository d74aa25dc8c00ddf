package main

import (
	"bufio"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"github.com/zulandar/hiredrive/internal/config"
	"github.com/zulandar/hiredrive/internal/db"
	"gorm.io/gorm"
)

func newDBCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "db",
		Short: "Database management commands",
	}

	cmd.AddCommand(newDBInitCmd())
	cmd.AddCommand(newDBResetCmd())
	cmd.AddCommand(newDBSeedCmd())
	return cmd
}

// connectFromConfig loads the config file and opens the configured database.
func connectFromConfig(configPath string) (*config.Config, *gorm.DB, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, nil, fmt.Errorf("load config: %w", err)
	}

	gormDB, err := db.Open(cfg.Database)
	if err != nil {
		return nil, nil, fmt.Errorf("connect to %s: %w", describeDB(cfg.Database), err)
	}

	return cfg, gormDB, nil
}

func describeDB(c config.DatabaseConfig) string {
	if c.Driver == config.DriverSQLite {
		return "sqlite " + c.Path
	}
	return fmt.Sprintf("mysql %s:%d/%s", c.Host, c.Port, c.Database)
}

func newDBInitCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "init",
		Short: "Initialize the hiredrive database",
		Long:  "Creates the database if needed and migrates the drivers, bookings and messages tables.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDBInit(cmd, configPath)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", defaultConfigPath, "path to hiredrive config file")
	return cmd
}

func runDBInit(cmd *cobra.Command, configPath string) error {
	out := cmd.OutOrStdout()

	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	fmt.Fprintf(out, "Loaded config from %s\n", configPath)

	if cfg.Database.Driver == config.DriverMySQL {
		if err := createMySQLDatabase(cfg.Database, false); err != nil {
			return err
		}
		fmt.Fprintf(out, "Database %s ready\n", cfg.Database.Database)
	}

	gormDB, err := db.Open(cfg.Database)
	if err != nil {
		return fmt.Errorf("connect to %s: %w", describeDB(cfg.Database), err)
	}
	if err := db.AutoMigrate(gormDB); err != nil {
		return err
	}
	fmt.Fprintf(out, "Migrated %d tables on %s\n", len(db.AllModels()), describeDB(cfg.Database))

	fmt.Fprintln(out, "\nhiredrive database initialized successfully.")
	return nil
}

// createMySQLDatabase creates the configured schema, dropping it first when
// drop is set.
func createMySQLDatabase(c config.DatabaseConfig, drop bool) error {
	adminDB, err := db.ConnectAdmin(c.User, c.Password, c.Host, c.Port)
	if err != nil {
		return fmt.Errorf("connect to MySQL at %s:%d: %w", c.Host, c.Port, err)
	}
	if drop {
		if err := db.DropDatabase(adminDB, c.Database); err != nil {
			return err
		}
	}
	return db.CreateDatabase(adminDB, c.Database)
}

func newDBResetCmd() *cobra.Command {
	var (
		configPath string
		yes        bool
	)

	cmd := &cobra.Command{
		Use:   "reset",
		Short: "Drop and re-initialize the hiredrive database",
		Long: `Deletes every driver, booking and message and re-creates the schema.

For sqlite the database file is removed; for MySQL the database is dropped
and re-created.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDBReset(cmd, configPath, yes)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", defaultConfigPath, "path to hiredrive config file")
	cmd.Flags().BoolVarP(&yes, "yes", "y", false, "skip confirmation prompt")
	return cmd
}

func runDBReset(cmd *cobra.Command, configPath string, skipConfirm bool) error {
	out := cmd.OutOrStdout()

	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	target := describeDB(cfg.Database)

	if !skipConfirm && !confirmReset(cmd, target) {
		fmt.Fprintln(out, "Aborted.")
		return nil
	}

	switch cfg.Database.Driver {
	case config.DriverMySQL:
		if err := createMySQLDatabase(cfg.Database, true); err != nil {
			return err
		}
	case config.DriverSQLite:
		if err := os.Remove(cfg.Database.Path); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("remove %s: %w", cfg.Database.Path, err)
		}
	}
	fmt.Fprintf(out, "Dropped %s\n", target)

	gormDB, err := db.Open(cfg.Database)
	if err != nil {
		return fmt.Errorf("connect to %s: %w", target, err)
	}
	if err := db.AutoMigrate(gormDB); err != nil {
		return err
	}
	fmt.Fprintf(out, "Migrated %d tables\n", len(db.AllModels()))

	fmt.Fprintln(out, "\nhiredrive database reset successfully.")
	return nil
}

func confirmReset(cmd *cobra.Command, target string) bool {
	out := cmd.OutOrStdout()
	in := cmd.InOrStdin()

	fmt.Fprintf(out, "WARNING: This will permanently delete all data in %s.\n", target)
	fmt.Fprintln(out, "This action cannot be undone.")
	fmt.Fprintln(out)
	fmt.Fprint(out, "Type \"yes\" to confirm: ")

	scanner := bufio.NewScanner(in)
	if scanner.Scan() {
		return strings.TrimSpace(scanner.Text()) == "yes"
	}
	return false
}

func newDBSeedCmd() *cobra.Command {
	var (
		configPath string
		customer   string
	)

	cmd := &cobra.Command{
		Use:   "seed",
		Short: "Seed demo drivers and a demo booking",
		Long: `Upserts the demo driver roster and creates one confirmed booking between
--customer and the first driver, so two chat clients can talk locally.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDBSeed(cmd, configPath, customer)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", defaultConfigPath, "path to hiredrive config file")
	cmd.Flags().StringVar(&customer, "customer", "demo-customer", "user id of the demo booking's customer")
	return cmd
}

func runDBSeed(cmd *cobra.Command, configPath, customer string) error {
	out := cmd.OutOrStdout()

	_, gormDB, err := connectFromConfig(configPath)
	if err != nil {
		return err
	}
	if err := db.AutoMigrate(gormDB); err != nil {
		return err
	}

	res, err := db.SeedDemo(gormDB, customer)
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "Seeded %d drivers\n", len(res.DriverIDs))
	fmt.Fprintf(out, "Booking %s: customer %s, driver %s\n", res.BookingID, customer, res.DriverIDs[0])
	return nil
}
