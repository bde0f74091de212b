package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"
	"gorm.io/gorm"

	"github.com/ManuelReschke/ContentPass/internal/pkg/catalog"
	"github.com/ManuelReschke/ContentPass/internal/pkg/checkout"
	"github.com/ManuelReschke/ContentPass/internal/pkg/checkoutsync"
	"github.com/ManuelReschke/ContentPass/internal/pkg/database"
	"github.com/ManuelReschke/ContentPass/internal/pkg/env"
)

var Version = "dev"

// errDryRun rolls back a dry-run transaction; it never reaches the user.
var errDryRun = errors.New("dry run")

// cliApp holds the lazily opened dependencies shared by all commands.
type cliApp struct {
	dryRun      bool
	asJSON      bool
	catalogPath string

	openDB   func() (*gorm.DB, error)
	provider func() checkoutsync.TransactionSource

	db  *gorm.DB
	cat *catalog.Catalog
}

func newCLIApp() *cliApp {
	return &cliApp{
		openDB: func() (*gorm.DB, error) {
			driver := database.Driver()
			db, err := database.Open(driver, database.DSN(driver))
			if err != nil {
				return nil, err
			}
			if driver == database.DriverSQLite {
				if err := database.AutoMigrate(db); err != nil {
					return nil, err
				}
			}
			return db, nil
		},
		provider: func() checkoutsync.TransactionSource {
			return checkout.NewClientFromEnv()
		},
	}
}

func (a *cliApp) database() (*gorm.DB, error) {
	if a.db != nil {
		return a.db, nil
	}
	db, err := a.openDB()
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	a.db = db
	return db, nil
}

func (a *cliApp) catalog() (*catalog.Catalog, error) {
	if a.cat != nil {
		return a.cat, nil
	}
	cat, err := catalog.LoadFromEnv(a.catalogPath)
	if err != nil {
		return nil, err
	}
	a.cat = cat
	return cat, nil
}

// inTx runs fn in a transaction that is rolled back on --dry-run.
func (a *cliApp) inTx(fn func(tx *gorm.DB) error) error {
	db, err := a.database()
	if err != nil {
		return err
	}
	err = db.Transaction(func(tx *gorm.DB) error {
		if err := fn(tx); err != nil {
			return err
		}
		if a.dryRun {
			return errDryRun
		}
		return nil
	})
	if errors.Is(err, errDryRun) {
		return nil
	}
	return err
}

func (a *cliApp) printJSON(w io.Writer, v interface{}) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func newRootCmd(app *cliApp) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:           "ledgerctl",
		Short:         "ledgerctl - maintenance commands for the purchase ledger",
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.PersistentFlags().BoolVar(&app.dryRun, "dry-run", false, "Roll back all writes and only report what would change")
	rootCmd.PersistentFlags().BoolVarP(&app.asJSON, "json", "j", false, "Output as JSON")
	rootCmd.PersistentFlags().StringVar(&app.catalogPath, "catalog", env.GetEnv("CATALOG_PATH", ""), "Catalog YAML file (default: embedded catalog)")

	rootCmd.AddCommand(normalizeCmd(app))
	rootCmd.AddCommand(catalogCmd(app))
	rootCmd.AddCommand(relinkCmd(app))
	rootCmd.AddCommand(grantCmd(app))
	rootCmd.AddCommand(reconcileCmd(app))
	rootCmd.AddCommand(verifyCmd(app))
	rootCmd.AddCommand(purchasesCmd(app))
	rootCmd.AddCommand(conflictsCmd(app))

	return rootCmd
}

func main() {
	env.SetupEnvFile()

	if err := newRootCmd(newCLIApp()).Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
