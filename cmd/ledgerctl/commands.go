package main

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"
	"gorm.io/gorm"

	"github.com/ManuelReschke/ContentPass/app/models"
	"github.com/ManuelReschke/ContentPass/internal/pkg/catalog"
	"github.com/ManuelReschke/ContentPass/internal/pkg/checkoutsync"
	"github.com/ManuelReschke/ContentPass/internal/pkg/env"
	"github.com/ManuelReschke/ContentPass/internal/pkg/ledger"
	"github.com/ManuelReschke/ContentPass/internal/pkg/linker"
)

const dryRunNote = " (dry run, rolled back)"

type normalizeRow struct {
	Raw string `json:"raw"`
	catalog.Result
}

func normalizeCmd(app *cliApp) *cobra.Command {
	return &cobra.Command{
		Use:   "normalize [raw-id...]",
		Short: "Show how raw product ids resolve to canonical keys",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cat, err := app.catalog()
			if err != nil {
				return err
			}
			rows := make([]normalizeRow, 0, len(args))
			for _, raw := range args {
				rows = append(rows, normalizeRow{Raw: raw, Result: cat.Normalize(raw)})
			}
			if app.asJSON {
				return app.printJSON(cmd.OutOrStdout(), rows)
			}

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "RAW\tKEY\tRULE\tUNMAPPED\tSOFT")
			for _, r := range rows {
				fmt.Fprintf(w, "%s\t%s\t%s\t%t\t%t\n", r.Raw, r.Key, r.Rule, r.Unmapped, r.SoftMatch)
			}
			return w.Flush()
		},
	}
}

func catalogCmd(app *cliApp) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "catalog",
		Short: "Inspect the product catalog",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "check",
		Short: "Load the catalog and fail on alias collisions",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cat, err := app.catalog()
			if err != nil {
				return err
			}
			if app.asJSON {
				return app.printJSON(cmd.OutOrStdout(), cat.Entries())
			}
			for _, e := range cat.Entries() {
				fmt.Fprintf(cmd.OutOrStdout(), "%-12s %s (aliases: %s)\n", e.Key, e.Name, strings.Join(e.Aliases, ", "))
			}
			fmt.Fprintf(cmd.OutOrStdout(), "ok: %d products\n", len(cat.Entries()))
			return nil
		},
	})
	return cmd
}

func relinkCmd(app *cliApp) *cobra.Command {
	var accountID, email string
	cmd := &cobra.Command{
		Use:   "relink",
		Short: "Attach unlinked purchases for an email to an account",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			var res linker.Result
			err := app.inTx(func(tx *gorm.DB) error {
				var err error
				res, err = linker.New(tx).Link(cmd.Context(), accountID, email)
				return err
			})
			if err != nil {
				return err
			}
			if app.asJSON {
				return app.printJSON(cmd.OutOrStdout(), res)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "linked %d purchases, %d conflicts%s\n", res.Linked, len(res.Conflicts), app.note())
			for _, c := range res.Conflicts {
				fmt.Fprintf(cmd.OutOrStdout(), "  conflict #%d purchase %d owned by %s\n", c.ID, c.PurchaseID, c.ExistingAccountID)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&accountID, "account", "", "Account id")
	cmd.Flags().StringVar(&email, "email", "", "Purchase email")
	_ = cmd.MarkFlagRequired("account")
	_ = cmd.MarkFlagRequired("email")
	return cmd
}

func grantCmd(app *cliApp) *cobra.Command {
	var email, product, accountID string
	var amount float64
	cmd := &cobra.Command{
		Use:   "grant",
		Short: "Record a manual purchase (idempotent per email and product)",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cat, err := app.catalog()
			if err != nil {
				return err
			}
			res := cat.Normalize(product)
			if res.Unmapped {
				return fmt.Errorf("product %q does not map to a catalog entry", product)
			}

			var p *models.Purchase
			var created bool
			err = app.inTx(func(tx *gorm.DB) error {
				var err error
				p, created, err = ledger.NewServiceFromDB(tx, cat).Grant(cmd.Context(), ledger.GrantInput{
					Email:        email,
					CanonicalKey: res.Key,
					RawID:        product,
					Amount:       amount,
					AccountID:    ledger.StringPtr(accountID),
				})
				return err
			})
			if err != nil {
				return err
			}
			if app.asJSON {
				return app.printJSON(cmd.OutOrStdout(), map[string]interface{}{"created": created, "purchase": p})
			}
			verb := "already granted"
			if created {
				verb = "granted"
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s %s to %s%s\n", verb, p.CanonicalProductKey, p.Email, app.note())
			return nil
		},
	}
	cmd.Flags().StringVar(&email, "email", "", "Buyer email")
	cmd.Flags().StringVar(&product, "product", "", "Product key, alias or raw id")
	cmd.Flags().StringVar(&accountID, "account", "", "Account id to link")
	cmd.Flags().Float64Var(&amount, "amount", 0, "Amount paid")
	_ = cmd.MarkFlagRequired("email")
	_ = cmd.MarkFlagRequired("product")
	return cmd
}

func reconcileCmd(app *cliApp) *cobra.Command {
	var concurrency int
	cmd := &cobra.Command{
		Use:   "reconcile [transaction-id...]",
		Short: "Pull transactions from the checkout provider into the ledger",
		Long: `Fetches each transaction and writes its line items through the same
path webhooks use. With --dry-run nothing is written; the command shows
which rows are missing instead.`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			adapter, err := app.adapter(concurrency)
			if err != nil {
				return err
			}
			if app.dryRun {
				return runVerify(cmd, app, adapter, args)
			}

			failed := 0
			outcomes := make([]checkoutsync.Outcome, 0, len(args))
			for _, txID := range args {
				out, err := adapter.Reconcile(cmd.Context(), txID)
				if err != nil {
					failed++
					fmt.Fprintf(cmd.ErrOrStderr(), "%s: %v\n", txID, err)
					continue
				}
				if out.HasErrors() {
					failed++
				}
				outcomes = append(outcomes, out)
			}

			if app.asJSON {
				if err := app.printJSON(cmd.OutOrStdout(), outcomes); err != nil {
					return err
				}
			} else {
				for _, out := range outcomes {
					fmt.Fprintf(cmd.OutOrStdout(), "%s: %d written, %d errors\n", out.TransactionID, len(out.Written), len(out.Errors))
					for _, w := range out.Written {
						fmt.Fprintf(cmd.OutOrStdout(), "  %-24s -> %-12s created=%t unmapped=%t\n", w.RawID, w.Key, w.Created, w.Unmapped)
					}
					for _, e := range out.Errors {
						fmt.Fprintf(cmd.OutOrStdout(), "  %-24s !! %s\n", e.RawID, e.Reason)
					}
				}
			}
			if failed > 0 {
				return fmt.Errorf("%d of %d transactions did not reconcile cleanly", failed, len(args))
			}
			return nil
		},
	}
	cmd.Flags().IntVar(&concurrency, "concurrency", env.GetInt("SYNC_MAX_CONCURRENCY", checkoutsync.DefaultMaxConcurrency), "Line items written in parallel")
	return cmd
}

func verifyCmd(app *cliApp) *cobra.Command {
	return &cobra.Command{
		Use:   "verify [transaction-id...]",
		Short: "Diff provider transactions against the ledger without writing",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			adapter, err := app.adapter(0)
			if err != nil {
				return err
			}
			return runVerify(cmd, app, adapter, args)
		},
	}
}

func runVerify(cmd *cobra.Command, app *cliApp, adapter *checkoutsync.Adapter, txIDs []string) error {
	outOfSync := 0
	diffs := make([]checkoutsync.Diff, 0, len(txIDs))
	for _, txID := range txIDs {
		diff, err := adapter.Verify(cmd.Context(), txID)
		if err != nil {
			return fmt.Errorf("%s: %w", txID, err)
		}
		if !diff.InSync() {
			outOfSync++
		}
		diffs = append(diffs, diff)
	}

	if app.asJSON {
		if err := app.printJSON(cmd.OutOrStdout(), diffs); err != nil {
			return err
		}
	} else {
		for _, d := range diffs {
			if d.InSync() {
				fmt.Fprintf(cmd.OutOrStdout(), "%s: in sync\n", d.TransactionID)
				continue
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s: %d missing, %d unexpected\n", d.TransactionID, len(d.Missing), len(d.Unexpected))
			for _, t := range d.Missing {
				fmt.Fprintf(cmd.OutOrStdout(), "  missing    %s %s\n", t.Email, t.CanonicalKey)
			}
			for _, t := range d.Unexpected {
				fmt.Fprintf(cmd.OutOrStdout(), "  unexpected %s %s\n", t.Email, t.CanonicalKey)
			}
		}
	}
	if outOfSync > 0 {
		return fmt.Errorf("%d of %d transactions out of sync", outOfSync, len(txIDs))
	}
	return nil
}

func purchasesCmd(app *cliApp) *cobra.Command {
	var filter ledger.ListFilter
	cmd := &cobra.Command{
		Use:   "purchases",
		Short: "List ledger rows, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			db, err := app.database()
			if err != nil {
				return err
			}
			cat, err := app.catalog()
			if err != nil {
				return err
			}
			rows, err := ledger.NewServiceFromDB(db, cat).List(cmd.Context(), filter)
			if err != nil {
				return err
			}
			if app.asJSON {
				return app.printJSON(cmd.OutOrStdout(), rows)
			}

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tEMAIL\tKEY\tRAW\tTRANSACTION\tSTATUS\tSOURCE\tACCOUNT\tUNMAPPED")
			for _, p := range rows {
				tx := "-"
				if p.TransactionID != nil {
					tx = *p.TransactionID
				}
				account := p.AccountIDValue()
				if account == "" {
					account = "-"
				}
				fmt.Fprintf(w, "%d\t%s\t%s\t%s\t%s\t%s\t%s\t%s\t%t\n",
					p.ID, p.Email, p.CanonicalProductKey, p.RawProductID, tx, p.Status, p.Source, account, p.Unmapped)
			}
			return w.Flush()
		},
	}
	cmd.Flags().StringVar(&filter.Email, "email", "", "Filter by email")
	cmd.Flags().StringVar(&filter.AccountID, "account", "", "Filter by account id")
	cmd.Flags().StringVar(&filter.TransactionID, "transaction", "", "Filter by transaction id")
	cmd.Flags().StringVar(&filter.Source, "source", "", "Filter by source (event, reconciliation, manual)")
	cmd.Flags().BoolVar(&filter.UnmappedOnly, "unmapped", false, "Only rows whose product id did not map")
	cmd.Flags().IntVar(&filter.Limit, "limit", 100, "Maximum rows")
	return cmd
}

func conflictsCmd(app *cliApp) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "conflicts",
		Short: "Review purchases claimed by two accounts",
	}

	var onlyOpen bool
	list := &cobra.Command{
		Use:   "list",
		Short: "List link conflicts",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			db, err := app.database()
			if err != nil {
				return err
			}
			conflicts, err := linker.New(db).Conflicts(cmd.Context(), onlyOpen)
			if err != nil {
				return err
			}
			if app.asJSON {
				return app.printJSON(cmd.OutOrStdout(), conflicts)
			}
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tPURCHASE\tEMAIL\tEXISTING\tREQUESTED\tRESOLVED")
			for _, c := range conflicts {
				fmt.Fprintf(w, "%d\t%d\t%s\t%s\t%s\t%t\n", c.ID, c.PurchaseID, c.Email, c.ExistingAccountID, c.RequestedAccountID, c.ResolvedAt != nil)
			}
			return w.Flush()
		},
	}
	list.Flags().BoolVar(&onlyOpen, "open", false, "Hide resolved conflicts")

	var note string
	resolve := &cobra.Command{
		Use:   "resolve [conflict-id]",
		Short: "Close a conflict after review",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := strconv.ParseUint(args[0], 10, 64)
			if err != nil || id == 0 {
				return fmt.Errorf("invalid conflict id %q", args[0])
			}
			err = app.inTx(func(tx *gorm.DB) error {
				_, err := linker.New(tx).ResolveConflict(cmd.Context(), uint(id), note)
				return err
			})
			if errors.Is(err, linker.ErrConflictNotFound) {
				return fmt.Errorf("conflict %d not found", id)
			}
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "resolved conflict %d%s\n", id, app.note())
			return nil
		},
	}
	resolve.Flags().StringVar(&note, "note", "", "Resolution note")

	cmd.AddCommand(list, resolve)
	return cmd
}

func (a *cliApp) adapter(concurrency int) (*checkoutsync.Adapter, error) {
	db, err := a.database()
	if err != nil {
		return nil, err
	}
	cat, err := a.catalog()
	if err != nil {
		return nil, err
	}
	return checkoutsync.New(a.provider(), ledger.NewServiceFromDB(db, cat), cat, concurrency), nil
}

func (a *cliApp) note() string {
	if a.dryRun {
		return dryRunNote
	}
	return ""
}
