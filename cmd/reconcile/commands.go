package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/google/uuid"
	"github.com/mcclellann/fredrecon/pkg/ledger"
	"github.com/mcclellann/fredrecon/pkg/models"
	"github.com/mcclellann/fredrecon/pkg/reconcile"
	"github.com/mcclellann/fredrecon/pkg/store"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

type app struct {
	log     *logrus.Logger
	connect func() (store.Storage, reconcile.Options, error)

	storage    store.Storage
	reconciler *reconcile.Reconciler
}

func newRootCmd(a *app) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:           "reconcile",
		Short:         "Apply verified bank transfer slips to loan contracts",
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			s, opts, err := a.connect()
			if err != nil {
				return err
			}
			a.storage = s
			a.reconciler = reconcile.New(reconcile.Deps{
				Loans:        s,
				Transactions: s,
				Pending:      s,
				Ledger:       ledger.NewLedger(s, a.log),
				Log:          a.log,
			}, opts)
			return nil
		},
	}

	rootCmd.AddCommand(processCmd(a))
	rootCmd.AddCommand(pendingCmd(a))
	rootCmd.AddCommand(migrateCmd())
	return rootCmd
}

// execute runs cmd and closes the store it opened, whether or not the
// command failed.
func (a *app) execute(cmd *cobra.Command) error {
	err := cmd.Execute()
	if a.storage != nil {
		if cerr := a.storage.Close(); cerr != nil && err == nil {
			err = fmt.Errorf("failed to close store: %w", cerr)
		}
		a.storage = nil
	}
	return err
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// readEvidence reads slip evidence from path, or from stdin when path is "-".
func readEvidence(cmd *cobra.Command, path string) (models.VerifiedPaymentEvidence, error) {
	var ev models.VerifiedPaymentEvidence
	var r io.Reader = cmd.InOrStdin()
	if path != "-" {
		f, err := os.Open(path)
		if err != nil {
			return ev, fmt.Errorf("failed to open evidence: %w", err)
		}
		defer f.Close()
		r = f
	}
	if err := json.NewDecoder(r).Decode(&ev); err != nil {
		return ev, fmt.Errorf("failed to decode evidence: %w", err)
	}
	return ev, nil
}

// printOutcome reports a reconcile result. A duplicate is a successful no-op.
func printOutcome(cmd *cobra.Command, out *reconcile.Outcome, err error) error {
	var dup *models.DuplicateTransactionError
	if errors.As(err, &dup) {
		return printJSON(cmd.OutOrStdout(), map[string]string{"state": "duplicate", "transaction_ref_id": dup.TransactionRefID})
	}
	if err != nil {
		return err
	}
	return printJSON(cmd.OutOrStdout(), out)
}

func processCmd(a *app) *cobra.Command {
	var hint, loan string
	cmd := &cobra.Command{
		Use:   "process <evidence.json>",
		Short: "Match, allocate and commit one verified payment",
		Long: `Process reads verified slip evidence as JSON ("-" for stdin) and applies it.
The loan is found by contract number, chat account hint, then sender bank
account, unless --loan names it. Evidence matching no loan is queued.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ev, err := readEvidence(cmd, args[0])
			if err != nil {
				return err
			}
			req := reconcile.RequestFromEvidence(ev, hint)
			if loan != "" {
				id, err := uuid.Parse(loan)
				if err != nil {
					return fmt.Errorf("invalid --loan: %w", err)
				}
				req.LoanID = &id
			}
			out, err := a.reconciler.Process(cmd.Context(), req)
			return printOutcome(cmd, out, err)
		},
	}

	cmd.Flags().StringVar(&hint, "hint", "", "Chat account id of the sender")
	cmd.Flags().StringVar(&loan, "loan", "", "Apply to this loan id instead of matching")
	return cmd
}

func pendingCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "pending",
		Short: "Review payments that matched no loan",
	}
	cmd.AddCommand(pendingListCmd(a), pendingResolveCmd(a), pendingRejectCmd(a))
	return cmd
}

func pendingListCmd(a *app) *cobra.Command {
	var status string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List pending payments",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			pending, err := a.reconciler.ListPending(cmd.Context(), models.PendingStatus(status))
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), pending)
		},
	}

	cmd.Flags().StringVarP(&status, "status", "s", string(models.PendingStatusUnmatched), "Filter by status (unmatched, matched, rejected); empty lists all")
	return cmd
}

func pendingResolveCmd(a *app) *cobra.Command {
	var loan string
	cmd := &cobra.Command{
		Use:   "resolve <pending-id>",
		Short: "Apply a pending payment to a loan",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := uuid.Parse(args[0])
			if err != nil {
				return fmt.Errorf("invalid pending payment id: %w", err)
			}
			loanID, err := uuid.Parse(loan)
			if err != nil {
				return fmt.Errorf("invalid --loan: %w", err)
			}
			out, err := a.reconciler.ResolvePending(cmd.Context(), id, loanID)
			return printOutcome(cmd, out, err)
		},
	}

	cmd.Flags().StringVar(&loan, "loan", "", "Loan id to apply the payment to")
	cmd.MarkFlagRequired("loan")
	return cmd
}

func pendingRejectCmd(a *app) *cobra.Command {
	var reason string
	cmd := &cobra.Command{
		Use:   "reject <pending-id>",
		Short: "Close a pending payment without applying it",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := uuid.Parse(args[0])
			if err != nil {
				return fmt.Errorf("invalid pending payment id: %w", err)
			}
			p, err := a.reconciler.RejectPending(cmd.Context(), id, reason)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), p)
		},
	}

	cmd.Flags().StringVar(&reason, "reason", "", "Why the payment is rejected")
	cmd.MarkFlagRequired("reason")
	return cmd
}

func migrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Bring the database schema up to date",
		Long: `Every command opens the store before it runs, and opening a SQL store
applies any pending schema migrations. Migrate does nothing beyond that, so
it is a way to upgrade the schema without processing payments.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			// Migrations already ran when the store was opened.
			fmt.Fprintln(cmd.OutOrStdout(), "Schema is up to date")
			return nil
		},
	}
}
