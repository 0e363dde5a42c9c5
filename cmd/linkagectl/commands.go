package main

import (
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strconv"

	"github.com/spf13/cobra"

	"linkage/internal/contact"
	"linkage/internal/contact/models"
	"linkage/internal/platform/database"
)

type rootFlags struct {
	databaseURL string
	verbose     bool
}

func newRootCommand() *cobra.Command {
	flags := &rootFlags{}
	cmd := &cobra.Command{
		Use:           "linkagectl",
		Short:         "Operate the linkage contact store",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	cmd.PersistentFlags().StringVar(&flags.databaseURL, "database-url", os.Getenv("DATABASE_URL"),
		"PostgreSQL URL or sqlite://path (defaults to $DATABASE_URL)")
	cmd.PersistentFlags().BoolVarP(&flags.verbose, "verbose", "v", false, "log reconciliation details to stderr")

	cmd.AddCommand(
		newMigrateCommand(flags),
		newIdentifyCommand(flags),
		newClusterCommand(flags),
	)
	return cmd
}

func newMigrateCommand(flags *rootFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Create or update the contacts schema",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			db, err := flags.open(cmd)
			if err != nil {
				return err
			}
			defer db.Close()
			fmt.Fprintf(cmd.OutOrStdout(), "%s schema is up to date\n", db.Driver)
			return nil
		},
	}
}

func newIdentifyCommand(flags *rootFlags) *cobra.Command {
	var email, phone string
	cmd := &cobra.Command{
		Use:   "identify",
		Short: "Reconcile one email/phone submission and print its cluster",
		Example: `  linkagectl identify --email lorraine@hillvalley.edu --phone 123456
  linkagectl identify --phone 123456`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			db, err := flags.open(cmd)
			if err != nil {
				return err
			}
			defer db.Close()

			svc := contact.NewService(contact.Deps{DB: db, Logger: flags.logger(cmd)})
			resp, err := svc.Identify(cmd.Context(), models.IdentifyRequest{Email: email, PhoneNumber: phone})
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), resp)
		},
	}
	cmd.Flags().StringVar(&email, "email", "", "contact email")
	cmd.Flags().StringVar(&phone, "phone", "", "contact phone number")
	cmd.MarkFlagsOneRequired("email", "phone")
	return cmd
}

func newClusterCommand(flags *rootFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "cluster <contact-id>",
		Short: "Print the cluster containing a contact",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := strconv.ParseInt(args[0], 10, 64)
			if err != nil || id <= 0 {
				return fmt.Errorf("contact id must be a positive integer, got %q", args[0])
			}
			db, err := flags.open(cmd)
			if err != nil {
				return err
			}
			defer db.Close()

			svc := contact.NewService(contact.Deps{DB: db, Logger: flags.logger(cmd)})
			resp, err := svc.Cluster(cmd.Context(), id)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), resp)
		},
	}
}

// open connects and migrates. The CLI needs a durable store; an in-memory
// one would be discarded on exit.
func (f *rootFlags) open(cmd *cobra.Command) (*database.DB, error) {
	if database.DriverFor(f.databaseURL) == database.DriverMemory {
		return nil, fmt.Errorf("--database-url or DATABASE_URL is required")
	}
	db, err := database.Open(cmd.Context(), database.Config{URL: f.databaseURL})
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	return db, nil
}

func (f *rootFlags) logger(cmd *cobra.Command) *slog.Logger {
	level := slog.LevelWarn
	if f.verbose {
		level = slog.LevelDebug
	}
	return slog.New(slog.NewTextHandler(cmd.ErrOrStderr(), &slog.HandlerOptions{Level: level}))
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
