// Package main provides the rxsafety command line tool.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/drfirst/go-rxsafety/internal/bootstrap"
	"github.com/drfirst/go-rxsafety/internal/config"
	"github.com/drfirst/go-rxsafety/internal/domain/catalog"
	"github.com/drfirst/go-rxsafety/internal/domain/safety"
	"github.com/drfirst/go-rxsafety/internal/infrastructure/postgres"
	"github.com/drfirst/go-rxsafety/internal/infrastructure/redpanda"
)

func main() {
	_ = godotenv.Load()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := rootCmd().ExecuteContext(ctx); err != nil {
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:          "rxsafety",
		Short:        "Prescription safety scoring tools",
		SilenceUsage: true,
	}
	root.AddCommand(scoreCmd())
	root.AddCommand(catalogCmd())
	root.AddCommand(topicsCmd())
	root.AddCommand(dbCmd())
	return root
}

func scoreCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "score",
		Short: "Score a JSON prescription and print the flag vector",
		RunE: func(cmd *cobra.Command, args []string) error {
			catalogPath, _ := cmd.Flags().GetString("catalog")
			encoding, _ := cmd.Flags().GetString("encoding")
			input, _ := cmd.Flags().GetString("input")
			offline, _ := cmd.Flags().GetBool("offline")

			in, err := readPrescription(cmd.InOrStdin(), input)
			if err != nil {
				return err
			}

			var scorer interface {
				Score(context.Context, safety.PrescriptionInput) (*safety.FlagVector, error)
			}
			if offline {
				records, _, err := catalog.ReadFile(catalogPath, encoding, zap.NewNop())
				if err != nil {
					return err
				}
				scorer = safety.New(catalog.New(records), safety.StaticMatcher{})
			} else {
				cfg, err := config.Load()
				if err != nil {
					return err
				}
				cfg.CatalogSource = config.CatalogSourceCSV
				cfg.CatalogPath = catalogPath
				cfg.CatalogEncoding = encoding
				engine, err := bootstrap.NewEngine(cmd.Context(), cfg, nil, nil, zap.NewNop())
				if err != nil {
					return err
				}
				defer engine.Close()
				scorer = engine
			}

			result, err := scorer.Score(cmd.Context(), in)
			if err != nil {
				return err
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(result)
		},
	}
	cmd.Flags().String("catalog", "data/ade.csv", "Path to the drug catalog CSV")
	cmd.Flags().String("encoding", catalog.EncodingUTF8, "Catalog file encoding (utf-8, latin1)")
	cmd.Flags().String("input", "-", "Prescription JSON file, - for stdin")
	cmd.Flags().Bool("offline", false, "Skip the semantic allergy matcher")
	return cmd
}

func readPrescription(stdin io.Reader, path string) (safety.PrescriptionInput, error) {
	var in safety.PrescriptionInput
	r := stdin
	if path != "-" {
		f, err := os.Open(path)
		if err != nil {
			return in, err
		}
		defer f.Close()
		r = f
	}
	if err := json.NewDecoder(r).Decode(&in); err != nil {
		return in, fmt.Errorf("decode prescription: %w", err)
	}
	return in, nil
}

func catalogCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "catalog",
		Short: "Manage the drug catalog",
	}

	importCmd := &cobra.Command{
		Use:   "import",
		Short: "Replace the Postgres drug catalog with a CSV file",
		RunE: func(cmd *cobra.Command, args []string) error {
			file, _ := cmd.Flags().GetString("file")
			encoding, _ := cmd.Flags().GetString("encoding")

			records, stats, err := catalog.ReadFile(file, encoding, zap.NewNop())
			if err != nil {
				return err
			}

			cfg, err := config.Load()
			if err != nil {
				return err
			}
			pool, err := postgres.NewPool(cmd.Context(), cfg.DatabaseURL)
			if err != nil {
				return err
			}
			defer pool.Close()
			if err := postgres.Migrate(cmd.Context(), pool); err != nil {
				return err
			}

			n, err := postgres.ImportCatalog(cmd.Context(), pool, records)
			if err != nil {
				return fmt.Errorf("import failed: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Imported %d drug(s) from %d row(s); %d with unreadable limits, skipped %d empty.\n",
				n, stats.Rows, stats.Incomplete, stats.SkippedEmpty)
			return nil
		},
	}
	importCmd.Flags().String("file", "data/ade.csv", "Path to the drug catalog CSV")
	importCmd.Flags().String("encoding", catalog.EncodingUTF8, "Catalog file encoding (utf-8, latin1)")
	cmd.AddCommand(importCmd)
	return cmd
}

func topicsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "topics",
		Short: "Manage Redpanda topics",
	}

	ensureCmd := &cobra.Command{
		Use:   "ensure",
		Short: "Create the service topics when missing",
		RunE: func(cmd *cobra.Command, args []string) error {
			replication, _ := cmd.Flags().GetInt16("replication")

			cfg, err := config.Load()
			if err != nil {
				return err
			}
			admin, err := redpanda.NewAdmin(cfg.Brokers(), zap.NewNop())
			if err != nil {
				return err
			}
			defer admin.Close()

			created, err := admin.EnsureTopics(cmd.Context(), redpanda.DefaultTopicConfigs(replication))
			if err != nil {
				return err
			}
			if len(created) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "All topics already exist.")
				return nil
			}
			for _, name := range created {
				fmt.Fprintf(cmd.OutOrStdout(), "Created %s\n", name)
			}
			return nil
		},
	}
	ensureCmd.Flags().Int16("replication", 1, "Replication factor for new topics")
	cmd.AddCommand(ensureCmd)
	return cmd
}

func dbCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "db",
		Short: "Database maintenance",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "migrate",
		Short: "Create the service tables when missing",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			pool, err := postgres.NewPool(cmd.Context(), cfg.DatabaseURL)
			if err != nil {
				return err
			}
			defer pool.Close()
			if err := postgres.Migrate(cmd.Context(), pool); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "Schema is up to date.")
			return nil
		},
	})
	return cmd
}
