package main

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/discernus/discernus/config"
	"github.com/discernus/discernus/internal/artifact"
	"github.com/discernus/discernus/internal/audit"
	"github.com/discernus/discernus/internal/manifest"
	"github.com/discernus/discernus/internal/store"
)

func verifyCMD() *cobra.Command {
	var cfgPath string

	var verify = &cobra.Command{
		Use:   "verify <run-id>",
		Short: "Verify a run's signed manifest, artifacts and audit trail",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadConfig(cfgPath)
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			runID := args[0]

			st, err := store.NewWithDSN(ctx, cfg.Storage.Postgres.DSN())
			if err != nil {
				return fmt.Errorf("connect postgres: %w", err)
			}
			rec, ok, err := st.GetRunManifest(ctx, runID)
			if err != nil {
				return fmt.Errorf("load manifest: %w", err)
			}
			if !ok {
				return fmt.Errorf("no manifest recorded for run %s", runID)
			}

			var signed manifest.SignedRunManifest
			if err := json.Unmarshal(rec.Manifest, &signed); err != nil {
				return fmt.Errorf("decode manifest: %w", err)
			}
			if err := manifest.VerifyRunManifest(signed, cfg.General.ManifestSecret); err != nil {
				return fmt.Errorf("manifest verification failed: %w", err)
			}
			fmt.Printf("manifest: ok (%s, signed %s)\n", signed.Algorithm, signed.SignedAt.Format("2006-01-02 15:04:05"))

			storage, err := artifact.Open(cfg.Storage.Artifacts.RootDir)
			if err != nil {
				return fmt.Errorf("open artifact store: %w", err)
			}
			var missing, corrupt int
			for _, a := range signed.Manifest.Artifacts {
				if !storage.Has(a.Hash) {
					fmt.Fprintf(os.Stderr, "missing artifact %s (%s %s)\n", a.Hash, a.Phase, a.DocumentID)
					missing++
					continue
				}
				if _, err := storage.Get(ctx, a.Hash); err != nil {
					fmt.Fprintf(os.Stderr, "corrupt artifact %s: %v\n", a.Hash, err)
					corrupt++
				}
			}
			fmt.Printf("artifacts: %d checked, %d missing, %d corrupt\n",
				len(signed.Manifest.Artifacts), missing, corrupt)

			auditPath := filepath.Join(cfg.Storage.Artifacts.RootDir, runID, "audit.jsonl")
			events, err := audit.ReadAll(auditPath)
			if err != nil {
				fmt.Fprintf(os.Stderr, "audit trail unreadable: %v\n", err)
			} else {
				byCategory := make(map[audit.Category]int)
				for _, e := range events {
					byCategory[e.Category]++
				}
				fmt.Printf("audit: %d events", len(events))
				for cat, n := range byCategory {
					fmt.Printf(" %s=%d", cat, n)
				}
				fmt.Println()
			}

			if missing > 0 || corrupt > 0 {
				return fmt.Errorf("run %s failed artifact verification", runID)
			}
			fmt.Printf("run %s verified\n", runID)
			return nil
		},
	}
	verify.PersistentFlags().StringVarP(&cfgPath, "config", "c", "", "config file (default is .)")

	return verify
}
