package main

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"mkts-backend/internal/errs"
	"mkts-backend/internal/esi"
	"mkts-backend/internal/fits"
)

func newUpdateFitCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "update-fit",
		Short: "Parse an EFT fit file and apply it to the stores",
		RunE: func(cmd *cobra.Command, args []string) error {
			fitFile, _ := cmd.Flags().GetString("fit-file")
			metaFile, _ := cmd.Flags().GetString("meta-file")
			target, _ := cmd.Flags().GetInt64("target")
			noClear, _ := cmd.Flags().GetBool("no-clear")
			dryRun, _ := cmd.Flags().GetBool("dry-run")
			remote, _ := cmd.Flags().GetBool("remote")
			if fitFile == "" || metaFile == "" {
				return fmt.Errorf("%w: --fit-file and --meta-file are required", errs.ErrConfig)
			}

			fit, err := parseFitFile(fitFile)
			if err != nil {
				return err
			}
			meta, err := loadMetadata(metaFile)
			if err != nil {
				return err
			}

			e, err := buildEnv(cmd)
			if err != nil {
				return err
			}
			defer e.Close()

			market, err := e.Store.Engine()
			if remote {
				market, err = e.Store.RemoteEngine()
			}
			if err != nil {
				return err
			}
			fittingsStore, fittingsDB, err := openWriteEngine(e.Settings, "fittings")
			if err != nil {
				return err
			}
			defer fittingsStore.Close()

			updater := fits.NewUpdater(fittingsDB, market, e.Catalogue)
			preview, err := updater.Update(cmd.Context(), fit, *meta, fits.Options{
				Target:        target,
				ClearExisting: !noClear,
				DryRun:        dryRun,
			})
			if err != nil {
				return err
			}

			fmt.Printf("%s [%s] ship type %d\n", fit.FitName, fit.ShipName, preview.ShipTypeID)
			for _, item := range preview.Items {
				fmt.Printf("  %-40s x%-5d %s\n", item.Name, item.Quantity, item.Flag)
			}
			for _, name := range preview.MissingItems {
				fmt.Printf("  UNRESOLVED %s\n", name)
			}
			if dryRun {
				fmt.Println("dry run, nothing written")
				return nil
			}
			if remote {
				if _, err := e.Store.Sync(cmd.Context()); err != nil {
					return err
				}
			}
			return nil
		},
	}
	cmd.Flags().String("fit-file", "", "EFT fit file to parse")
	cmd.Flags().String("meta-file", "", "YAML or JSON metadata for the fit")
	cmd.Flags().Int64("target", 0, "Override the ship target from the metadata")
	cmd.Flags().Bool("no-clear", false, "Keep existing fit items instead of replacing them")
	cmd.Flags().Bool("dry-run", false, "Resolve and report without writing")
	cmd.Flags().Bool("remote", false, "Write to the remote replica and sync afterwards")
	return cmd
}

func parseFitFile(path string) (*fits.Fit, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("%w: opening fit file: %v", errs.ErrConfig, err)
	}
	defer f.Close()
	return fits.Parse(f)
}

// loadMetadata reads the fit metadata, accepting JSON or YAML by extension.
func loadMetadata(path string) (*fits.Metadata, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("%w: reading metadata: %v", errs.ErrConfig, err)
	}
	var meta fits.Metadata
	if strings.HasSuffix(path, ".json") {
		err = json.Unmarshal(b, &meta)
	} else {
		err = yaml.Unmarshal(b, &meta)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: parsing metadata: %v", errs.ErrConfig, err)
	}
	if meta.FitID == 0 || meta.FitName == "" {
		return nil, fmt.Errorf("%w: metadata needs fit_id and fit_name", errs.ErrConfig)
	}
	return &meta, nil
}

func newAuthCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "auth",
		Short: "Manage the OAuth2 identity",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "login",
		Short: "Run the interactive first-time authorization flow",
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := buildEnv(cmd)
			if err != nil {
				return err
			}
			defer e.Close()

			tokens, err := tokenStore(e.Settings)
			if err != nil {
				return err
			}
			state := uuid.NewString()
			scope := esi.StructureMarketScope
			fmt.Println("open this URL, log in, and paste the full redirect URL back:")
			fmt.Println()
			fmt.Println("  " + tokens.AuthorizeURL(state, scope))
			fmt.Println()
			fmt.Print("redirect URL: ")

			reader := bufio.NewReader(os.Stdin)
			redirect, err := reader.ReadString('\n')
			if err != nil {
				return fmt.Errorf("%w: reading redirect URL: %v", errs.ErrAuth, err)
			}
			tok, err := tokens.Bootstrap(cmd.Context(), strings.TrimSpace(redirect), scope)
			if err != nil {
				return err
			}
			fmt.Printf("token stored, expires_in %ds\n", tok.ExpiresIn)
			return nil
		},
	})
	return cmd
}
