package main

import (
	"fmt"
	"os"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"gopkg.in/natefinch/lumberjack.v2"

	"mkts-backend/internal/auth"
	"mkts-backend/internal/config"
	"mkts-backend/internal/cycle"
	"mkts-backend/internal/errs"
	"mkts-backend/internal/esi"
	"mkts-backend/internal/sde"
	"mkts-backend/internal/store"
)

const (
	appName = "mkts"
	version = "v2.0.0"
)

func main() {
	_ = godotenv.Load()
	setupLogging()

	rootCmd := &cobra.Command{
		Use:     appName,
		Short:   "Market data pipeline: fetch, sync, derive",
		Version: version,
		Long: `mkts runs the market update cycle: it pulls open orders and daily
history from the upstream API, lands them on the write-side database,
syncs the local replica, and derives per-item market statistics and
doctrine readiness.`,
		RunE:          runCycle,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	rootCmd.Flags().Bool("history", false, "Also refresh daily history before deriving")
	rootCmd.Flags().Bool("check_tables", false, "Create missing tables on the write side first")
	rootCmd.Flags().Bool("validate-env", false, "Check credentials and exit")
	rootCmd.PersistentFlags().String("market", "primary", "Market alias from settings (primary, deployment, 4h)")
	rootCmd.PersistentFlags().String("settings", config.DefaultSettingsPath, "Path to the settings document")

	rootCmd.AddCommand(
		newSyncCmd(),
		newValidateCmd(),
		newStatusCmd(),
		newAgesCmd(),
		newRegionOrdersCmd(),
		newAddWatchlistCmd(),
		newUpdateFitCmd(),
		newAuthCmd(),
	)

	if err := rootCmd.Execute(); err != nil {
		log.Error().Err(err).Msg("command failed")
		os.Exit(errs.ExitCode(err))
	}
}

// setupLogging writes human-readable output to stderr and the full JSON
// stream to a rotated file.
func setupLogging() {
	zerolog.TimeFieldFormat = time.RFC3339
	fileWriter := &lumberjack.Logger{
		Filename:   "logs/mkts-backend.log",
		MaxSize:    10, // megabytes
		MaxBackups: 5,
		MaxAge:     14, // days
		Compress:   true,
	}
	console := zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.Kitchen}
	log.Logger = log.Output(zerolog.MultiLevelWriter(console, fileWriter))
}

// runCycle is the root command: one full update cycle.
func runCycle(cmd *cobra.Command, args []string) error {
	history, _ := cmd.Flags().GetBool("history")
	checkTables, _ := cmd.Flags().GetBool("check_tables")
	validateOnly, _ := cmd.Flags().GetBool("validate-env")

	if validateOnly {
		present, missing, err := config.ValidateEnv()
		for _, name := range present {
			fmt.Printf("  ok      %s\n", name)
		}
		for _, name := range missing {
			fmt.Printf("  MISSING %s\n", name)
		}
		return err
	}

	env, err := buildEnv(cmd)
	if err != nil {
		return err
	}
	defer env.Close()

	runner := cycle.New(env.Market, env.Store, env.Catalogue, env.Client)
	report, err := runner.Run(cmd.Context(), cycle.Options{
		IncludeHistory: history,
		CheckTables:    checkTables,
	})
	if err != nil {
		return err
	}

	fmt.Printf("cycle %s complete for %s\n", report.CycleID, report.Market)
	fmt.Printf("  orders:          %d\n", report.Orders)
	if history {
		fmt.Printf("  history records: %d\n", report.HistoryRecords)
	}
	fmt.Printf("  stats rows:      %d\n", report.StatsRows)
	fmt.Printf("  doctrine rows:   %d\n", report.DoctrineRows)
	fmt.Printf("  elapsed:         %s\n", report.Elapsed.Round(time.Millisecond))
	return nil
}

// env bundles the wired components a command needs.
type env struct {
	Settings  *config.Settings
	Market    config.Market
	Store     *store.Store
	SDEStore  *store.Store
	Catalogue *sde.Catalogue
	Client    *esi.Client
}

func (e *env) Close() {
	if e.Store != nil {
		e.Store.Close()
	}
	if e.SDEStore != nil {
		e.SDEStore.Close()
	}
}

// buildEnv loads settings and wires the store, catalogue, and upstream
// client for the selected market.
func buildEnv(cmd *cobra.Command) (*env, error) {
	settingsPath, _ := cmd.Flags().GetString("settings")
	marketAlias, _ := cmd.Flags().GetString("market")

	settings, err := config.Load(settingsPath)
	if err != nil {
		return nil, err
	}
	market, err := settings.Market(marketAlias)
	if err != nil {
		return nil, err
	}

	mktCfg, err := settings.Database("wcmkt")
	if err != nil {
		return nil, err
	}
	sdeCfg, err := settings.Database("sde")
	if err != nil {
		return nil, err
	}

	e := &env{
		Settings: settings,
		Market:   market,
		Store:    store.Open(mktCfg),
		SDEStore: store.Open(sdeCfg),
	}
	sdeDB, err := e.SDEStore.Engine()
	if err != nil {
		e.Close()
		return nil, err
	}
	e.Catalogue = sde.NewCatalogue(sdeDB)

	tokens, err := tokenStore(settings)
	if err != nil && market.Authenticated() {
		e.Close()
		return nil, err
	}
	clientCfg := esi.DefaultConfig(settings.ESI.BaseURL, settings.ESI.UserAgent, settings.ESI.CompatibilityDate)
	if tokens != nil {
		e.Client = esi.New(clientCfg, tokens)
	} else {
		e.Client = esi.New(clientCfg, nil)
	}
	return e, nil
}

// openWriteEngine opens the write side of a database alias: the remote
// replica when one is configured, otherwise the local file.
func openWriteEngine(settings *config.Settings, alias string) (*store.Store, *sqlx.DB, error) {
	cfg, err := settings.Database(alias)
	if err != nil {
		return nil, nil, err
	}
	st := store.Open(cfg)
	if cfg.HasRemote() {
		db, err := st.RemoteEngine()
		if err != nil {
			st.Close()
			return nil, nil, err
		}
		return st, db, nil
	}
	db, err := st.Engine()
	if err != nil {
		st.Close()
		return nil, nil, err
	}
	return st, db, nil
}

// tokenStore builds the OAuth2 token store from the environment. A missing
// credential pair is only an error for authenticated markets; the caller
// decides.
func tokenStore(settings *config.Settings) (*auth.Store, error) {
	clientID := os.Getenv("CLIENT_ID")
	secretKey := os.Getenv("SECRET_KEY")
	if clientID == "" || secretKey == "" {
		return nil, fmt.Errorf("%w: CLIENT_ID and SECRET_KEY must be set", errs.ErrConfig)
	}
	callback := os.Getenv("CALLBACK_URL")
	if callback == "" {
		callback = "http://localhost:8000/callback"
	}
	return auth.NewStore(auth.Config{
		ClientID:     clientID,
		SecretKey:    secretKey,
		RefreshToken: os.Getenv("REFRESH_TOKEN"),
		TokenURL:     settings.ESI.TokenURL,
		AuthorizeURL: settings.ESI.AuthorizeURL,
		CallbackURL:  callback,
		TokenFile:    "token.json",
	})
}
