package cmd

import (
	"fmt"
	"net/http"
	"os"

	"github.com/gorilla/mux"
	"github.com/mezonai/combinedb/chain"
	"github.com/mezonai/combinedb/config"
	"github.com/mezonai/combinedb/exception"
	"github.com/mezonai/combinedb/jsonx"
	"github.com/mezonai/combinedb/kv"
	"github.com/mezonai/combinedb/logx"
	"github.com/mezonai/combinedb/monitoring"
	"github.com/spf13/cobra"
)

const logCategory = "CMD"

var (
	configPath   string
	kvConfigPath string
	outputJSON   bool

	dbConfig *config.DatabaseConfig
)

var rootCmd = &cobra.Command{
	Use:   "combinedb",
	Short: "Combined state database CLI",
	Long:  "Command line interface for checking, snapshotting and archiving a combined state database.",
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.LoadDatabaseConfig(configPath)
		if err != nil {
			return err
		}
		dbConfig = cfg
		startMetrics(cfg.MetricsAddr)
		return nil
	},
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "config/database.yml", "database configuration file")
	rootCmd.PersistentFlags().StringVar(&kvConfigPath, "kv-config", "", "ini file with a [kv] limits section")
	rootCmd.PersistentFlags().BoolVar(&outputJSON, "json", false, "print reports as JSON")
}

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		logx.Error(logCategory, "Command execution failed: ", err)
		os.Exit(1)
	}
}

func startMetrics(addr string) {
	if addr == "" {
		return
	}
	monitoring.InitMetrics()
	router := mux.NewRouter()
	monitoring.RegisterMetrics(router)
	exception.SafeGo("metrics server", func() {
		if err := http.ListenAndServe(addr, router); err != nil {
			logx.Error(logCategory, "metrics server on ", addr, " stopped: ", err)
		}
	})
}

// openDatabase opens the configured database and refuses a backing store
// switch that would strand contract rows.
func openDatabase() (*chain.CombinedDatabase, error) {
	backing, err := chain.ParseBackingStore(dbConfig.BackingStore)
	if err != nil {
		return nil, err
	}
	store := dbConfig.Store
	d, err := chain.OpenCombinedDatabase(chain.Options{BackingStore: backing, Store: &store})
	if err != nil {
		return nil, err
	}
	if err := d.CheckBackingStoreSetting(); err != nil {
		d.Close()
		return nil, err
	}
	if kvConfigPath != "" {
		limits, err := config.LoadKVLimitsConfig(kvConfigPath)
		if err != nil {
			d.Close()
			return nil, err
		}
		if err := d.SetKVLimits(limits.Limits); err != nil {
			d.Close()
			return nil, err
		}
	}
	return d, nil
}

type checkReport struct {
	BackingStore string    `json:"backing_store"`
	Revision     int64     `json:"revision"`
	KVLimits     kv.Limits `json:"kv_limits"`
}

var checkCmd = &cobra.Command{
	Use:   "check",
	Short: "Open the database and verify its backing store setting",
	RunE: func(cmd *cobra.Command, args []string) error {
		d, err := openDatabase()
		if err != nil {
			return err
		}
		defer d.Close()
		report := checkReport{
			BackingStore: string(d.BackingStore()),
			Revision:     d.Revision(),
			KVLimits:     d.KVLimits(),
		}
		if outputJSON {
			if err := jsonx.WriteIndented(cmd.OutOrStdout(), report); err != nil {
				return err
			}
		} else {
			fmt.Fprintf(cmd.OutOrStdout(), "backing store: %s\nrevision:      %d\nkv limits:     %+v\n",
				report.BackingStore, report.Revision, report.KVLimits)
		}
		return d.Flush()
	},
}

func init() {
	rootCmd.AddCommand(checkCmd)
}
