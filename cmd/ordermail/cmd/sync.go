package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"ordermail/internal/catalog"
	"ordermail/internal/erp"
)

var syncCmd = &cobra.Command{
	Use:   "sync-once",
	Short: "Run one catalog sync pass and exit",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		logger := newLogger()

		store := catalog.NewStore(cfg.Paths.CatalogDir)
		if err := store.Load(); err != nil {
			return err
		}
		watermark := catalog.NewWatermark(cfg.Paths.CatalogDir)
		client := erp.NewHTTPClient(&erp.Config{
			URL: cfg.ERP.URL, DB: cfg.ERP.DB,
			User: cfg.ERP.User, Password: cfg.ERP.Password,
			Timeout: cfg.ERP.Timeout,
		})

		result, err := catalog.NewSyncer(store, watermark, client, logger).Sync(cmd.Context())
		if err != nil {
			return err
		}
		products, customers := store.Counts()
		fmt.Printf("synced %d products, %d customers (catalog now %d/%d)\n",
			result.ProductsSynced, result.CustomersSynced, products, customers)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(syncCmd)
}
