package cmd

import (
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/spf13/cobra"
)

var healthAddr string

var healthCmd = &cobra.Command{
	Use:   "health",
	Short: "Query the status endpoint of a running service",
	RunE: func(cmd *cobra.Command, args []string) error {
		client := &http.Client{Timeout: 5 * time.Second}
		resp, err := client.Get("http://" + healthAddr + "/api/status")
		if err != nil {
			return fmt.Errorf("service unreachable: %w", err)
		}
		defer resp.Body.Close()
		body, err := io.ReadAll(resp.Body)
		if err != nil {
			return err
		}
		if resp.StatusCode != http.StatusOK {
			return fmt.Errorf("status %d: %s", resp.StatusCode, body)
		}
		fmt.Println(string(body))
		return nil
	},
}

func init() {
	healthCmd.Flags().StringVar(&healthAddr, "addr", "127.0.0.1:8415", "status server address")
	rootCmd.AddCommand(healthCmd)
}
