package main

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"imgcache/internal/imgcache"
)

func newSyncCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sync",
		Short: "Ask a running proxy to resync its cached images",
		RunE: func(cmd *cobra.Command, _ []string) error {
			base, _ := cmd.Flags().GetString("url")
			tag, _ := cmd.Flags().GetString("tag")

			endpoint := strings.TrimRight(base, "/") + "/_imgcache/sync?tag=" + url.QueryEscape(tag)
			req, err := http.NewRequestWithContext(cmd.Context(), http.MethodPost, endpoint, nil)
			if err != nil {
				return err
			}
			client := &http.Client{Timeout: 10 * time.Minute}
			resp, err := client.Do(req)
			if err != nil {
				return fmt.Errorf("sync request: %w", err)
			}
			defer resp.Body.Close()

			if resp.StatusCode != http.StatusOK {
				var e struct {
					Error string `json:"error"`
				}
				_ = json.NewDecoder(resp.Body).Decode(&e)
				return fmt.Errorf("sync failed: %s: %s", resp.Status, e.Error)
			}

			var report imgcache.SyncReport
			if err := json.NewDecoder(resp.Body).Decode(&report); err != nil {
				return fmt.Errorf("decode sync report: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "sync %s: total=%d refreshed=%d unchanged=%d failed=%d\n",
				report.ID, report.Total, report.Refreshed, report.Unchanged, report.Failed)
			return nil
		},
	}
	cmd.Flags().String("url", "http://localhost:8080", "base URL of the running proxy")
	cmd.Flags().String("tag", imgcache.DefaultSyncTag, "sync tag to deliver")
	return cmd
}
