package main

import (
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"imgcache/internal/imgcache"
	"imgcache/internal/logging"
)

func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "imgcache",
		Short: "Image caching proxy for the event site",
		Long: `imgcache sits in front of the site's origin and caches image responses in
versioned generations. Bumping cache.images in the config invalidates every
image cached under the previous tag on the next start.`,
		SilenceUsage: true,
	}
	cmd.PersistentFlags().String("config", getenvDefault("IMGCACHE_CONFIG", "./imgcache.yaml"), "path to imgcache.yaml")

	cmd.AddCommand(
		newServeCmd(),
		newStaticCmd(),
		newGenerationsCmd(),
		newSyncCmd(),
	)
	return cmd
}

func loadConfig(cmd *cobra.Command) (imgcache.Config, error) {
	path, err := cmd.Flags().GetString("config")
	if err != nil {
		return imgcache.Config{}, err
	}
	return imgcache.LoadConfig(path)
}

func newLogger(cfg imgcache.Config) *zap.Logger {
	return logging.New(logging.Options{
		Level: cfg.Logging.Level,
		JSON:  cfg.Logging.JSON,
	})
}
