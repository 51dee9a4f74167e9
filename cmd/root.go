package cmd

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var cfgFile string

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "quadsnap",
	Short: "Retrieve stitched aerial imagery for any bounding box",
	Long: `quadsnap downloads quadkey-addressed map tiles for a geographic
bounding box, picks the finest zoom level with full imagery coverage,
and stitches the tiles into a single cropped image.

Tiles without real imagery are detected by comparing against the
service's null-tile response; when any tile in the grid is missing the
next coarser zoom level is tried instead.

Examples:
  # Fetch labeled imagery of central London to a file
  quadsnap fetch --lat1 51.611650 --lng1 -0.340893 --lat2 51.371810 --lng2 0.112293 --level 15 -o london.png

  # Plain aerial imagery, JPEG output, no tile cache
  quadsnap fetch --lat1 48.9 --lng1 2.2 --lat2 48.8 --lng2 2.5 --labels=false --cache=false --format jpeg -o paris.jpg

  # Start the HTTP API
  quadsnap serve --port 8080`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return cmd.Help()
	},
}

// Execute adds all child commands to the root command and sets flags appropriately.
// This is called by main.main(). It only needs to happen once to the rootCmd.
func Execute() {
	err := rootCmd.Execute()
	if err != nil {
		os.Exit(1)
	}
}

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is $HOME/.quadsnap.yaml)")

	// Retrieval options shared by all subcommands
	rootCmd.PersistentFlags().Bool("labels", true, "request imagery with road and place labels")
	rootCmd.PersistentFlags().Bool("cache", true, "cache downloaded tiles on disk")
	rootCmd.PersistentFlags().String("cache-dir", "", "tile cache directory (default: per-user cache dir)")
	rootCmd.PersistentFlags().String("culture", "en-us", "culture code sent with tile requests")
	rootCmd.PersistentFlags().StringP("format", "f", "png", "output format (png|jpeg)")
	rootCmd.PersistentFlags().String("source-url", "", "tile source URL template (overrides the built-in default)")
	rootCmd.PersistentFlags().String("user-agent", "quadsnap/1.0", "HTTP User-Agent header")
	rootCmd.PersistentFlags().Int("workers", 8, "concurrent tile downloads")
	rootCmd.PersistentFlags().Duration("timeout", 30*time.Second, "per-request HTTP timeout")
	rootCmd.PersistentFlags().String("log-level", "info", "log level (debug|info|warn|error)")

	viper.BindPFlag("labels", rootCmd.PersistentFlags().Lookup("labels"))
	viper.BindPFlag("cache", rootCmd.PersistentFlags().Lookup("cache"))
	viper.BindPFlag("cache-dir", rootCmd.PersistentFlags().Lookup("cache-dir"))
	viper.BindPFlag("culture", rootCmd.PersistentFlags().Lookup("culture"))
	viper.BindPFlag("format", rootCmd.PersistentFlags().Lookup("format"))
	viper.BindPFlag("source-url", rootCmd.PersistentFlags().Lookup("source-url"))
	viper.BindPFlag("user-agent", rootCmd.PersistentFlags().Lookup("user-agent"))
	viper.BindPFlag("workers", rootCmd.PersistentFlags().Lookup("workers"))
	viper.BindPFlag("timeout", rootCmd.PersistentFlags().Lookup("timeout"))
	viper.BindPFlag("log-level", rootCmd.PersistentFlags().Lookup("log-level"))
}

// initConfig reads in config file and ENV variables if set.
func initConfig() {
	if cfgFile != "" {
		// Use config file from the flag.
		viper.SetConfigFile(cfgFile)
	} else {
		// Find home directory.
		home, err := os.UserHomeDir()
		cobra.CheckErr(err)

		// Search config in home directory with name ".quadsnap" (without extension).
		viper.AddConfigPath(home)
		viper.SetConfigType("yaml")
		viper.SetConfigName(".quadsnap")
	}

	viper.SetEnvPrefix("QUADSNAP")
	viper.AutomaticEnv() // read in environment variables that match

	// If a config file is found, read it in.
	if err := viper.ReadInConfig(); err == nil {
		fmt.Fprintln(os.Stderr, "Using config file:", viper.ConfigFileUsed())
	}
}
