package main

import (
	"encoding/json"
	"fmt"
	"net/url"

	"github.com/spf13/cobra"

	"tidepool/internal/discovery"
	"tidepool/navlink"
)

var inspectSites string

var inspectCmd = &cobra.Command{
	Use:   "inspect URL",
	Short: "Print the images a page exposes to link prefetching",
	Args:  cobra.ExactArgs(1),
	RunE:  runInspect,
}

func init() {
	inspectCmd.Flags().StringVar(&inspectSites, "sites", "", "site config directory (default from TIDEPOOL_SITES_DIR)")
}

func runInspect(cmd *cobra.Command, args []string) error {
	target := args[0]
	u, err := url.Parse(target)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return fmt.Errorf("inspect: %q is not an absolute URL", target)
	}
	cfg := discovery.DefaultConfig()
	cfg.Logger = logger
	cfg.DiskCacheDir = ""
	if inspectSites != "" {
		cfg.SitesDir = inspectSites
	}
	s, err := discovery.New(cfg)
	if err != nil {
		return err
	}
	defer s.Close()

	images, err := s.Discover(cmd.Context(), u.String())
	if err != nil {
		return err
	}
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(navlink.DiscoveryResponse{Images: images})
}
