package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"tidepool/internal/warm"
)

var warmOpts warm.Options

var warmCmd = &cobra.Command{
	Use:   "warm [paths...]",
	Short: "Prefetch routes and images of a deployment the way visitors' browsers would",
	Long: `Mounts a link for every path, lets each dwell in view so route prefetch and
image discovery run, then hovers every link so eager images are preloaded.

Without paths, the same-origin links of the --from pages are used.`,
	RunE: runWarm,
}

func init() {
	f := warmCmd.Flags()
	f.StringVar(&warmOpts.Base, "base", "", "storefront origin, e.g. https://shop.example")
	f.StringVar(&warmOpts.DiscoveryBase, "discovery", "", "image-discovery origin (defaults to --base)")
	f.StringSliceVar(&warmOpts.From, "from", nil, "seed pages whose links become targets (default /)")
	f.BoolVar(&warmOpts.Development, "dev", false, "report discovery failures as errors")
	f.IntVar(&warmOpts.Concurrency, "concurrency", 4, "parallel seed fetches and image preloads")
	f.DurationVar(&warmOpts.Dwell, "dwell", 0, "visibility dwell before prefetching (default 300ms)")
	_ = warmCmd.MarkFlagRequired("base")
}

func runWarm(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	opts := warmOpts
	opts.Paths = args
	opts.Logger = logger
	report, err := warm.Run(ctx, opts)
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "targets:          %d\n", len(report.Targets))
	fmt.Fprintf(out, "route prefetches: %d\n", report.RoutePrefetches)
	fmt.Fprintf(out, "images found:     %d\n", report.DiscoveredImages())
	fmt.Fprintf(out, "images preloaded: %d\n", len(report.Preloads))
	for _, f := range report.Failures {
		fmt.Fprintf(out, "FAIL %-8s %s: %v\n", f.Step, f.Href, f.Err)
	}
	if len(report.Failures) > 0 && opts.Development {
		return fmt.Errorf("%d warm steps failed", len(report.Failures))
	}
	return nil
}
