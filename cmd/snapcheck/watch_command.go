package main

import (
	"fmt"
	"regexp"
	"time"

	"github.com/spf13/cobra"

	"github.com/dharsanguruparan/snapcheck/internal/poller"
)

var fragmentStatus = regexp.MustCompile(`class="work-item status-([a-z]+)"`)

func newWatchCommand() *cobra.Command {
	var (
		baseURL string
		opts    poller.Options
	)
	cmd := &cobra.Command{
		Use:   "watch <id>",
		Short: "Poll a work item's status until it finishes",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			out := cmd.OutOrStdout()
			last := ""
			p := poller.New(&poller.HTTPFetcher{BaseURL: baseURL}, args[0], func(fragment string) {
				status := fragmentStatusOf(fragment)
				if status != last {
					fmt.Fprintf(out, "%s  %s\n", time.Now().Format(time.TimeOnly), status)
					last = status
				}
			}, opts)
			outcome, err := p.Run(cmd.Context())
			switch outcome {
			case poller.Terminal:
				return nil
			case poller.GaveUp:
				return fmt.Errorf("gave up waiting for %s (last status %s)", args[0], last)
			default:
				return err
			}
		},
	}
	cmd.Flags().StringVar(&baseURL, "url", "http://localhost:8080", "Base URL of the web tier")
	cmd.Flags().DurationVar(&opts.Interval, "interval", poller.DefaultInterval, "Polling interval")
	cmd.Flags().IntVar(&opts.MaxAttempts, "max-attempts", 0, "Stop after this many fetches (0 = unlimited)")
	cmd.Flags().DurationVar(&opts.MaxDuration, "max-duration", 0, "Stop after this long (0 = unlimited)")
	return cmd
}

func fragmentStatusOf(fragment string) string {
	if m := fragmentStatus.FindStringSubmatch(fragment); m != nil {
		return m[1]
	}
	return "unknown"
}
