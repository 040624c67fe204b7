package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"slices"
	"strconv"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/JakeFAU/sparepart-scheduler/internal/scheduler"
)

func newListCmd() *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "list [spider...]",
		Short: "Lists deferred crawl requests per spider",
		RunE: func(cmd *cobra.Command, args []string) error {
			appInstance, err := resolveApp(cmd.Context())
			if err != nil {
				return err
			}
			queues, err := appInstance.Queues(cmd.Context())
			if err != nil {
				return fmt.Errorf("list queues: %w", err)
			}
			if len(args) > 0 {
				for spider := range queues {
					if !slices.Contains(args, spider) {
						delete(queues, spider)
					}
				}
			}
			if asJSON {
				enc := json.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent("", "  ")
				if err := enc.Encode(queues); err != nil {
					return fmt.Errorf("encode queues: %w", err)
				}
				return nil
			}
			return printQueues(cmd, queues)
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "print the queues as JSON")
	return cmd
}

func printQueues(cmd *cobra.Command, queues map[string][]scheduler.QueueEntry) error {
	spiders := make([]string, 0, len(queues))
	for spider := range queues {
		spiders = append(spiders, spider)
	}
	slices.Sort(spiders)

	tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "SPIDER\tID\tADDED\tMERK\tMODEL")
	for _, spider := range spiders {
		for _, e := range queues[spider] {
			fmt.Fprintf(tw, "%s\t%d\t%s\t%s\t%s\n",
				spider, e.ID, e.DateAdded.Format(scheduler.DateAddedLayout),
				e.Params.Value("merk"), strings.Join(e.Params.Values("model"), " "))
		}
	}
	if err := tw.Flush(); err != nil {
		return fmt.Errorf("write queues: %w", err)
	}
	return nil
}

func newCancelCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "cancel <spider> <queue_id>",
		Short: "Removes a still-queued crawl request",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := strconv.ParseInt(args[1], 10, 64)
			if err != nil || id <= 0 {
				return fmt.Errorf("queue_id must be a positive integer, got %q", args[1])
			}
			appInstance, err := resolveApp(cmd.Context())
			if err != nil {
				return err
			}
			removed, err := appInstance.CancelQueued(cmd.Context(), args[0], id)
			if err != nil {
				return fmt.Errorf("cancel: %w", err)
			}
			if !removed {
				fmt.Fprintf(cmd.OutOrStdout(), "Queue %d for spider %s not found\n", id, args[0])
				return nil
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Queue %d for spider %s has been cancelled\n", id, args[0])
			return nil
		},
	}
}

func newDrainCmd() *cobra.Command {
	var (
		server  string
		timeout time.Duration
	)
	cmd := &cobra.Command{
		Use:   "drain [spider...]",
		Short: "Asks the running scheduler to drain queue heads whose spider has a free slot",
		Long: `drain sends the legacy job-0 completion callback for each spider to the
running scheduler service. The service performs the drain under its own
per-spider lock, after its callback delay.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			appInstance, err := resolveApp(cmd.Context())
			if err != nil {
				return err
			}
			ep := appInstance.Endpoint()
			if server != "" {
				ep.BaseURL = server
			}
			spiders := args
			if len(spiders) == 0 {
				spiders = appInstance.Spiders()
			}

			client := &http.Client{Timeout: timeout}
			var failed int
			for _, spider := range spiders {
				if err := requestDrain(cmd.Context(), client, ep, spider); err != nil {
					failed++
					fmt.Fprintf(cmd.OutOrStdout(), "%s\terror\t%v\n", spider, err)
					continue
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s\trequested\n", spider)
			}
			if failed > 0 {
				return fmt.Errorf("%d spider(s) failed to drain", failed)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&server, "server", "", "scheduler base URL (defaults to the configured local port)")
	cmd.Flags().DurationVar(&timeout, "timeout", 10*time.Second, "per-request timeout")
	return cmd
}

func requestDrain(ctx context.Context, client *http.Client, ep Endpoint, spider string) error {
	target := strings.TrimRight(ep.BaseURL, "/") + "/crawler_queue_check/" + url.PathEscape(spider) + "/0"
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	if ep.APIKey != "" {
		req.Header.Set("X-API-Key", ep.APIKey)
	}
	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("call scheduler: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("scheduler answered %s", resp.Status)
	}
	var body struct {
		Success bool   `json:"success"`
		Message string `json:"message"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	if !body.Success {
		return fmt.Errorf("scheduler refused: %s", body.Message)
	}
	return nil
}
