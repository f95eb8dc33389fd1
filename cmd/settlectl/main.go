package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/url"
	"os"
	"os/signal"
	"sort"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/punchamoorthee/settlement/internal/domain"
	"github.com/punchamoorthee/settlement/internal/models"
	"github.com/spf13/cobra"
)

var Version = "dev"

type rootOptions struct {
	url     string
	timeout time.Duration
	json    bool
}

func main() {
	opts := &rootOptions{}
	rootCmd := &cobra.Command{
		Use:           "settlectl",
		Short:         "Operate the payroll settlement engine",
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	defaultURL := os.Getenv("SETTLEMENT_URL")
	if defaultURL == "" {
		defaultURL = "http://localhost:8080"
	}
	rootCmd.PersistentFlags().StringVar(&opts.url, "url", defaultURL, "Settlement API base URL")
	rootCmd.PersistentFlags().DurationVar(&opts.timeout, "timeout", 30*time.Second, "Request timeout")
	rootCmd.PersistentFlags().BoolVarP(&opts.json, "json", "j", false, "Output as JSON")

	rootCmd.AddCommand(intentsCmd(opts))
	rootCmd.AddCommand(showCmd(opts))
	rootCmd.AddCommand(cancelCmd(opts))
	rootCmd.AddCommand(retryCmd(opts))
	rootCmd.AddCommand(reconcileCmd(opts))
	rootCmd.AddCommand(divergencesCmd(opts))
	rootCmd.AddCommand(statsCmd(opts))
	rootCmd.AddCommand(pricesCmd(opts))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		stop()
		os.Exit(1)
	}
}

func (o *rootOptions) client() *apiClient {
	return newAPIClient(o.url, o.timeout)
}

func intentsCmd(opts *rootOptions) *cobra.Command {
	var states, kinds []string
	var key string
	var limit int

	cmd := &cobra.Command{
		Use:   "intents",
		Short: "List intents, newest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			q := url.Values{}
			if len(states) > 0 {
				q.Set("state", strings.Join(states, ","))
			}
			if len(kinds) > 0 {
				q.Set("kind", strings.Join(kinds, ","))
			}
			if key != "" {
				q.Set("key", key)
			}
			if limit > 0 {
				q.Set("limit", fmt.Sprint(limit))
			}
			list, err := opts.client().listIntents(cmd.Context(), q)
			if err != nil {
				return err
			}
			if opts.json {
				return printJSON(cmd.OutOrStdout(), list)
			}
			printIntents(cmd.OutOrStdout(), list)
			return nil
		},
	}

	cmd.Flags().StringSliceVarP(&states, "state", "s", nil, "Filter by state (created, submitting, pending, ambiguous, confirmed, failed, abandoned)")
	cmd.Flags().StringSliceVarP(&kinds, "kind", "k", nil, "Filter by kind")
	cmd.Flags().StringVar(&key, "key", "", "Filter by natural key")
	cmd.Flags().IntVarP(&limit, "limit", "n", 50, "Maximum results")
	return cmd
}

func showCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "show [id]",
		Short: "Show one intent",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			in, err := opts.client().getIntent(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), in)
		},
	}
}

func cancelCmd(opts *rootOptions) *cobra.Command {
	var reason string
	cmd := &cobra.Command{
		Use:   "cancel [id]",
		Short: "Cancel an intent that has not been submitted yet",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			in, err := opts.client().cancelIntent(cmd.Context(), args[0], reason)
			if err != nil {
				return err
			}
			if opts.json {
				return printJSON(cmd.OutOrStdout(), in)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s %s\n", in.ID, in.State)
			return nil
		},
	}
	cmd.Flags().StringVarP(&reason, "reason", "r", "", "Reason recorded on the intent")
	return cmd
}

func retryCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "retry [id]",
		Short: "Re-issue an abandoned intent as a new intent",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			res, err := opts.client().retryIntent(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			if opts.json {
				return printJSON(cmd.OutOrStdout(), res)
			}
			verb := "created"
			if !res.Created {
				verb = "already in flight as"
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s %s (%s)\n", verb, res.Intent.ID, res.Intent.State)
			return nil
		},
	}
}

func reconcileCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "reconcile",
		Short: "Run one reconciliation pass now",
		RunE: func(cmd *cobra.Command, args []string) error {
			report, err := opts.client().reconcile(cmd.Context())
			if err != nil {
				return err
			}
			if opts.json {
				return printJSON(cmd.OutOrStdout(), report)
			}
			keys := make([]string, 0, len(report))
			for k := range report {
				keys = append(keys, k)
			}
			sort.Strings(keys)
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			for _, k := range keys {
				fmt.Fprintf(w, "%s\t%v\n", k, report[k])
			}
			return w.Flush()
		},
	}
}

func divergencesCmd(opts *rootOptions) *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "divergences",
		Short: "List divergence alerts, newest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			list, err := opts.client().divergences(cmd.Context(), limit)
			if err != nil {
				return err
			}
			if opts.json {
				return printJSON(cmd.OutOrStdout(), list)
			}
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "CREATED\tKIND\tSUBJECT\tLOCAL\tLEDGER\tDETAIL")
			for _, d := range list {
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\n",
					d.CreatedAt.Format(time.RFC3339), d.Kind, d.Subject, d.Local, d.Ledger, d.Detail)
			}
			return w.Flush()
		},
	}
	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "Maximum results")
	return cmd
}

func statsCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Show intent counts and treasury figures",
		RunE: func(cmd *cobra.Command, args []string) error {
			st, err := opts.client().stats(cmd.Context())
			if err != nil {
				return err
			}
			if opts.json {
				return printJSON(cmd.OutOrStdout(), st)
			}
			printStats(cmd.OutOrStdout(), st)
			return nil
		},
	}
}

func pricesCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "prices [symbol]",
		Short: "Show oracle prices in USD",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var symbol string
			if len(args) == 1 {
				symbol = args[0]
			}
			list, err := opts.client().prices(cmd.Context(), symbol)
			if err != nil {
				return err
			}
			if opts.json {
				return printJSON(cmd.OutOrStdout(), list)
			}
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "SYMBOL\tPRICE\tUNIT")
			for _, p := range list {
				price := p.Price
				if p.Error != "" {
					price = "n/a"
				}
				fmt.Fprintf(w, "%s\t%s\t%s\n", p.Symbol, price, p.Unit)
			}
			return w.Flush()
		},
	}
}

func printIntents(out io.Writer, list []models.Intent) {
	w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tKIND\tSTATE\tKEY\tATTEMPTS\tTX\tLAST ERROR")
	for _, in := range list {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%d\t%s\t%s\n",
			in.ID, in.Kind, in.State, in.NaturalKey, in.Attempts, shorten(in.TxHash), in.LastError)
	}
	w.Flush()
}

func printStats(out io.Writer, st *models.Stats) {
	w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintf(w, "treasury\t%s\n", st.TreasuryBalance)
	fmt.Fprintf(w, "processing\t%s\n", st.Processing)
	fmt.Fprintf(w, "available\t%s\n", st.Available)
	fmt.Fprintf(w, "active employees\t%d\n", st.ActiveEmployees)
	fmt.Fprintf(w, "divergences\t%d\n", st.Divergences)

	states := make([]string, 0, len(st.Intents))
	for s := range st.Intents {
		states = append(states, string(s))
	}
	sort.Strings(states)
	for _, s := range states {
		fmt.Fprintf(w, "intents %s\t%d\n", s, st.Intents[domain.IntentState(s)])
	}
	w.Flush()
}

func shorten(hash string) string {
	if len(hash) <= 14 {
		return hash
	}
	return hash[:8] + "…" + hash[len(hash)-4:]
}

func printJSON(out io.Writer, v interface{}) error {
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
