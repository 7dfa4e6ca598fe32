package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/adrianmcphee/tierbase"
	"github.com/adrianmcphee/tierbase/internal/httpapi"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

// withManager opens the configured tiers for one command and closes them afterwards
func withManager(cmd *cobra.Command, v *viper.Viper, fn func(ctx context.Context, m *tierbase.Manager) error) error {
	cfg, err := loadConfig(v)
	if err != nil {
		return err
	}
	logger, err := newLogger(v, cfg)
	if err != nil {
		return err
	}
	defer logger.Sync()

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	m, err := tierbase.OpenManager(ctx, cfg, logger, &tierbase.NoOpMetrics{})
	if err != nil {
		return err
	}
	defer m.Close()

	return fn(ctx, m)
}

func newServeCmd(v *viper.Viper) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the HTTP API and run background maintenance",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(v)
			if err != nil {
				return err
			}
			logger, err := newLogger(v, cfg)
			if err != nil {
				return err
			}
			defer logger.Sync()

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			registry := prometheus.NewRegistry()
			registry.MustRegister(collectors.NewGoCollector())
			registry.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

			m, err := tierbase.OpenManager(ctx, cfg, logger, tierbase.NewPrometheusMetrics(registry))
			if err != nil {
				return err
			}
			defer m.Close()

			if err := m.StartMaintenance(ctx); err != nil {
				return err
			}

			addr := v.GetString("addr")
			srv := &http.Server{
				Addr:              addr,
				Handler:           httpapi.NewServer(m, logger, registry).WithMaxBodyBytes(v.GetInt64("max-body-bytes")).Router(),
				ReadHeaderTimeout: 10 * time.Second,
			}

			errCh := make(chan error, 1)
			go func() {
				logger.Info("http server listening", "addr", addr)
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					errCh <- err
				}
				close(errCh)
			}()

			select {
			case err := <-errCh:
				return err
			case <-ctx.Done():
			}

			logger.Info("shutting down")
			shutdownCtx, cancel := context.WithTimeout(context.Background(), v.GetDuration("shutdown-timeout"))
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		},
	}

	cmd.Flags().String("addr", ":8080", "listen address")
	cmd.Flags().Int64("max-body-bytes", httpapi.DefaultMaxBodyBytes, "largest accepted PUT body")
	cmd.Flags().Duration("shutdown-timeout", 15*time.Second, "grace period for in-flight requests")
	v.BindPFlags(cmd.Flags())

	return cmd
}

func newPutCmd(v *viper.Viper) *cobra.Command {
	var (
		asJSON     bool
		ttl        time.Duration
		bucket     string
		tier       string
		noCompress bool
		media      string
		mimeType   string
	)

	cmd := &cobra.Command{
		Use:   "put <key> [file]",
		Short: "Store a value read from a file or stdin",
		Long: `Store a value. Without --json the bytes are stored as a binary value;
with --json they are parsed and stored as a JSON value.`,
		Args: cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			in := cmd.InOrStdin()
			if len(args) == 2 && args[1] != "-" {
				f, err := os.Open(args[1])
				if err != nil {
					return fmt.Errorf("failed to open file: %w", err)
				}
				defer f.Close()
				in = f
			}
			data, err := io.ReadAll(in)
			if err != nil {
				return fmt.Errorf("failed to read value: %w", err)
			}

			var value any = data
			if asJSON {
				var parsed any
				if err := json.Unmarshal(data, &parsed); err != nil {
					return fmt.Errorf("value is not valid JSON: %w", err)
				}
				value = parsed
			}

			opts := tierbase.StoreOptions{
				Compress:  tierbase.Bool(!noCompress),
				TTL:       ttl,
				MediaKind: tierbase.MediaKind(media),
				MIMEType:  mimeType,
			}
			if opts.Bucket, err = tierbase.ParsePriorityGroup(bucket); err != nil {
				return err
			}
			if opts.ForceTier, err = tierbase.ParseTier(tier); err != nil {
				return err
			}

			return withManager(cmd, v, func(ctx context.Context, m *tierbase.Manager) error {
				if err := m.Store(ctx, args[0], value, opts); err != nil {
					return err
				}
				rec, ok, err := m.Lookup(ctx, args[0], tierbase.RetrieveOptions{Bucket: opts.Bucket})
				if err == nil && ok {
					fmt.Fprintf(cmd.OutOrStdout(), "Stored %s in %s (%d bytes, compressed=%v)\n",
						args[0], rec.Tier, rec.SizeBytes, rec.Compressed)
				}
				return nil
			})
		},
	}

	cmd.Flags().BoolVar(&asJSON, "json", false, "parse the input as JSON")
	cmd.Flags().DurationVar(&ttl, "ttl", 0, "expire the value after this duration")
	cmd.Flags().StringVar(&bucket, "bucket", "", "priority group (critical, media, session, logs, cache)")
	cmd.Flags().StringVar(&tier, "tier", "", "force a tier (fast, indexed, bucketed)")
	cmd.Flags().BoolVar(&noCompress, "no-compress", false, "store the payload uncompressed")
	cmd.Flags().StringVar(&media, "media", "", "media kind (video, image, text, binary)")
	cmd.Flags().StringVar(&mimeType, "content-type", "", "MIME type used for media detection")

	return cmd
}

func newGetCmd(v *viper.Viper) *cobra.Command {
	var bucket string

	cmd := &cobra.Command{
		Use:   "get <key>",
		Short: "Print a stored value",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			group, err := tierbase.ParsePriorityGroup(bucket)
			if err != nil {
				return err
			}
			return withManager(cmd, v, func(ctx context.Context, m *tierbase.Manager) error {
				value, ok, err := m.Retrieve(ctx, args[0], tierbase.RetrieveOptions{Bucket: group})
				if err != nil {
					return err
				}
				if !ok {
					return fmt.Errorf("%s: %w", args[0], tierbase.ErrNotFound)
				}

				out := cmd.OutOrStdout()
				if b, isBinary := value.([]byte); isBinary {
					_, err := out.Write(b)
					return err
				}
				enc := json.NewEncoder(out)
				enc.SetIndent("", "  ")
				return enc.Encode(value)
			})
		},
	}

	cmd.Flags().StringVar(&bucket, "bucket", "", "priority group hint")
	return cmd
}

func newRemoveCmd(v *viper.Viper) *cobra.Command {
	return &cobra.Command{
		Use:     "rm <key>...",
		Aliases: []string{"remove", "delete"},
		Short:   "Remove keys from every tier",
		Args:    cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withManager(cmd, v, func(ctx context.Context, m *tierbase.Manager) error {
				for _, key := range args {
					if err := m.Remove(ctx, key); err != nil {
						return err
					}
					fmt.Fprintf(cmd.OutOrStdout(), "Removed %s\n", key)
				}
				return nil
			})
		},
	}
}

func newListCmd(v *viper.Viper) *cobra.Command {
	return &cobra.Command{
		Use:     "ls",
		Aliases: []string{"list"},
		Short:   "List keys across all tiers",
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withManager(cmd, v, func(ctx context.Context, m *tierbase.Manager) error {
				keys, err := m.ListKeys(ctx)
				if err != nil {
					return err
				}
				for _, key := range keys {
					fmt.Fprintln(cmd.OutOrStdout(), key)
				}
				return nil
			})
		},
	}
}

func newUsageCmd(v *viper.Viper) *cobra.Command {
	return &cobra.Command{
		Use:   "usage",
		Short: "Show per-tier usage",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withManager(cmd, v, func(ctx context.Context, m *tierbase.Manager) error {
				report, err := m.Usage(ctx)
				if err != nil {
					return err
				}

				w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
				fmt.Fprintln(w, "TIER\tITEMS\tBYTES\tCAPACITY")
				for _, tier := range tierbase.AllTiers {
					u, ok := report.Tiers[tier]
					if !ok {
						continue
					}
					capacity := "unbounded"
					if u.Bounded() {
						capacity = fmt.Sprintf("%d", u.CapacityBytes)
					}
					fmt.Fprintf(w, "%s\t%d\t%d\t%s\n", tier, u.ItemCount, u.TotalBytes, capacity)
				}
				fmt.Fprintf(w, "total\t%d\t%d\t%.1f%%\n", report.ItemCount, report.TotalSize, report.UsagePercentage)
				return w.Flush()
			})
		},
	}
}

func newMaintainCmd(v *viper.Viper) *cobra.Command {
	var aggressive bool

	cmd := &cobra.Command{
		Use:   "maintain",
		Short: "Run one maintenance pass",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withManager(cmd, v, func(ctx context.Context, m *tierbase.Manager) error {
				report, err := m.RunMaintenance(ctx, aggressive)
				if err != nil {
					return err
				}

				w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
				fmt.Fprintln(w, "TIER\tSCANNED\tQUARANTINED\tEXPIRED\tEVICTED\tFAILED\tFREED")
				for _, t := range report.Tiers {
					fmt.Fprintf(w, "%s\t%d\t%d\t%d\t%d\t%d\t%d\n",
						t.Tier, t.Scanned, t.Quarantined, t.Expired, t.Evicted, t.Failed, t.FreedBytes)
				}
				if err := w.Flush(); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "run %s finished in %s (target %.0f%%)\n",
					report.RunID, report.Duration.Round(time.Millisecond), report.Target*100)
				if report.Interrupted {
					fmt.Fprintln(cmd.OutOrStdout(), "run was interrupted")
				}
				return nil
			})
		},
	}

	cmd.Flags().BoolVar(&aggressive, "aggressive", false, "evict down to the aggressive target")
	return cmd
}

func newConfigCmd(v *viper.Viper) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Inspect configuration",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "show",
		Short: "Print the effective configuration as YAML",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(v)
			if err != nil {
				return err
			}
			enc := yaml.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent(2)
			if err := enc.Encode(cfg); err != nil {
				return err
			}
			return enc.Close()
		},
	})

	return cmd
}
