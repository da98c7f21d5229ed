// ============================================================================
// meshsteer CLI - Command Line Interface
// ============================================================================
//
// Package: internal/cli
// File: cli.go
// Purpose: Cobra based command line interface for the steering engine
//
// Command Structure:
//   meshsteer                      # Root command
//   ├── run                        # Start the engine (+ gRPC, metrics, membership)
//   ├── status                     # Print the state file written by a running engine
//   │   └── --state               # Override state file path
//   ├── score                      # Score a sample file offline
//   │   ├── --file, -f            # YAML sample file
//   │   └── --profile             # Weight profile name
//   ├── validate                   # Validate config + policy set
//   │   └── --print               # Print the effective config
//   ├── publish                    # Write mesh + policies from config to etcd
//   ├── --config, -c               # Config file (default: configs/meshsteer.yaml)
//   └── --version
//
// Signal Handling:
//   run cancels its context on SIGINT / SIGTERM and shuts down in reverse
//   start order: gRPC server, engine (final state file write), membership,
//   responder, metrics server, tracing.
//
// ============================================================================

package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"sort"
	"syscall"
	"time"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/ChuLiYu/meshsteer/internal/config"
	"github.com/ChuLiYu/meshsteer/internal/membership"
	"github.com/ChuLiYu/meshsteer/internal/policy"
	"github.com/ChuLiYu/meshsteer/internal/scoring"
	"github.com/ChuLiYu/meshsteer/internal/snapshot"
	"github.com/ChuLiYu/meshsteer/pkg/types"
)

// Version 由 ldflags 覆寫
var Version = "0.1.0"

// DefaultConfigFile 預設設定檔路徑
const DefaultConfigFile = "configs/meshsteer.yaml"

type rootOptions struct {
	configFile string
}

// BuildCLI 建立 root command
func BuildCLI() *cobra.Command {
	opts := &rootOptions{}

	rootCmd := &cobra.Command{
		Use:   "meshsteer",
		Short: "meshsteer: path selection and failover for multi-site overlays",
		Long: `meshsteer continuously probes every path between sites, scores them,
and binds each flow to a path according to policy:
- latency / jitter / loss / bandwidth / cost scoring
- immediate failover, hysteresis-gated failback
- gRPC steering API and health service
- Prometheus metrics, OpenTelemetry traces`,
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: false,
	}

	rootCmd.PersistentFlags().StringVarP(&opts.configFile, "config", "c", DefaultConfigFile, "config file path")

	rootCmd.AddCommand(buildRunCommand(opts))
	rootCmd.AddCommand(buildStatusCommand(opts))
	rootCmd.AddCommand(buildScoreCommand(opts))
	rootCmd.AddCommand(buildValidateCommand(opts))
	rootCmd.AddCommand(buildPublishCommand(opts))

	return rootCmd
}

// loadConfig 讀取設定檔；檔案不存在且使用預設路徑時改用內建預設值
func loadConfig(opts *rootOptions) (*config.Config, error) {
	cfg, err := config.Load(opts.configFile)
	if err == nil {
		return cfg, nil
	}
	if errors.Is(err, os.ErrNotExist) && opts.configFile == DefaultConfigFile {
		def := config.Default()
		return &def, nil
	}
	return nil, err
}

// ============================================================================
// run
// ============================================================================

func buildRunCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Start the steering engine",
		Long:  "Start probing, scoring and binding flows; serve the gRPC API and metrics until interrupted",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(opts)
			if err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return Run(ctx, cfg)
		},
	}
}

// ============================================================================
// status
// ============================================================================

func buildStatusCommand(opts *rootOptions) *cobra.Command {
	var stateFile string

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show engine status from the state file",
		Long:  "Display path scores, statuses and flow bindings recorded by a running engine",
		RunE: func(cmd *cobra.Command, args []string) error {
			if stateFile == "" {
				cfg, err := loadConfig(opts)
				if err != nil {
					return fmt.Errorf("failed to load config: %w", err)
				}
				stateFile = cfg.State.File
			}
			if stateFile == "" {
				return fmt.Errorf("no state file configured (set state.file or use --state)")
			}
			state, err := snapshot.NewManager(stateFile).Load()
			if err != nil {
				return err
			}
			return printStatus(cmd.OutOrStdout(), state, time.Now())
		},
	}
	cmd.Flags().StringVar(&stateFile, "state", "", "state file path (default: state.file from config)")
	return cmd
}

func printStatus(w io.Writer, state snapshot.State, now time.Time) error {
	fmt.Fprintf(w, "Engine %s  policy set v%d  written %s ago\n\n",
		state.EngineID, state.PolicyVersion, now.Sub(state.WrittenAt).Round(time.Second))

	sites := pterm.TableData{{"SITE", "NAME", "STATUS", "LAST SEEN"}}
	for _, s := range state.Sites {
		sites = append(sites, []string{string(s.ID), s.Name, string(s.Status), s.LastSeen.Format(time.RFC3339)})
	}
	if err := renderTable(w, sites); err != nil {
		return err
	}

	paths := pterm.TableData{{"PATH", "ROUTE", "STATUS", "SCORE", "LATENCY", "P50/P95/P99", "JITTER", "LOSS"}}
	for _, p := range state.Paths {
		st := string(p.Status)
		if p.Recovering {
			st += " (recovering)"
		}
		paths = append(paths, []string{
			string(p.ID),
			fmt.Sprintf("%s → %s", p.SrcSite, p.DstSite),
			st,
			fmt.Sprintf("%.1f", p.Score),
			fmt.Sprintf("%.1fms", p.Stats.LatencyMs),
			fmt.Sprintf("%.1f/%.1f/%.1f", p.Stats.LatencyP50Ms, p.Stats.LatencyP95Ms, p.Stats.LatencyP99Ms),
			fmt.Sprintf("%.1fms", p.Stats.JitterMs),
			fmt.Sprintf("%.1f%%", p.Stats.LossPct),
		})
	}
	if err := renderTable(w, paths); err != nil {
		return err
	}

	bindings := pterm.TableData{{"FLOW", "PATH", "POLICY", "SWITCHES"}}
	for _, b := range state.Bindings {
		path := string(b.PathID)
		if !b.Bound() {
			path = "-"
		}
		bindings = append(bindings, []string{b.Flow.String(), path, string(b.PolicyID), fmt.Sprint(b.Switches)})
	}
	if err := renderTable(w, bindings); err != nil {
		return err
	}

	if len(state.Policies) == 0 {
		return nil
	}
	policies := pterm.TableData{{"POLICY", "FLOWS MATCHED", "NOTIFICATIONS", "ACTIVE", "BOUND", "LAST UPDATED"}}
	for _, ps := range state.Policies {
		policies = append(policies, []string{
			string(ps.PolicyID),
			fmt.Sprint(ps.FlowsMatched),
			fmt.Sprint(ps.Notifications),
			fmt.Sprint(ps.ActiveFlows),
			fmt.Sprint(ps.BoundFlows),
			ps.LastUpdated.Format(time.RFC3339),
		})
	}
	return renderTable(w, policies)
}

func renderTable(w io.Writer, data pterm.TableData) error {
	out, err := pterm.DefaultTable.WithHasHeader().WithHeaderRowSeparator("-").WithData(data).Srender()
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(w, out)
	return err
}

// ============================================================================
// score
// ============================================================================

// SampleFile score 指令讀取的樣本檔
//
//	profile: latency-sensitive   # 可被 --profile 覆寫
//	cost_per_gb: 0.2
//	samples:
//	  - {latency_ms: 20, jitter_ms: 2}
//	  - {lost: true, loss: 1}
type SampleFile struct {
	Profile   string         `yaml:"profile"`
	CostPerGB float64        `yaml:"cost_per_gb"`
	Samples   []types.Sample `yaml:"samples"`
}

func buildScoreCommand(opts *rootOptions) *cobra.Command {
	var file, profile string

	cmd := &cobra.Command{
		Use:   "score",
		Short: "Score a sample window offline",
		Long:  "Summarize a YAML sample file and print the per-factor breakdown under a weight profile",
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := os.ReadFile(file)
			if err != nil {
				return fmt.Errorf("failed to read sample file: %w", err)
			}
			var sf SampleFile
			if err := yaml.Unmarshal(data, &sf); err != nil {
				return fmt.Errorf("failed to parse sample file: %w", err)
			}
			if profile != "" {
				sf.Profile = profile
			}

			// 自訂 profile 來自設定檔；沒有設定檔時只有內建 profile
			var custom map[string]scoring.Profile
			if cfg, err := loadConfig(opts); err == nil {
				custom = cfg.Profiles
			}
			return scoreSamples(cmd.OutOrStdout(), sf, custom)
		},
	}
	cmd.Flags().StringVarP(&file, "file", "f", "", "YAML file containing samples")
	cmd.Flags().StringVar(&profile, "profile", "", "weight profile (default: profile from file, then latency-sensitive)")
	_ = cmd.MarkFlagRequired("file")
	return cmd
}

func scoreSamples(w io.Writer, sf SampleFile, custom map[string]scoring.Profile) error {
	name := sf.Profile
	if name == "" {
		name = scoring.ProfileLatencySensitive
	}
	prof, err := scoring.Lookup(name, custom)
	if err != nil {
		return err
	}
	if err := prof.Validate(); err != nil {
		return err
	}

	stats := scoring.Summarize(sf.Samples)
	stats.CostPerGB = sf.CostPerGB
	b := scoring.Explain(stats, prof)

	fmt.Fprintf(w, "Profile %s, %d samples (%d received)\n", name, stats.Samples, stats.Received)
	fmt.Fprintf(w, "latency %.2fms  jitter %.2fms  loss %.1f%%  bandwidth %.1fMbps\n",
		stats.LatencyMs, stats.JitterMs, stats.LossPct, stats.BandwidthMbps)
	fmt.Fprintf(w, "p50 %.2fms  p95 %.2fms  p99 %.2fms\n\n",
		stats.LatencyP50Ms, stats.LatencyP95Ms, stats.LatencyP99Ms)

	ww := prof.Weights
	return renderTable(w, pterm.TableData{
		{"FACTOR", "WEIGHT", "SCORE"},
		{"latency", fmt.Sprintf("%.2f", ww.Latency), fmt.Sprintf("%.1f", b.Latency)},
		{"jitter", fmt.Sprintf("%.2f", ww.Jitter), fmt.Sprintf("%.1f", b.Jitter)},
		{"loss", fmt.Sprintf("%.2f", ww.Loss), fmt.Sprintf("%.1f", b.Loss)},
		{"bandwidth", fmt.Sprintf("%.2f", ww.Bandwidth), fmt.Sprintf("%.1f", b.Bandwidth)},
		{"cost", fmt.Sprintf("%.2f", ww.Cost), fmt.Sprintf("%.1f", b.Cost)},
		{"total", "", fmt.Sprintf("%.1f", b.Total)},
	})
}

// ============================================================================
// validate
// ============================================================================

func buildValidateCommand(opts *rootOptions) *cobra.Command {
	var printConfig bool

	cmd := &cobra.Command{
		Use:   "validate",
		Short: "Validate the config file and policy set",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(opts.configFile)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if printConfig {
				data, err := cfg.Marshal()
				if err != nil {
					return err
				}
				_, err = out.Write(data)
				return err
			}

			profiles := scoring.BuiltinNames()
			for name := range cfg.Profiles {
				profiles = append(profiles, name)
			}
			sort.Strings(profiles)
			fmt.Fprintf(out, "%s: OK (%d sites, %d endpoints, %d paths, %d policies)\n",
				opts.configFile, len(cfg.Mesh.Sites), len(cfg.Mesh.Endpoints), len(cfg.Mesh.Paths), len(cfg.Policies))
			fmt.Fprintf(out, "profiles: %v\n", profiles)
			return nil
		},
	}
	cmd.Flags().BoolVar(&printConfig, "print", false, "print the effective config (defaults applied)")
	return cmd
}

// ============================================================================
// publish
// ============================================================================

func buildPublishCommand(opts *rootOptions) *cobra.Command {
	var endpoints []string
	var prefix string

	cmd := &cobra.Command{
		Use:   "publish",
		Short: "Publish the mesh and policy set from the config file to etcd",
		Long:  "Write sites, endpoints, paths and the policy set to the membership prefix watched by running engines",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(opts.configFile)
			if err != nil {
				return err
			}
			mc := cfg.Membership
			if len(endpoints) > 0 {
				mc.Endpoints = endpoints
			}
			if prefix != "" {
				mc.Prefix = prefix
			}
			if len(mc.Endpoints) == 0 {
				return fmt.Errorf("no etcd endpoints (set membership.endpoints or use --etcd)")
			}

			client, err := membership.Dial(membership.Config{
				Endpoints: mc.Endpoints, Prefix: mc.Prefix, DialTimeout: mc.DialTimeout,
			})
			if err != nil {
				return err
			}
			defer client.Close()

			ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
			defer cancel()
			n, err := Publish(ctx, membership.NewPublisher(client, mc.Prefix), cfg)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "published %d keys under %s\n", n, mc.Prefix)
			return nil
		},
	}
	cmd.Flags().StringSliceVar(&endpoints, "etcd", nil, "etcd endpoints (default: membership.endpoints from config)")
	cmd.Flags().StringVar(&prefix, "prefix", "", "key prefix (default: membership.prefix from config)")
	return cmd
}

// MeshPublisher 寫入 membership key 的介面（*membership.Publisher 實作）
type MeshPublisher interface {
	PutSite(context.Context, types.Site) error
	PutEndpoint(context.Context, types.Endpoint) error
	PutPath(context.Context, types.Path) error
	PutPolicies(context.Context, policy.Set) error
}
