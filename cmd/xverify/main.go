// Command xverify finds and verifies the X profiles of project websites.
//
// Usage:
//
//	xverify https://example.io
//	xverify -c xverify.yaml --avatar-dir ./avatars example.io other.xyz
//	xverify --input sites.txt --workers 8 > results.json
package main

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
	"gopkg.in/yaml.v3"

	"github.com/codeGROOVE-dev/xverify/pkg/auth"
	"github.com/codeGROOVE-dev/xverify/pkg/config"
	"github.com/codeGROOVE-dev/xverify/pkg/httpcache"
	"github.com/codeGROOVE-dev/xverify/pkg/profile"
	"github.com/codeGROOVE-dev/xverify/pkg/xverify"
)

// Version is set at build time.
var Version = "dev"

// flags holds command line overrides applied on top of the config file.
type flags struct {
	configPath string
	input      string
	avatarDir  string
	cacheDir   string
	strategy   string
	proxy      string
	engine     string
	mirrors    []string
	workers    int
	debug      bool
	cookies    bool
}

// output is one line of the JSON result.
type output struct {
	Site   string         `json:"site"`
	Result profile.Result `json:"result"`
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var f flags
	root := &cobra.Command{
		Use:           "xverify [flags] <site-url>...",
		Short:         "Find and verify the X profile of project websites",
		SilenceErrors: true,
		SilenceUsage:  true,
		Long: `xverify collects candidate X profiles from a project's website, documentation
and link-aggregator pages, fetches each candidate through a pool of profile
mirrors (falling back to a headless browser), and confirms the profile whose
bio links back to the site.

Results are written to stdout as JSON, one object per site.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd.Context(), &f, args, cmd.OutOrStdout())
		},
	}
	pf := root.PersistentFlags()
	pf.StringVarP(&f.configPath, "config", "c", "", "YAML config file")
	pf.BoolVarP(&f.debug, "debug", "v", false, "debug logging, including every HTTP request")

	fl := root.Flags()
	fl.StringVarP(&f.input, "input", "i", "", "file with one site URL per line (- for stdin)")
	fl.StringVar(&f.avatarDir, "avatar-dir", "", "save verified avatars here")
	fl.StringVar(&f.cacheDir, "cache-dir", "", "persist caches here between runs")
	fl.StringSliceVar(&f.mirrors, "mirror", nil, "mirror base URL (repeatable; replaces configured mirrors)")
	fl.StringVar(&f.strategy, "strategy", "", "mirror selection: random or round_robin")
	fl.StringVar(&f.proxy, "proxy", "", "proxy URL (socks5://, http://)")
	fl.StringVar(&f.engine, "browser", "", "browser fallback engine: exec or rod")
	fl.BoolVar(&f.cookies, "cookies", false, "send x.com session cookies from local browsers to the fallback")
	fl.IntVarP(&f.workers, "workers", "w", 0, "sites resolved in parallel")

	root.AddCommand(newConfigCmd(&f), newCookiesCmd(&f), newVersionCmd())
	return root
}

func newLogger(debug bool) *slog.Logger {
	level := slog.LevelInfo
	if debug {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)
	return logger
}

// loadConfig reads the config file and applies command line overrides.
func loadConfig(f *flags) (*config.Config, error) {
	cfg, err := config.Load(f.configPath)
	if err != nil {
		return nil, err
	}
	if len(f.mirrors) > 0 {
		cfg.Mirrors = f.mirrors
	}
	if f.strategy != "" {
		cfg.Strategy = f.strategy
	}
	if f.proxy != "" {
		cfg.ProxyURL = f.proxy
	}
	if f.engine != "" {
		cfg.Browser.Engine = f.engine
	}
	if f.cookies {
		cfg.Browser.Cookies = true
	}
	if f.avatarDir != "" {
		cfg.AvatarDir = f.avatarDir
	}
	if f.cacheDir != "" {
		cfg.Cache.Dir = f.cacheDir
	}
	if f.workers > 0 {
		cfg.Workers = f.workers
	}
	return cfg, cfg.Validate()
}

func run(ctx context.Context, f *flags, args []string, stdout io.Writer) error {
	logger := newLogger(f.debug)
	cfg, err := loadConfig(f)
	if err != nil {
		return err
	}

	sites, err := readSites(f.input, args)
	if err != nil {
		return err
	}
	if len(sites) == 0 {
		return fmt.Errorf("no sites given; pass URLs or --input")
	}

	r, err := xverify.New(cfg, xverify.WithLogger(logger), xverify.WithDebugHTTP(f.debug))
	if err != nil {
		return err
	}
	defer func() {
		if err := r.Close(); err != nil {
			logger.Warn("failed to close resolver", "error", err)
		}
	}()

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	start := time.Now()
	results := make([]output, len(sites))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(cfg.Workers)
	for i, site := range sites {
		g.Go(func() error {
			results[i] = output{Site: site, Result: r.Resolve(gctx, profile.Site{URL: site})}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	found := 0
	for _, o := range results {
		if !o.Result.Empty() {
			found++
		}
	}
	healthy := 0
	for _, e := range r.Pool().Endpoints() {
		if e.Healthy(time.Now()) {
			healthy++
		}
	}
	stats := r.Stats()
	pages := httpcache.CacheStats()
	logger.Info("done", "sites", len(sites), "found", found,
		"healthy_mirrors", fmt.Sprintf("%d/%d", healthy, r.Pool().Len()),
		"cache_hit_rate", fmt.Sprintf("%.2f", stats.HitRate()),
		"page_cache_hits", pages.Hits, "page_cache_misses", pages.Misses,
		"elapsed", time.Since(start).Round(time.Millisecond))

	return outputJSON(stdout, results)
}

// readSites merges positional arguments with the lines of an input file.
func readSites(input string, args []string) ([]string, error) {
	var sites []string
	for _, a := range args {
		if s := xverify.NormalizeSiteURL(a); s != "" {
			sites = append(sites, s)
		}
	}
	if input == "" {
		return sites, nil
	}

	var rd io.Reader = os.Stdin
	if input != "-" {
		file, err := os.Open(input)
		if err != nil {
			return nil, fmt.Errorf("open input: %w", err)
		}
		defer file.Close() //nolint:errcheck // read only
		rd = file
	}
	sc := bufio.NewScanner(rd)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		sites = append(sites, xverify.NormalizeSiteURL(line))
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("read input: %w", err)
	}
	return sites, nil
}

func outputJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func newConfigCmd(f *flags) *cobra.Command {
	return &cobra.Command{
		Use:   "config",
		Short: "Print the effective configuration as YAML",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			newLogger(f.debug)
			cfg, err := config.Load(f.configPath)
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
	}
}

// newCookiesCmd reports which X session cookies the browser fallback would send.
func newCookiesCmd(f *flags) *cobra.Command {
	return &cobra.Command{
		Use:   "cookies",
		Short: "Show which x.com session cookies are available (names only)",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			logger := newLogger(f.debug)
			out := cmd.OutOrStdout()
			sources := []struct {
				name string
				src  auth.Source
			}{
				{"environment", auth.EnvSource{}},
				{"browsers", auth.NewBrowserSource(logger)},
			}
			for _, s := range sources {
				cookies := s.src.Cookies(cmd.Context())
				names := make([]string, 0, len(cookies))
				for _, c := range cookies {
					names = append(names, c.Name)
				}
				if len(names) == 0 {
					fmt.Fprintf(out, "%-12s none\n", s.name)
					continue
				}
				fmt.Fprintf(out, "%-12s %s\n", s.name, strings.Join(names, ", "))
			}
			fmt.Fprintf(out, "\nEnvironment variables: %s\n", strings.Join(auth.EnvVars(), ", "))
			return nil
		},
	}
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "xverify version %s\n", Version)
		},
	}
}
