// Package cmd is the focusedsearch CLI: spec.md §6's serve/crawl/search/
// index subcommands, wired through internal/app's composition root.
// Grounded on the teacher's original internal/cli/root.go for the cobra
// persistent-flags-plus-builder-chaining idiom, generalized from its
// crawler-only flag set to spec.md's operator surface.
package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/rohmanhakim/focusedsearch/internal/app"
	"github.com/rohmanhakim/focusedsearch/internal/build"
	"github.com/rohmanhakim/focusedsearch/internal/config"
	"github.com/rohmanhakim/focusedsearch/internal/httpapi"
	"github.com/rohmanhakim/focusedsearch/internal/jobengine"
)

// Exit codes, per spec.md §6.
const (
	exitOK                  = 0
	exitInvalidArgs         = 2
	exitMissingIndex        = 3
	exitEmbedderUnavailable = 4
)

var (
	cfgFile   string
	dataDir   string
	httpAddr  string
	userAgent string
)

var rootCmd = &cobra.Command{
	Use:   "focusedsearch",
	Short: "A self-hosted focused search engine.",
	Long: `focusedsearch discovers, crawls, and indexes a bounded set of pages
relevant to a query, then serves hybrid keyword+vector search over the
resulting index. Run "focusedsearch serve" to start the HTTP API, or use
the crawl/search/index subcommands for one-shot operations.`,
}

// Execute adds all child commands to the root command and runs it. It is
// called by main.main() and only needs to happen once.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(exitInvalidArgs)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config-file", "", "config file path (e.g., /home/myuser/config.json)")
	rootCmd.PersistentFlags().StringVar(&dataDir, "data-dir", "", "root data directory (defaults to ./data)")
	rootCmd.PersistentFlags().StringVar(&httpAddr, "http-addr", "", "HTTP listen address for serve")
	rootCmd.PersistentFlags().StringVar(&userAgent, "user-agent", "", "user agent string for HTTP requests")

	rootCmd.AddCommand(serveCmd, crawlCmd, searchCmd, indexCmd, versionCmd)
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the focusedsearch version.",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Println(build.FullVersion())
	},
}

// loadConfig builds a config.Config from --config-file if given, else
// from --data-dir and the environment, in the same layering order as
// spec.md §6: defaults, then config file, then environment, then flags.
func loadConfig() (config.Config, error) {
	if cfgFile != "" {
		cfg, err := config.WithConfigFile(cfgFile)
		if err != nil {
			return config.Config{}, fmt.Errorf("loading config file %s: %w", cfgFile, err)
		}
		return applyFlagOverrides(*cfg.WithEnv())
	}

	dir := dataDir
	if dir == "" {
		dir = "data"
	}
	builder := config.WithDefault(dir).WithEnv()
	cfg, err := builder.Build()
	if err != nil {
		return config.Config{}, err
	}
	return applyFlagOverrides(cfg)
}

func applyFlagOverrides(cfg config.Config) (config.Config, error) {
	builder := &cfg
	if httpAddr != "" {
		builder = builder.WithHTTPAddr(httpAddr)
	}
	if userAgent != "" {
		builder = builder.WithUserAgent(userAgent)
	}
	return builder.Build()
}

// newApp builds config and the composition root together, exiting with
// the appropriate spec.md §6 exit code on failure.
func newApp(ctx context.Context) (*app.App, int) {
	cfg, err := loadConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "focusedsearch: invalid configuration: %s\n", err)
		return nil, exitInvalidArgs
	}
	a, err := app.New(ctx, cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "focusedsearch: %s\n", err)
		return nil, exitMissingIndex
	}
	return a, exitOK
}

// serveCmd implements spec.md §6's serve subcommand: start the HTTP API
// and block until SIGINT/SIGTERM.
var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the HTTP API (search, refresh, index, embedder endpoints).",
	Run: func(cmd *cobra.Command, args []string) {
		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		a, code := newApp(ctx)
		if a == nil {
			os.Exit(code)
		}
		defer a.Close()

		addr := a.Config.HTTPAddr()
		srv := &http.Server{Addr: addr, Handler: httpapi.NewRouter(a)}

		errCh := make(chan error, 1)
		go func() {
			a.Logger.Info("serving", "addr", addr)
			errCh <- srv.ListenAndServe()
		}()

		select {
		case err := <-errCh:
			if err != nil && err != http.ErrServerClosed {
				fmt.Fprintf(os.Stderr, "focusedsearch: server error: %s\n", err)
				os.Exit(1)
			}
		case <-ctx.Done():
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			_ = srv.Shutdown(shutdownCtx)
		}
	},
}

// crawlCmd implements spec.md §6's crawl subcommand: run one focused-crawl
// job to completion synchronously and print its result as JSON.
var crawlCmd = &cobra.Command{
	Use:   "crawl [query]",
	Short: "Run one focused-crawl job to completion and print its result.",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		ctx := context.Background()
		a, code := newApp(ctx)
		if a == nil {
			os.Exit(code)
		}
		defer a.Close()

		job, _, _ := a.Jobs.Enqueue(jobengine.Request{Query: args[0]})
		for {
			current, ok := a.Jobs.Get(job.ID)
			if !ok || !current.Active() {
				job = current
				break
			}
			time.Sleep(250 * time.Millisecond)
		}

		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		_ = enc.Encode(job)

		if job.State == jobengine.StateError {
			os.Exit(1)
		}
	},
}

// searchCmd implements spec.md §6's search subcommand: run one hybrid
// search and print the JSON response.
var searchCmd = &cobra.Command{
	Use:   "search [query]",
	Short: "Run one hybrid keyword+vector search and print the JSON result.",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		ctx := context.Background()
		a, code := newApp(ctx)
		if a == nil {
			os.Exit(code)
		}
		defer a.Close()

		limit, _ := cmd.Flags().GetInt("limit")
		resp, err := a.Hybrid.Search(ctx, args[0], limit, false, "")
		if err != nil {
			fmt.Fprintf(os.Stderr, "focusedsearch: search failed: %s\n", err)
			os.Exit(exitInvalidArgs)
		}

		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		_ = enc.Encode(resp)
	},
}

func init() {
	searchCmd.Flags().Int("limit", 10, "maximum number of results to return")
}

// indexCmd implements spec.md §6's index subcommand: upsert a single
// document (read from --text/--url/--title) into the vector index. The
// keyword index is not updated.
var indexCmd = &cobra.Command{
	Use:   "index",
	Short: "Upsert one document into the vector index.",
	Run: func(cmd *cobra.Command, args []string) {
		ctx := context.Background()
		a, code := newApp(ctx)
		if a == nil {
			os.Exit(code)
		}
		defer a.Close()

		text, _ := cmd.Flags().GetString("text")
		url, _ := cmd.Flags().GetString("url")
		title, _ := cmd.Flags().GetString("title")
		if text == "" || url == "" {
			fmt.Fprintln(os.Stderr, "focusedsearch: --text and --url are required")
			os.Exit(exitInvalidArgs)
		}

		result, err := a.Vector.UpsertDocument(ctx, text, url, title, nil)
		if err != nil {
			fmt.Fprintf(os.Stderr, "focusedsearch: index failed: %s\n", err)
			os.Exit(exitEmbedderUnavailable)
		}

		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		_ = enc.Encode(result)
	},
}

func init() {
	indexCmd.Flags().String("text", "", "document body text")
	indexCmd.Flags().String("url", "", "document URL (used as the dedupe key)")
	indexCmd.Flags().String("title", "", "document title")
}
