package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/ashureev/threatwatch/internal/agentconfig"
	"github.com/ashureev/threatwatch/internal/app"
	"github.com/ashureev/threatwatch/internal/config"
	"github.com/ashureev/threatwatch/internal/domain"
	"github.com/ashureev/threatwatch/internal/hub"
	"github.com/ashureev/threatwatch/internal/identity"
	"github.com/ashureev/threatwatch/internal/report"
	"github.com/ashureev/threatwatch/internal/scan"
)

// openFunc builds the components a command needs.
type openFunc func(ctx context.Context, cfg *config.Config, logger *slog.Logger, opts app.Options) (*app.App, error)

func defaultOpener(ctx context.Context, cfg *config.Config, logger *slog.Logger, opts app.Options) (*app.App, error) {
	return app.New(ctx, cfg, logger, opts)
}

type cli struct {
	open    openFunc
	cfg     *config.Config
	logger  *slog.Logger
	dbPath  string
	verbose bool
	jsonOut bool
}

func newRootCmd(open openFunc) *cobra.Command {
	c := &cli{open: open}

	cmd := &cobra.Command{
		Use:   "threatctl",
		Short: "Inspect ThreatWatch sessions and run scans",
		Long: `Operator CLI for the ThreatWatch scan database.

Examples:
  threatctl sessions
  threatctl traces 3f2a... --limit 20
  threatctl config set 3f2a... agents.yaml
  threatctl scan 3f2a... --asset "nginx" --attr version=1.25
`,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return c.setup(cmd)
		},
	}

	cmd.PersistentFlags().StringVar(&c.dbPath, "db", "", "SQLite database path (default $DB_PATH)")
	cmd.PersistentFlags().BoolVarP(&c.verbose, "verbose", "v", false, "Log at debug level to stderr")
	cmd.PersistentFlags().BoolVar(&c.jsonOut, "json", false, "Print JSON instead of text")

	cmd.AddCommand(
		c.sessionsCmd(),
		c.tracesCmd(),
		c.reportCmd(),
		c.configCmd(),
		c.ignoreCmd(),
		c.scanCmd(),
	)
	return cmd
}

func (c *cli) setup(cmd *cobra.Command) error {
	_ = godotenv.Load()

	level := slog.LevelWarn
	if c.verbose {
		level = slog.LevelDebug
	}
	c.logger = slog.New(slog.NewTextHandler(cmd.ErrOrStderr(), &slog.HandlerOptions{Level: level}))

	cfg, err := config.Load()
	if err != nil {
		return err
	}
	if c.dbPath != "" {
		cfg.DBPath = c.dbPath
	}
	c.cfg = cfg
	return nil
}

// withApp opens the database (and the engine when needed) for one command.
func (c *cli) withApp(ctx context.Context, needEngine bool, fn func(*app.App) error) error {
	a, err := c.open(ctx, c.cfg, c.logger, app.Options{
		SkipEngine: !needEngine,
		SkipMirror: !needEngine,
	})
	if err != nil {
		return err
	}
	defer a.Close()
	return fn(a)
}

func sessionArg(args []string) (string, error) {
	sid := strings.TrimSpace(args[0])
	if !identity.ValidSessionID(sid) {
		return "", fmt.Errorf("invalid session id %q", sid)
	}
	return sid, nil
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func (c *cli) sessionsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "sessions",
		Short: "List sessions, most recently updated first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return c.withApp(cmd.Context(), false, func(a *app.App) error {
				sessions, err := a.Repo.ListSessions(cmd.Context())
				if err != nil {
					return err
				}
				if c.jsonOut {
					return printJSON(cmd.OutOrStdout(), sessions)
				}
				tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
				fmt.Fprintln(tw, "ID\tNAME\tUPDATED\tREPORT")
				for _, s := range sessions {
					fmt.Fprintf(tw, "%s\t%s\t%s\t%t\n", s.ID, s.Name, s.UpdatedAt.Local().Format(time.DateTime), s.HasReport())
				}
				return tw.Flush()
			})
		},
	}
}

func (c *cli) tracesCmd() *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "traces <session>",
		Short: "Print a session's thought trace in order",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			sid, err := sessionArg(args)
			if err != nil {
				return err
			}
			return c.withApp(cmd.Context(), false, func(a *app.App) error {
				events, err := a.Traces.Latest(cmd.Context(), sid, limit)
				if err != nil {
					return err
				}
				if c.jsonOut {
					return printJSON(cmd.OutOrStdout(), events)
				}
				for _, ev := range events {
					printEvent(cmd.OutOrStdout(), ev)
				}
				return nil
			})
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 0, "Only the last N events (0 for all)")
	return cmd
}

func printEvent(w io.Writer, ev domain.TraceEvent) {
	ts := ev.Timestamp.Local().Format(time.TimeOnly)
	if ev.Type == domain.EventScanStatus {
		fmt.Fprintf(w, "[%s] scan %s", ts, ev.Status)
		if ev.Error != "" {
			fmt.Fprintf(w, ": %s", ev.Error)
		}
		fmt.Fprintln(w)
		return
	}
	fmt.Fprintf(w, "[%s #%d] %s: %s\n", ts, ev.ID, ev.Agent, strings.TrimSpace(ev.Thought))
	if ev.Action != "" {
		fmt.Fprintf(w, "    -> %s(%s)\n", ev.Action, ev.ToolInput)
	}
}

func (c *cli) reportCmd() *cobra.Command {
	var asHTML bool
	cmd := &cobra.Command{
		Use:   "report <session>",
		Short: "Print a session's latest scan report",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			sid, err := sessionArg(args)
			if err != nil {
				return err
			}
			return c.withApp(cmd.Context(), false, func(a *app.App) error {
				doc, err := a.Repo.GetScanReport(cmd.Context(), sid)
				if err != nil {
					return err
				}
				if doc == nil {
					return fmt.Errorf("session %s has no report", sid)
				}
				if asHTML {
					rep, err := report.Decode(doc)
					if err != nil {
						return err
					}
					html, err := report.RenderHTML(rep)
					if err != nil {
						return err
					}
					_, err = io.WriteString(cmd.OutOrStdout(), html)
					return err
				}
				return writeIndented(cmd.OutOrStdout(), doc)
			})
		},
	}
	cmd.Flags().BoolVar(&asHTML, "html", false, "Render the report as the email HTML")
	return cmd
}

func writeIndented(w io.Writer, doc json.RawMessage) error {
	var buf bytes.Buffer
	if err := json.Indent(&buf, doc, "", "  "); err != nil {
		return err
	}
	buf.WriteByte('\n')
	_, err := buf.WriteTo(w)
	return err
}

func (c *cli) configCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Read, write or generate a session's agents config",
	}

	var asYAML bool
	get := &cobra.Command{
		Use:   "get <session>",
		Short: "Print the agents config",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			sid, err := sessionArg(args)
			if err != nil {
				return err
			}
			return c.withApp(cmd.Context(), false, func(a *app.App) error {
				cfg, err := a.Configs.Get(cmd.Context(), sid)
				if err != nil {
					return err
				}
				return printConfig(cmd.OutOrStdout(), cfg, asYAML)
			})
		},
	}
	get.Flags().BoolVar(&asYAML, "yaml", false, "Print YAML instead of JSON")

	set := &cobra.Command{
		Use:   "set <session> <file>",
		Short: "Replace the agents config from a YAML or JSON file",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			sid, err := sessionArg(args)
			if err != nil {
				return err
			}
			cfg, err := agentconfig.LoadFile(args[1])
			if err != nil {
				return err
			}
			if missing := cfg.Missing(); missing != "" {
				fmt.Fprintf(cmd.ErrOrStderr(), "warning: no %q agent defined; scans will fail until it is added\n", missing)
			}
			return c.withApp(cmd.Context(), false, func(a *app.App) error {
				if err := a.Configs.Save(cmd.Context(), sid, cfg); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "saved %d agents for session %s\n", len(cfg), sid)
				return nil
			})
		},
	}

	var asset string
	var attrs []string
	generate := &cobra.Command{
		Use:   "generate <session>",
		Short: "Ask the engine to design agents for an asset",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			sid, err := sessionArg(args)
			if err != nil {
				return err
			}
			attributes, err := parseAttributes(attrs)
			if err != nil {
				return err
			}
			return c.withApp(cmd.Context(), true, func(a *app.App) error {
				cfg, err := a.Configs.Generate(cmd.Context(), sid, asset, attributes)
				if err != nil {
					return err
				}
				return printConfig(cmd.OutOrStdout(), cfg, false)
			})
		},
	}
	generate.Flags().StringVar(&asset, "asset", "", "Asset to design agents for")
	generate.Flags().StringArrayVar(&attrs, "attr", nil, "Asset attribute as key=value (repeatable)")
	_ = generate.MarkFlagRequired("asset")

	cmd.AddCommand(get, set, generate)
	return cmd
}

func printConfig(w io.Writer, cfg domain.AgentsConfig, asYAML bool) error {
	if !asYAML {
		return printJSON(w, cfg)
	}
	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(cfg); err != nil {
		return err
	}
	return enc.Close()
}

func parseAttributes(pairs []string) (map[string]any, error) {
	attrs := make(map[string]any, len(pairs))
	for _, p := range pairs {
		k, v, ok := strings.Cut(p, "=")
		k = strings.TrimSpace(k)
		if !ok || k == "" {
			return nil, fmt.Errorf("attribute %q must be key=value", p)
		}
		attrs[k] = strings.TrimSpace(v)
	}
	return attrs, nil
}

func (c *cli) ignoreCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "ignore",
		Short: "Manage sources that scans must not report again",
	}

	var summary string
	add := &cobra.Command{
		Use:   "add <url>",
		Short: "Add an ignored source",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.withApp(cmd.Context(), false, func(a *app.App) error {
				src := domain.IgnoredSource{URL: strings.TrimSpace(args[0]), Summary: summary, AddedAt: time.Now().UTC()}
				if err := a.Repo.AddIgnoredSource(cmd.Context(), src); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "ignoring %s\n", src.URL)
				return nil
			})
		},
	}
	add.Flags().StringVar(&summary, "summary", "", "Incident summary to exclude as a duplicate")

	list := &cobra.Command{
		Use:   "list",
		Short: "List ignored sources",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return c.withApp(cmd.Context(), false, func(a *app.App) error {
				sources, err := a.Repo.ListIgnoredSources(cmd.Context())
				if err != nil {
					return err
				}
				if c.jsonOut {
					return printJSON(cmd.OutOrStdout(), sources)
				}
				tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
				fmt.Fprintln(tw, "URL\tSUMMARY\tADDED")
				for _, s := range sources {
					fmt.Fprintf(tw, "%s\t%s\t%s\n", s.URL, s.Summary, s.AddedAt.Local().Format(time.DateOnly))
				}
				return tw.Flush()
			})
		},
	}

	rm := &cobra.Command{
		Use:   "rm <url>",
		Short: "Remove an ignored source",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.withApp(cmd.Context(), false, func(a *app.App) error {
				deleted, err := a.Repo.DeleteIgnoredSource(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				if !deleted {
					return fmt.Errorf("%s is not an ignored source", args[0])
				}
				fmt.Fprintf(cmd.OutOrStdout(), "removed %s\n", args[0])
				return nil
			})
		},
	}

	cmd.AddCommand(add, list, rm)
	return cmd
}

func (c *cli) scanCmd() *cobra.Command {
	var (
		asset  string
		attrs  []string
		date   string
		window string
	)
	cmd := &cobra.Command{
		Use:   "scan <session>",
		Short: "Run a scan in-process, printing its thought trace live",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			sid, err := sessionArg(args)
			if err != nil {
				return err
			}
			attributes, err := parseAttributes(attrs)
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			return c.withApp(ctx, true, func(a *app.App) error {
				return c.runScan(ctx, cmd, a, scan.Request{
					SessionID:    sid,
					Asset:        asset,
					Attributes:   attributes,
					ScanDate:     date,
					TimeDuration: window,
				})
			})
		},
	}
	cmd.Flags().StringVar(&asset, "asset", "", "Asset to scan")
	cmd.Flags().StringArrayVar(&attrs, "attr", nil, "Asset attribute as key=value (repeatable)")
	cmd.Flags().StringVar(&date, "date", "", "Scan date, YYYY-MM-DD (default today)")
	cmd.Flags().StringVar(&window, "window", "", "Time window, e.g. \"last 60 days\"")
	_ = cmd.MarkFlagRequired("asset")
	return cmd
}

func (c *cli) runScan(ctx context.Context, cmd *cobra.Command, a *app.App, req scan.Request) error {
	out := cmd.OutOrStdout()

	obs := a.Hub.Subscribe(req.SessionID)
	defer a.Hub.Unsubscribe(obs)

	finished := make(chan struct{})
	printed := make(chan struct{})
	go func() {
		defer close(printed)
		streamEvents(out, obs, finished)
	}()

	result, err := a.Scans.StartScan(ctx, req)
	if err != nil && ctx.Err() != nil {
		// Interrupted: stop the pipeline at its next stage and wait for it.
		fmt.Fprintln(cmd.ErrOrStderr(), "interrupted, cancelling scan...")
		if cancelErr := a.Scans.Cancel(req.SessionID); cancelErr != nil && !errors.Is(cancelErr, scan.ErrNoActiveScan) {
			return cancelErr
		}
		if _, waitErr := a.Scans.Wait(context.Background(), req.SessionID); waitErr != nil {
			return waitErr
		}
	}
	close(finished)
	<-printed

	if err != nil {
		return err
	}
	if result.Fallback {
		fmt.Fprintln(cmd.ErrOrStderr(), "warning: report stage did not return JSON; stored raw output")
	}
	return writeIndented(out, result.Document)
}

// streamEvents prints events until the scan has finished and the queue is
// drained, or the hub drops the observer.
func streamEvents(w io.Writer, obs *hub.Observer, finished <-chan struct{}) {
	for {
		select {
		case ev := <-obs.Events():
			printEvent(w, ev)
		case <-obs.Done():
			return
		case <-finished:
			for {
				select {
				case ev := <-obs.Events():
					printEvent(w, ev)
				default:
					return
				}
			}
		}
	}
}
