package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"maps"
	"os"
	"os/signal"
	"slices"
	"strings"
	"syscall"
	"time"

	"github.com/urfave/cli/v2"

	"github.com/knoguchi/tendersense/internal/app"
	"github.com/knoguchi/tendersense/internal/auth"
	"github.com/knoguchi/tendersense/internal/config"
	"github.com/knoguchi/tendersense/internal/source"
	"github.com/knoguchi/tendersense/internal/tender"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newApp().RunContext(ctx, os.Args); err != nil {
		slog.Error("command failed", "error", err)
		os.Exit(1)
	}
}

func newApp() *cli.App {
	return &cli.App{
		Name:  "tenderctl",
		Usage: "Ingest, search and alert on public tender notices",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "log-level",
				Aliases: []string{"l"},
				Usage:   "Set logging level (debug, info, warn, error)",
				Value:   "warn",
			},
		},
		Before: setupLogger,
		Commands: []*cli.Command{
			{
				Name:  "ingest",
				Usage: "Fetch notices from a source and index them",
				Subcommands: []*cli.Command{
					{
						Name:      "csv",
						Usage:     "Ingest a CSV file of notices",
						ArgsUsage: "FILE",
						Action: func(c *cli.Context) error {
							if c.NArg() != 1 {
								return cli.Exit("expected exactly one CSV file", 2)
							}
							return ingestCommand(c, &source.CSV{Path: c.Args().First()})
						},
					},
					{
						Name:   "ted",
						Usage:  "Ingest from the TED search API",
						Action: func(c *cli.Context) error { return ingestCommand(c, nil) },
					},
					{
						Name:   "nen",
						Usage:  "Ingest from the NEN procurement portal",
						Action: func(c *cli.Context) error { return ingestCommand(c, nil) },
					},
				},
			},
			{
				Name:      "extract",
				Usage:     "Extract deadline, CPV codes and requirements from notice text",
				ArgsUsage: "[FILE]",
				Action:    extractCommand,
				Flags: []cli.Flag{
					&cli.StringFlag{
						Name:  "lang",
						Usage: "Prompt language (en, cs, sk, ...)",
						Value: "en",
					},
				},
			},
			{
				Name:      "search",
				Usage:     "Semantic search over indexed notices",
				ArgsUsage: "QUERY",
				Action:    searchCommand,
				Flags: []cli.Flag{
					&cli.IntFlag{Name: "k", Usage: "Number of results", Value: 5},
				},
			},
			{
				Name:      "ask",
				Usage:     "Answer a question from indexed notices",
				ArgsUsage: "QUESTION",
				Action:    askCommand,
				Flags: []cli.Flag{
					&cli.IntFlag{Name: "k", Usage: "Number of context notices", Value: 4},
				},
			},
			{
				Name:  "alerts",
				Usage: "Run alert profiles",
				Subcommands: []*cli.Command{
					{
						Name:   "list",
						Usage:  "List configured profiles",
						Action: alertsListCommand,
					},
					{
						Name:      "run",
						Usage:     "Run one profile, or all with --all",
						ArgsUsage: "[NAME]",
						Action:    alertsRunCommand,
						Flags: []cli.Flag{
							&cli.BoolFlag{Name: "all", Usage: "Run every profile"},
						},
					},
				},
			},
			{
				Name:   "token",
				Usage:  "Issue a JWT for the HTTP API (requires JWT_SECRET)",
				Action: tokenCommand,
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "subject", Usage: "Token subject", Required: true},
					&cli.StringSliceFlag{Name: "scope", Usage: "Granted scope, repeatable", Value: cli.NewStringSlice(auth.ScopeAdmin)},
					&cli.DurationFlag{Name: "expiry", Usage: "Token lifetime; 0 uses JWT_EXPIRY"},
				},
			},
		},
	}
}

func setupLogger(c *cli.Context) error {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(c.String("log-level"))); err != nil {
		return fmt.Errorf("invalid log level %q: %w", c.String("log-level"), err)
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl})))
	return nil
}

func withApp(c *cli.Context, fn func(*app.App) error) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	a, err := app.Build(c.Context, cfg, slog.Default())
	if err != nil {
		return err
	}
	defer a.Close()
	return fn(a)
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	enc.SetEscapeHTML(false)
	return enc.Encode(v)
}

// ingestCommand ingests from src, or from the configured source named like
// the command when src is nil.
func ingestCommand(c *cli.Context, src source.Source) error {
	return withApp(c, func(a *app.App) error {
		if src == nil {
			var err error
			if src, err = a.Source(c.Command.Name); err != nil {
				return err
			}
		}
		start := time.Now()
		notices, err := src.Fetch(c.Context)
		if err != nil {
			return fmt.Errorf("fetching %s: %w", src.Name(), err)
		}
		slog.Info("fetched notices", "source", src.Name(), "count", len(notices), "duration", time.Since(start))

		res, err := a.Ingest.Ingest(c.Context, src.Name(), notices)
		if err != nil {
			return err
		}
		return printJSON(c.App.Writer, res)
	})
}

func extractCommand(c *cli.Context) error {
	var r io.Reader = os.Stdin
	if path := c.Args().First(); path != "" && path != "-" {
		f, err := os.Open(path)
		if err != nil {
			return err
		}
		defer f.Close()
		r = f
	} else if c.App.Reader != nil {
		r = c.App.Reader
	}
	data, err := io.ReadAll(r)
	if err != nil {
		return fmt.Errorf("reading text: %w", err)
	}
	text := strings.TrimSpace(string(data))
	if text == "" {
		return cli.Exit("no text to extract from", 2)
	}

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	logger := slog.Default()
	ex := app.NewExtractor(cfg, app.NewBackend(cfg, logger), logger)
	out := ex.Run(c.Context, text, strings.ToLower(c.String("lang")))

	return printJSON(c.App.Writer, map[string]any{
		"extraction": json.RawMessage(out.Raw),
		"state":      out.State,
		"attempts":   out.Attempts,
	})
}

func searchCommand(c *cli.Context) error {
	query := strings.Join(c.Args().Slice(), " ")
	if strings.TrimSpace(query) == "" {
		return cli.Exit("a query is required", 2)
	}
	return withApp(c, func(a *app.App) error {
		hits, err := a.Search.Search(c.Context, query, c.Int("k"))
		if err != nil {
			return err
		}
		printHits(c.App.Writer, hits, tender.ScoreSource(a.Config.ScoreSource))
		return nil
	})
}

func printHits(w io.Writer, hits []tender.Hit, scoreSource tender.ScoreSource) {
	if len(hits) == 0 {
		fmt.Fprintln(w, "no results")
		return
	}
	for i, h := range hits {
		fmt.Fprintf(w, "%2d. [%.3f] %s\n", i+1, h.ReportedScore(scoreSource), h.Title)
		if h.Buyer != "" || h.Country != "" {
			fmt.Fprintf(w, "    %s (%s)\n", h.Buyer, h.Country)
		}
		if len(h.CPV) > 0 {
			fmt.Fprintf(w, "    CPV %s\n", strings.Join(h.CPV, ", "))
		}
		if h.Deadline != nil {
			fmt.Fprintf(w, "    deadline %s\n", h.Deadline.UTC().Format(time.RFC3339))
		}
		if h.URL != "" {
			fmt.Fprintf(w, "    %s\n", h.URL)
		}
	}
}

func askCommand(c *cli.Context) error {
	question := strings.Join(c.Args().Slice(), " ")
	if strings.TrimSpace(question) == "" {
		return cli.Exit("a question is required", 2)
	}
	return withApp(c, func(a *app.App) error {
		ans, err := a.Search.Answer(c.Context, question, c.Int("k"))
		if err != nil {
			return err
		}
		fmt.Fprintln(c.App.Writer, ans.Answer)
		if len(ans.References) > 0 {
			fmt.Fprintln(c.App.Writer, "\nReferences:")
			for _, ref := range ans.References {
				fmt.Fprintf(c.App.Writer, "- %s\n", ref)
			}
		}
		return nil
	})
}

func alertsListCommand(c *cli.Context) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	profiles, err := config.LoadProfiles(cfg.AlertProfilesPath)
	if errors.Is(err, os.ErrNotExist) {
		fmt.Fprintf(c.App.Writer, "no profiles file at %s\n", cfg.AlertProfilesPath)
		return nil
	}
	if err != nil {
		return err
	}
	for _, name := range slices.Sorted(maps.Keys(profiles)) {
		p := profiles[name]
		fmt.Fprintf(c.App.Writer, "%s\t%q\tmax=%d\n", name, p.Query, p.Limit())
	}
	return nil
}

func alertsRunCommand(c *cli.Context) error {
	name := c.Args().First()
	if name == "" && !c.Bool("all") {
		return cli.Exit("give a profile name or --all", 2)
	}
	return withApp(c, func(a *app.App) error {
		if c.Bool("all") {
			runs, err := a.Alerts.RunAll(c.Context)
			for _, run := range runs {
				fmt.Fprintln(c.App.Writer, run)
			}
			return err
		}
		run, err := a.Alerts.RunByName(c.Context, name)
		if err != nil {
			return err
		}
		fmt.Fprintln(c.App.Writer, run)
		return nil
	})
}

func tokenCommand(c *cli.Context) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	if cfg.JWTSecret == "" {
		return cli.Exit("JWT_SECRET is not set", 2)
	}
	mgr := auth.NewJWTManager(cfg.JWTSecret, auth.WithTTL(cfg.JWTExpiry))
	token, err := mgr.Issue(c.String("subject"), c.Duration("expiry"), c.StringSlice("scope")...)
	if err != nil {
		return err
	}
	fmt.Fprintln(c.App.Writer, token)
	return nil
}
