package command

import (
	"bufio"
	"context"
	"errors"
	"io"
	"strings"

	"github.com/urfave/cli/v2"

	"lantern/cli/internal/config"
)

type Deps struct {
	LoadConfig    func() config.Config
	RunServe      func(context.Context, config.Config) error
	RunMigrateUp  func(context.Context, config.Config) error
	ListThoughts  func(context.Context, config.Config, io.Writer) error
	HarvestQuests func(context.Context, config.Config, io.Writer) error
	SaveService   func(context.Context, config.Config, ServiceSettings) error
	SaveWorkerKey func(context.Context, config.Config, string) error
}

// ServiceSettings are the reasoning-service values given on the command
// line. Empty fields keep what is stored.
type ServiceSettings struct {
	Endpoint string
	Model    string
	APIKey   string
}

func BuildApp(deps Deps) *cli.App {
	serve := func(ctx *cli.Context) error {
		return call(deps.RunServe, "serve", ctx, loadConfig(deps))
	}
	return &cli.App{
		Name:   "lantern",
		Usage:  "personal background agent",
		Action: serve,
		Commands: []*cli.Command{
			{
				Name:   "serve",
				Usage:  "run the agent and its local api",
				Action: serve,
			},
			{
				Name:  "migrate",
				Usage: "run database migration",
				Subcommands: []*cli.Command{
					{
						Name:  "up",
						Usage: "apply pending schema and data migrations",
						Action: func(ctx *cli.Context) error {
							return call(deps.RunMigrateUp, "migrate up", ctx, loadConfig(deps))
						},
					},
				},
			},
			{
				Name:  "thoughts",
				Usage: "inspect scheduled thoughts",
				Subcommands: []*cli.Command{
					{
						Name:  "list",
						Usage: "print persisted scheduled thoughts",
						Action: func(ctx *cli.Context) error {
							return callWriter(deps.ListThoughts, "thoughts list", ctx, loadConfig(deps))
						},
					},
				},
			},
			{
				Name:  "quests",
				Usage: "inspect sub-agent runs",
				Subcommands: []*cli.Command{
					{
						Name:  "harvest",
						Usage: "print and consume finished sub-agent results",
						Action: func(ctx *cli.Context) error {
							return callWriter(deps.HarvestQuests, "quests harvest", ctx, loadConfig(deps))
						},
					},
				},
			},
			{
				Name:  "config",
				Usage: "store credentials in the local database",
				Subcommands: []*cli.Command{
					{
						Name:  "set-service",
						Usage: "save reasoning service endpoint, model and api key",
						Flags: []cli.Flag{
							&cli.StringFlag{Name: "endpoint", Usage: "responses api base url"},
							&cli.StringFlag{Name: "model", Usage: "default model"},
							&cli.StringFlag{Name: "api-key", Usage: "api key, or - to read it from stdin"},
						},
						Action: func(ctx *cli.Context) error {
							if deps.SaveService == nil {
								return errors.New("config set-service runner is not configured")
							}
							key, err := flagOrStdin(ctx, "api-key")
							if err != nil {
								return err
							}
							return deps.SaveService(ctx.Context, loadConfig(deps), ServiceSettings{
								Endpoint: ctx.String("endpoint"),
								Model:    ctx.String("model"),
								APIKey:   key,
							})
						},
					},
					{
						Name:  "set-worker-key",
						Usage: "save the api key handed to sub-agent workers",
						Flags: []cli.Flag{
							&cli.StringFlag{Name: "api-key", Usage: "api key, or - to read it from stdin", Required: true},
						},
						Action: func(ctx *cli.Context) error {
							if deps.SaveWorkerKey == nil {
								return errors.New("config set-worker-key runner is not configured")
							}
							key, err := flagOrStdin(ctx, "api-key")
							if err != nil {
								return err
							}
							return deps.SaveWorkerKey(ctx.Context, loadConfig(deps), key)
						},
					},
				},
			},
		},
	}
}

func loadConfig(deps Deps) config.Config {
	if deps.LoadConfig != nil {
		return deps.LoadConfig()
	}
	return config.LoadConfig()
}

func call(fn func(context.Context, config.Config) error, name string, ctx *cli.Context, cfg config.Config) error {
	if fn == nil {
		return errors.New(name + " runner is not configured")
	}
	return fn(ctx.Context, cfg)
}

func callWriter(fn func(context.Context, config.Config, io.Writer) error, name string, ctx *cli.Context, cfg config.Config) error {
	if fn == nil {
		return errors.New(name + " runner is not configured")
	}
	return fn(ctx.Context, cfg, ctx.App.Writer)
}

// flagOrStdin reads the first line of the app reader when the flag is "-".
func flagOrStdin(ctx *cli.Context, name string) (string, error) {
	v := strings.TrimSpace(ctx.String(name))
	if v != "-" {
		return v, nil
	}
	line, err := bufio.NewReader(ctx.App.Reader).ReadString('\n')
	if err != nil && !errors.Is(err, io.EOF) {
		return "", err
	}
	return strings.TrimSpace(line), nil
}
