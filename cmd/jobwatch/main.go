package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/urfave/cli/v3"

	"research-job-service/internal/client"
	"research-job-service/internal/config"
	"research-job-service/internal/logger"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	_ = godotenv.Load()

	app := &cli.Command{
		Name:  "jobwatch",
		Usage: "create research jobs and follow them live",
		Commands: []*cli.Command{
			{
				Name:  "create",
				Usage: "create a job and print its id",
				Flags: append([]cli.Flag{
					&cli.StringFlag{
						Name:     "query",
						Usage:    "research question",
						Required: true,
					},
					&cli.StringFlag{
						Name:  "context",
						Usage: "extra context as a JSON object",
					},
					&cli.BoolFlag{
						Name:  "watch",
						Usage: "follow the job after creating it",
					},
				}, commonFlags()...),
				Action: createAction,
			},
			{
				Name:      "watch",
				Usage:     "follow a job until it finishes",
				ArgsUsage: "<job-id>",
				Flags:     commonFlags(),
				Action:    watchAction,
			},
		},
	}

	if err := app.Run(ctx, os.Args); err != nil {
		log.Fatal(err)
	}
}

func commonFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:  "config",
			Usage: "config file path",
			Value: "config.yaml",
		},
		&cli.StringFlag{
			Name:  "api",
			Usage: "job service base URL (overrides config)",
		},
	}
}

type appContext struct {
	cfg *config.Config
	log *logger.Logger
	api *client.API
}

func newAppContext(cmd *cli.Command) (*appContext, error) {
	cfg, err := config.Load(cmd.String("config"))
	if err != nil {
		return nil, err
	}
	if u := cmd.String("api"); u != "" {
		cfg.Client.BaseURL = u
	}

	// stdout carries the job output
	lg := logger.NewWithWriter(os.Stderr, cfg.Logging.Level, "text")
	return &appContext{
		cfg: cfg,
		log: lg,
		api: client.NewAPI(cfg.Client.BaseURL, nil, lg),
	}, nil
}

func createAction(ctx context.Context, cmd *cli.Command) error {
	app, err := newAppContext(cmd)
	if err != nil {
		return err
	}

	var jobContext map[string]any
	if raw := cmd.String("context"); raw != "" {
		if err := json.Unmarshal([]byte(raw), &jobContext); err != nil {
			return fmt.Errorf("--context must be a JSON object: %w", err)
		}
	}

	job, err := app.api.CreateJob(ctx, cmd.String("query"), jobContext)
	if err != nil {
		return fmt.Errorf("create job: %w", err)
	}
	fmt.Println(job.ID)

	if !cmd.Bool("watch") {
		return nil
	}
	return app.watch(ctx, job.ID.String())
}

func watchAction(ctx context.Context, cmd *cli.Command) error {
	if cmd.Args().Len() != 1 {
		return fmt.Errorf("usage: jobwatch watch <job-id>")
	}
	app, err := newAppContext(cmd)
	if err != nil {
		return err
	}
	return app.watch(ctx, cmd.Args().First())
}

func (a *appContext) watch(ctx context.Context, jobID string) error {
	streams := client.NewStreamClient(a.cfg.Client.BaseURL, a.cfg.Client.IdleTimeout, a.log)
	sup := client.NewSupervisor(a.api, streams, a.cfg.Client.Supervisor, a.log)

	sub, err := sup.Subscribe(ctx, jobID)
	if err != nil {
		return err
	}
	defer sub.Unsubscribe()

	return follow(ctx, sub.Updates(), newPrinter(os.Stdout))
}
