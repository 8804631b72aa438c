// Command gearman-client is a thin demonstration CLI over the gearman
// Client: submit a job or ping a server. It holds no protocol logic of
// its own.
package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/codegangsta/cli"

	"github.com/bzikarsky/gearman-async"
	"github.com/bzikarsky/gearman-async/internal/appconfig"
	"github.com/bzikarsky/gearman-async/internal/logging"
)

func main() {
	app := cli.NewApp()
	app.Name = "gearman-client"
	app.Usage = "submit jobs to a Gearman job server"
	app.Flags = []cli.Flag{
		cli.StringFlag{Name: "config", Usage: "path to a YAML/TOML config file"},
		cli.StringFlag{Name: "host", Value: "127.0.0.1", Usage: "job server host"},
		cli.IntFlag{Name: "port", Value: 4730, Usage: "job server port"},
		cli.StringFlag{Name: "log-level", Value: "info", Usage: "debug|info|warn|error"},
		cli.StringFlag{Name: "log-file", Usage: "rotate logs to this file instead of stderr"},
	}
	app.Commands = []cli.Command{
		submitCommand(),
		pingCommand(),
	}

	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func loadConfig(c *cli.Context) (*appconfig.Config, error) {
	cfg, err := appconfig.Load(c.GlobalString("config"))
	if err != nil {
		return nil, err
	}
	if c.GlobalIsSet("host") {
		cfg.Host = c.GlobalString("host")
	}
	if c.GlobalIsSet("port") {
		cfg.Port = c.GlobalInt("port")
	}
	if c.GlobalIsSet("log-level") {
		cfg.LogLevel = c.GlobalString("log-level")
	}
	if c.GlobalIsSet("log-file") {
		cfg.LogFile = c.GlobalString("log-file")
	}
	return cfg, nil
}

func submitCommand() cli.Command {
	return cli.Command{
		Name:  "submit",
		Usage: "submit a job and optionally wait for its result",
		Flags: []cli.Flag{
			cli.StringFlag{Name: "function", Usage: "function name (required)"},
			cli.StringFlag{Name: "data", Usage: "workload to send"},
			cli.StringFlag{Name: "priority", Value: "normal", Usage: "normal|high|low"},
			cli.BoolFlag{Name: "background", Usage: "submit as fire-and-forget"},
			cli.StringFlag{Name: "unique-id", Usage: "dedupe key for foreground submits"},
			cli.BoolFlag{Name: "wait-status", Usage: "print WORK_STATUS updates as they arrive"},
		},
		Action: func(c *cli.Context) error {
			return runSubmit(c)
		},
	}
}

func runSubmit(c *cli.Context) error {
	function := c.String("function")
	if function == "" {
		return cli.NewExitError("gearman-client submit: --function is required", 2)
	}

	cfg, err := loadConfig(c)
	if err != nil {
		return err
	}
	logger, err := logging.New(cfg.LogLevel, cfg.LogFile)
	if err != nil {
		return err
	}
	defer logger.Sync()

	ctx := context.Background()
	client, err := gearman.NewClient(ctx, cfg.Addr(), gearman.WithLogger(logger))
	if err != nil {
		return fmt.Errorf("connect to %s: %w", cfg.Addr(), err)
	}
	defer client.Close()

	priority := parsePriority(c.String("priority"))
	workload := []byte(c.String("data"))

	if c.Bool("background") {
		task, err := client.SubmitBackground(ctx, function, workload, priority, c.String("unique-id"))
		if err != nil {
			return err
		}
		fmt.Printf("submitted %s handle=%s (background)\n", function, task.Handle)
		return nil
	}

	task, err := client.Submit(ctx, function, workload, priority, c.String("unique-id"))
	if err != nil {
		return err
	}
	fmt.Printf("submitted %s handle=%s\n", function, task.Handle)

	done := make(chan struct{})
	if c.Bool("wait-status") {
		task.OnStatus(func(ev gearman.StatusEvent) {
			fmt.Printf("status: %d/%d\n", ev.Numerator, ev.Denominator)
		})
	}
	task.OnComplete(func(data []byte) {
		fmt.Printf("complete: %s\n", data)
		close(done)
	})
	task.OnFailure(func() {
		fmt.Println("failed")
		close(done)
	})
	task.OnException(func(data []byte) {
		fmt.Printf("exception: %s\n", data)
		close(done)
	})

	<-done
	return nil
}

func pingCommand() cli.Command {
	return cli.Command{
		Name:  "ping",
		Usage: "round-trip a ping against the job server",
		Action: func(c *cli.Context) error {
			cfg, err := loadConfig(c)
			if err != nil {
				return err
			}
			logger, err := logging.New(cfg.LogLevel, cfg.LogFile)
			if err != nil {
				return err
			}
			defer logger.Sync()

			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()

			client, err := gearman.NewClient(ctx, cfg.Addr(), gearman.WithLogger(logger))
			if err != nil {
				return err
			}
			defer client.Close()

			fmt.Println("pong")
			return nil
		},
	}
}

func parsePriority(s string) gearman.Priority {
	switch s {
	case "high":
		return gearman.PriorityHigh
	case "low":
		return gearman.PriorityLow
	default:
		return gearman.PriorityNormal
	}
}
