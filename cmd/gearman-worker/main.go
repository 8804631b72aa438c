// Command gearman-worker is a thin demonstration CLI over the gearman
// Worker: register one or more functions and run until interrupted. It
// holds no protocol logic of its own.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"

	"github.com/codegangsta/cli"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/bzikarsky/gearman-async"
	"github.com/bzikarsky/gearman-async/internal/appconfig"
	"github.com/bzikarsky/gearman-async/internal/logging"
	"github.com/bzikarsky/gearman-async/metrics"
)

func main() {
	app := cli.NewApp()
	app.Name = "gearman-worker"
	app.Usage = "register functions against a Gearman job server and run them"
	app.Commands = []cli.Command{
		runCommand(),
	}

	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func runCommand() cli.Command {
	return cli.Command{
		Name:  "run",
		Usage: "connect and serve registered functions until interrupted",
		Flags: []cli.Flag{
			cli.StringFlag{Name: "config", Usage: "path to a YAML/TOML config file"},
			cli.StringFlag{Name: "host", Value: "127.0.0.1", Usage: "job server host"},
			cli.IntFlag{Name: "port", Value: 4730, Usage: "job server port"},
			cli.StringFlag{Name: "log-level", Value: "info", Usage: "debug|info|warn|error"},
			cli.StringFlag{Name: "log-file", Usage: "rotate logs to this file instead of stderr"},
			cli.StringSliceFlag{Name: "function", Usage: "register a function name (repeatable); only --echo has a built-in handler"},
			cli.BoolFlag{Name: "echo", Usage: "register a built-in 'echo' function that returns its workload verbatim, for smoke-testing"},
			cli.StringFlag{Name: "metrics-addr", Usage: "serve /metrics on this address, e.g. :9090"},
		},
		Action: func(c *cli.Context) error {
			return runWorker(c)
		},
	}
}

func runWorker(c *cli.Context) error {
	cfg, err := appconfig.Load(c.String("config"))
	if err != nil {
		return err
	}
	if c.IsSet("host") {
		cfg.Host = c.String("host")
	}
	if c.IsSet("port") {
		cfg.Port = c.Int("port")
	}
	if c.IsSet("log-level") {
		cfg.LogLevel = c.String("log-level")
	}
	if c.IsSet("log-file") {
		cfg.LogFile = c.String("log-file")
	}

	logger, err := logging.New(cfg.LogLevel, cfg.LogFile)
	if err != nil {
		return err
	}
	defer logger.Sync()

	functions := c.StringSlice("function")
	if c.Bool("echo") {
		functions = append(functions, "echo")
	}
	if len(functions) == 0 {
		return cli.NewExitError("gearman-worker run: at least one of --function or --echo is required", 2)
	}

	var reg *metrics.Registry
	if addr := c.String("metrics-addr"); addr != "" {
		reg = metrics.NewRegistry("gearman_worker")
		promReg := prometheus.NewRegistry()
		for _, collector := range reg.Collectors() {
			promReg.MustRegister(collector)
		}
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(promReg, promhttp.HandlerOpts{}))
		go func() {
			if err := http.ListenAndServe(addr, mux); err != nil {
				logger.Error("metrics server stopped", zap.Error(err))
			}
		}()
	}

	ctx := context.Background()
	opts := []gearman.WorkerOption{gearman.WithWorkerLogger(logger)}
	if reg != nil {
		opts = append(opts, gearman.WithWorkerMetrics(reg))
	}
	worker, err := gearman.NewWorker(ctx, cfg.Addr(), opts...)
	if err != nil {
		return fmt.Errorf("connect to %s: %w", cfg.Addr(), err)
	}
	defer worker.Disconnect()

	for _, fn := range functions {
		handler := handlerFor(fn)
		if err := worker.Register(ctx, fn, handler); err != nil {
			return fmt.Errorf("register %s: %w", fn, err)
		}
		fmt.Printf("registered %s\n", fn)
	}

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt)
	<-sig
	fmt.Println("shutting down")
	return nil
}

func handlerFor(function string) gearman.JobHandler {
	if function == "echo" {
		return func(j *gearman.Job) {
			j.Complete(j.Workload)
		}
	}
	return func(j *gearman.Job) {
		j.Exception([]byte("gearman-worker run: no handler wired for function " + strings.TrimSpace(j.Function)))
	}
}

