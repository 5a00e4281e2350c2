// Command unicornd is the Unicorn device manager process: it boots the
// device tree, driver launcher, and IPC server, then serves driver
// connections until signalled to stop.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"runtime"
	"runtime/pprof"
	"syscall"
	"time"

	"github.com/urfave/cli/v2"

	unicorn "github.com/glenda-dev/unicorn"
	"github.com/glenda-dev/unicorn/internal/logging"
	"github.com/glenda-dev/unicorn/internal/resourceclient"
)

func main() {
	app := &cli.App{
		Name:  "unicornd",
		Usage: "userspace device manager",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "socket",
				Usage: "Unix socket drivers connect to",
				Value: unicorn.DefaultSocketPath,
			},
			&cli.StringFlag{
				Name:  "resource-socket",
				Usage: "Unix socket the resource manager listens on",
				Value: unicorn.DefaultResourceManagerSocket,
			},
			&cli.StringFlag{
				Name:  "manifest-file",
				Usage: "load the driver manifest from this file instead of the resource manager (standalone/demo mode)",
			},
			&cli.StringFlag{
				Name:  "bootinfo-file",
				Usage: "load boot info from this file instead of the resource manager (standalone/demo mode)",
			},
			&cli.BoolFlag{
				Name:  "verbose",
				Usage: "enable debug logging",
			},
			&cli.DurationFlag{
				Name:  "irq-period",
				Usage: "simulated IRQ delivery interval",
				Value: unicorn.DefaultIRQPeriod,
			},
		},
		Action: run,
	}

	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(c *cli.Context) error {
	logConfig := logging.DefaultConfig()
	if c.Bool("verbose") {
		logConfig.Level = logging.LevelDebug
	}
	logger := logging.NewLogger(logConfig)
	logging.SetDefault(logger)

	cfg := unicorn.Config{
		Logger:     logger,
		SocketPath: c.String("socket"),
		IRQPeriod:  c.Duration("irq-period"),
	}

	manifestFile := c.String("manifest-file")
	bootinfoFile := c.String("bootinfo-file")
	if manifestFile != "" || bootinfoFile != "" {
		rc, err := standaloneResourceClient(manifestFile, bootinfoFile)
		if err != nil {
			return err
		}
		cfg.ResourceClient = rc
		logger.Info("running in standalone mode", "manifest_file", manifestFile, "bootinfo_file", bootinfoFile)
	} else {
		rc, err := resourceclient.Dial(c.String("resource-socket"), logger)
		if err != nil {
			return err
		}
		cfg.ResourceClient = rc
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	mgr, err := unicorn.Boot(ctx, cfg)
	if err != nil {
		logger.Error("boot failed", "error", err)
		return err
	}
	defer func() {
		logger.Info("shutting down")
		if err := mgr.Shutdown(); err != nil {
			logger.Error("error during shutdown", "error", err)
		}
	}()

	logger.Info("unicorn device manager started", "socket", c.String("socket"), "pid", os.Getpid())
	fmt.Printf("unicornd listening on %s\n", c.String("socket"))
	fmt.Printf("Send SIGUSR1 (kill -USR1 %d) to dump goroutine stacks\n", os.Getpid())

	stackDumpCh := make(chan os.Signal, 1)
	signal.Notify(stackDumpCh, syscall.SIGUSR1)
	go func() {
		for range stackDumpCh {
			dumpStacks(logger)
		}
	}()

	serveErrCh := make(chan error, 1)
	go func() {
		serveErrCh <- mgr.Run(ctx)
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case <-sigCh:
		logger.Info("received shutdown signal")
		cancel()
	case err := <-serveErrCh:
		if err != nil {
			logger.Error("serve loop exited", "error", err)
			return err
		}
		return nil
	}

	select {
	case <-serveErrCh:
	case <-time.After(1 * time.Second):
		logger.Info("serve loop did not exit in time, forcing shutdown")
	}

	return nil
}

// standaloneResourceClient builds an in-memory ResourceClient preloaded
// from local files, so unicornd can boot without a running resource
// manager for local demos and development.
func standaloneResourceClient(manifestFile, bootinfoFile string) (resourceclient.ResourceClient, error) {
	rc := resourceclient.NewFake()

	if manifestFile != "" {
		data, err := os.ReadFile(manifestFile)
		if err != nil {
			return nil, fmt.Errorf("read manifest file: %w", err)
		}
		rc.Config[unicorn.DefaultManifestName] = data
	}
	if bootinfoFile != "" {
		data, err := os.ReadFile(bootinfoFile)
		if err != nil {
			return nil, fmt.Errorf("read bootinfo file: %w", err)
		}
		rc.Config[unicorn.BootInfoConfigKey] = data
	}

	return rc, nil
}

func dumpStacks(logger *logging.Logger) {
	logger.Info("=== GOROUTINE STACK TRACE DUMP ===")
	buf := make([]byte, 1024*1024)
	n := runtime.Stack(buf, true)
	fmt.Fprintf(os.Stderr, "\n=== FULL GOROUTINE STACK DUMP ===\n")
	fmt.Fprintf(os.Stderr, "%s\n", buf[:n])
	fmt.Fprintf(os.Stderr, "=== END STACK DUMP ===\n\n")

	filename := fmt.Sprintf("unicornd-stacks-%d.txt", time.Now().Unix())
	f, err := os.Create(filename)
	if err != nil {
		return
	}
	defer f.Close()

	fmt.Fprintf(f, "Goroutine stack dump at %s\n", time.Now().Format(time.RFC3339))
	fmt.Fprintf(f, "Process ID: %d\n\n", os.Getpid())
	f.Write(buf[:n])

	fmt.Fprintf(f, "\n\n=== GOROUTINE PROFILE ===\n")
	pprof.Lookup("goroutine").WriteTo(f, 2)

	logger.Info("stack trace written to file", "file", filename)
}
