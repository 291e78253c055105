package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	log "github.com/sirupsen/logrus"
	cli "github.com/urfave/cli/v2"
	bolt "go.etcd.io/bbolt"

	"github.com/rockit-astro/atlasd/pkg/drivers/atlas"
	"github.com/rockit-astro/atlasd/pkg/drivers/efc"
	"github.com/rockit-astro/atlasd/pkg/drivers/focuser_simulator"
	"github.com/rockit-astro/atlasd/pkg/drivers/rpi"
	"github.com/rockit-astro/atlasd/pkg/focuser"
	"github.com/rockit-astro/atlasd/pkg/server"
	"github.com/rockit-astro/atlasd/templates"
)

// buildDriver constructs the hardware backend selected on the command
// line. The returned cleanup releases driver-level resources on exit.
func buildDriver(name string, db *bolt.DB) (focuser.Device, func(), error) {
	switch name {
	case "sim":
		dev, err := focuser_simulator.New(db, log.WithField("driver", "sim"))
		if err != nil {
			return nil, nil, err
		}
		return dev, func() {}, nil

	case "atlas":
		dev, err := atlas.New(db, log.WithField("driver", "atlas"))
		if err != nil {
			return nil, nil, err
		}
		return dev, func() {}, nil

	case "efc":
		dev, err := efc.New(db, log.WithField("driver", "efc"))
		if err != nil {
			return nil, nil, err
		}
		return dev, dev.Close, nil

	case "rpi":
		dev, err := rpi.New(db, log.WithField("driver", "rpi"))
		if err != nil {
			return nil, nil, err
		}
		return dev, func() {
			if err := dev.Close(); err != nil {
				log.Warnf("Error closing GPIO driver: %v", err)
			}
		}, nil

	default:
		return nil, nil, fmt.Errorf("unknown driver %q (expected sim, atlas, efc or rpi)", name)
	}
}

func run(c *cli.Context) error {
	if c.Bool("debug") {
		log.SetLevel(log.DebugLevel)
	}

	log.Info("Atlas focuser daemon")

	tmpl, err := templates.LoadTemplates()
	if err != nil {
		return fmt.Errorf("failed to load templates: %v", err)
	}

	db, err := bolt.Open(c.String("db"), 0600, nil)
	if err != nil {
		return fmt.Errorf("failed to open database: %v", err)
	}
	defer db.Close()

	store, err := server.NewStore(db)
	if err != nil {
		return fmt.Errorf("failed to create store: %v", err)
	}

	cfg, err := store.GetControlConfig()
	if err != nil {
		return fmt.Errorf("failed to load control config: %v", err)
	}

	dev, cleanup, err := buildDriver(c.String("driver"), db)
	if err != nil {
		return fmt.Errorf("failed to create focuser driver: %v", err)
	}
	defer cleanup()

	ctrl := focuser.NewController(focuser.Config{
		MoveTimeout:  cfg.MoveTimeout(),
		PollInterval: cfg.PollInterval(),
		SettleDelay:  cfg.SettleDelay(),
		ControlHosts: cfg.ControlHosts,
	}, dev, log.StandardLogger())

	srv := server.NewServer(ctrl, store, tmpl, log.StandardLogger())

	httpSrv := &http.Server{
		Addr:    fmt.Sprintf(":%d", c.Int("port")),
		Handler: srv.AddRoutes(),
	}

	// Channel to listen for interrupt or terminate signals
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var wg sync.WaitGroup

	wg.Add(1)
	go func() {
		log.Debugf("Server started on %s", httpSrv.Addr)
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Could not listen on %s: %v\n", httpSrv.Addr, err)
		}
		wg.Done()
	}()

	dr, err := server.NewDiscoveryResponder("0.0.0.0", c.Int("port"), log.StandardLogger())
	if err != nil {
		log.Fatalf("Failed to start discovery responder: %v", err)
	}

	wg.Add(1)
	go func() {
		if err := dr.Run(ctx); err != nil {
			log.Fatalf("Discovery responder failed: %v", err)
		}
		wg.Done()
		log.Debug("Discovery responder stopped")
	}()

	wg.Add(1)
	go func() {
		srv.Watch(ctx)
		wg.Done()
	}()

	<-ctx.Done()

	log.Info("Shutting down server...")

	ctx2, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := httpSrv.Shutdown(ctx2); err != nil {
		return fmt.Errorf("server forced to shutdown: %v", err)
	}

	wg.Wait()
	log.Info("Server stopped")
	return nil
}

func main() {
	app := cli.App{
		Name:  "atlasd",
		Usage: "Control daemon for the observatory focuser",
		Flags: []cli.Flag{
			&cli.BoolFlag{
				Name:    "debug",
				Aliases: []string{"d"},
				Usage:   "Enable debug logging",
				Value:   false,
				EnvVars: []string{"DEBUG"},
			},
			&cli.IntFlag{
				Name:    "port",
				Aliases: []string{"p"},
				Usage:   "Port to listen on",
				Value:   9035,
				EnvVars: []string{"ATLASD_PORT"},
			},
			&cli.StringFlag{
				Name:    "db",
				Usage:   "Path to the configuration database",
				Value:   "atlasd.db",
				EnvVars: []string{"ATLASD_DB"},
			},
			&cli.StringFlag{
				Name:    "driver",
				Usage:   "Focuser driver (sim, atlas, efc, rpi)",
				Value:   "sim",
				EnvVars: []string{"ATLASD_DRIVER"},
			},
		},
		Action: run,
	}

	if err := app.Run(os.Args); err != nil {
		log.Fatalf("Error: %v", err)
	}

}
