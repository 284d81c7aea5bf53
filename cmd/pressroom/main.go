package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/pressroom-dev/pressroom/app"
	"github.com/pressroom-dev/pressroom/config"
	"github.com/pressroom-dev/pressroom/remote"
	"github.com/pressroom-dev/pressroom/store"
)

func main() {
	cfgPath := flag.String("config", "pressroom.yaml", "Path to configuration file")
	listen := flag.String("listen", "", "Override the configured listen address")
	check := flag.Bool("check", false, "Validate configuration and exit")
	healthcheck := flag.Bool("healthcheck", false, "Probe a running instance and exit")
	dev := flag.Bool("dev", false, "Serve sample content from memory instead of the configured store")
	flag.Parse()

	if *check {
		if err := app.Check(*cfgPath); err != nil {
			fmt.Fprintf(os.Stderr, "configuration invalid: %v\n", err)
			os.Exit(1)
		}
		fmt.Println("configuration ok")
		return
	}

	if *healthcheck {
		if err := executeHealthCheck(*cfgPath, *listen); err != nil {
			fmt.Fprintf(os.Stderr, "health check failed: %v\n", err)
			os.Exit(1)
		}
		return
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	var reloadFn app.ReloadFunc
	opts := []app.Option{
		app.WithConfigPath(*cfgPath, func(fn app.ReloadFunc) { reloadFn = fn }),
	}
	if *listen != "" {
		opts = append(opts, app.WithListenOverride(*listen))
	}
	if *dev {
		opts = append(opts, app.WithStore(store.NewMemory(store.SamplePosts()...)))
	}

	application, err := app.New(ctx, opts...)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to start")
	}
	defer application.Close()

	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	defer signal.Stop(hup)
	go func() {
		for range hup {
			if reloadFn == nil {
				continue
			}
			if err := reloadFn(ctx); err != nil {
				log.Error().Err(err).Msg("reload failed")
			}
		}
	}()

	if err := application.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		log.Fatal().Err(err).Msg("service stopped")
	}
}

// executeHealthCheck probes the /healthz endpoint of the instance described
// by the configuration. Meant for container health checks.
func executeHealthCheck(path, listenOverride string) error {
	addr := listenOverride
	if addr == "" {
		cfg, err := config.Load(path)
		if err != nil {
			return err
		}
		addr = cfg.ListenAddr()
	}
	if strings.HasPrefix(addr, ":") {
		addr = "127.0.0.1" + addr
	}

	client, err := remote.New("http://" + addr)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return client.Health(ctx)
}
