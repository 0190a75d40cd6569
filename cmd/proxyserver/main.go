// Command proxyserver runs the AI Studio reverse proxy: a gin HTTP edge
// exposing OpenAI/Anthropic/Gemini-shaped routes backed by a pool of
// headless-browser sessions logged into the upstream web app.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/aistudio-proxy/aistudio-proxy/internal/authsource"
	"github.com/aistudio-proxy/aistudio-proxy/internal/config"
	"github.com/aistudio-proxy/aistudio-proxy/internal/handler"
	"github.com/aistudio-proxy/aistudio-proxy/internal/logging"
	"github.com/aistudio-proxy/aistudio-proxy/internal/metrics"
	"github.com/aistudio-proxy/aistudio-proxy/internal/pool"
	"github.com/aistudio-proxy/aistudio-proxy/internal/registry"
	"github.com/aistudio-proxy/aistudio-proxy/internal/rotation"
	"github.com/aistudio-proxy/aistudio-proxy/internal/server"
)

func main() {
	configPath := flag.String("config", "configs/config.yaml", "path to the proxy's YAML configuration file")
	headed := flag.Bool("headed", false, "launch the browser with a visible window instead of headless")
	flag.Parse()

	if err := run(*configPath, *headed); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// run wires every component together and blocks until shutdown. It returns
// an error when the config cannot be loaded, the logger cannot be built,
// the credential directory cannot be read or holds no usable accounts, the
// browser cannot be launched, the rotation controller cannot start on any
// account, or the listener fails. Anything else is logged and the process
// keeps running in a degraded state.
func run(configPath string, headed bool) error {
	cfgReloader := config.NewReloader(configPath, nil)
	if err := cfgReloader.Start(); err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	defer cfgReloader.Stop()
	cfg := cfgReloader.Config()

	log, err := logging.New(cfg.Logging)
	if err != nil {
		return fmt.Errorf("init logging: %w", err)
	}
	defer log.Sync()

	mc := metrics.New()

	auth := authsource.New(cfg.AuthDir, log)
	if _, err := auth.Reload(); err != nil {
		return fmt.Errorf("read credential directory %q: %w", cfg.AuthDir, err)
	}
	if len(auth.RotationIndices()) == 0 {
		return fmt.Errorf("no usable accounts found in %q", cfg.AuthDir)
	}

	driver := pool.NewChromeDriver(!headed)
	debugSink := pool.NewFileDebugSink(cfg.DebugDir, log)
	poolMgr := pool.New(driver, auth, cfg, mc, debugSink, log)

	rootCtx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := driver.Launch(rootCtx); err != nil {
		return fmt.Errorf("launch browser: %w", err)
	}

	rotationCtl := rotation.New(cfg, auth, poolMgr, mc, log)
	reg := registry.New(poolMgr, poolMgr, rotationCtl.CurrentIndex, log)
	dispatch := handler.New(rotationCtl, poolMgr, reg, mc, log, cfg.Pool.HasImmediateSwitch)

	cfgReloader.OnChange(func(newCfg *config.Config) {
		log.Info("configuration reloaded; feature toggles and API keys now live, pool policy changes take effect after restart")
	})

	if err := rotationCtl.Start(rootCtx); err != nil {
		return fmt.Errorf("start rotation controller: %w", err)
	}
	poolMgr.StartBackgroundWakeup(rootCtx)

	srv := server.New(cfgReloader, log, mc, auth, poolMgr, reg, rotationCtl, dispatch)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		log.Info("shutdown signal received, draining connections")
		cancel()
	}()

	runErrCh := make(chan error, 1)
	go func() { runErrCh <- srv.Run(rootCtx) }()

	select {
	case err := <-runErrCh:
		if err != nil {
			return fmt.Errorf("listen on %q: %w", cfg.ListenAddr, err)
		}
	case <-rootCtx.Done():
		if err := <-runErrCh; err != nil {
			log.Warn("server shutdown reported an error", zap.Error(err))
		}
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := poolMgr.Shutdown(shutdownCtx); err != nil {
		log.Warn("pool shutdown reported an error", zap.Error(err))
	}
	return nil
}
