// Command tokenbrokerd is the long-running daemon: it acquires and
// maintains OAuth2 access tokens on behalf of command-line programs,
// serving them over the control socket.
package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/jonboulle/clockwork"
	"github.com/mattn/go-isatty"

	"tokenbroker/internal/accountcfg"
	"tokenbroker/internal/supervisor"
)

func main() {
	configPath := flag.String("config", defaultConfigPath(), "path to the configuration file")
	flag.Parse()

	cfg, err := accountcfg.Load(*configPath)
	if err != nil {
		log.Fatalf("tokenbrokerd: %v", err)
	}

	cacheDir, err := supervisor.DefaultCacheDir()
	if err != nil {
		log.Fatalf("tokenbrokerd: resolve cache dir: %v", err)
	}
	if err := os.MkdirAll(cacheDir, 0o700); err != nil {
		log.Fatalf("tokenbrokerd: create cache dir %s: %v", cacheDir, err)
	}
	socketPath := filepath.Join(cacheDir, "tokenbroker.sock")

	sup, err := supervisor.New(cfg, *configPath, cacheDir, clockwork.NewRealClock())
	if err != nil {
		log.Fatalf("tokenbrokerd: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT, syscall.SIGHUP)
	go func() {
		for sig := range sigCh {
			switch sig {
			case syscall.SIGHUP:
				if err := sup.Reload(); err != nil {
					log.Printf("tokenbrokerd: reload failed, keeping previous config: %v", err)
				} else {
					log.Printf("tokenbrokerd: config reloaded")
				}
			case syscall.SIGTERM, syscall.SIGINT:
				log.Printf("tokenbrokerd: shutting down")
				sup.Shutdown()
				return
			}
		}
	}()

	log.Printf("tokenbrokerd: listening on control socket %s", socketPath)
	if isatty.IsTerminal(os.Stderr.Fd()) {
		log.Printf("tokenbrokerd: running in foreground; use `tokenbroker show <account>` from another terminal")
	}

	if err := sup.Run(ctx, socketPath); err != nil {
		log.Fatalf("tokenbrokerd: %v", err)
	}
}

func defaultConfigPath() string {
	if d, err := os.UserConfigDir(); err == nil {
		return filepath.Join(d, "tokenbroker", "config.yaml")
	}
	return "tokenbroker.yaml"
}
