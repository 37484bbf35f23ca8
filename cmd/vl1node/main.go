package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/database64128/vl1node/internal/identity"
	"github.com/database64128/vl1node/internal/vl2"
	"github.com/database64128/vl1node/jsoncfg"
	"github.com/database64128/vl1node/node"
	"github.com/database64128/vl1node/tslog"
)

var (
	testConf bool
	confPath string
	logLevel slog.Level
)

func init() {
	flag.BoolVar(&testConf, "testConf", false, "Test the configuration file without starting the node")
	flag.StringVar(&confPath, "confPath", "", "Path to JSON configuration file")
	flag.TextVar(&logLevel, "logLevel", slog.LevelInfo, "Override the logger configuration's log level.\nAvailable levels: debug, info, warn, error")
}

// Config is the on-disk configuration for cmd/vl1node.
type Config struct {
	Node      node.Config      `json:"node"`
	Log       tslog.Config     `json:"log"`
	Listeners []ListenerConfig `json:"listeners"`
}

func main() {
	flag.Parse()

	if confPath == "" {
		fmt.Println("Missing -confPath <path>.")
		flag.Usage()
		os.Exit(1)
	}

	var cfg Config
	if err := jsoncfg.Open(confPath, &cfg); err != nil {
		fmt.Printf("Failed to load config %q: %v\n", confPath, err)
		os.Exit(1)
	}

	logCfg := cfg.Log
	if isLogLevelSet() {
		logCfg.Level = logLevel
	}
	logger := logCfg.NewLogger(os.Stderr)

	id, err := loadOrGenerateIdentity(cfg.Node.IdentityPath)
	if err != nil {
		logger.Error("Failed to load or generate identity", tslog.Err(err))
		os.Exit(1)
	}
	logger.Info("Loaded identity", tslog.Hex("address", uint64(id.Address())))

	transport := newUDPTransport()
	vl2Delegate := vl2.NewLoggingStub(logger)
	n := node.New(cfg.Node, id, transport, vl2Delegate, logger)

	listener := newListenerService(cfg.Listeners, transport, n.Dispatcher(), logger)
	n.AddService(listener)

	if testConf {
		logger.Info("Config test OK", slog.String("confPath", confPath))
		return
	}

	ctx, cancel := context.WithCancel(context.Background())

	go func() {
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		sig := <-sigCh
		logger.Info("Received exit signal", slog.String("signal", sig.String()))
		cancel()
	}()

	if err := n.Start(ctx); err != nil {
		logger.Error("Failed to start node", tslog.Err(err))
		os.Exit(1)
	}

	<-ctx.Done()
	n.Stop()
}

// loadOrGenerateIdentity loads the node's identity from path, generating
// and persisting a new one if the file does not yet exist.
func loadOrGenerateIdentity(path string) (identity.Identity, error) {
	if path == "" {
		return identity.GenerateLocal()
	}
	id, err := identity.Load(path)
	if err == nil {
		return id, nil
	}
	if !os.IsNotExist(err) {
		return identity.Identity{}, fmt.Errorf("failed to load identity from %q: %w", path, err)
	}

	id, err = identity.GenerateLocal()
	if err != nil {
		return identity.Identity{}, fmt.Errorf("failed to generate identity: %w", err)
	}
	if err := id.Save(path); err != nil {
		return identity.Identity{}, fmt.Errorf("failed to save identity to %q: %w", path, err)
	}
	return id, nil
}

func isLogLevelSet() bool {
	set := false
	flag.Visit(func(f *flag.Flag) {
		if f.Name == "logLevel" {
			set = true
		}
	})
	return set
}
