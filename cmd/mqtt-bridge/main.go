package main

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"os"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/life-stream-dev/life-stream-go-mqtt-bridge/internal/bridge"
	"github.com/life-stream-dev/life-stream-go-mqtt-bridge/internal/broker"
	"github.com/life-stream-dev/life-stream-go-mqtt-bridge/internal/config"
	"github.com/life-stream-dev/life-stream-go-mqtt-bridge/internal/database"
	"github.com/life-stream-dev/life-stream-go-mqtt-bridge/internal/event"
	"github.com/life-stream-dev/life-stream-go-mqtt-bridge/internal/logger"
	"github.com/life-stream-dev/life-stream-go-mqtt-bridge/internal/store"
	"github.com/life-stream-dev/life-stream-go-mqtt-bridge/internal/transport"
)

func main() {
	if err := newRootCommand().ExecuteContext(context.Background()); err != nil {
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	var configPath, role string
	cmd := &cobra.Command{
		Use:   "mqtt-bridge",
		Short: "Bridge MQTT traffic to the state store",
		Long: `mqtt-bridge either accepts MQTT clients as a broker or connects to a
remote broker as a client, mirroring topics into store entries and store
changes back onto topics.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return run(cmd.Context(), configPath, role)
		},
		SilenceUsage: true,
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", "config.json", "configuration file (.json, .yaml or .yml)")
	cmd.Flags().StringVar(&role, "role", "", "override the configured role (broker or client)")
	return cmd
}

func run(ctx context.Context, configPath, role string) error {
	cfg, err := config.ReadConfig(configPath)
	if err != nil {
		return fmt.Errorf("error occured while reading config: %w", err)
	}
	if role != "" {
		cfg.Role = role
		if err := cfg.Validate(); err != nil {
			return err
		}
	}

	loggerCallback := logger.Init(cfg.DebugMode, cfg.LogPath)
	logger.Debug("Application initializing...")
	cleaner := event.NewCleaner()
	cleaner.Init(ctx, loggerCallback)
	defer cleaner.Clean()

	repo, err := database.Open(ctx, cfg)
	if err != nil {
		logger.ErrorF("Error occured while initializing database, details: %v", err)
		return err
	}
	st := store.NewMemoryStore(cfg.Namespace, nil)

	errCh := make(chan error, 2)
	switch cfg.Role {
	case config.RoleBroker:
		err = startBroker(ctx, cfg, st, repo, cleaner, errCh)
	case config.RoleClient:
		err = startClient(ctx, cfg, st, repo, cleaner)
	}
	cleaner.Add(database.NewCloseCallback(repo))
	if err != nil {
		logger.ErrorF("Fail to start %s: %v", cfg.Role, err)
		return err
	}

	select {
	case err := <-errCh:
		logger.ErrorF("Listener failed: %v", err)
		return err
	case <-cleaner.Done():
		return nil
	}
}

func startBroker(ctx context.Context, cfg *config.Config, st store.Store, repo database.SessionRepository, cleaner *event.Cleaner, errCh chan<- error) error {
	listeners, err := openListeners(cfg)
	if err != nil {
		return err
	}

	b := broker.New(broker.OptionsFromConfig(cfg), st, repo, nil)
	cleaner.Add(b)
	if err := b.Start(ctx); err != nil {
		for _, ln := range listeners {
			_ = ln.Close()
		}
		return err
	}
	for _, ln := range listeners {
		go func(ln transport.Listener) {
			if err := b.Serve(ln); err != nil {
				errCh <- err
			}
		}(ln)
	}
	return nil
}

func openListeners(cfg *config.Config) ([]transport.Listener, error) {
	var (
		tlsConfig *tls.Config
		err       error
	)
	if cfg.Secure {
		if tlsConfig, err = transport.LoadTLSConfig(cfg.CertFile, cfg.KeyFile); err != nil {
			return nil, err
		}
	}

	addr := net.JoinHostPort(cfg.Bind, strconv.Itoa(cfg.Port))
	var ln transport.Listener
	if tlsConfig != nil {
		ln, err = transport.ListenTLS(addr, tlsConfig)
	} else {
		ln, err = transport.ListenTCP(addr)
	}
	if err != nil {
		return nil, err
	}
	listeners := []transport.Listener{ln}

	if cfg.WebSocket {
		wsAddr := net.JoinHostPort(cfg.Bind, strconv.Itoa(cfg.WebSocketPort))
		ws, err := transport.ListenWebSocket(wsAddr, transport.DefaultWebSocketPath, tlsConfig)
		if err != nil {
			_ = ln.Close()
			return nil, err
		}
		listeners = append(listeners, ws)
	}
	return listeners, nil
}

func startClient(ctx context.Context, cfg *config.Config, st store.Store, repo database.SessionRepository, cleaner *event.Cleaner) error {
	clientID := bridge.ClientIDFromConfig(cfg)
	wire := bridge.NewPahoClient(bridge.WireOptionsFromConfig(cfg, clientID))
	e := bridge.New(bridge.OptionsFromConfig(cfg, clientID), st, repo, wire, nil)
	cleaner.Add(e)
	logger.InfoF("[%s] Connecting to %s:%d", clientID, cfg.Host, cfg.RemotePort)
	return e.Start(ctx)
}
