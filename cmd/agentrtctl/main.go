package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/kardianos/service"

	"github.com/agentrt/agentrt-go"
	"github.com/agentrt/agentrt-go/internal/config"
	"github.com/agentrt/agentrt-go/reconnect"
	"github.com/agentrt/agentrt-go/transport"
	"github.com/agentrt/agentrt-go/upload"
)

const (
	serviceName        = "AgentRTClient"
	serviceDisplayName = "AgentRT Client Daemon"
	serviceDescription = "Maintains a persistent realtime session against an agent service"
)

// daemon implements kardianos/service.Interface for the background service
// lifecycle.
type daemon struct {
	cfg    *config.Config
	cancel context.CancelFunc
}

func (d *daemon) Start(s service.Service) error {
	go d.run()
	return nil
}

func (d *daemon) Stop(s service.Service) error {
	slog.Info("service stop requested")
	if d.cancel != nil {
		d.cancel()
	}
	return nil
}

func (d *daemon) run() {
	ctx, cancel := context.WithCancel(context.Background())
	d.cancel = cancel
	defer cancel()

	if err := runClient(ctx, d.cfg); err != nil {
		slog.Error("client exited with error", "error", err)
		os.Exit(1)
	}
}

func main() {
	var (
		configPath  = flag.String("config", "", "path to config file (default: ./agentrt.yaml)")
		doInstall   = flag.Bool("install", false, "install as a background service")
		doUninstall = flag.Bool("uninstall", false, "uninstall the background service")
		doRun       = flag.Bool("run", false, "run in foreground (non-service mode)")
	)
	flag.Parse()
	if *configPath == "" {
		*configPath = "agentrt.yaml"
	}

	initLogger("info")

	cfg, err := config.Load(*configPath, nil)
	if err != nil && !*doInstall && !*doUninstall {
		if service.Interactive() {
			fmt.Println()
			fmt.Println("  ===================================")
			fmt.Println("     agentrt client - first run")
			fmt.Println("  ===================================")
			fmt.Println()

			cfg, err = runFirstTimeSetup(*configPath)
			if err != nil {
				fmt.Printf("\n  setup failed: %v\n", err)
				fmt.Println("\n  press enter to exit...")
				bufio.NewReader(os.Stdin).ReadBytes('\n')
				os.Exit(1)
			}
		} else {
			slog.Error("failed to load config", "error", err)
			os.Exit(1)
		}
	}

	if cfg != nil {
		initLogger(cfg.LogLevel)
	}

	svcConfig := &service.Config{
		Name:        serviceName,
		DisplayName: serviceDisplayName,
		Description: serviceDescription,
		Arguments:   []string{"-run"},
	}

	d := &daemon{cfg: cfg}
	svc, err := service.New(d, svcConfig)
	if err != nil {
		slog.Error("failed to create service", "error", err)
		os.Exit(1)
	}

	switch {
	case *doInstall:
		if err := svc.Install(); err != nil {
			slog.Error("failed to install service", "error", err)
			os.Exit(1)
		}
		fmt.Println("service installed successfully:", serviceName)
		return

	case *doUninstall:
		if err := svc.Stop(); err != nil {
			slog.Warn("failed to stop service (may not be running)", "error", err)
		}
		if err := svc.Uninstall(); err != nil {
			slog.Error("failed to uninstall service", "error", err)
			os.Exit(1)
		}
		fmt.Println("service uninstalled successfully:", serviceName)
		return

	case *doRun:
		ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
		defer cancel()

		slog.Info("starting client in foreground mode")
		if err := runClient(ctx, cfg); err != nil {
			slog.Error("client exited with error", "error", err)
			os.Exit(1)
		}
		return

	default:
		if service.Interactive() {
			ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer cancel()

			fmt.Println()
			fmt.Println("  agentrt client is running.")
			fmt.Println("  press ctrl+c to stop.")
			fmt.Println()

			if err := runClient(ctx, cfg); err != nil {
				fmt.Printf("\n  client error: %v\n", err)
				fmt.Println("\n  press enter to exit...")
				bufio.NewReader(os.Stdin).ReadBytes('\n')
				os.Exit(1)
			}
		} else {
			if err := svc.Run(); err != nil {
				slog.Error("service run failed", "error", err)
				os.Exit(1)
			}
		}
	}
}

// runFirstTimeSetup runs an interactive console wizard when no config file
// exists, writing a minimal agentrt.yaml and returning it loaded.
func runFirstTimeSetup(configPath string) (*config.Config, error) {
	reader := bufio.NewReader(os.Stdin)

	fmt.Println("  this is your first time running the agentrt client.")
	fmt.Println("  let's connect it to your agent service.")
	fmt.Println()

	fmt.Print("  API URL [https://api.example.com]: ")
	apiURL, _ := reader.ReadString('\n')
	apiURL = strings.TrimSpace(apiURL)
	if apiURL == "" {
		apiURL = "https://api.example.com"
	}

	fmt.Print("  Auth Token: ")
	token, _ := reader.ReadString('\n')
	token = strings.TrimSpace(token)
	if token == "" {
		return nil, fmt.Errorf("auth token is required")
	}

	cfgPath := configPath
	if cfgPath == "" {
		cfgPath = "agentrt.yaml"
	}

	configContent := fmt.Sprintf(`# agentrt client configuration
# generated by first-run setup

api_url: "%s"
auth_token: "%s"
log_level: "info"
`, apiURL, token)

	if err := os.WriteFile(cfgPath, []byte(configContent), 0o600); err != nil {
		return nil, fmt.Errorf("writing config file: %w", err)
	}

	fmt.Println()
	fmt.Printf("  config saved to %s\n", cfgPath)
	fmt.Println("  starting client...")

	return config.Load(cfgPath, nil)
}

// runClient builds a Client from cfg, connects, and blocks until ctx is
// cancelled.
func runClient(ctx context.Context, cfg *config.Config) error {
	slog.Info("starting agentrt client", "api_url", cfg.APIURL)

	opts := agentrt.DefaultOptions()
	opts.APIURL = cfg.APIURL
	opts.AuthToken = cfg.AuthToken
	opts.UISessionID = cfg.UISessionID
	opts.AutoReconnect = cfg.AutoReconnect
	opts.Reconnection = reconnect.Policy{
		Enabled:           cfg.AutoReconnect,
		InitialDelay:      cfg.Reconnection.InitialDelay,
		MaxDelay:          cfg.Reconnection.MaxDelay,
		BackoffMultiplier: cfg.Reconnection.BackoffMultiplier,
		MaxAttempts:       cfg.Reconnection.MaxAttempts,
		JitterFactor:      cfg.Reconnection.JitterFactor,
	}
	opts.ConnectionTimeout = cfg.ConnectionTimeout
	opts.Transport = transport.Options{
		PingInterval:     cfg.PingInterval,
		PongTimeout:      cfg.PongTimeout,
		Protocols:        cfg.Protocols,
		HandshakeTimeout: 15 * time.Second,
	}
	opts.UploadLimits = upload.Limits{
		MaxUploadSize:      cfg.MaxUploadSize,
		AllowedMimeTypes:   cfg.AllowedMimeTypes,
		MaxFilesPerMessage: cfg.MaxFilesPerMessage,
	}

	client := agentrt.New(opts)

	client.On("connected", func(any) { slog.Info("connected") })
	client.On("disconnected", func(payload any) { slog.Warn("disconnected", "detail", payload) })
	client.On("reconnecting", func(payload any) { slog.Info("reconnecting", "detail", payload) })
	client.On("initialized", func(any) { slog.Info("initialization barrier satisfied") })
	client.On("error", func(payload any) { slog.Error("client error", "detail", payload) })

	if err := client.Connect(ctx); err != nil {
		return fmt.Errorf("connecting: %w", err)
	}
	defer client.Close()

	<-ctx.Done()
	slog.Info("client shut down cleanly")
	return nil
}

func initLogger(level string) {
	var lvl slog.Level
	switch level {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}

	handler := slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: lvl})
	slog.SetDefault(slog.New(handler))
}
