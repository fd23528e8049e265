package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/yxzhu/redpost/internal/api"
	"github.com/yxzhu/redpost/internal/approval"
	"github.com/yxzhu/redpost/internal/config"
	"github.com/yxzhu/redpost/internal/feishu"
	"github.com/yxzhu/redpost/internal/generate"
	"github.com/yxzhu/redpost/internal/mcprpc"
	"github.com/yxzhu/redpost/internal/notify"
	"github.com/yxzhu/redpost/internal/poller"
	"github.com/yxzhu/redpost/internal/publisher"
	"github.com/yxzhu/redpost/internal/scheduler"
	"github.com/yxzhu/redpost/internal/storage"
)

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Start the redpost server (foreground)",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runServer()
	},
}

var stopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Stop the running redpost server",
	RunE: func(cmd *cobra.Command, args []string) error {
		return stopServer()
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show redpost system status",
	RunE: func(cmd *cobra.Command, args []string) error {
		return showStatus()
	},
}

func pidFilePath(dataDir string) string {
	return filepath.Join(dataDir, "redpost.pid")
}

func writePIDFile(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	return os.WriteFile(path, []byte(strconv.Itoa(os.Getpid())), 0o644)
}

func readPIDFile(path string) (int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}
	return strconv.Atoi(strings.TrimSpace(string(data)))
}

func removePIDFile(path string) {
	os.Remove(path)
}

func logLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func runServer() error {
	fmt.Fprintf(os.Stderr, "redpost version %s\n", version)

	cfg, err := config.Load()
	if err != nil {
		return err
	}

	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr,
		&slog.HandlerOptions{Level: logLevel(cfg.Log.Level)})))

	// Refuse to start twice. Check the health endpoint, not just the PID
	// file, so a stale file does not block startup.
	pidPath := pidFilePath(cfg.Storage.DataDir)
	healthURL := fmt.Sprintf("http://127.0.0.1:%d/health", cfg.Server.Port)
	healthClient := &http.Client{Timeout: 2 * time.Second}
	if resp, err := healthClient.Get(healthURL); err == nil {
		resp.Body.Close()
		if pid, pidErr := readPIDFile(pidPath); pidErr == nil {
			printWarning("redpost is already running (PID %d)", pid)
			return fmt.Errorf("server already running (PID %d)", pid)
		}
		printWarning("redpost is already running on port %d", cfg.Server.Port)
		return fmt.Errorf("server already running on port %d", cfg.Server.Port)
	}
	if err := writePIDFile(pidPath); err != nil {
		return fmt.Errorf("writing PID file: %w", err)
	}
	defer removePIDFile(pidPath)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store, err := storage.Open(cfg.Storage.DataDir)
	if err != nil {
		return fmt.Errorf("opening storage: %w", err)
	}
	defer func() {
		if err := store.Close(); err != nil {
			fmt.Fprintf(os.Stderr, "warning: closing storage: %v\n", err)
		}
	}()

	mcpTimeout, err := cfg.MCPTimeout()
	if err != nil {
		return err
	}
	session := mcprpc.New(cfg.MCP.ServerURL,
		mcprpc.WithAPIKey(cfg.MCP.APIKey),
		mcprpc.WithTimeout(mcpTimeout),
		mcprpc.WithClientInfo("redpost", version),
	)

	// Messaging integrations are all optional; with nothing configured
	// the pipeline is driven entirely through the management API.
	var (
		feishuClient *feishu.Client
		dispatcher   notify.Dispatcher = notify.Nop{}
	)
	if cfg.Feishu.Messaging() {
		feishuClient = feishu.NewClient(cfg.Feishu.AppID, cfg.Feishu.AppSecret)
	}
	if cfg.Feishu.WebhookURL != "" {
		dispatcher = notify.NewChannelDispatcher(feishu.NewWebhookNotifier(cfg.Feishu.WebhookURL))
	}

	router := approval.NewRouter(store, dispatcher)
	pub := publisher.New(session, store, router)

	cardReceiver := cfg.Feishu.UserID
	if cardReceiver == "" {
		cardReceiver = cfg.Feishu.ChatID
	}

	var gen *generate.Generator
	if cfg.Generate.Drafting() {
		drafter := generate.NewChatDrafter(cfg.Generate.BaseURL, cfg.Generate.APIKey,
			cfg.Generate.Model, cfg.Generate.Style)
		genOpts := []generate.Option{}
		if feishuClient != nil && cardReceiver != "" {
			genOpts = append(genOpts, generate.WithApprovalCards(feishuClient, cardReceiver))
		}
		if cfg.Feishu.BitableEnabled() {
			bitable := feishu.NewBitable(feishuClient, cfg.Feishu.Bitable.AppToken, cfg.Feishu.Bitable.TableID)
			genOpts = append(genOpts, generate.WithReviewRecords(bitable))
		}
		gen = generate.New(generate.NewDuckDuckGoSearcher(), drafter, store, dispatcher,
			cfg.Generate.Keywords, cfg.Generate.ImagesPerPost, genOpts...)
	}

	apiOpts := []api.Option{}
	if gen != nil {
		apiOpts = append(apiOpts, api.WithGenerator(gen))
	}
	if feishuClient != nil && cardReceiver != "" {
		apiOpts = append(apiOpts, api.WithApprovalCards(feishuClient, cardReceiver))
	}
	handler := api.NewHandler(store, router, pub, session, cfg.Server.APIToken, apiOpts...)

	// Background workers.
	if cfg.Feishu.BitableEnabled() {
		pollInterval, err := cfg.Feishu.PollIntervalDuration()
		if err != nil {
			return err
		}
		bitable := feishu.NewBitable(feishuClient, cfg.Feishu.Bitable.AppToken, cfg.Feishu.Bitable.TableID)
		go poller.NewWorker(bitable, router, pub, pollInterval).Run(ctx)
	}
	if gen != nil {
		genInterval, err := cfg.Generate.IntervalDuration()
		if err != nil {
			return err
		}
		go scheduler.New("generate", genInterval, func(taskCtx context.Context) error {
			_, err := gen.GenerateOnce(taskCtx, "")
			return err
		}).Run(ctx)
	}

	addr := fmt.Sprintf("127.0.0.1:%d", cfg.Server.Port)
	srv := &http.Server{
		Addr:    addr,
		Handler: handler,
	}

	errCh := make(chan error, 1)
	go func() {
		fmt.Fprintf(os.Stderr, "redpost listening on %s\n", addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		fmt.Fprintln(os.Stderr, "shutting down...")
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("server error: %w", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

func stopServer() error {
	cfg, err := config.Load()
	if err != nil {
		printError("could not load config: %v", err)
		return err
	}

	pidPath := pidFilePath(cfg.Storage.DataDir)
	pid, err := readPIDFile(pidPath)
	if err != nil {
		printError("redpost is not running (no PID file)")
		return fmt.Errorf("not running: %w", err)
	}

	process, err := os.FindProcess(pid)
	if err != nil {
		printError("could not find process %d", pid)
		return err
	}

	if err := process.Signal(syscall.SIGTERM); err != nil {
		printError("could not stop redpost (PID %d): %v", pid, err)
		removePIDFile(pidPath)
		return err
	}

	printSuccess("Sent stop signal to redpost (PID %d)", pid)
	return nil
}

func showStatus() error {
	cfg, err := config.Load()
	if err != nil {
		printError("config error: %v", err)
		return nil
	}

	serverURL := fmt.Sprintf("http://127.0.0.1:%d", cfg.Server.Port)
	client := &http.Client{Timeout: 2 * time.Second}

	running := false
	resp, err := client.Get(serverURL + "/health")
	if err != nil {
		printStatus("Server", "stopped")
	} else {
		resp.Body.Close()
		if resp.StatusCode == 200 {
			running = true
			printStatus("Server", "running on port %d", cfg.Server.Port)
		} else {
			printStatus("Server", "error (HTTP %d)", resp.StatusCode)
		}
	}

	printStatus("Tool server", "%s", cfg.MCP.ServerURL)
	if cfg.Feishu.Messaging() {
		printStatus("Messaging", "configured (app %s)", cfg.Feishu.AppID)
	} else {
		printStatus("Messaging", "not configured")
	}
	if cfg.Generate.Drafting() {
		printStatus("Drafting", "%s (%s)", cfg.Generate.Model, cfg.Generate.BaseURL)
	} else {
		printStatus("Drafting", "not configured")
	}

	if running {
		apiClient := &apiClient{
			baseURL:    serverURL,
			token:      cfg.Server.APIToken,
			httpClient: client,
		}
		var stats map[string]int
		if resp, err := apiClient.get(context.Background(), "/api/stats"); err == nil {
			if decodeJSON(resp, &stats) == nil {
				printStatus("Pending", "%d", stats["pending"])
				printStatus("Approved", "%d", stats["approved"])
				printStatus("Published", "%d", stats["published"])
				printStatus("Failed", "%d", stats["publish_failed"])
			}
		}
	}

	printStatus("Data dir", "%s", cfg.Storage.DataDir)
	return nil
}
