package commands

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/canxin121/opencode-studio-sub001/internal/activity"
	"github.com/canxin121/opencode-studio-sub001/internal/authsession"
	"github.com/canxin121/opencode-studio-sub001/internal/config"
	"github.com/canxin121/opencode-studio-sub001/internal/docstore"
	"github.com/canxin121/opencode-studio-sub001/internal/globalhub"
	"github.com/canxin121/opencode-studio-sub001/internal/logging"
	"github.com/canxin121/opencode-studio-sub001/internal/reconciler"
	"github.com/canxin121/opencode-studio-sub001/internal/server"
	"github.com/canxin121/opencode-studio-sub001/internal/sessionindex"
	"github.com/canxin121/opencode-studio-sub001/internal/supervisor"
)

// replayMaxBytes bounds each document hub's SSE replay buffer, matching the
// 2MiB ceiling the original sidebar preferences hub enforces.
const replayMaxBytes = 2 * 1024 * 1024

var (
	servePort         int
	serveHostname     string
	serveDir          string
	serveUIPassword   string
	serveOpenCodePort int
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the opencode-studio control plane",
	Long: `Start opencode-studio: supervise (or attach to) an OpenCode agent
process, and expose the HTTP/SSE control-plane API the browser UI talks to.`,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().IntVarP(&servePort, "port", "p", 0, "Port to listen on (0 = use config default)")
	serveCmd.Flags().StringVar(&serveHostname, "hostname", "", "Hostname to listen on")
	serveCmd.Flags().StringVar(&serveDir, "directory", "", "Working directory for project-local config")
	serveCmd.Flags().StringVar(&serveUIPassword, "ui-password", "", "Password required to establish a UI session; empty disables auth")
	serveCmd.Flags().IntVar(&serveOpenCodePort, "opencode-port", 0, "Port of an externally-managed OpenCode agent; 0 lets opencode-studio spawn and manage its own")
}

func runServe(cmd *cobra.Command, args []string) error {
	workDir, err := GetWorkDir(serveDir)
	if err != nil {
		return err
	}

	logging.Info().
		Str("version", Version).
		Msg("starting opencode-studio")
	logging.Info().
		Str("directory", workDir).
		Msg("working directory")

	paths := config.GetPaths()
	if err := paths.EnsurePaths(); err != nil {
		return err
	}

	appConfig, err := config.Load(workDir)
	if err != nil {
		return err
	}

	if cmd.Flags().Changed("port") {
		appConfig.Port = servePort
	}
	if cmd.Flags().Changed("hostname") {
		appConfig.Hostname = serveHostname
	}
	if cmd.Flags().Changed("ui-password") {
		appConfig.UIPassword = serveUIPassword
	}
	if cmd.Flags().Changed("opencode-port") {
		appConfig.OpenCodePort = serveOpenCodePort
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sup := supervisor.New(appConfig.OpenCodeHostname, appConfig.OpenCodePort, false, appConfig.OpenCodeLogLevel, printLogs)
	if err := sup.StartIfNeeded(ctx); err != nil {
		logging.Warn().Err(err).Msg("failed to start managed opencode process")
	}
	go func() {
		if err := sup.EnsureReady(ctx, 30*time.Second); err != nil {
			logging.Warn().Err(err).Msg("opencode agent did not become ready in time")
		}
	}()

	index := sessionindex.New()
	tracker := activity.New()
	hub := globalhub.New(index, tracker, sup)
	hub.Start(ctx) // single long-lived upstream consumer, independent of any browser tab

	auth, err := authsession.New(appConfig.UIPassword, http.SameSiteLaxMode, appConfig.CORSAllowedOrigins)
	if err != nil {
		return fmt.Errorf("initialize auth: %w", err)
	}
	stop := make(chan struct{})
	defer close(stop)
	go auth.StartCleanup(stop)

	docsDir := paths.DocumentsPath()
	mirror := docstore.Mirror{DownstreamCount: hub.DownstreamClientCount, Publish: hub.PublishJSON}

	sidebar := docstore.New("chat-sidebar-preferences", filepath.Join(docsDir, "chat-sidebar-preferences.json"),
		replayMaxBytes, docstore.SidebarPreferencesSanitize, docstore.SidebarPreferencesSeed, mirror, false)
	terminal := docstore.New("terminal-ui-state", filepath.Join(docsDir, "terminal-ui-state.json"),
		replayMaxBytes, docstore.TerminalStateSanitize, docstore.TerminalStateSeed, mirror, false)
	settings := docstore.New("config-settings", filepath.Join(docsDir, "config-settings.json"),
		replayMaxBytes, docstore.SettingsSanitize, docstore.SettingsSeed, mirror, true)

	for _, h := range []*docstore.Hub{sidebar, terminal, settings} {
		go h.WatchForExternalWrites(stop)
	}

	rec := reconciler.New(sup, index, tracker, func() []string {
		return docstore.SettingsDirectories(settings.Snapshot())
	})
	go rec.Run(ctx)

	serverConfig := server.DefaultConfig()
	if appConfig.Port != 0 {
		serverConfig.Port = appConfig.Port
	}
	if appConfig.Hostname != "" {
		serverConfig.Hostname = appConfig.Hostname
	}
	serverConfig.CORSAllowedOrigins = appConfig.CORSAllowedOrigins

	srv := server.New(serverConfig, server.Deps{
		Supervisor:    sup,
		Index:         index,
		Activity:      tracker,
		GlobalHub:     hub,
		Reconciler:    rec,
		Auth:          auth,
		SidebarPrefs:  sidebar,
		TerminalState: terminal,
		Settings:      settings,
	})

	go func() {
		logging.Info().
			Str("hostname", serverConfig.Hostname).
			Int("port", serverConfig.Port).
			Str("url", fmt.Sprintf("http://%s:%d", serverConfig.Hostname, serverConfig.Port)).
			Msg("control plane listening")
		if err := srv.Start(); err != nil && err != http.ErrServerClosed {
			logging.Fatal().Err(err).Msg("server error")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logging.Info().Msg("shutting down")
	cancel() // stops the reconciler loop, the global hub's upstream consumer, and a managed opencode process

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logging.Error().Err(err).Msg("server shutdown error")
	}

	logging.Info().Msg("stopped")
	return nil
}
