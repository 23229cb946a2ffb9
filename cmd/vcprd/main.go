// Command vcprd runs the plugin orchestration runtime: it discovers
// plugins, executes tool calls against them (locally or on remote
// nodes), keeps static placeholders refreshed, runs the message
// preprocessor chain, and exposes an administrative HTTP surface.
// Startup constructs every component in dependency order and starts the
// background loops; shutdown drains in reverse order after an
// interrupt.
package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/mywar5/VCPToolBox/internal/adminhttp"
	"github.com/mywar5/VCPToolBox/internal/dispatch"
	"github.com/mywar5/VCPToolBox/internal/distributed"
	"github.com/mywar5/VCPToolBox/internal/manifest"
	"github.com/mywar5/VCPToolBox/internal/pluginlog"
	"github.com/mywar5/VCPToolBox/internal/preprocess"
	"github.com/mywar5/VCPToolBox/internal/runtimeconfig"
	_ "github.com/mywar5/VCPToolBox/internal/services"
	"github.com/mywar5/VCPToolBox/internal/staticrefresh"
	"github.com/mywar5/VCPToolBox/internal/stdioexec"
)

func main() {
	server := runtimeconfig.LoadServer()
	pluginlog.Initialize(server.LogLevel, server.LogPretty)
	log := pluginlog.WithComponent("main")

	timeouts, err := runtimeconfig.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load timeout configuration")
	}

	log.Info().Str("plugin_root", server.PluginRoot).Msg("discovering plugins")
	store := manifest.New(server.PluginRoot)
	if err := store.Reload(); err != nil {
		log.Fatal().Err(err).Msg("initial plugin discovery failed")
	}

	overlay := stdioexec.EnvOverlay{
		ProjectRootPath:   server.ProjectRootPath,
		ServerPort:        server.ServerPort,
		ImageServerSecret: server.ImageServerSecret,
	}
	exec := stdioexec.New(store, nil, overlay, timeouts.SyncDefault, timeouts.AsyncDefault, timeouts.StdoutBufferBytes)

	refresher := staticrefresh.New(store, exec, timeouts.StaticRefreshDefault)
	refresher.SeedAll()
	refresher.Start()

	pipeline := preprocess.New(store, server.OrderFilePath)
	if err := pipeline.Reconcile(); err != nil {
		log.Error().Err(err).Msg("initial preprocessor order reconciliation failed")
	}

	watcher, err := preprocess.NewWatcher(store, pipeline, server.PluginRoot, server.OrderFilePath, timeouts.ReloadDebounce)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to start plugin-root watcher")
	}

	hub := distributed.NewHub(store, refresher)
	go hub.Run()

	// The executor calls back into the hub for FILE_NOT_FOUND_LOCALLY
	// retries; injecting it here keeps either package from importing
	// the other.
	exec.SetFetcher(hub)

	dispatcher := dispatch.New(store, exec, hub, timeouts.CorrelatorWait)

	admin := adminhttp.New(store, dispatcher, refresher, pipeline, 30*time.Second)
	store.OnReload(func() { refresher.SeedAll() })
	store.OnReload(func() { admin.NotifyReloaded() })

	// The watcher starts only once every reload listener is registered,
	// so a hot reload can never race the wiring above.
	watchCtx, cancelWatch := context.WithCancel(context.Background())
	go watcher.Run(watchCtx)

	if os.Getenv("GIN_MODE") == "" {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(gin.Recovery())

	admin.RegisterRoutes(router.Group("/"))
	router.GET("/nodes/:serverId/ws", func(c *gin.Context) {
		if err := hub.UpgradeHandler(c.Param("serverId"), c.Writer, c.Request); err != nil {
			log.Warn().Err(err).Str("server_id", c.Param("serverId")).Msg("failed to upgrade node connection")
		}
	})

	srv := &http.Server{
		Addr:              server.AdminAddr,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		log.Info().Str("addr", srv.Addr).Msg("admin HTTP surface listening")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("admin HTTP server failed")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	sig := <-quit
	log.Info().Str("signal", sig.String()).Msg("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("admin HTTP server did not shut down cleanly")
	}
	cancelWatch()
	hub.Stop()
	refresher.Stop()
	log.Info().Msg("shutdown complete")
}
