// Package server is the HTTP surface of the daemon: REST + SSE on a
// localhost listener, fronting the ring buffer, flow store, proxy
// subsystem, device controller, and device pool.
package server

import (
	"context"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	log "github.com/sirupsen/logrus"

	"github.com/quernlabs/quern/internal/device"
	"github.com/quernlabs/quern/internal/flowstore"
	"github.com/quernlabs/quern/internal/pool"
	"github.com/quernlabs/quern/internal/proxy"
	"github.com/quernlabs/quern/internal/ringlog"
	"github.com/quernlabs/quern/internal/sources"
)

// maxWait is the ceiling on every long-poll timeout. Clients asking for
// more are clamped, not rejected.
const maxWait = 60 * time.Second

// heartbeatInterval paces SSE keep-alives.
const heartbeatInterval = 5 * time.Second

// Config wires the server to the daemon's subsystems.
type Config struct {
	APIKey  string
	Version string

	Ring    *ringlog.Buffer
	Flows   *flowstore.Store
	Proxy   *proxy.Manager
	Certs   *proxy.CertManager
	Devices *device.Controller
	Pool    *pool.Pool
	Sources *sources.Registry
	Builds  *sources.BuildTracker
	Crashes *sources.CrashWatcher
	Spool   *sources.CrashSpool // nil unless --crash-spool
}

// Server is the HTTP front end.
type Server struct {
	cfg  Config
	http *http.Server
}

// New builds the router and an unstarted server.
func New(cfg Config) *Server {
	var s = &Server{cfg: cfg}

	var r = chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(requestLogger)
	r.Use(s.authenticate)

	r.Get("/health", s.handleHealth)
	r.Method(http.MethodGet, "/metrics", promhttp.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		r.Route("/logs", func(r chi.Router) {
			r.Get("/stream", s.handleLogStream)
			r.Get("/query", s.handleLogQuery)
			r.Get("/summary", s.handleLogSummary)
			r.Get("/errors", s.handleLogErrors)
			r.Get("/sources", s.handleLogSources)
			r.Get("/filter", s.handleLogQuery)
		})

		r.Get("/builds/latest", s.handleBuildLatest)
		r.Post("/builds/parse-file", s.handleBuildParseFile)
		r.Get("/crashes/latest", s.handleCrashLatest)

		r.Route("/proxy", func(r chi.Router) {
			r.Get("/status", s.handleProxyStatus)
			r.Post("/start", s.handleProxyStart)
			r.Post("/stop", s.handleProxyStop)
			r.Post("/configure-system", s.handleConfigureSystem)
			r.Post("/unconfigure-system", s.handleUnconfigureSystem)
			r.Post("/local-capture", s.handleLocalCapture)
			r.Get("/cert", s.handleCertDownload)
			r.Get("/cert/verify", s.handleCertVerify)
			r.Post("/cert/install", s.handleCertInstall)
			r.Get("/flows", s.handleFlowList)
			r.Get("/flows/wait", s.handleFlowWait)
			r.Get("/flows/summary", s.handleFlowSummary)
			r.Get("/flows/{id}", s.handleFlowDetail)
			r.Post("/intercept", s.handleInterceptSet)
			r.Delete("/intercept", s.handleInterceptClear)
			r.Get("/intercept", s.handleInterceptList)
			r.Get("/intercept/held", s.handleHeldList)
			r.Post("/intercept/release", s.handleHeldRelease)
			r.Post("/intercept/drop", s.handleHeldDrop)
			r.Post("/replay/{id}", s.handleReplay)
			r.Get("/mocks", s.handleMockList)
			r.Post("/mocks", s.handleMockSet)
			r.Patch("/mocks/{id}", s.handleMockUpdate)
			r.Delete("/mocks", s.handleMockClear)
			r.Delete("/mocks/{id}", s.handleMockClear)
			r.Get("/setup-guide", s.handleSetupGuide)
		})

		r.Route("/device", func(r chi.Router) {
			r.Get("/list", s.handleDeviceList)
			r.Post("/boot", s.handleDeviceBoot)
			r.Post("/shutdown", s.handleDeviceShutdown)
			r.Post("/app/install", s.handleAppInstall)
			r.Post("/app/launch", s.handleAppLaunch)
			r.Post("/app/terminate", s.handleAppTerminate)
			r.Post("/app/uninstall", s.handleAppUninstall)
			r.Get("/app/list", s.handleAppList)
			r.Get("/screenshot", s.handleScreenshot)
			r.Get("/screenshot/annotated", s.handleScreenshotAnnotated)
			r.Get("/ui", s.handleUITree)
			r.Get("/ui/element", s.handleUIElement)
			r.Get("/ui/wait-for-element", s.handleWaitForElement)
			r.Get("/screen-summary", s.handleScreenSummary)
			r.Post("/ui/tap", s.handleTap)
			r.Post("/ui/tap-element", s.handleTapElement)
			r.Post("/ui/swipe", s.handleSwipe)
			r.Post("/ui/type", s.handleTypeText)
			r.Post("/ui/clear", s.handleClearText)
			r.Post("/ui/press", s.handlePressButton)
			r.Post("/location", s.handleSetLocation)
			r.Post("/permission", s.handleGrantPermission)
			r.Post("/logging/device/start", s.handleDeviceLogStart)
			r.Post("/logging/device/stop", s.handleDeviceLogStop)
			r.Post("/logging/simulator/start", s.handleSimulatorLogStart)
			r.Post("/logging/simulator/stop", s.handleSimulatorLogStop)
			r.Post("/preview/start", s.handleUnsupportedTool("preview"))
			r.Post("/preview/stop", s.handleUnsupportedTool("preview"))
			r.Get("/preview/status", s.handleUnsupportedTool("preview"))
			r.Post("/wda/setup", s.handleUnsupportedTool("wda"))
			r.Post("/wda/start", s.handleUnsupportedTool("wda"))
			r.Post("/wda/stop", s.handleUnsupportedTool("wda"))
		})

		r.Route("/devices", func(r chi.Router) {
			r.Get("/pool", s.handlePoolList)
			r.Post("/claim", s.handlePoolClaim)
			r.Post("/release", s.handlePoolRelease)
			r.Post("/resolve", s.handlePoolResolve)
			r.Post("/ensure", s.handlePoolEnsure)
			r.Post("/cleanup", s.handlePoolCleanup)
			r.Post("/refresh", s.handlePoolRefresh)
		})
	})

	s.http = &http.Server{Handler: r}
	return s
}

// Serve accepts on the listener until Shutdown.
func (s *Server) Serve(ln net.Listener) error {
	log.WithField("addr", ln.Addr().String()).Info("http server listening")
	var err = s.http.Serve(ln)
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.http.Shutdown(ctx)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"status":  "ok",
		"version": s.cfg.Version,
	})
}
