package daemon

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"os/exec"
	"os/signal"
	"syscall"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/quernlabs/quern/internal/device"
	"github.com/quernlabs/quern/internal/flowstore"
	"github.com/quernlabs/quern/internal/model"
	"github.com/quernlabs/quern/internal/pool"
	"github.com/quernlabs/quern/internal/proxy"
	"github.com/quernlabs/quern/internal/ringlog"
	"github.com/quernlabs/quern/internal/server"
	"github.com/quernlabs/quern/internal/sources"
)

// Version is stamped at build time.
var Version = "dev"

const (
	// childEnv marks the re-exec'd daemon child.
	childEnv = "QUERN_DAEMON_CHILD"

	// healthWait is the foreground parent's budget for the child to come up.
	healthWait = 5 * time.Second

	// stopGrace is how long stop waits before SIGKILL.
	stopGrace = 5 * time.Second
)

// Options is the start configuration from the CLI.
type Options struct {
	Port       int
	ProxyPort  int
	NoProxy    bool
	Foreground bool
	Verbose    bool
	OnCrash    string // shell command piped each crash report
	CrashSpool bool
}

// Healthy probes a recorded endpoint.
func Healthy(port int) bool {
	var client = http.Client{Timeout: 500 * time.Millisecond}
	var resp, err = client.Get(fmt.Sprintf("http://127.0.0.1:%d/health", port))
	if err != nil {
		return false
	}
	defer resp.Body.Close()
	return resp.StatusCode == http.StatusOK
}

// Start is the CLI entry. It is idempotent: a healthy daemon is reported,
// a stale state file is cleaned up (restoring the system proxy if the dead
// daemon left it configured), and only then is a new instance started.
func Start(opts Options) error {
	var existing, err = LoadState(StatePath())
	if err != nil {
		log.WithError(err).Warn("unreadable state file; removing")
		_ = RemoveState(StatePath())
	} else if existing != nil {
		if Healthy(existing.ServerPort) {
			fmt.Printf("quern is already running (pid %d, port %d)\n",
				existing.PID, existing.ServerPort)
			return nil
		}
		recoverSystemProxy(existing)
		_ = RemoveState(StatePath())
	}

	if !opts.Foreground && os.Getenv(childEnv) == "" {
		return daemonize(opts)
	}
	return Run(opts)
}

// recoverSystemProxy undoes a crashed daemon's host proxy configuration
// before a new instance proceeds.
func recoverSystemProxy(state *StateFile) {
	if !state.SystemProxyConfigured || state.SystemProxySnapshot == nil {
		return
	}
	log.WithField("service", state.SystemProxySnapshot.Service).
		Warn("previous run left the system proxy configured; restoring")
	var sys = proxy.NewSystemProxy()
	sys.AdoptSnapshot(state.SystemProxySnapshot)
	var ctx, cancel = context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := sys.Restore(ctx); err != nil {
		log.WithError(err).Error("system proxy recovery failed")
	}
}

// daemonize re-execs this binary as a session leader with stdio pointed at
// the rotated log, then polls health until the child is ready.
func daemonize(opts Options) error {
	var exe, err = os.Executable()
	if err != nil {
		return err
	}

	var cmd = exec.Command(exe, os.Args[1:]...)
	cmd.Env = append(os.Environ(), childEnv+"=1")
	cmd.SysProcAttr = &syscall.SysProcAttr{Setsid: true}
	cmd.Stdin, cmd.Stdout, cmd.Stderr = nil, nil, nil
	if err = cmd.Start(); err != nil {
		return fmt.Errorf("spawning daemon: %w", err)
	}
	// The child owns its own lifetime now.
	_ = cmd.Process.Release()

	var deadline = time.Now().Add(healthWait)
	for time.Now().Before(deadline) {
		if state, _ := LoadState(StatePath()); state != nil && Healthy(state.ServerPort) {
			fmt.Printf("quern started (pid %d, port %d, proxy port %d)\n",
				state.PID, state.ServerPort, state.ProxyPort)
			return nil
		}
		time.Sleep(200 * time.Millisecond)
	}
	return model.Errf(model.KindInternal,
		"daemon did not become healthy within %s; check %s", healthWait, LogPath())
}

// Run builds every subsystem and serves until a terminate signal.
func Run(opts Options) error {
	if os.Getenv(childEnv) != "" || !opts.Foreground {
		var w, err = OpenRotatingWriter(LogPath())
		if err != nil {
			return err
		}
		defer w.Close()
		log.SetOutput(w)
	}
	if opts.Verbose {
		log.SetLevel(log.DebugLevel)
	}
	log.SetFormatter(&log.JSONFormatter{})

	if err := os.MkdirAll(ConfigDir(), 0o755); err != nil {
		return err
	}
	apiKey, err := LoadOrCreateAPIKey(APIKeyPath())
	if err != nil {
		return err
	}

	var startPort = opts.Port
	if startPort <= 0 {
		startPort = DefaultPort
	}
	serverPort, err := FindFreePort(startPort)
	if err != nil {
		return err
	}
	var proxyStart = opts.ProxyPort
	if proxyStart <= 0 {
		proxyStart = serverPort + 1
	}
	proxyPort, err := FindFreePort(proxyStart, serverPort)
	if err != nil {
		return err
	}

	var ring = ringlog.New(0)
	var flows = flowstore.New(0)
	var devices = device.NewController()
	var registry = sources.NewRegistry()

	var devicePool = pool.New(PoolPath(), poolLister{devices}, poolBooter{devices})
	devices.Resolver = poolResolver{devicePool}

	var state = &StateFile{
		PID:        os.Getpid(),
		ServerPort: serverPort,
		ProxyPort:  proxyPort,
		Version:    Version,
		StartedAt:  time.Now().UTC(),
		ProxyState: string(proxy.StateStopped),
	}

	var proxyMgr = proxy.NewManager(proxy.Config{
		ConfigDir: MitmConfDir(),
		Port:      proxyPort,
		Ring:      ring,
		Flows:     flows,
	})

	// The watchdog callback persists crashes into the state file so status
	// survives the daemon's memory.
	var syncState = func() {
		state.ProxyState = string(proxyMgr.Status().State)
		state.SystemProxyConfigured = proxyMgr.SystemProxy().Configured()
		state.SystemProxySnapshot = proxyMgr.SystemProxy().CurrentSnapshot()
		if err := SaveState(StatePath(), state); err != nil {
			log.WithError(err).Error("writing state file")
		}
	}
	proxyMgr.OnCrashFunc(syncState)

	var crashes = &sources.CrashWatcher{
		Emit:    func(e model.LogEntry) { ring.Append(e) },
		HookCmd: opts.OnCrash,
	}
	var spool *sources.CrashSpool
	if opts.CrashSpool {
		if spool, err = sources.OpenCrashSpool(SpoolPath()); err != nil {
			log.WithError(err).Warn("crash spool unavailable")
		} else {
			crashes.Spool = spool
			defer spool.Close()
		}
	}
	if err = crashes.Start(context.Background()); err != nil {
		log.WithError(err).Warn("crash watcher not started")
	} else {
		registry.Add(crashes)
	}

	var certs = proxy.NewCertManager(MitmConfDir(), devices)
	var builds = &sources.BuildTracker{
		Emit: func(e model.LogEntry) { ring.Append(e) },
	}

	var srv = server.New(server.Config{
		APIKey:  apiKey,
		Version: Version,
		Ring:    ring,
		Flows:   flows,
		Proxy:   proxyMgr,
		Certs:   certs,
		Devices: devices,
		Pool:    devicePool,
		Sources: registry,
		Builds:  builds,
		Crashes: crashes,
		Spool:   spool,
	})

	// Preliminary state before the listener so `stop` can always find us.
	if err = SaveState(StatePath(), state); err != nil {
		return err
	}

	ln, err := Listen(serverPort)
	if err != nil {
		_ = RemoveState(StatePath())
		return err
	}

	if !opts.NoProxy {
		if err = proxyMgr.Start(); err != nil {
			log.WithError(err).Warn("proxy did not start; continuing without it")
		}
	}
	syncState()

	var sigs = make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)

	var serveErr = make(chan error, 1)
	go func() { serveErr <- srv.Serve(ln) }()

	log.WithFields(log.Fields{
		"port":       serverPort,
		"proxy_port": proxyPort,
		"pid":        os.Getpid(),
	}).Info("quern running")

	select {
	case sig := <-sigs:
		log.WithField("signal", sig.String()).Info("terminating")
	case err = <-serveErr:
		if err != nil {
			log.WithError(err).Error("server failed")
		}
	}

	// Teardown order: stop intake, then the proxy (restoring the system
	// proxy), then the listener, then the state file.
	registry.StopAll()
	proxyMgr.Stop()
	var ctx, cancel = context.WithTimeout(context.Background(), stopGrace)
	defer cancel()
	if rerr := proxyMgr.SystemProxy().Restore(ctx); rerr != nil {
		log.WithError(rerr).Error("system proxy restore failed")
	}
	_ = srv.Shutdown(ctx)
	_ = RemoveState(StatePath())
	log.Info("quern stopped")
	return err
}

// Stop signals a running daemon and waits for it to exit, hard-killing
// after the grace period.
func Stop() error {
	var state, err = LoadState(StatePath())
	if err != nil {
		return err
	}
	if state == nil {
		fmt.Println("quern is not running")
		return nil
	}

	if err = syscall.Kill(state.PID, syscall.SIGTERM); err != nil {
		if err == syscall.ESRCH {
			recoverSystemProxy(state)
			_ = RemoveState(StatePath())
			fmt.Println("quern was not running; cleaned up stale state")
			return nil
		}
		return fmt.Errorf("signalling pid %d: %w", state.PID, err)
	}

	var deadline = time.Now().Add(stopGrace)
	for time.Now().Before(deadline) {
		if syscall.Kill(state.PID, 0) == syscall.ESRCH {
			fmt.Println("quern stopped")
			return nil
		}
		time.Sleep(100 * time.Millisecond)
	}

	log.WithField("pid", state.PID).Warn("daemon did not exit; killing")
	_ = syscall.Kill(state.PID, syscall.SIGKILL)
	recoverSystemProxy(state)
	_ = RemoveState(StatePath())
	fmt.Println("quern killed")
	return nil
}

// Status prints the daemon state. The returned code follows the CLI
// contract: 0 running, 2 not running.
func Status() int {
	var state, err = LoadState(StatePath())
	if err != nil || state == nil {
		fmt.Println("quern is not running")
		return 2
	}
	if !Healthy(state.ServerPort) {
		fmt.Printf("quern state file exists (pid %d) but the server is not responding\n", state.PID)
		return 2
	}
	var pretty, _ = json.MarshalIndent(state, "", "  ")
	fmt.Println(string(pretty))
	return 0
}

// poolLister, poolBooter, and poolResolver adapt the device controller to
// the pool's narrow interfaces.
type poolLister struct{ c *device.Controller }

func (l poolLister) ListDevices() ([]model.Device, error) {
	var ctx, cancel = context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return l.c.ListDevices(ctx)
}

type poolBooter struct{ c *device.Controller }

func (b poolBooter) BootAndWait(udid string, timeout time.Duration) error {
	return b.c.BootAndWait(udid, timeout)
}

type poolResolver struct{ p *pool.Pool }

func (r poolResolver) ResolveAny(ctx context.Context) (string, error) {
	return r.p.Resolve(ctx, pool.ResolveRequest{})
}
