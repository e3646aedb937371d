package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/urfave/cli/v2"
	"golang.org/x/term"

	"rawcapture/internal/config"
	"rawcapture/internal/health"
	"rawcapture/internal/keystroke"
	"rawcapture/internal/logging"
	"rawcapture/internal/metrics"
)

var runCommand = &cli.Command{
	Name:  "run",
	Usage: "capture keys and print them until q is pressed",
	Flags: []cli.Flag{
		&cli.StringSliceFlag{
			Name:  "flags",
			Usage: "registration flags, overriding capture.flags (inputsink, nohotkeys, ...)",
		},
		&cli.StringFlag{
			Name:  "log-level",
			Usage: "override logging.level",
		},
		&cli.BoolFlag{
			Name:  "simulate",
			Usage: "type a demo sequence on a simulated keyboard instead of the real one",
		},
		&cli.DurationFlag{
			Name:  "duration",
			Usage: "stop after this long (0 waits for q or an interrupt)",
		},
		&cli.BoolFlag{
			Name:  "quiet",
			Usage: "do not print each key",
		},
		&cli.BoolFlag{
			Name:  "watch",
			Usage: "reload the log level when the configuration file changes",
			Value: true,
		},
	},
	Action: runCapture,
}

// demoKeys spells "hello".
var demoKeys = []int{0x48, 0x45, 0x4c, 0x4c, 0x4f}

func runCapture(c *cli.Context) error {
	out := c.App.Writer

	loader := config.NewLoader(configPath(c))
	cfg, err := loader.Load()
	if err != nil {
		return err
	}
	defer loader.Close()

	if c.IsSet("flags") {
		cfg.Capture.Flags = c.StringSlice("flags")
	}
	if c.IsSet("log-level") {
		cfg.Logging.Level = c.String("log-level")
	}
	flags, err := cfg.CaptureFlags()
	if err != nil {
		return err
	}

	if err := cfg.EnsureDirectories(); err != nil {
		return err
	}
	logger, err := logging.New(cfg.LoggerConfig())
	if err != nil {
		return err
	}
	defer logger.Close()
	logging.SetDefault(logger)

	m := metrics.NewCaptureMetrics(nil)
	opts := []keystroke.Option{
		keystroke.WithLogger(logger.WithComponent("keystroke")),
		keystroke.WithMetrics(m),
		keystroke.WithMaxListeners(cfg.Capture.MaxListeners),
		keystroke.WithCrashHandler(logging.NewCrashHandler(&logging.CrashHandlerConfig{
			CrashDir:  cfg.Capture.CrashDir,
			Version:   version,
			Component: "keystroke",
		})),
	}

	var sim *keystroke.SimulatedPlatform
	if c.Bool("simulate") {
		sim = keystroke.NewSimulatedPlatform()
		opts = append(opts, keystroke.WithPlatform(sim))
	}

	engine := keystroke.New(opts...)
	defer engine.Close()

	if ok, reason := engine.Available(); !ok {
		return fmt.Errorf("%w: %s (try --simulate)", keystroke.ErrNotAvailable, reason)
	}

	engine.Configure(flags)

	recorder := keystroke.NewSessionRecorder()
	if err := engine.AddCallback(recorder); err != nil {
		return err
	}
	if !c.Bool("quiet") {
		if _, err := engine.AddFunc(keyPrinter(out)); err != nil {
			return err
		}
	}

	if c.Bool("watch") {
		loader.OnChange(func(old, new *config.Config) {
			logger.SetLevel(new.LogLevel())
			logger.Info("configuration reloaded",
				"log_level", new.Logging.Level,
				"flags", new.Capture.Flags)
		})
		if err := loader.Watch(); err != nil {
			logger.Warn("config watch unavailable", "error", err)
		}
	}

	ctx, stop := signal.NotifyContext(c.Context, os.Interrupt, syscall.SIGTERM)
	defer stop()
	if d := c.Duration("duration"); d > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d)
		defer cancel()
	}

	checker := health.NewChecker()
	checker.RegisterFunc("capture", true, health.CaptureCheck(engine))
	if cfg.Capture.CrashDir != "" {
		checker.RegisterFunc("crash_dir", false, health.DirWritableCheck(cfg.Capture.CrashDir))
	}

	if cfg.Metrics.Enabled {
		addr, shutdown, err := serveMetrics(cfg.Metrics, m, checker, logger)
		if err != nil {
			return err
		}
		defer shutdown()
		logger.Info("serving metrics", "addr", addr, "path", cfg.Metrics.Path)
	}

	if err := engine.Start(ctx); err != nil {
		return err
	}
	checker.SetReady(true)
	logger.Info("capture started", "flags", flags.String())

	if sim != nil {
		go typeDemo(ctx, sim, logger)
	}

	ctx, quit := context.WithCancel(ctx)
	defer quit()
	restore := watchQuitKey(out, quit)
	<-ctx.Done()
	restore()

	checker.SetReady(false)
	if err := engine.Stop(); err != nil {
		logger.Error("capture stopped with error", "error", err)
	}

	renderSummary(out, recorder.Summary(10), engine.Stats())
	return nil
}

func keyPrinter(w io.Writer) func(keyCode, state int) {
	return func(keyCode, state int) {
		// \r\n so lines stay aligned while the console is in raw mode.
		fmt.Fprintf(w, "key 0x%02x %-7s\r\n", keyCode, stateName(state))
	}
}

func typeDemo(ctx context.Context, sim *keystroke.SimulatedPlatform, logger *logging.Logger) {
	for _, key := range demoKeys {
		for _, state := range []int{keystroke.WMKeyDown, keystroke.WMKeyUp} {
			if ctx.Err() != nil {
				return
			}
			if err := sim.InjectKey(key, state); err != nil {
				logger.Debug("demo input stopped", "error", err)
				return
			}
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(80 * time.Millisecond):
		}
	}
}

// watchQuitKey puts an interactive console into raw mode and calls quit
// when q or Ctrl-C is read. It returns a function restoring the console.
func watchQuitKey(w io.Writer, quit context.CancelFunc) func() {
	fd := int(os.Stdin.Fd())
	if !term.IsTerminal(fd) {
		return func() {}
	}

	state, err := term.MakeRaw(fd)
	if err != nil {
		return func() {}
	}
	fmt.Fprint(w, "capturing, press q to quit\r\n")

	go func() {
		buf := make([]byte, 1)
		for {
			n, err := os.Stdin.Read(buf)
			if err != nil {
				quit()
				return
			}
			if n == 1 && (buf[0] == 'q' || buf[0] == 'Q' || buf[0] == 3) {
				quit()
				return
			}
		}
	}()

	return func() {
		_ = term.Restore(fd, state)
	}
}

// serveMetrics serves metrics under mc.Path next to /healthz and /readyz
// and returns the bound address.
func serveMetrics(mc config.MetricsConfig, m *metrics.CaptureMetrics, checker *health.Checker, logger *logging.Logger) (string, func(), error) {
	ln, err := net.Listen("tcp", mc.ListenAddr)
	if err != nil {
		return "", nil, fmt.Errorf("metrics listener: %w", err)
	}

	mux := http.NewServeMux()
	mux.Handle(mc.Path, m.Registry().HTTPHandler())
	mux.Handle("/healthz", checker.Handler())
	mux.Handle("/readyz", checker.ReadinessHandler())
	srv := &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("metrics server", "error", err)
		}
	}()

	return ln.Addr().String(), func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = srv.Shutdown(ctx)
	}, nil
}
