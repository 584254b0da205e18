package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rivo/tview"
	"github.com/spf13/pflag"
	"tinygo.org/x/bluetooth"

	"github.com/lowaak/smart-trainer/lift-sync/internal/bridge"
	"github.com/lowaak/smart-trainer/lift-sync/internal/capture"
	"github.com/lowaak/smart-trainer/lift-sync/internal/codec"
	"github.com/lowaak/smart-trainer/lift-sync/internal/config"
	"github.com/lowaak/smart-trainer/lift-sync/internal/console"
	"github.com/lowaak/smart-trainer/lift-sync/internal/go_func_utils"
	"github.com/lowaak/smart-trainer/lift-sync/internal/health"
	"github.com/lowaak/smart-trainer/lift-sync/internal/httpapi"
	"github.com/lowaak/smart-trainer/lift-sync/internal/link"
	"github.com/lowaak/smart-trainer/lift-sync/internal/logging"
	"github.com/lowaak/smart-trainer/lift-sync/internal/model"
	"github.com/lowaak/smart-trainer/lift-sync/internal/relay"
	"github.com/lowaak/smart-trainer/lift-sync/internal/session"
	"github.com/lowaak/smart-trainer/lift-sync/internal/store"
	"github.com/lowaak/smart-trainer/lift-sync/internal/timeutil"
	"github.com/lowaak/smart-trainer/lift-sync/internal/wearable"
)

var adapter = bluetooth.DefaultAdapter

// simulated lifting rhythm of the wearable's motion source
const (
	simulatedExecution = 40 * time.Second
	simulatedRest      = 90 * time.Second
	healthInterval     = time.Second
)

func main() {
	cfg, err := config.Load(os.Args[1:])
	if errors.Is(err, pflag.ErrHelp) {
		return
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "lift-sync: %v\n", err)
		os.Exit(2)
	}

	out := logging.New(cfg.LogOptions())
	logger := out.Logger

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	logger.Printf("lift-sync: starting role=%s link=%s", cfg.Role, cfg.LinkKind())

	switch cfg.Role {
	case config.RoleHost:
		err = runHost(ctx, cfg, out)
	case config.RoleWearable:
		err = runWearable(ctx, cfg, logger)
	case config.RoleDemo:
		err = runDemo(ctx, cfg, out)
	}
	stop()
	if err != nil {
		logger.Printf("lift-sync: %v", err)
	}
	logger.Println("lift-sync: stopped")
	out.Close()
	if err != nil {
		fmt.Fprintf(os.Stderr, "lift-sync: %v\n", err)
		os.Exit(1)
	}
}

func runHost(ctx context.Context, cfg config.Config, out *logging.Output) error {
	l, err := openLink(cfg, config.RoleHost, timeutil.RealClock{}, out.Logger)
	if err != nil {
		return err
	}
	host, err := startHost(ctx, cfg, l, out.Logger)
	if err != nil {
		return err
	}
	defer host.shutdown()
	return host.run(ctx, cfg, out)
}

func runWearable(ctx context.Context, cfg config.Config, logger *log.Logger) error {
	l, err := openLink(cfg, config.RoleWearable, timeutil.RealClock{}, logger)
	if err != nil {
		return err
	}
	w, err := startWearable(ctx, cfg, l, logger)
	if err != nil {
		return err
	}
	defer w.shutdown()
	<-ctx.Done()
	return nil
}

// runDemo runs both ends in one process over an in-memory link
func runDemo(ctx context.Context, cfg config.Config, out *logging.Output) error {
	_, hostEnd, wearableEnd := link.NewPipe()
	w, err := startWearable(ctx, cfg, wearableEnd, out.Logger)
	if err != nil {
		return err
	}
	defer w.shutdown()
	host, err := startHost(ctx, cfg, hostEnd, out.Logger)
	if err != nil {
		return err
	}
	defer host.shutdown()
	return host.run(ctx, cfg, out)
}

func openLink(cfg config.Config, role string, clock timeutil.Clock, logger *log.Logger) (link.Link, error) {
	switch kind := cfg.LinkKind(); kind {
	case link.KindBLE:
		if role == config.RoleHost {
			c, err := link.NewBLECentral(adapter, cfg.BLEConfig(), clock, logger)
			if err != nil {
				return nil, err
			}
			return c, nil
		}
		p, err := link.NewBLEPeripheral(adapter, cfg.BLEConfig(), logger)
		if err != nil {
			return nil, err
		}
		return p, nil
	case link.KindSerial:
		return link.NewSerialLink(cfg.SerialConfig(), nil, clock, logger), nil
	default:
		return nil, fmt.Errorf("link %q is only available to the demo role", kind)
	}
}

type hostApp struct {
	logger  *log.Logger
	db      *store.DB
	history *store.HistoryStore
	bridge  *bridge.Bridge
	coord   *session.Coordinator
	relay   *relay.Relay
}

func startHost(ctx context.Context, cfg config.Config, l link.Link, logger *log.Logger) (*hostApp, error) {
	clock := timeutil.RealClock{}
	db, err := store.Open(cfg.Storage.Path, logger)
	if err != nil {
		return nil, err
	}
	blobs, err := openBlobStore(ctx, cfg)
	if err != nil {
		db.Close()
		return nil, err
	}
	h := &hostApp{logger: logger, db: db, history: store.NewHistoryStore(db, blobs, logger)}
	if n, err := h.history.MigrateLegacy(ctx); err != nil {
		logger.Printf("Host: legacy migration: %v", err)
	} else if n > 0 {
		logger.Printf("Host: migrated %d legacy sets", n)
	}

	h.bridge = bridge.New(cfg.BridgeConfig(), l, clock, logger)
	h.coord = session.NewCoordinator(cfg.SessionConfig(), cfg.Entitlements(), h.bridge, h.history, clock, logger)
	if err := h.bridge.Activate(ctx); err != nil {
		h.shutdown()
		return nil, fmt.Errorf("activating link: %w", err)
	}

	if cfg.Relay.NATSURL != "" {
		pub, err := relay.Connect(cfg.Relay.NATSURL, cfg.Relay.Subject, logger)
		if err != nil {
			logger.Printf("Host: relay disabled: %v", err)
		} else {
			h.relay = relay.New(pub, h.coord.Snapshots(), logger)
		}
	}
	if cfg.HTTP.Addr != "" {
		api := httpapi.New(h.coord, h.history, h.bridge, logger)
		go_func_utils.SafeGo(logger, "http api", func() {
			if err := httpapi.Serve(ctx, cfg.HTTP.Addr, api, logger); err != nil {
				logger.Printf("Host: http api: %v", err)
			}
		})
	}
	return h, nil
}

func openBlobStore(ctx context.Context, cfg config.Config) (store.BlobStore, error) {
	if cfg.Storage.Blob == config.BlobS3 {
		s3, err := store.NewS3BlobStore(ctx, cfg.S3Config())
		if err != nil {
			return nil, err
		}
		return s3, nil
	}
	fs, err := store.NewFileBlobStore(cfg.Storage.BlobDir)
	if err != nil {
		return nil, err
	}
	return fs, nil
}

// run blocks until ctx ends or the console is closed
func (h *hostApp) run(ctx context.Context, cfg config.Config, out *logging.Output) error {
	prefs := console.NewPrefs(console.DefaultPrefsPath(), h.logger)
	plan, havePlan, err := resolvePlan(cfg.Session.PlanFile, prefs, cfg.Role == config.RoleDemo)
	if err != nil {
		return err
	}

	if !cfg.Console {
		if havePlan {
			if err := h.coord.StartWorkout(plan); err != nil {
				return fmt.Errorf("starting workout: %w", err)
			}
		}
		<-ctx.Done()
		return nil
	}

	app := tview.NewApplication()
	m := console.NewModel(h.coord.Snapshots(), prefs, h.logger, out.Lines())
	defer m.Shutdown()
	ctrl := console.NewController(m, h.coord, h.history, h.bridge, h.logger)
	if havePlan {
		ctrl.SetPlan(plan)
	}
	view := console.NewView(console.NewTviewImpl(h.logger, app), m, ctrl, h.logger)
	defer view.Shutdown()

	go_func_utils.SafeGo(h.logger, "console stop", func() {
		<-ctx.Done()
		app.Stop()
	})
	return view.Run()
}

// resolvePlan picks the plan file from the flag, then the last one used; the demo falls back to a built-in plan
func resolvePlan(flagPath string, prefs *console.Prefs, demo bool) (model.Plan, bool, error) {
	path := flagPath
	if path == "" {
		path = prefs.PlanFile()
	}
	if path == "" {
		if demo {
			return demoPlan(), true, nil
		}
		return model.Plan{}, false, nil
	}
	plan, err := model.LoadPlanFile(path)
	if err != nil {
		return model.Plan{}, false, fmt.Errorf("loading plan: %w", err)
	}
	prefs.SetPlanFile(path)
	return plan, true, nil
}

func demoPlan() model.Plan {
	return model.Plan{
		ID:    "demo",
		Title: "Demo Push/Pull",
		Exercises: []model.PlannedExercise{
			{ID: "bench", Name: "Bench Press", Sets: []model.PlannedSet{{TargetReps: 8, Weight: 60}, {TargetReps: 8, Weight: 60}, {TargetReps: 6, Weight: 65}}},
			{ID: "row", Name: "Barbell Row", Sets: []model.PlannedSet{{TargetReps: 10, Weight: 50}, {TargetReps: 10, Weight: 50}}},
		},
	}
}

func (h *hostApp) shutdown() {
	if h.relay != nil {
		h.relay.Shutdown()
	}
	if h.coord != nil {
		h.coord.Shutdown()
	}
	if h.bridge != nil {
		if err := h.bridge.Deactivate(); err != nil {
			h.logger.Printf("Host: deactivate link: %v", err)
		}
	}
	if err := h.db.Close(); err != nil {
		h.logger.Printf("Host: close db: %v", err)
	}
}

type wearableApp struct {
	logger *log.Logger
	bridge *bridge.Bridge
	agent  *wearable.Agent
}

func startWearable(ctx context.Context, cfg config.Config, l link.Link, logger *log.Logger) (*wearableApp, error) {
	clock := timeutil.RealClock{}
	motion, err := motionSource(cfg.Capture.ReplayFile)
	if err != nil {
		return nil, err
	}
	w := &wearableApp{logger: logger, bridge: bridge.New(cfg.BridgeConfig(), l, clock, logger)}

	var src health.Source
	if addr := cfg.Capture.HeartRateAddr; addr != "" {
		strapCfg := health.DefaultStrapConfig()
		strapCfg.Address = addr
		src = health.NewHeartRateStrap(adapter, strapCfg, clock, logger)
	} else {
		src = health.NewSimulatedSource(clock, healthInterval, logger)
	}

	w.agent = wearable.NewAgent(w.bridge, src, wearable.NewPeakCounter(), logger)
	w.agent.AttachCapture(capture.NewEngine(cfg.CaptureConfig(), motion, w.agent.Sinks(), clock, logger))

	if err := w.bridge.Activate(ctx); err != nil {
		w.shutdown()
		return nil, fmt.Errorf("activating link: %w", err)
	}
	return w, nil
}

// motionSource replays a recorded set when a file is given, otherwise simulates lifting
func motionSource(replayFile string) (capture.MotionSource, error) {
	if replayFile == "" {
		return capture.NewSimulatedSource(capture.LiftingProfile(simulatedExecution, simulatedRest)), nil
	}
	data, err := os.ReadFile(replayFile)
	if err != nil {
		return nil, fmt.Errorf("reading replay file: %w", err)
	}
	agg, err := codec.Decode(data)
	if err != nil {
		return nil, fmt.Errorf("replay file %s: %w", replayFile, err)
	}
	return capture.NewReplaySource(agg, true), nil
}

func (w *wearableApp) shutdown() {
	w.agent.Shutdown()
	if err := w.bridge.Deactivate(); err != nil {
		w.logger.Printf("Wearable: deactivate link: %v", err)
	}
}
