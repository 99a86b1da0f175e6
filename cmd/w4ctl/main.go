// Command w4ctl runs the policy control loop against the two motor boards.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/banshee-data/w4control/internal/command"
	"github.com/banshee-data/w4control/internal/config"
	"github.com/banshee-data/w4control/internal/control"
	"github.com/banshee-data/w4control/internal/faults"
	"github.com/banshee-data/w4control/internal/hardware"
	"github.com/banshee-data/w4control/internal/health"
	"github.com/banshee-data/w4control/internal/mode"
	"github.com/banshee-data/w4control/internal/monitoring"
	"github.com/banshee-data/w4control/internal/policy/ortmodel"
	"github.com/banshee-data/w4control/internal/recorder"
	"github.com/banshee-data/w4control/internal/state"
	"github.com/banshee-data/w4control/internal/transport"
	"github.com/banshee-data/w4control/internal/version"
)

var (
	robotPath   = flag.String("robot", "", "Robot configuration file (.json, .yaml); built-in defaults when empty")
	modesPath   = flag.String("modes", "config/modes.example.yaml", "Mode profiles file")
	modeID      = flag.Int("mode", 0, "Initial mode id (0 selects the first mode in the profiles file)")
	cmdVector   = flag.String("cmd", "", "Initial command vector, comma separated (zeros when empty)")
	devMode     = flag.Bool("dev", false, "Run against in-process mock boards")
	replayPath  = flag.String("replay", "", "Answer board traffic from a pcap/pcapng capture")
	logLevel    = flag.String("log-level", "info", "Log level (debug, info, warn, error)")
	devLog      = flag.Bool("dev-log", false, "Human-readable console logging")
	healthAddr  = flag.String("health", "", "Serve gRPC health checks on this address")
	recordPath  = flag.String("record", "", "Record ticks to this SQLite database")
	pendantPort = flag.String("pendant", "", "Serial port of the teleoperation pendant")
	pendantBaud = flag.Int("pendant-baud", 115200, "Pendant baud rate")
	dryRun      = flag.Bool("dry-run", false, "Run the policy without sending actions")
	maxTicks    = flag.Uint64("ticks", 0, "Put the robot to sleep after this many ticks (0 runs until stopped)")
	ortLib      = flag.String("ort-lib", "", "ONNX Runtime shared library (defaults to $"+ortmodel.LibraryEnv+")")
	showVersion = flag.Bool("version", false, "Print version and exit")
)

// settings is the parsed command line.
type settings struct {
	robotPath   string
	modesPath   string
	modeID      int
	cmdVector   []float64
	dev         bool
	replayPath  string
	healthAddr  string
	recordPath  string
	pendantPort string
	pendantBaud int
	dryRun      bool
	maxTicks    uint64
}

func settingsFromFlags() (settings, error) {
	vec, err := parseVector(*cmdVector)
	if err != nil {
		return settings{}, err
	}
	s := settings{
		robotPath:   *robotPath,
		modesPath:   *modesPath,
		modeID:      *modeID,
		cmdVector:   vec,
		dev:         *devMode,
		replayPath:  *replayPath,
		healthAddr:  *healthAddr,
		recordPath:  *recordPath,
		pendantPort: *pendantPort,
		pendantBaud: *pendantBaud,
		dryRun:      *dryRun,
		maxTicks:    *maxTicks,
	}
	if s.dev && s.replayPath != "" {
		return settings{}, errors.New("-dev and -replay are mutually exclusive")
	}
	if s.modesPath == "" {
		return settings{}, errors.New("mode profiles file is required")
	}
	return s, nil
}

// parseVector parses "0.5, 0, -1". An empty string yields nil.
func parseVector(s string) ([]float64, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, nil
	}
	parts := strings.Split(s, ",")
	out := make([]float64, len(parts))
	for i, p := range parts {
		v, err := strconv.ParseFloat(strings.TrimSpace(p), 64)
		if err != nil {
			return nil, fmt.Errorf("invalid command value %q: %w", p, err)
		}
		out[i] = v
	}
	return out, nil
}

func main() {
	flag.Parse()

	if *showVersion {
		fmt.Println(version.String("w4ctl"))
		return
	}
	if err := monitoring.Init(*devLog, *logLevel); err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialise logging: %v\n", err)
		os.Exit(1)
	}
	defer monitoring.Sync()

	s, err := settingsFromFlags()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		flag.Usage()
		os.Exit(2)
	}
	if *ortLib != "" {
		ortmodel.SetLibraryPath(*ortLib)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	err = run(ctx, s)
	code := exitCode(err)
	if code != 0 {
		monitoring.L().Error("w4ctl exiting", zap.Error(err))
	}
	stop()
	monitoring.Sync()
	os.Exit(code)
}

// exitCode maps the result of run: 0 after a sleep or interrupt, 3 after a
// safety trip, 1 otherwise.
func exitCode(err error) int {
	switch {
	case err == nil, errors.Is(err, context.Canceled):
		return 0
	case faults.IsSafetyTrip(err):
		return 3
	default:
		return 1
	}
}

// boards holds the two board clients and whatever must be closed with them.
type boards struct {
	front, rear *transport.UDPBoard
}

func (b *boards) Close() {
	if b.front != nil {
		_ = b.front.Close()
	}
	if b.rear != nil {
		_ = b.rear.Close()
	}
}

func openBoards(s settings, rc *config.RobotConfig, hw hardware.Config, log *zap.Logger) (*boards, error) {
	opts := []transport.Option{transport.WithLogger(log)}
	b := &boards{}
	switch {
	case s.dev:
		log.Info("using mock boards")
		b.front = transport.NewUDPBoard("front", transport.NewMockBoard("front", hw.FrontIDs, hw.IMUBoard == hardware.Front), opts...)
		b.rear = transport.NewUDPBoard("rear", transport.NewMockBoard("rear", hw.RearIDs, hw.IMUBoard == hardware.Rear), opts...)
	case s.replayPath != "":
		log.Info("replaying board capture", zap.String("path", s.replayPath))
		for _, side := range []struct {
			name string
			addr string
			dst  **transport.UDPBoard
		}{
			{"front", rc.GetFrontAddr(), &b.front},
			{"rear", rc.GetRearAddr(), &b.rear},
		} {
			addr, err := net.ResolveUDPAddr("udp", side.addr)
			if err != nil {
				b.Close()
				return nil, fmt.Errorf("resolve %s board address: %w", side.name, err)
			}
			r, err := transport.LoadReplay(s.replayPath, side.name, addr, true)
			if err != nil {
				b.Close()
				return nil, err
			}
			*side.dst = transport.NewUDPBoard(side.name, r, opts...)
		}
	default:
		var err error
		if b.front, err = transport.Dial(transport.RealDialer{}, "front", rc.GetFrontAddr(), opts...); err != nil {
			return nil, err
		}
		if b.rear, err = transport.Dial(transport.RealDialer{}, "rear", rc.GetRearAddr(), opts...); err != nil {
			b.Close()
			return nil, err
		}
	}
	return b, nil
}

// initialCommand picks the starting mode and command vector.
func initialCommand(modes *mode.Registry, id int, vec []float64) (command.Command, error) {
	if id == 0 {
		ids := modes.IDs()
		if len(ids) == 0 {
			return command.Command{}, faults.Usagef("no modes loaded")
		}
		id = ids[0]
	}
	p, ok := modes.Get(id)
	if !ok {
		return command.Command{}, faults.Usagef("mode %d is not defined, have %v", id, modes.IDs())
	}
	if vec == nil {
		vec = make([]float64, p.CommandLength)
	}
	if len(vec) != p.CommandLength {
		return command.Command{}, faults.Usagef("mode %d expects %d command values, got %d", id, p.CommandLength, len(vec))
	}
	return command.Command{Command: state.Command{ModeID: id, Vector: vec}}, nil
}

func run(ctx context.Context, s settings) error {
	log := monitoring.L()
	log.Info("w4ctl starting", zap.String("version", version.Version), zap.String("git_sha", version.GitSHA))

	rc := &config.RobotConfig{}
	if s.robotPath != "" {
		var err error
		if rc, err = config.LoadRobotConfig(s.robotPath); err != nil {
			return err
		}
	}
	hwCfg, err := rc.Hardware()
	if err != nil {
		return err
	}

	channels, modes, err := config.LoadProfiles(s.modesPath)
	if err != nil {
		return err
	}
	defer modes.Close()
	log.Info("modes loaded", zap.Ints("ids", modes.IDs()))

	initial, err := initialCommand(modes, s.modeID, s.cmdVector)
	if err != nil {
		return err
	}
	builder := state.NewBuilder(channels, modes)
	builder.SetMode(initial.ModeID)

	b, err := openBoards(s, rc, hwCfg, log)
	if err != nil {
		return err
	}
	defer b.Close()

	robot, err := hardware.New(ctx, hwCfg, b.front, b.rear, hardware.WithRegistry(channels), hardware.WithLogger(log))
	if err != nil {
		return fmt.Errorf("hardware start: %w", err)
	}
	if err := robot.SetGains(rc.GetKp(), rc.GetKd()); err != nil {
		_ = robot.EStop(ctx, "E-stop: invalid gains")
		return err
	}

	auxCtx, cancelAux := context.WithCancel(ctx)
	var wg sync.WaitGroup
	defer func() {
		cancelAux()
		wg.Wait()
	}()

	var src command.Source = &command.Static{Cmd: initial}
	if s.pendantPort != "" {
		p, err := command.OpenPendant(s.pendantPort, command.PortOptions{BaudRate: s.pendantBaud}, initial, log)
		if err != nil {
			_ = robot.EStop(ctx, "E-stop: pendant unavailable")
			return fmt.Errorf("open pendant: %w", err)
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			defer p.Close()
			if err := p.Run(auxCtx); err != nil && !errors.Is(err, context.Canceled) {
				log.Warn("pendant stopped", zap.Error(err))
			}
		}()
		src = p
	}

	if s.healthAddr != "" {
		hs := health.NewServer(robot, health.WithLogger(log))
		if err := hs.ListenAndStart(s.healthAddr); err != nil {
			_ = robot.EStop(ctx, "E-stop: health server unavailable")
			return err
		}
		defer hs.Stop()
	}

	loopOpts := []control.Option{control.WithLogger(log)}
	cfg := control.Config{
		Hz:            rc.GetControlHz(),
		TorqueControl: rc.GetTorqueControl(),
		DryRun:        s.dryRun,
		CheckSafety:   s.dryRun || !hwCfg.SafetyCheckOnAction,
		MaxTicks:      s.maxTicks,
	}
	if s.recordPath != "" {
		db, err := recorder.Open(s.recordPath)
		if err != nil {
			_ = robot.EStop(ctx, "E-stop: recorder unavailable")
			return err
		}
		defer db.Close()
		w, err := db.StartRun(ctx, recorder.RunInfo{StartedAt: time.Now(), ControlHz: cfg.Hz}, recorder.WithLogger(log))
		if err != nil {
			_ = robot.EStop(ctx, "E-stop: recorder unavailable")
			return err
		}
		defer func() {
			if err := w.Close(); err != nil {
				log.Warn("recorder close failed", zap.Error(err))
			}
		}()
		loopOpts = append(loopOpts, control.WithRecorder(w))
	}

	loop, err := control.New(robot, builder, src, cfg, loopOpts...)
	if err != nil {
		_ = robot.EStop(ctx, "E-stop: invalid control rate")
		return err
	}
	err = loop.Run(ctx)
	st := robot.Stats()
	log.Info("w4ctl finished", zap.Stringer("state", st.State), zap.Uint64("ticks", loop.Ticks()),
		zap.Uint64("overruns", loop.Overruns()), zap.Int("missed", st.Missed))
	return err
}
