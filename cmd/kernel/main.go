// Command kernel drives the didactic kernel engine (internal/kernel/...)
// against a demo workload: it spawns a handful of tasks at configurable
// priority levels, drives the timer/scheduler loop, and prints a
// progress heartbeat while a pinned busy loop demonstrates preemption
// under load (spec.md section 8 scenario 1).
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"time"

	"github.com/schollz/progressbar/v3"
	"golang.org/x/mod/semver"
	"golang.org/x/term"
	"gopkg.in/yaml.v3"

	"github.com/tinyrange/dk/internal/kernel/arch"
	"github.com/tinyrange/dk/internal/kernel/kctx"
	"github.com/tinyrange/dk/internal/kernel/syscall"
	"github.com/tinyrange/dk/internal/timeslice"
)

// workloadSchemaVersion is the highest workload descriptor schema this
// binary understands, compared against a document's own schema_version
// with golang.org/x/mod/semver the same way the teacher's internal/update
// package compares release tags: reject anything newer, since an older
// binary has no way to know what a newer schema might require of it.
const workloadSchemaVersion = "v1.0.0"

// Workload is the YAML demo-workload descriptor: which tasks to spawn,
// at which priority level, optionally pointing at a G4G animation file.
type Workload struct {
	SchemaVersion string `yaml:"schema_version,omitempty"`
	Tasks         []struct {
		Name    string `yaml:"name"`
		Level   int    `yaml:"level"`
		G4GFile string `yaml:"g4g_file,omitempty"`
	} `yaml:"tasks"`
}

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "kernel: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	levels := flag.Int("levels", 4, "number of scheduler priority levels (informational; engine is fixed at sched.MaxLevel+1)")
	timerHz := flag.Uint64("timer-hz", 100, "timer service frequency in Hz (kTimerFreq)")
	frames := flag.Uint64("frames", 16384, "total physical frames available to the allocator")
	workloadPath := flag.String("workload", "", "path to a YAML workload descriptor (default: a built-in demo workload)")
	duration := flag.Duration("duration", 2*time.Second, "how long to run the demo scheduler loop")
	dbg := flag.Bool("debug", false, "enable debug logging")
	tracePath := flag.String("trace", "", "write a binary timeslice trace (Tick/SwitchTask durations) to this path")
	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: %s [flags]\n\n", os.Args[0])
		fmt.Fprintf(os.Stderr, "Run the didactic kernel engine against a demo workload.\n\nFlags:\n")
		flag.PrintDefaults()
	}
	flag.Parse()
	_ = levels

	level := slog.LevelInfo
	if *dbg {
		level = slog.LevelDebug
	}
	log := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

	workload, err := loadWorkload(*workloadPath)
	if err != nil {
		return fmt.Errorf("load workload: %w", err)
	}

	if *tracePath != "" {
		f, err := os.Create(*tracePath)
		if err != nil {
			return fmt.Errorf("create trace file: %w", err)
		}
		defer f.Close()
		rec, err := timeslice.StartRecording(f)
		if err != nil {
			return fmt.Errorf("start timeslice recording: %w", err)
		}
		defer rec.Close()
	}

	k := kctx.New(log, kctx.Config{
		TimerFrequencyHz: *timerHz,
		TotalFrames:      *frames,
		ScreenWidth:      800,
		ScreenHeight:     600,
	})

	for _, spec := range workload.Tasks {
		name, lvl := spec.Name, spec.Level
		t, err := k.NewUserTask(func(y *arch.Yielder, k *kctx.Kernel, taskID uint64) {
			runDemoTask(y, k, taskID, name)
		})
		if err != nil {
			return fmt.Errorf("spawn task %q: %w", spec.Name, err)
		}
		if err := k.Sched.Wakeup(t.ID, lvl); err != nil {
			return fmt.Errorf("wake task %q: %w", spec.Name, err)
		}
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()

	go k.USB.Run(ctx, 50*time.Millisecond)

	bar := progressbar.Default(duration.Milliseconds(), "scheduling")
	ticker := time.NewTicker(time.Second / time.Duration(*timerHz))
	defer ticker.Stop()

	deadline := time.Now().Add(*duration)
	for time.Now().Before(deadline) {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if err := k.Tick(); err != nil {
				log.Warn("tick failed", "err", err)
			}
			bar.Add(1000 / int(*timerHz))
		}
	}
	bar.Finish()

	if term.IsTerminal(int(os.Stdin.Fd())) {
		log.Info("demo complete; engine processed", "ticks", k.Timer.CurrentTick())
	}
	return nil
}

func loadWorkload(path string) (Workload, error) {
	if path == "" {
		return defaultWorkload(), nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return Workload{}, err
	}
	var w Workload
	if err := yaml.Unmarshal(data, &w); err != nil {
		return Workload{}, fmt.Errorf("parse workload yaml: %w", err)
	}
	if len(w.Tasks) == 0 {
		return Workload{}, errors.New("workload must name at least one task")
	}
	if w.SchemaVersion != "" {
		if !semver.IsValid(w.SchemaVersion) {
			return Workload{}, fmt.Errorf("workload schema_version %q is not a valid semver", w.SchemaVersion)
		}
		if semver.Compare(w.SchemaVersion, workloadSchemaVersion) > 0 {
			return Workload{}, fmt.Errorf("workload schema_version %s is newer than this binary supports (%s)", w.SchemaVersion, workloadSchemaVersion)
		}
	}
	return w, nil
}

func defaultWorkload() Workload {
	var w Workload
	w.Tasks = append(w.Tasks,
		struct {
			Name    string `yaml:"name"`
			Level   int    `yaml:"level"`
			G4GFile string `yaml:"g4g_file,omitempty"`
		}{Name: "console", Level: 2},
		struct {
			Name    string `yaml:"name"`
			Level   int    `yaml:"level"`
			G4GFile string `yaml:"g4g_file,omitempty"`
		}{Name: "pinned-loop", Level: 1},
	)
	return w
}

// runDemoTask is a task body: it opens a window, writes its name and a
// counter five times, yielding after each write so timer-driven preemption
// is exercised, then exits. It does not call ReadEvent. Task bodies never take
// k.Lock themselves: the arch.Switcher baton pass already guarantees
// they run exclusively of whatever goroutine resumed them (see kctx.Kernel.Lock).
func runDemoTask(y *arch.Yielder, k *kctx.Kernel, taskID uint64, name string) {
	res, errno := k.Syscall.Dispatch(taskID, syscall.SysOpenWindow, syscall.Params{
		A:   [6]uint64{100, 60, 10, 10},
		Str: name,
	})
	if errno != 0 {
		k.Log.Error("demo task: OpenWindow failed", "task", taskID, "errno", errno)
		return
	}
	layerID := res.Value

	for i := 0; i < 5; i++ {
		k.Syscall.Dispatch(taskID, syscall.SysWinWriteString, syscall.Params{
			A:   [6]uint64{layerID, 4, 4, 0xffffff},
			Str: fmt.Sprintf("%s: %d", name, i),
		})
		y.Yield()
	}

	k.Syscall.Dispatch(taskID, syscall.SysExit, syscall.Params{A: [6]uint64{0}})
}
