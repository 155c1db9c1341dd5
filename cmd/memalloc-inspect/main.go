// Command memalloc-inspect initializes the allocator façade from a
// TOML config, runs a small workload against it, and prints the
// resulting stats. With --watch it hot-reloads the config file via
// fsnotify and re-applies the logging level without restarting.
//
// Flag shape follows cmd/orizon-profile's single-binary style; config
// loading follows cmd/orizon-config's file-backed override pattern.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"unsafe"

	"github.com/BurntSushi/toml"
	"github.com/fsnotify/fsnotify"

	"github.com/dev-mirzabicer/limdy/internal/allocator"
)

// fileConfig is the TOML-decoded override file; zero fields leave
// the façade's own defaultConfig value in place.
type fileConfig struct {
	SmallBlockSize   uintptr `toml:"small_block_size"`
	SmallPoolSize    uintptr `toml:"small_pool_size"`
	LargePoolSize    uintptr `toml:"large_pool_size"`
	MaxPools         int     `toml:"max_pools"`
	ObjectsPerSlab   int     `toml:"objects_per_slab"`
	MinCompatVersion string  `toml:"min_compat_version"`
	MinLogLevel      string  `toml:"min_log_level"`
}

func loadFileConfig(path string) (fileConfig, error) {
	var fc fileConfig
	if path == "" {
		return fc, nil
	}
	_, err := toml.DecodeFile(path, &fc)
	return fc, err
}

func optionsFrom(fc fileConfig) []allocator.Option {
	var opts []allocator.Option
	if fc.SmallBlockSize != 0 {
		opts = append(opts, allocator.WithSmallBlockSize(fc.SmallBlockSize))
	}
	if fc.SmallPoolSize != 0 {
		opts = append(opts, allocator.WithSmallPoolSize(fc.SmallPoolSize))
	}
	if fc.LargePoolSize != 0 {
		opts = append(opts, allocator.WithLargePoolSize(fc.LargePoolSize))
	}
	if fc.MaxPools != 0 {
		opts = append(opts, allocator.WithMaxPools(fc.MaxPools))
	}
	if fc.ObjectsPerSlab != 0 {
		opts = append(opts, allocator.WithObjectsPerSlab(fc.ObjectsPerSlab))
	}
	if fc.MinCompatVersion != "" {
		opts = append(opts, allocator.WithMinCompatVersion(fc.MinCompatVersion))
	}
	return opts
}

func levelFromName(name string) (allocator.Level, bool) {
	switch name {
	case "debug":
		return allocator.LevelDebug, true
	case "info":
		return allocator.LevelInfo, true
	case "warning":
		return allocator.LevelWarning, true
	case "error":
		return allocator.LevelError, true
	case "fatal":
		return allocator.LevelFatal, true
	default:
		return 0, false
	}
}

func applyLogLevel(fc fileConfig) {
	if level, ok := levelFromName(fc.MinLogLevel); ok {
		allocator.SetMinLevel(level)
	}
}

func runWorkload(ctx context.Context, a *allocator.Allocator) {
	sizes := []uintptr{16, 64, 200, 512, 3000}
	var ptrs []unsafe.Pointer
	for _, s := range sizes {
		ptr, err := a.Alloc(ctx, s)
		if err != nil {
			fmt.Fprintf(os.Stderr, "workload: alloc %d: %v\n", s, err)
			continue
		}
		ptrs = append(ptrs, ptr)
	}
	for _, ptr := range ptrs {
		if err := a.Free(ctx, ptr); err != nil {
			fmt.Fprintf(os.Stderr, "workload: free: %v\n", err)
		}
	}
}

func main() {
	var (
		configPath = flag.String("config", "", "path to a TOML config override (optional)")
		watch      = flag.Bool("watch", false, "hot-reload the config file and re-apply log level on change")
	)

	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: %s [OPTIONS]\n\n", os.Args[0])
		fmt.Fprintf(os.Stderr, "Initializes the allocator, runs a small workload, prints stats.\n\n")
		flag.PrintDefaults()
	}
	flag.Parse()

	fc, err := loadFileConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "memalloc-inspect: loading config %q: %v\n", *configPath, err)
		os.Exit(1)
	}
	applyLogLevel(fc)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := allocator.Init(ctx, optionsFrom(fc)...)
	if err != nil {
		fmt.Fprintf(os.Stderr, "memalloc-inspect: init: %v\n", err)
		os.Exit(1)
	}
	defer a.Cleanup()

	if *watch && *configPath != "" {
		go watchConfig(ctx, *configPath)
	}

	runWorkload(ctx, a)

	stats := a.GetStats()
	fmt.Printf("total_allocated=%d total_used=%d\n", stats.TotalAllocated, stats.TotalUsed)

	if *watch && *configPath != "" {
		<-ctx.Done()
	}
}

// watchConfig re-reads path on every fsnotify write or create event and
// re-applies its log-level field, following the teacher's own
// internal/runtime/vfs/watch_fsnotify.go translation of fsnotify
// events into a simpler internal Event model.
func watchConfig(ctx context.Context, path string) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		fmt.Fprintf(os.Stderr, "memalloc-inspect: watch: %v\n", err)
		return
	}
	defer watcher.Close()

	if err := watcher.Add(path); err != nil {
		fmt.Fprintf(os.Stderr, "memalloc-inspect: watch %q: %v\n", path, err)
		return
	}

	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-watcher.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			fc, err := loadFileConfig(path)
			if err != nil {
				fmt.Fprintf(os.Stderr, "memalloc-inspect: reload %q: %v\n", path, err)
				continue
			}
			applyLogLevel(fc)
		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			fmt.Fprintf(os.Stderr, "memalloc-inspect: watch error: %v\n", err)
		}
	}
}
