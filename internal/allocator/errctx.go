package allocator

import (
	"context"
	"fmt"
	"os"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"
)

// Code enumerates the error-context facility's semantic error kinds.
// Values are the kind names themselves, not allocated numeric bases —
// numeric codes are an implementation detail of the wire format the
// original source used and aren't part of this port's contract.
type Code string

const (
	CodeSuccess                Code = "success"
	CodeNullPointer            Code = "null-pointer"
	CodeInvalidArgument        Code = "invalid-argument"
	CodeMemoryAllocation       Code = "memory-allocation"
	CodeFileIO                 Code = "file-io"
	CodeNetwork                Code = "network"
	CodeThreadLock             Code = "thread-lock"
	CodeThreadUnlock           Code = "thread-unlock"
	CodeThreadInit             Code = "thread-init"
	CodePoolInitFailed         Code = "pool-init-failed"
	CodePoolAllocFailed        Code = "pool-alloc-failed"
	CodePoolInvalidFree        Code = "pool-invalid-free"
	CodePoolFull               Code = "pool-full"
	CodePoolInvalidPool        Code = "pool-invalid-pool"
	CodePoolCorruptionDetected Code = "pool-corruption-detected"
	CodeUnknown                Code = "unknown"
)

// Level orders event severity: debug < info < warning < error < fatal,
// mirroring zerolog's own level ordering so each Level maps onto a
// zerolog level for the default logger. SetMinLevel filters on Level
// itself, before any event reaches zerolog.
type Level int

const (
	LevelDebug Level = iota
	LevelInfo
	LevelWarning
	LevelError
	LevelFatal
)

func (l Level) String() string {
	switch l {
	case LevelDebug:
		return "debug"
	case LevelInfo:
		return "info"
	case LevelWarning:
		return "warning"
	case LevelError:
		return "error"
	case LevelFatal:
		return "fatal"
	default:
		return "unknown"
	}
}

func (l Level) zerologLevel() zerolog.Level {
	switch l {
	case LevelDebug:
		return zerolog.DebugLevel
	case LevelInfo:
		return zerolog.InfoLevel
	case LevelWarning:
		return zerolog.WarnLevel
	case LevelError:
		return zerolog.ErrorLevel
	case LevelFatal:
		return zerolog.FatalLevel
	default:
		return zerolog.NoLevel
	}
}

// Record is one error-context event: the call site, its classification
// and message. It is what a Sink receives and what GetLast returns.
type Record struct {
	Code     Code
	Level    Level
	File     string
	Line     int
	Function string
	Message  string
}

// Sink receives every Record that passes the facility's minimum level.
// Installing a Sink replaces any previous one, per spec.
type Sink func(Record)

const ringCapacity = 100

// facility is the error-context singleton: the ring buffer, the
// installed sink, and the level filter, all behind one mutex exactly
// as spec.md §5 describes ("the error facility has its own mutex for
// the ring buffer and sink pointer").
type facility struct {
	mu       sync.Mutex
	sink     Sink
	minLevel Level
	ring     [ringCapacity]Record
	ringLen  int
	ringNext int
	logFile  *os.File
	logger   zerolog.Logger
}

var globalFacility atomic.Pointer[facility]

// InitErrorContext opens the default error.log sink and resets the
// facility to an empty, ready state. Safe to call again after
// CleanupErrorContext.
func InitErrorContext() error {
	f := &facility{minLevel: LevelDebug}

	file, err := os.OpenFile("error.log", os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error-context: cannot open error.log, falling back to stderr: %v\n", err)
		f.logger = zerolog.New(os.Stderr).With().Timestamp().Logger()
	} else {
		f.logFile = file
		f.logger = zerolog.New(file).With().Timestamp().Logger()
	}

	globalFacility.Store(f)
	return nil
}

// CleanupErrorContext releases the default sink's file handle and
// discards the ring buffer. Subsequent Log calls revert to stderr
// until InitErrorContext runs again.
func CleanupErrorContext() {
	f := globalFacility.Swap(nil)
	if f == nil {
		return
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	if f.logFile != nil {
		f.logFile.Close()
	}
}

// currentFacility lazily installs a stderr-backed facility if
// InitErrorContext was never called, so SetSink/SetMinLevel/Log are
// usable (and their effects persist) even before an explicit Init —
// matching spec.md §7's "facility errors... fall back to standard
// error" rather than silently discarding every call.
func currentFacility() *facility {
	for {
		if f := globalFacility.Load(); f != nil {
			return f
		}
		tmp := &facility{minLevel: LevelDebug, logger: zerolog.New(os.Stderr).With().Timestamp().Logger()}
		if globalFacility.CompareAndSwap(nil, tmp) {
			return tmp
		}
	}
}

// SetSink installs s as the facility's sink, replacing any previous
// one. Passing nil reverts to the default file/stderr sink.
func SetSink(s Sink) {
	f := currentFacility()
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sink = s
}

// SetMinLevel suppresses events below l.
func SetMinLevel(l Level) {
	f := currentFacility()
	f.mu.Lock()
	defer f.mu.Unlock()
	f.minLevel = l
}

// ctxStateKey is the context.Context key carrying the calling
// goroutine's last-error slot, the per-task scoped storage that
// replaces the original's thread-local last-error per spec.md §9.
type ctxStateKey struct{}

type ctxState struct {
	mu   sync.Mutex
	last *Record
}

// WithErrorContext returns a context carrying its own last-error slot,
// independent of any enclosing or sibling context.
func WithErrorContext(parent context.Context) context.Context {
	return context.WithValue(parent, ctxStateKey{}, &ctxState{})
}

// fallbackState serves Log/GetLast/Clear calls made with a context
// that was never decorated with WithErrorContext, so the facility
// never panics on a bare context.Background().
var fallbackState atomic.Pointer[ctxState]

func stateFor(ctx context.Context) *ctxState {
	if ctx != nil {
		if s, ok := ctx.Value(ctxStateKey{}).(*ctxState); ok {
			return s
		}
	}
	for {
		if s := fallbackState.Load(); s != nil {
			return s
		}
		fallbackState.CompareAndSwap(nil, &ctxState{})
	}
}

// Log builds a Record, stores it as ctx's last error, appends it to
// the global ring buffer (evicting the oldest on overflow), and
// invokes the sink if one is installed; otherwise it emits through
// the default file/stderr logger.
func Log(ctx context.Context, code Code, level Level, file string, line int, function string, format string, args ...interface{}) {
	rec := Record{
		Code:     code,
		Level:    level,
		File:     file,
		Line:     line,
		Function: function,
		Message:  fmt.Sprintf(format, args...),
	}

	state := stateFor(ctx)
	state.mu.Lock()
	r := rec
	state.last = &r
	state.mu.Unlock()

	f := currentFacility()
	f.mu.Lock()
	if level >= f.minLevel {
		f.ring[f.ringNext] = rec
		f.ringNext = (f.ringNext + 1) % ringCapacity
		if f.ringLen < ringCapacity {
			f.ringLen++
		}
	}
	sink := f.sink
	logger := f.logger
	belowMin := level < f.minLevel
	f.mu.Unlock()

	if belowMin {
		return
	}

	if sink != nil {
		sink(rec)
		return
	}

	logger.WithLevel(level.zerologLevel()).
		Str("file", rec.File).
		Int("line", rec.Line).
		Str("func", rec.Function).
		Str("code", string(rec.Code)).
		Msg(rec.Message)
}

// GetLast returns ctx's most recent error record, if any.
func GetLast(ctx context.Context) (Record, bool) {
	state := stateFor(ctx)
	state.mu.Lock()
	defer state.mu.Unlock()
	if state.last == nil {
		return Record{}, false
	}
	return *state.last, true
}

// Clear resets ctx's last-error slot.
func Clear(ctx context.Context) {
	state := stateFor(ctx)
	state.mu.Lock()
	state.last = nil
	state.mu.Unlock()
}

// History returns up to n most recent ring-buffer records, oldest
// first, for diagnostics and tests.
func History(n int) []Record {
	f := currentFacility()
	f.mu.Lock()
	defer f.mu.Unlock()

	if n <= 0 || n > f.ringLen {
		n = f.ringLen
	}
	out := make([]Record, 0, n)
	start := (f.ringNext - n + ringCapacity) % ringCapacity
	for i := 0; i < n; i++ {
		out = append(out, f.ring[(start+i)%ringCapacity])
	}
	return out
}

func logDebug(ctx context.Context, code Code, function, format string, args ...interface{}) {
	Log(ctx, code, LevelDebug, "", 0, function, format, args...)
}

func logInfo(ctx context.Context, code Code, function, format string, args ...interface{}) {
	Log(ctx, code, LevelInfo, "", 0, function, format, args...)
}

func logWarning(ctx context.Context, code Code, function, format string, args ...interface{}) {
	Log(ctx, code, LevelWarning, "", 0, function, format, args...)
}

func logError(ctx context.Context, code Code, function, format string, args ...interface{}) {
	Log(ctx, code, LevelError, "", 0, function, format, args...)
}

func logFatal(ctx context.Context, code Code, function, format string, args ...interface{}) {
	Log(ctx, code, LevelFatal, "", 0, function, format, args...)
}
