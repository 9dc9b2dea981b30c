package logger

import (
	"flag"
	"fmt"
	"strings"
)

// Flags holds all logging-related command-line flags
type Flags struct {
	LogLevel     string
	LogFormat    string
	LogFile      string
	DebugQueue   bool
	DebugStage   bool
	DebugFEC     bool
	DebugRTP     bool
	DebugSession bool
	DebugUser    bool
	DebugCodec   bool
	DebugAll     bool
}

// RegisterFlags registers logging flags with the given FlagSet
func RegisterFlags(fs *flag.FlagSet) *Flags {
	f := &Flags{}

	fs.StringVar(&f.LogLevel, "log-level", "info",
		"Log level: debug, info, warn, error")
	fs.StringVar(&f.LogLevel, "l", "info",
		"Log level (shorthand)")

	fs.StringVar(&f.LogFormat, "log-format", "text",
		"Log output format: text, json")

	fs.StringVar(&f.LogFile, "log-file", "",
		"Log output file path (default: stdout)")
	fs.StringVar(&f.LogFile, "o", "",
		"Log output file path (shorthand)")

	// Debug category flags
	fs.BoolVar(&f.DebugQueue, "debug-queue", false,
		"Enable queue push/drop/wake debugging")
	fs.BoolVar(&f.DebugStage, "debug-stage", false,
		"Enable worker stage pause/wake/run debugging")
	fs.BoolVar(&f.DebugFEC, "debug-fec", false,
		"Enable FEC block encode/cache/decode debugging")
	fs.BoolVar(&f.DebugRTP, "debug-rtp", false,
		"Enable detailed RTP packet debugging (sequence, timestamp, payload)")
	fs.BoolVar(&f.DebugSession, "debug-session", false,
		"Enable RTP/RTCP session lifecycle debugging")
	fs.BoolVar(&f.DebugUser, "debug-user", false,
		"Enable room membership join/leave debugging")
	fs.BoolVar(&f.DebugCodec, "debug-codec", false,
		"Enable encoder/decoder configuration and fallback debugging")
	fs.BoolVar(&f.DebugAll, "debug-all", false,
		"Enable all debug categories")

	return f
}

// ToConfig converts Flags to a logger Config
func (f *Flags) ToConfig() (*Config, error) {
	cfg := NewConfig()

	// Parse log level
	level, err := ParseLevel(f.LogLevel)
	if err != nil {
		return nil, err
	}
	cfg.Level = level

	// Parse format
	format, err := ParseFormat(f.LogFormat)
	if err != nil {
		return nil, err
	}
	cfg.Format = format

	// Set output file
	cfg.OutputFile = f.LogFile

	// Enable debug categories
	if f.DebugAll {
		cfg.EnableCategory(DebugAll)
		// Force debug level when any debug category is enabled
		cfg.Level = LevelDebug
	} else {
		if f.DebugQueue {
			cfg.EnableCategory(DebugQueue)
			cfg.Level = LevelDebug
		}
		if f.DebugStage {
			cfg.EnableCategory(DebugStage)
			cfg.Level = LevelDebug
		}
		if f.DebugFEC {
			cfg.EnableCategory(DebugFEC)
			cfg.Level = LevelDebug
		}
		if f.DebugRTP {
			cfg.EnableCategory(DebugRTP)
			cfg.Level = LevelDebug
		}
		if f.DebugSession {
			cfg.EnableCategory(DebugSession)
			cfg.Level = LevelDebug
		}
		if f.DebugUser {
			cfg.EnableCategory(DebugUser)
			cfg.Level = LevelDebug
		}
		if f.DebugCodec {
			cfg.EnableCategory(DebugCodec)
			cfg.Level = LevelDebug
		}
	}

	return cfg, nil
}

// PrintUsageExamples prints usage examples for logging flags
func PrintUsageExamples() {
	examples := `
Logging Examples:

  Basic usage (INFO level, text format to stdout):
    ./engine

  Enable DEBUG level:
    ./engine --log-level debug
    ./engine -l debug

  Log to file:
    ./engine --log-file engine.log
    ./engine -o engine.log

  JSON format for structured logging:
    ./engine --log-format json -o engine.json

  Debug RTP packets only:
    ./engine --debug-rtp

  Debug FEC block reassembly only:
    ./engine --debug-fec

  Debug multiple categories:
    ./engine --debug-rtp --debug-fec --debug-session

  Debug everything:
    ./engine --debug-all -o debug.log

  Production logging (WARN level, JSON to file):
    ./engine -l warn --log-format json -o production.log
`
	fmt.Println(examples)
}

// String returns a string representation of enabled flags
func (f *Flags) String() string {
	var parts []string

	parts = append(parts, fmt.Sprintf("level=%s", f.LogLevel))
	parts = append(parts, fmt.Sprintf("format=%s", f.LogFormat))

	if f.LogFile != "" {
		parts = append(parts, fmt.Sprintf("output=%s", f.LogFile))
	} else {
		parts = append(parts, "output=stdout")
	}

	var debugCategories []string
	if f.DebugAll {
		debugCategories = append(debugCategories, "all")
	} else {
		if f.DebugQueue {
			debugCategories = append(debugCategories, "queue")
		}
		if f.DebugStage {
			debugCategories = append(debugCategories, "stage")
		}
		if f.DebugFEC {
			debugCategories = append(debugCategories, "fec")
		}
		if f.DebugRTP {
			debugCategories = append(debugCategories, "rtp")
		}
		if f.DebugSession {
			debugCategories = append(debugCategories, "session")
		}
		if f.DebugUser {
			debugCategories = append(debugCategories, "user")
		}
		if f.DebugCodec {
			debugCategories = append(debugCategories, "codec")
		}
	}

	if len(debugCategories) > 0 {
		parts = append(parts, fmt.Sprintf("debug=[%s]", strings.Join(debugCategories, ",")))
	}

	return strings.Join(parts, " ")
}
