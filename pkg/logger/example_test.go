package logger_test

import (
	"fmt"
	"os"

	"github.com/ethan/rtplive-engine/pkg/logger"
)

// Example showing basic logger usage
func ExampleLogger_basic() {
	// Create logger with default config
	cfg := logger.NewConfig()
	cfg.Level = logger.LevelInfo
	cfg.Format = logger.FormatText

	log, err := logger.New(cfg)
	if err != nil {
		panic(err)
	}
	defer log.Close()

	// Basic logging
	log.Info("engine started", "version", "1.0.0")
	log.Warn("deprecated option used", "flag", "--legacy-fec")
	log.Error("failed to bind", "error", "address already in use")
}

// Example showing debug category usage
func ExampleLogger_categories() {
	cfg := logger.NewConfig()
	cfg.Level = logger.LevelDebug
	cfg.EnableCategory(logger.DebugRTP)
	cfg.EnableCategory(logger.DebugFEC)

	log, err := logger.New(cfg)
	if err != nil {
		panic(err)
	}
	defer log.Close()

	// RTP debugging (only logged if DebugRTP enabled)
	log.DebugRTPPacket(12345, 90000, 96, 1200)

	// FEC debugging (only logged if DebugFEC enabled)
	log.DebugFECBlock(90000, 4, 2, 5, true)

	// Generic category logging
	log.DebugRTP("packet received", "seq", 12345)
	log.DebugFEC("block ready", "block_timestamp", 90000)
}

// Example showing command-line flags integration
func ExampleFlags() {
	// In main.go:
	// import (
	//     "flag"
	//     "github.com/ethan/rtplive-engine/pkg/logger"
	// )
	//
	// fs := flag.NewFlagSet("myapp", flag.ExitOnError)
	// logFlags := logger.RegisterFlags(fs)
	// fs.Parse(os.Args[1:])
	//
	// logConfig, _ := logFlags.ToConfig()
	// log, _ := logger.New(logConfig)
	// defer log.Close()

	fmt.Println("See the wiring in the comment above for the complete example")
}

// Example showing JSON format output
func ExampleLogger_json() {
	cfg := logger.NewConfig()
	cfg.Level = logger.LevelInfo
	cfg.Format = logger.FormatJSON
	cfg.OutputFile = "app.json"

	log, err := logger.New(cfg)
	if err != nil {
		panic(err)
	}
	defer log.Close()
	defer os.Remove("app.json") // Cleanup

	log.Info("user joined room",
		"user", "alice",
		"room", "standup",
		"duration_ms", 250)

	// Output will be in JSON format:
	// {"time":"...","level":"INFO","msg":"user joined room","user":"alice","room":"standup","duration_ms":250}
}

// Example showing conditional debug logging
func ExampleLogger_conditional() {
	cfg := logger.NewConfig()
	cfg.EnableCategory(logger.DebugUser)

	log, err := logger.New(cfg)
	if err != nil {
		panic(err)
	}
	defer log.Close()

	// This will only execute if DebugUser is enabled
	// No performance overhead if disabled
	log.DebugUser("peer joined", "name", "bob", "ssrc", 4242)

	// Category methods automatically check if enabled
	// No manual check needed - zero cost if disabled
	log.DebugRTP("packet received", "seq", 12345)
}

func computeExpensiveStats() string {
	return "expensive computation result"
}
