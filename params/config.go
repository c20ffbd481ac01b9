package params

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

type Server struct {
	ListenAddr string // framed TCP protocol
	APIAddr    string // REST + websocket gateway
	// ReceiveTimeout bounds one whole framed receive, not each read.
	ReceiveTimeout time.Duration
}

type Engine struct {
	// SafetyMultiplier pads the affordability estimate for MARKET buys,
	// whose fill price is unknown until matched.
	SafetyMultiplier float64
	SweepInterval    time.Duration
	// StartingCash seeds a brand-new client account, in cents.
	StartingCash int64
}

type Storage struct {
	// Path of the Pebble database; empty disables persistence.
	Path string
}

type InstrumentSeed struct {
	Symbol string
	Name   string
	Issued int64
}

type Config struct {
	Server      Server
	Engine      Engine
	Storage     Storage
	LogFile     string
	Instruments []InstrumentSeed
}

func Default() Config {
	return Config{
		Server: Server{
			ListenAddr:     ":8080",
			APIAddr:        ":8081",
			ReceiveTimeout: 10 * time.Second,
		},
		Engine: Engine{
			SafetyMultiplier: 1.10,
			SweepInterval:    time.Second,
			StartingCash:     1_000_000, // $10,000.00
		},
		Storage: Storage{Path: "data/bourse"},
		LogFile: "data/bourse.log",
		Instruments: []InstrumentSeed{
			{Symbol: "AAPL", Name: "Apple Inc.", Issued: 1_000_000},
			{Symbol: "MSFT", Name: "Microsoft Corp.", Issued: 1_000_000},
		},
	}
}

// LoadFromEnv loads configuration from a .env file (if present) and the
// environment. Priority: ENV > .env file > defaults.
func LoadFromEnv(envPath string) Config {
	cfg := Default()

	if envPath != "" {
		_ = godotenv.Load(envPath)
	} else {
		_ = godotenv.Load()
	}

	if v := os.Getenv("LISTEN"); v != "" {
		cfg.Server.ListenAddr = v
	}
	if v := os.Getenv("API_LISTEN"); v != "" {
		cfg.Server.APIAddr = v
	}
	if v := os.Getenv("RECEIVE_TIMEOUT_MS"); v != "" {
		if ms, err := strconv.Atoi(v); err == nil {
			cfg.Server.ReceiveTimeout = time.Duration(ms) * time.Millisecond
		}
	}
	if v := os.Getenv("SAFETY_MULTIPLIER"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil && f >= 1 {
			cfg.Engine.SafetyMultiplier = f
		}
	}
	if v := os.Getenv("SWEEP_INTERVAL_MS"); v != "" {
		if ms, err := strconv.Atoi(v); err == nil {
			cfg.Engine.SweepInterval = time.Duration(ms) * time.Millisecond
		}
	}
	if v := os.Getenv("STARTING_CASH_CENTS"); v != "" {
		if c, err := strconv.ParseInt(v, 10, 64); err == nil && c >= 0 {
			cfg.Engine.StartingCash = c
		}
	}
	if v := os.Getenv("DB_PATH"); v != "" {
		cfg.Storage.Path = v
	}
	if v := os.Getenv("LOG_FILE"); v != "" {
		cfg.LogFile = v
	}
	if v := os.Getenv("SEED_INSTRUMENTS"); v != "" {
		if seeds := parseInstruments(v); len(seeds) > 0 {
			cfg.Instruments = seeds
		}
	}

	return cfg
}

// parseInstruments parses "AAPL:Apple Inc.:1000000,MSFT:Microsoft:500000".
func parseInstruments(v string) []InstrumentSeed {
	var seeds []InstrumentSeed
	for _, entry := range strings.Split(v, ",") {
		parts := strings.SplitN(strings.TrimSpace(entry), ":", 3)
		if len(parts) != 3 {
			continue
		}
		issued, err := strconv.ParseInt(parts[2], 10, 64)
		if err != nil || issued <= 0 {
			continue
		}
		seeds = append(seeds, InstrumentSeed{Symbol: parts[0], Name: parts[1], Issued: issued})
	}
	return seeds
}
