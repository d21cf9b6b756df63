// Package main provides oracled, the price-attestation oracle daemon.
package main

import (
	"flag"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/cadena-bitcoin/cadena-oracle/internal/config"
	"github.com/cadena-bitcoin/cadena-oracle/internal/keyring"
	"github.com/cadena-bitcoin/cadena-oracle/internal/oracle"
	"github.com/cadena-bitcoin/cadena-oracle/internal/price"
	"github.com/cadena-bitcoin/cadena-oracle/internal/rpc"
	"github.com/cadena-bitcoin/cadena-oracle/internal/storage"
	"github.com/cadena-bitcoin/cadena-oracle/pkg/logging"
)

var (
	version = "0.1.0-dev"
	commit  = "unknown"
)

// priceSymbols are the symbols served and attested.
var priceSymbols = []string{"BTCUSD", "BTCEUR"}

func main() {
	var (
		dataDir     = flag.String("data-dir", "", "Data directory (default "+config.DefaultDataDir+")")
		apiAddr     = flag.String("api", "", "HTTP API address, overrides config")
		logLevel    = flag.String("log-level", "", "Log level (debug, info, warn, error), overrides config")
		signet      = flag.Bool("signet", false, "Use the signet network")
		showVersion = flag.Bool("version", false, "Show version and exit")
	)
	flag.Parse()

	log := logging.New(&logging.Config{
		Level:      "info",
		TimeFormat: time.TimeOnly,
	})
	logging.SetDefault(log)

	if *showVersion {
		log.Infof("oracled %s (commit: %s)", version, commit)
		os.Exit(0)
	}

	cfg, err := config.Load(*dataDir)
	if err != nil {
		log.Fatal("Failed to load config", "error", err)
	}

	// CLI flags take precedence over config file and environment.
	if *dataDir != "" {
		cfg.DataDir = *dataDir
	}
	if *apiAddr != "" {
		cfg.APIAddr = *apiAddr
	}
	if *logLevel != "" {
		cfg.LogLevel = *logLevel
	}
	if *signet {
		cfg.Signet = true
	}

	log = logging.New(&logging.Config{
		Level:      cfg.LogLevel,
		TimeFormat: time.TimeOnly,
	})
	logging.SetDefault(log)
	log.Info("Config loaded", "path", config.Path(cfg.DataDir))

	// Load the signing key. The key uses the network recorded in the
	// secret file; a mismatch with the configured one is only logged.
	keys, err := loadKeyring(cfg)
	if err != nil {
		log.Fatal("Failed to load signing key", "error", err)
	}
	mainPub, _ := keys.PublicKey(0)
	log.Info("Signing key loaded", "network", keys.Network(), "public_key", mainPub)

	// Open the event store.
	store, err := storage.Open(&storage.Config{DataDir: cfg.DataDir})
	if err != nil {
		log.Fatal("Failed to open event store", "error", err)
	}
	defer store.Close()
	ver, _ := store.Version()
	log.Info("Event store opened", "dir", cfg.DataDir, "schema_version", ver)

	// Start the price sources and aggregator.
	coinbase := price.NewCoinbaseSource(log)
	defer coinbase.Close()
	prices := price.NewAggregator(log, priceSymbols,
		price.NewBitstampSource(),
		price.NewBinanceSource(false),
		price.NewKrakenSource(),
		coinbase,
	)
	log.Info("Price aggregator started", "symbols", strings.Join(priceSymbols, ","))

	// Wire the oracle and seed default classes on first boot.
	o, err := oracle.New(&oracle.Config{
		Store:       store,
		Keys:        keys,
		Prices:      prices,
		HorizonDays: cfg.HorizonDays,
		Log:         log,
	})
	if err != nil {
		log.Fatal("Failed to create oracle", "error", err)
	}
	if err := seedDefaultClasses(o, store); err != nil {
		log.Fatal("Failed to seed event classes", "error", err)
	}

	o.Start()
	defer o.Stop()

	// Start the HTTP facade.
	server := rpc.NewServer(o, cfg.DemoMode)
	if err := server.Start(cfg.APIAddr); err != nil {
		log.Fatal("Failed to start API server", "error", err)
	}

	printBanner(log, cfg, mainPub)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh
	log.Info("Shutting down...")

	if err := server.Stop(); err != nil {
		log.Error("Error stopping API server", "error", err)
	}
	log.Info("Goodbye!")
}

// loadKeyring reads, decrypts and loads the secret file.
func loadKeyring(cfg *config.Config) (*keyring.Keyring, error) {
	path := cfg.SecretFilePath()
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	entropy, network, err := keyring.ParseSecretFile(strings.TrimSpace(string(data)), cfg.KeySecretPwd)
	if err != nil {
		return nil, err
	}

	wantNetwork := keyring.NetworkMainnet
	if cfg.Signet {
		wantNetwork = keyring.NetworkSignet
	}
	if network != wantNetwork {
		logging.Warn("Secret file network differs from config", "file", network, "config", wantNetwork)
	}

	return keyring.New(entropy, network)
}

// seedDefaultClasses inserts the default BTC classes when the store
// holds none, e.g. on the very first boot.
func seedDefaultClasses(o *oracle.Oracle, store storage.Store) error {
	classes, err := store.AllClasses()
	if err != nil {
		return err
	}
	if len(classes) > 0 {
		return nil
	}

	now := time.Now().Unix()
	firstTime := (now/86400 + 1) * 86400 // next midnight UTC
	lastTime := firstTime + 5*365*86400

	for _, def := range priceSymbols {
		ec, err := oracle.NewEventClass(strings.ToLower(def), def, 8, 0, firstTime, 86400, lastTime, now, "")
		if err != nil {
			return err
		}
		if _, err := o.AddEventClass(ec); err != nil {
			return err
		}
	}
	logging.Info("Seeded default event classes", "count", len(priceSymbols))
	return nil
}

func printBanner(log *logging.Logger, cfg *config.Config, mainPub string) {
	networkLabel := "mainnet"
	if cfg.Signet {
		networkLabel = "SIGNET"
	}

	log.Info("")
	log.Info("=================================================")
	log.Infof("  Cadena Oracle (%s)", networkLabel)
	log.Infof("  Version: %s", version)
	log.Info("=================================================")
	log.Info("")
	log.Infof("  Public key: %s", mainPub)
	log.Infof("  API:        http://%s", cfg.APIAddr)
	log.Infof("  Horizon:    %d days", cfg.HorizonDays)
	log.Infof("  Data dir:   %s", cfg.DataDir)
	log.Info("")
	log.Info("=================================================")
	log.Info("")
}
