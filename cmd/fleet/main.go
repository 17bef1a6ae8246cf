package main

import (
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"bitmex-fleet-bot-go/internal/bus"
	"bitmex-fleet-bot-go/internal/config"
	"bitmex-fleet-bot-go/internal/coordinator"
	"bitmex-fleet-bot-go/internal/exchange"
	"bitmex-fleet-bot-go/internal/logger"
	"bitmex-fleet-bot-go/internal/notifier"
	"bitmex-fleet-bot-go/internal/store"
	"bitmex-fleet-bot-go/internal/viewer"

	"github.com/joho/godotenv"
)

func main() {
	configPath := flag.String("config", "config.json", "path to the config file")
	flag.Parse()

	// Secrets (telegram token) live in the environment; a missing .env is
	// fine when they come from the real environment.
	_ = godotenv.Load()

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config %s: %v\n", *configPath, err)
		os.Exit(1)
	}

	logger.InitLogger(cfg.LogConfig)
	log := logger.S()

	st, err := store.NewBadgerStore(cfg.DBPath)
	if err != nil {
		log.Fatalf("failed to open store at %s: %v", cfg.DBPath, err)
	}
	defer st.Close()

	b := bus.New(cfg.BusBufferSize)
	defer b.Close()

	var n notifier.Notifier = notifier.NewLog()
	if token := os.Getenv("TELEGRAM_TOKEN"); token != "" {
		tg, err := notifier.NewTelegram(token)
		if err != nil {
			log.Warnf("telegram notifier unavailable, falling back to log: %v", err)
		} else {
			n = tg
		}
	}

	// One public price feed per distinct exchange+pair across the fleet.
	feeds := startPriceFeeds(st, b, cfg.IsTestnet)
	defer func() {
		for _, f := range feeds {
			f.Stop()
		}
	}()

	coord := coordinator.New(st, b, n,
		time.Duration(cfg.ReconcileIntervalSec)*time.Second, nil)
	coord.Start()

	var console *viewer.Console
	if cfg.ViewerRefreshSec > 0 {
		console = viewer.NewConsole(b, time.Duration(cfg.ViewerRefreshSec)*time.Second)
		console.Start()
	}

	log.Infof("fleet started, reconciling every %ds", cfg.ReconcileIntervalSec)

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("termination signal received")
	coord.Shutdown()
	if console != nil {
		console.Stop()
	}
	log.Info("fleet stopped")
}

// startPriceFeeds opens the public trade stream for every exchange+pair any
// bot references. Feeds publish onto the bus price topics the workers
// subscribe to.
func startPriceFeeds(st store.Store, b *bus.Bus, testnet bool) []exchange.PriceFeed {
	log := logger.S()
	bots, err := st.Bots().All()
	if err != nil {
		log.Errorf("failed to list bots for price feeds: %v", err)
		return nil
	}

	seen := make(map[string]struct{})
	var feeds []exchange.PriceFeed
	for _, bot := range bots {
		key := bus.PriceTopic(bot.Exchange, bot.Pair)
		if _, ok := seen[key]; ok {
			continue
		}
		seen[key] = struct{}{}

		feed, err := exchange.NewPriceFeed(bot.Exchange, bot.Pair, testnet, b)
		if err != nil {
			log.Errorf("failed to start price feed for %s %s: %v", bot.Exchange, bot.Pair, err)
			continue
		}
		log.Infof("price feed started for %s %s", bot.Exchange, bot.Pair)
		feeds = append(feeds, feed)
	}
	return feeds
}
