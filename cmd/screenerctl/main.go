// Command screenerctl runs one full scrape -> universe -> match pass
// and prints the resulting session as JSON.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"os"
	"strings"
	"time"

	"dataroma-screener/internal/config"
	"dataroma-screener/internal/logging"
	"dataroma-screener/internal/model"
	"dataroma-screener/internal/service"
)

func main() {
	var (
		configPath  = flag.String("config", "", "path to config JSON (defaults to ./config.json if present)")
		exchanges   = flag.String("exchanges", "", "comma-separated provider exchange codes to match against (default: inferred from holdings)")
		useCache    = flag.Bool("cache", true, "use cached scrape/universe data when available")
		commonStock = flag.Bool("common-stock", false, "restrict matching to symbols of type Common Stock")
		maxEntries  = flag.Int("max-entries", 0, "stop scraping after this many holdings (0 = no limit)")
		minPercent  = flag.Float64("min-percent", 0, "minimum portfolio percent filter passed to the scrape target")
		timeout     = flag.Duration("timeout", 2*time.Minute, "overall run timeout")
	)
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fatal("config: %v", err)
	}
	log := logging.New(cfg.LogLevel)

	svc, err := service.New(cfg)
	if err != nil {
		fatal("service: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	session, err := svc.StartSession(ctx, model.ScrapeOptions{
		UseCache:   *useCache,
		MaxEntries: *maxEntries,
		MinPercent: *minPercent,
	})
	if err != nil {
		fatal("scrape step: %v", err)
	}
	log.WithField("entries", len(session.Dataroma.Entries)).Info("scrape complete")

	var exchangeCodes []string
	if strings.TrimSpace(*exchanges) != "" {
		for _, e := range strings.Split(*exchanges, ",") {
			if e = strings.TrimSpace(e); e != "" {
				exchangeCodes = append(exchangeCodes, e)
			}
		}
	}

	if err := svc.RunUniverseStep(ctx, session, exchangeCodes, *useCache); err != nil {
		fatal("universe step: %v", err)
	}
	log.Info("universe step complete")

	if err := svc.RunMatchStep(ctx, session, exchangeCodes, *useCache, *commonStock); err != nil {
		fatal("match step: %v", err)
	}
	log.WithField("matches", len(session.Matches)).Info("match step complete")

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	enc.SetEscapeHTML(false)
	if err := enc.Encode(session); err != nil {
		fatal("encode session: %v", err)
	}
}

func fatal(format string, args ...any) {
	logging.New("error").Fatalf(format, args...)
}
