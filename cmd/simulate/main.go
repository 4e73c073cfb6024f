// Command simulate drives the engine in-process from several producer
// goroutines and prints the resulting books.
package main

import (
	"context"
	"fmt"
	"math/rand"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/pflag"

	"meridian/internal/common"
	"meridian/internal/dispatch"
	"meridian/internal/engine"
)

func main() {
	var (
		symbols   = pflag.StringSlice("symbols", []string{"AAPL", "MSFT", "GOOG", "AMZN"}, "symbols to trade")
		orders    = pflag.Int("orders", 100_000, "orders to submit in total")
		producers = pflag.Int("producers", 8, "concurrent producer goroutines")
		workers   = pflag.Int("workers", 4, "matching workers")
		levels    = pflag.Int("levels", 5, "depth levels to print")
		seed      = pflag.Int64("seed", time.Now().UnixNano(), "random seed")
		verbose   = pflag.BoolP("verbose", "v", false, "log every trade")
	)
	pflag.Parse()

	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	zerolog.SetGlobalLevel(zerolog.InfoLevel)
	if *verbose {
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	}

	cfg := engine.DefaultConfig()
	cfg.Workers = *workers
	eng, err := engine.New(cfg)
	if err != nil {
		log.Fatal().Err(err).Msg("unable to build engine")
	}
	if *verbose {
		eng.RegisterObserver(dispatch.LogObserver{Level: zerolog.DebugLevel})
	}
	if err := eng.Start(); err != nil {
		log.Fatal().Err(err).Msg("unable to start engine")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		for {
			if _, err := eng.NextTrade(ctx); err != nil {
				return
			}
		}
	}()

	start := time.Now()
	var wg sync.WaitGroup
	for p := 0; p < *producers; p++ {
		wg.Add(1)
		go func(p int) {
			defer wg.Done()
			rng := rand.New(rand.NewSource(*seed + int64(p)))
			for i := p; i < *orders; i += *producers {
				if _, err := eng.SubmitWait(ctx, randomOrder(rng, *symbols)); err != nil {
					log.Error().Err(err).Int("producer", p).Msg("submit failed")
					return
				}
			}
		}(p)
	}
	wg.Wait()

	if err := eng.WaitIdle(ctx); err != nil {
		log.Error().Err(err).Msg("wait idle")
	}
	elapsed := time.Since(start)

	stopCtx, stopCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer stopCancel()
	if err := eng.Stop(stopCtx); err != nil {
		log.Error().Err(err).Msg("stop")
	}

	stats := eng.Stats()
	fmt.Printf("%d orders in %v (%.0f orders/s), %d trades, %d rejected, %d resting\n",
		stats.OrdersProcessed, elapsed.Round(time.Millisecond),
		float64(stats.OrdersProcessed)/elapsed.Seconds(),
		stats.TradesExecuted, stats.OrdersRejected, stats.RestingOrders)
	for _, symbol := range eng.Symbols() {
		printDepth(eng.Depth(symbol, *levels))
	}
}

// randomOrder quotes around 100 with a slight tilt so both sides trade.
func randomOrder(rng *rand.Rand, symbols []string) common.Order {
	side := common.Side(rng.Intn(2))
	offset := common.Price(rng.Intn(200)) * (common.PriceScale / 100)
	price := 100*common.PriceScale - offset + common.PriceScale
	if side == common.Sell {
		price = 100*common.PriceScale + offset - common.PriceScale
	}
	o := common.Order{
		Symbol:   symbols[rng.Intn(len(symbols))],
		Type:     common.LimitOrder,
		Side:     side,
		Price:    price,
		Quantity: common.Quantity(1+rng.Intn(100)) * common.QuantityScale,
		Owner:    fmt.Sprintf("trader-%d", rng.Intn(16)),
	}
	if rng.Intn(20) == 0 {
		o.Type = common.MarketOrder
		o.Price = 0
	}
	return o
}

func printDepth(d common.Depth) {
	fmt.Printf("\n%s\n%s\n", d.Symbol, strings.Repeat("-", 34))
	for i := len(d.Asks) - 1; i >= 0; i-- {
		fmt.Printf("%16s %10v  ask\n", d.Asks[i].Quantity, d.Asks[i].Price)
	}
	for _, b := range d.Bids {
		fmt.Printf("%16s %10v  bid\n", b.Quantity, b.Price)
	}
}
