package main

import (
	"context"
	"encoding/csv"
	"flag"
	"fmt"
	"math"
	"os"
	"strconv"
	"time"

	jsoniter "github.com/json-iterator/go"
	"go.uber.org/zap"

	"github.com/vitos/algo_trade_bot/internal/config"
	"github.com/vitos/algo_trade_bot/internal/domain"
	"github.com/vitos/algo_trade_bot/internal/infrastructure/logger"
	"github.com/vitos/algo_trade_bot/internal/usecase"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

func main() {
	configPath := flag.String("config", "config/config.yaml", "path to the YAML configuration")
	dataPath := flag.String("data", "", "CSV with columns: timestamp,open,high,low,close,volume")
	symbol := flag.String("symbol", "", "symbol the data belongs to")
	slippageBps := flag.Float64("slippage-bps", 0, "adverse slippage per fill, in basis points")
	tradesOut := flag.String("trades-out", "", "optional JSON file for the trade list")
	flag.Parse()

	if *dataPath == "" || *symbol == "" {
		fmt.Println("both -data and -symbol are required")
		os.Exit(1)
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Printf("Failed to load config: %v\n", err)
		os.Exit(1)
	}

	log, err := logger.NewLogger(cfg.Logging.Level)
	if err != nil {
		fmt.Printf("Failed to init logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()

	series, err := loadCSV(*dataPath, *symbol, cfg.Timeframe)
	if err != nil {
		log.Fatal("Failed to load candle data", zap.Error(err))
	}
	log.Info("candles loaded", zap.String("symbol", *symbol), zap.Int("bars", len(series)))

	slip := usecase.NoSlippage
	if *slippageBps > 0 {
		slip = usecase.FractionalSlippage(*slippageBps / 10000)
	}

	engine := usecase.NewBacktestEngine(cfg, slip, log)
	report, err := engine.Run(context.Background(), *symbol, series)
	if err != nil {
		log.Fatal("Backtest failed", zap.Error(err))
	}

	printReport(report)

	if *tradesOut != "" {
		data, err := json.MarshalIndent(report.Trades, "", "  ")
		if err != nil {
			log.Fatal("Failed to encode trades", zap.Error(err))
		}
		if err := os.WriteFile(*tradesOut, data, 0o644); err != nil {
			log.Fatal("Failed to write trades file", zap.Error(err))
		}
		log.Info("trades written", zap.String("path", *tradesOut))
	}
}

func loadCSV(path, symbol, timeframe string) ([]domain.Candle, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	reader := csv.NewReader(f)
	rows, err := reader.ReadAll()
	if err != nil {
		return nil, err
	}

	var series []domain.Candle
	for i, row := range rows {
		if len(row) < 6 {
			return nil, fmt.Errorf("row %d: want 6 columns, got %d", i+1, len(row))
		}
		// Skip a header row.
		if i == 0 {
			if _, err := strconv.ParseFloat(row[1], 64); err != nil {
				continue
			}
		}
		c := domain.Candle{Symbol: symbol, Timeframe: timeframe}
		c.OpenTime, err = parseTimestamp(row[0])
		if err != nil {
			return nil, fmt.Errorf("row %d: %w", i+1, err)
		}
		if c.Open, err = strconv.ParseFloat(row[1], 64); err != nil {
			return nil, fmt.Errorf("row %d: %w", i+1, err)
		}
		if c.High, err = strconv.ParseFloat(row[2], 64); err != nil {
			return nil, fmt.Errorf("row %d: %w", i+1, err)
		}
		if c.Low, err = strconv.ParseFloat(row[3], 64); err != nil {
			return nil, fmt.Errorf("row %d: %w", i+1, err)
		}
		if c.Close, err = strconv.ParseFloat(row[4], 64); err != nil {
			return nil, fmt.Errorf("row %d: %w", i+1, err)
		}
		if c.Volume, err = strconv.ParseFloat(row[5], 64); err != nil {
			return nil, fmt.Errorf("row %d: %w", i+1, err)
		}
		series = append(series, c)
	}
	return series, domain.ValidateSeries(series)
}

// parseTimestamp accepts unix seconds, unix millis or RFC 3339.
func parseTimestamp(s string) (time.Time, error) {
	if n, err := strconv.ParseInt(s, 10, 64); err == nil {
		if n > 1e12 {
			return time.UnixMilli(n).UTC(), nil
		}
		return time.Unix(n, 0).UTC(), nil
	}
	return time.Parse(time.RFC3339, s)
}

func printReport(r *usecase.BacktestReport) {
	fmt.Printf("\nBacktest: %s over %d bars\n", r.Symbol, r.Bars)
	fmt.Println("--------------------------------------------")
	fmt.Printf("Initial equity:   %12.2f\n", r.InitialEquity)
	fmt.Printf("Final equity:     %12.2f\n", r.FinalEquity)
	fmt.Printf("Total return:     %11.2f%%\n", r.TotalReturn)
	fmt.Printf("Max drawdown:     %11.2f%%\n", r.MaxDrawdown)
	fmt.Printf("Trades:           %12d\n", r.TotalTrades)
	fmt.Printf("Winners/losers:   %6d/%5d\n", r.WinningTrades, r.LosingTrades)
	fmt.Printf("Win rate:         %11.2f%%\n", r.WinRate)
	fmt.Printf("Avg win:          %12.2f\n", r.AvgWin)
	fmt.Printf("Avg loss:         %12.2f\n", r.AvgLoss)
	if math.IsInf(r.ProfitFactor, 1) {
		fmt.Printf("Profit factor:            inf\n")
	} else {
		fmt.Printf("Profit factor:    %12.2f\n", r.ProfitFactor)
	}
	fmt.Println()
}
