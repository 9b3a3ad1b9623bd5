// Package downloader fetches historical candles from Binance and caches them
// as CSV files, which the sandbox gateway replays.
package downloader

import (
	"context"
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/adshao/go-binance/v2"

	"adaptive-grid-bot-go/internal/logger"
	"adaptive-grid-bot-go/internal/models"
)

var csvHeader = []string{"open_time", "open", "high", "low", "close", "volume"}

// KlineDownloader pulls candle history through Binance's public kline API.
type KlineDownloader struct {
	client *binance.Client
}

// NewKlineDownloader returns a downloader. Klines are public data, no key
// needed.
func NewKlineDownloader() *KlineDownloader {
	return &KlineDownloader{client: binance.NewClient("", "")}
}

// DownloadKlines fetches candles for [startTime, endTime) at the given
// interval and writes them to filePath. An existing file is treated as a
// cache and left untouched.
func (d *KlineDownloader) DownloadKlines(ctx context.Context, symbol, interval, filePath string, startTime, endTime time.Time) error {
	if _, err := os.Stat(filePath); err == nil {
		logger.S().Infow("using cached candle data", "file", filePath)
		return nil
	}

	logger.S().Infow("downloading candle data",
		"symbol", symbol, "interval", interval,
		"start", startTime.Format("2006-01-02"), "end", endTime.Format("2006-01-02"))

	if err := os.MkdirAll(filepath.Dir(filePath), 0o755); err != nil {
		return fmt.Errorf("create data directory: %w", err)
	}
	file, err := os.Create(filePath)
	if err != nil {
		return fmt.Errorf("create %s: %w", filePath, err)
	}
	defer file.Close()

	writer := csv.NewWriter(file)
	defer writer.Flush()

	if err := writer.Write(csvHeader); err != nil {
		return fmt.Errorf("write csv header: %w", err)
	}

	for t := startTime; t.Before(endTime); {
		klines, err := d.client.NewKlinesService().
			Symbol(symbol).
			Interval(interval).
			StartTime(t.UnixMilli()).
			EndTime(endTime.UnixMilli()).
			Limit(1000).
			Do(ctx)
		if err != nil {
			return fmt.Errorf("fetch klines: %w", err)
		}
		if len(klines) == 0 {
			break
		}

		for _, k := range klines {
			record := []string{
				strconv.FormatInt(k.OpenTime, 10),
				k.Open, k.High, k.Low, k.Close, k.Volume,
			}
			if err := writer.Write(record); err != nil {
				return fmt.Errorf("write csv record: %w", err)
			}
		}

		t = time.UnixMilli(klines[len(klines)-1].CloseTime + 1)
		logger.S().Debugw("downloaded chunk", "until", t.Format("2006-01-02 15:04:05"))

		// Stay well inside the public rate limit.
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(200 * time.Millisecond):
		}
	}

	logger.S().Infow("candle data saved", "file", filePath)
	return nil
}

// LoadCandlesCSV reads a candle file written by DownloadKlines into the
// ascending-time slice the sandbox gateway replays.
func LoadCandlesCSV(filePath string) ([]models.Candle, error) {
	file, err := os.Open(filePath)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", filePath, err)
	}
	defer file.Close()

	reader := csv.NewReader(file)
	if _, err := reader.Read(); err != nil { // header
		return nil, fmt.Errorf("read csv header: %w", err)
	}

	var candles []models.Candle
	for {
		record, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("read csv record: %w", err)
		}
		if len(record) < 5 {
			return nil, fmt.Errorf("malformed csv record: %v", record)
		}

		openTime, err := strconv.ParseInt(record[0], 10, 64)
		if err != nil {
			return nil, fmt.Errorf("parse open_time %q: %w", record[0], err)
		}
		var ohlc [4]float64
		for i := 0; i < 4; i++ {
			ohlc[i], err = strconv.ParseFloat(record[i+1], 64)
			if err != nil {
				return nil, fmt.Errorf("parse field %q: %w", record[i+1], err)
			}
		}

		candles = append(candles, models.Candle{
			Open: ohlc[0], High: ohlc[1], Low: ohlc[2], Close: ohlc[3],
			Timestamp: time.UnixMilli(openTime),
		})
	}
	return candles, nil
}
