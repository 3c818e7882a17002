package snapshot

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/optlake/optlake/internal/ibgate"
	"github.com/optlake/optlake/internal/model"
	"github.com/optlake/optlake/internal/ratelimit"
)

// QualifyStock resolves the underlying stock contract for a symbol. A
// pre-known conid from the universe file skips nothing: the broker still
// confirms it, but the hint disambiguates dual-listed names.
func QualifyStock(ctx context.Context, gw ibgate.Gateway, bucket *ratelimit.Bucket, symbol string, conidHint *int64) (model.ContractSpec, error) {
	spec := model.ContractSpec{
		Symbol:   symbol,
		Exchange: "SMART",
		Currency: "USD",
		SecType:  "STK",
	}
	if conidHint != nil {
		spec.Conid = *conidHint
	}

	if err := bucket.Wait(ctx); err != nil {
		return model.ContractSpec{}, err
	}
	got, err := gw.QualifyContracts(ctx, []model.ContractSpec{spec})
	if err != nil {
		return model.ContractSpec{}, fmt.Errorf("qualify stock %s: %w", symbol, err)
	}
	if len(got) == 0 {
		return model.ContractSpec{}, fmt.Errorf("stock %s did not qualify", symbol)
	}
	return got[0], nil
}

// ReferencePrice fetches the underlying's daily close for tradeDate,
// walking up to lookbackDays calendar days backward when the close is
// missing or invalid (NaN or <= 0).
func ReferencePrice(ctx context.Context, gw ibgate.Gateway, bucket *ratelimit.Bucket, stock model.ContractSpec, tradeDate time.Time, lookbackDays int) (float64, error) {
	if lookbackDays <= 0 {
		lookbackDays = 3
	}

	var lastErr error
	for back := 0; back <= lookbackDays; back++ {
		d := tradeDate.AddDate(0, 0, -back)
		end := time.Date(d.Year(), d.Month(), d.Day(), 23, 59, 59, 0, time.UTC)

		if err := bucket.Wait(ctx); err != nil {
			return 0, err
		}
		bars, err := gw.HistoricalBars(ctx, ibgate.HistoricalRequest{
			Contract:    stock,
			EndDateTime: end,
			Duration:    "1 D",
			BarSize:     "1 day",
			WhatToShow:  "TRADES",
			UseRTH:      true,
		})
		if err != nil {
			lastErr = err
			continue
		}

		for i := len(bars) - 1; i >= 0; i-- {
			c := bars[i].Close
			if !math.IsNaN(c) && c > 0 {
				return c, nil
			}
		}
		lastErr = fmt.Errorf("no valid close for %s on %s", stock.Symbol, d.Format("2006-01-02"))
	}
	return 0, fmt.Errorf("reference price %s: %w", stock.Symbol, lastErr)
}
