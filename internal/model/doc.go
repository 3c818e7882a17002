// Package model defines the core domain types shared by every runner:
// contract specifications, market rows, data-quality flags, and the
// closed vocabularies they draw from.
//
// Identity rules:
//   - ContractSpec identity is the broker-assigned conid; once observed,
//     its (symbol, expiry, strike, right) never changes.
//   - MarketRow identity is (trade_date, conid, sample_time) for intraday
//     views and (trade_date, conid) for daily views.
package model
