package ibgate

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/optlake/optlake/internal/model"
)

func testClient(t *testing.T, handler http.Handler) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return NewClient("localhost", 4001,
		WithBaseURL(srv.URL),
		WithHTTPClient(srv.Client()),
		WithRetries(2, 10*time.Millisecond),
	)
}

func TestDoWithRetryRecoversFrom500(t *testing.T) {
	var calls atomic.Int32
	client := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		w.Write([]byte(`{"ok":true}`))
	}))

	var resp struct {
		OK bool `json:"ok"`
	}
	if err := client.get(context.Background(), "/test", nil, &resp); err != nil {
		t.Fatalf("get: %v", err)
	}
	if !resp.OK {
		t.Error("expected ok response after retries")
	}
	if got := calls.Load(); got != 3 {
		t.Errorf("expected 3 calls, got %d", got)
	}
}

func TestDoWithRetryStopsOnClientError(t *testing.T) {
	var calls atomic.Int32
	client := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusBadRequest)
	}))

	var resp struct{}
	err := client.get(context.Background(), "/test", nil, &resp)
	if err == nil {
		t.Fatal("expected error")
	}
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("expected APIError, got %T", err)
	}
	if apiErr.StatusCode != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", apiErr.StatusCode)
	}
	if got := calls.Load(); got != 1 {
		t.Errorf("expected single call for non-retryable error, got %d", got)
	}
}

func TestQualifyContractsDropsUnresolved(t *testing.T) {
	client := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/iserver/secdef/qualify" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		json.NewEncoder(w).Encode(qualifyResponse{Contracts: []secdefContract{
			{Conid: 111, Symbol: "SPY", MaturityDate: "2026-09-18", Strike: 650, Right: "C", SecType: "OPT"},
			{Conid: 0, Symbol: "SPY", MaturityDate: "2026-09-18", Strike: 9999, Right: "C", SecType: "OPT"},
		}})
	}))
	portal := NewPortal(client, nil)

	specs := []model.ContractSpec{
		{Symbol: "SPY", Expiry: "2026-09-18", Strike: 650, Right: model.RightCall, SecType: "OPT"},
		{Symbol: "SPY", Expiry: "2026-09-18", Strike: 9999, Right: model.RightCall, SecType: "OPT"},
	}
	out, err := portal.QualifyContracts(context.Background(), specs)
	if err != nil {
		t.Fatalf("qualify: %v", err)
	}
	if len(out) != 1 {
		t.Fatalf("expected 1 qualified contract, got %d", len(out))
	}
	if out[0].Conid != 111 {
		t.Errorf("conid = %d, want 111", out[0].Conid)
	}
}

func TestHistoricalBarsInBandError(t *testing.T) {
	client := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"error":{"code":162,"message":"Historical Market Data Service error message:too much data"}}`))
	}))
	portal := NewPortal(client, nil)

	_, err := portal.HistoricalBars(context.Background(), HistoricalRequest{
		Contract: model.ContractSpec{Conid: 1},
		Duration: "1 Y",
		BarSize:  "1 min",
	})
	if err == nil {
		t.Fatal("expected error")
	}
	var ge *GatewayError
	if !errors.As(err, &ge) {
		t.Fatalf("expected GatewayError, got %T: %v", err, err)
	}
	if ge.Code != 162 {
		t.Errorf("code = %d, want 162", ge.Code)
	}
	if Classify(err) != KindDurationLimit {
		t.Errorf("Classify = %s, want %s", Classify(err), KindDurationLimit)
	}
}

func TestHistoricalBarsDecodesRows(t *testing.T) {
	client := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		if q.Get("conid") != "42" {
			t.Errorf("conid = %s, want 42", q.Get("conid"))
		}
		if q.Get("period") != "2 D" {
			t.Errorf("period = %s, want 2 D", q.Get("period"))
		}
		w.Write([]byte(`{"data":[
			{"t":1756386000000,"o":1.1,"h":1.3,"l":1.0,"c":1.2,"v":500,"w":1.15,"n":12},
			{"t":1756386060000,"o":1.2,"h":1.4,"l":1.1,"c":1.3,"v":300}
		]}`))
	}))
	portal := NewPortal(client, nil)

	bars, err := portal.HistoricalBars(context.Background(), HistoricalRequest{
		Contract:   model.ContractSpec{Conid: 42},
		Duration:   "2 D",
		BarSize:    "1 min",
		WhatToShow: "TRADES",
		UseRTH:     true,
	})
	if err != nil {
		t.Fatalf("bars: %v", err)
	}
	if len(bars) != 2 {
		t.Fatalf("expected 2 bars, got %d", len(bars))
	}
	if bars[0].Close != 1.2 {
		t.Errorf("close = %v, want 1.2", bars[0].Close)
	}
	if bars[0].WAP == nil || *bars[0].WAP != 1.15 {
		t.Errorf("wap = %v, want 1.15", bars[0].WAP)
	}
	if bars[1].WAP != nil {
		t.Error("second bar should have no wap")
	}
	if !bars[0].TS.Before(bars[1].TS) {
		t.Error("bars out of order")
	}
}

func TestClassify(t *testing.T) {
	cases := []struct {
		err  error
		want ErrorKind
	}{
		{&GatewayError{Code: 162, Message: "whatever"}, KindDurationLimit},
		{&GatewayError{Code: 0, Message: "query returned too much data"}, KindDurationLimit},
		{&GatewayError{Code: 1100, Message: "connectivity lost"}, KindTimeout},
		{&GatewayError{Code: 0, Message: "pacing violation"}, KindPacing},
		{&GatewayError{Code: 0, Message: "HMDS query returned no data"}, KindNoData},
		{&GatewayError{Code: 200, Message: "no security definition"}, KindOther},
		{context.DeadlineExceeded, KindTimeout},
		{errors.New("boom"), KindOther},
	}
	for _, tc := range cases {
		if got := Classify(tc.err); got != tc.want {
			t.Errorf("Classify(%v) = %s, want %s", tc.err, got, tc.want)
		}
	}
}
