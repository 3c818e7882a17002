package ibgate

import (
	"encoding/json"
	"testing"

	"github.com/optlake/optlake/internal/model"
)

func newTestStream() *StreamConn {
	return NewStreamConn(DefaultStreamConfig("wss://localhost:4001/v1/api/ws"), nil)
}

func TestHandleFrameFoldsFields(t *testing.T) {
	s := newTestStream()

	s.handleFrame([]byte(`{"topic":"smd+265598","_updated":1756386000000,"84":"648.10","86":"648.15","31":"648.12","87":"1.2M","6509":"RpB"}`))
	s.handleFrame([]byte(`{"topic":"smd+265598","7283":0.182,"7308":"0.55"}`))

	q, ok := s.quotes[265598]
	if !ok {
		t.Fatal("quote not recorded")
	}
	if q.Bid == nil || *q.Bid != 648.10 {
		t.Errorf("bid = %v, want 648.10", q.Bid)
	}
	if q.Ask == nil || *q.Ask != 648.15 {
		t.Errorf("ask = %v, want 648.15", q.Ask)
	}
	if q.IV == nil || *q.IV != 0.182 {
		t.Errorf("iv = %v, want 0.182", q.IV)
	}
	if q.Delta == nil || *q.Delta != 0.55 {
		t.Errorf("delta = %v, want 0.55", q.Delta)
	}
	if q.MarketDataType != model.MarketDataLive {
		t.Errorf("mdt = %d, want live", q.MarketDataType)
	}
	if q.ServerTime.IsZero() {
		t.Error("server time not set")
	}
	if !q.PriceReady() {
		t.Error("quote with bid and ask should be price-ready")
	}
}

func TestHandleFrameIgnoresOtherTopics(t *testing.T) {
	s := newTestStream()
	s.handleFrame([]byte(`{"topic":"system","hb":1756386000000}`))
	s.handleFrame([]byte(`{"topic":"sts","args":{"authenticated":true}}`))
	s.handleFrame([]byte(`not json`))
	if len(s.quotes) != 0 {
		t.Errorf("expected no quotes, got %d", len(s.quotes))
	}
}

func TestParseStreamFloat(t *testing.T) {
	cases := []struct {
		raw  string
		want float64
		ok   bool
	}{
		{`1.25`, 1.25, true},
		{`"1.25"`, 1.25, true},
		{`"1,250.5"`, 1250.5, true},
		{`"N/A"`, 0, false},
		{`""`, 0, false},
		{`true`, 0, false},
	}
	for _, tc := range cases {
		got, ok := parseStreamFloat(json.RawMessage(tc.raw))
		if ok != tc.ok || got != tc.want {
			t.Errorf("parseStreamFloat(%s) = %v,%v want %v,%v", tc.raw, got, ok, tc.want, tc.ok)
		}
	}
}

func TestAvailabilityToType(t *testing.T) {
	cases := map[string]model.MarketDataType{
		"RpB": model.MarketDataLive,
		"Z":   model.MarketDataFrozen,
		"DpB": model.MarketDataDelayed,
		"Y":   model.MarketDataDelayedFrozen,
	}
	for avail, want := range cases {
		if got := availabilityToType(avail); got != want {
			t.Errorf("availabilityToType(%q) = %d, want %d", avail, got, want)
		}
	}
}

func TestFieldsForGenericTicks(t *testing.T) {
	fields := fieldsFor("100,101,106")
	has := func(f string) bool {
		for _, x := range fields {
			if x == f {
				return true
			}
		}
		return false
	}
	if !has(fieldOpenInterest) || !has(fieldCallOI) || !has(fieldPutOI) {
		t.Error("tick 101 should request open-interest fields")
	}
	if !has(fieldIV) || !has(fieldVega) {
		t.Error("tick 106 should request greek fields")
	}
	if !has(fieldBid) || !has(fieldAsk) || !has(fieldAvailability) {
		t.Error("base fields missing")
	}
}

func TestSubscriptionQuotesFiltersConids(t *testing.T) {
	s := newTestStream()
	s.handleFrame([]byte(`{"topic":"smd+1","31":"10"}`))
	s.handleFrame([]byte(`{"topic":"smd+2","31":"20"}`))

	sub := &streamSubscription{stream: s, conids: []int64{1}}
	quotes := sub.Quotes()
	if len(quotes) != 1 {
		t.Fatalf("expected 1 quote, got %d", len(quotes))
	}
	if _, ok := quotes[2]; ok {
		t.Error("subscription leaked conid outside its set")
	}
}
