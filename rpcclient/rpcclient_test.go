package rpcclient

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/tos-network/bridgevalidator/common"
)

func serverReturning(t *testing.T, result interface{}) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req request
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Fatalf("server: decode request: %v", err)
		}
		raw, err := json.Marshal(result)
		if err != nil {
			t.Fatalf("server: marshal result: %v", err)
		}
		resp := response{ID: req.ID, Result: raw}
		json.NewEncoder(w).Encode(resp)
	}))
}

func TestLatestBlockHeight(t *testing.T) {
	srv := serverReturning(t, uint64(42))
	defer srv.Close()

	c := Dial(srv.URL)
	height, err := c.LatestBlockHeight(context.Background())
	if err != nil {
		t.Fatalf("LatestBlockHeight: %v", err)
	}
	if height != 42 {
		t.Fatalf("height = %d, want 42", height)
	}
}

func TestScanEventsDecodesAmountAndAddresses(t *testing.T) {
	srv := serverReturning(t, []rawEvent{{
		Direction:         1,
		Amount:            "1000000",
		Sender:            "0x000000000000000000000000000000000000aa",
		Recipient:         "0x000000000000000000000000000000000000bb",
		Nonce:             7,
		SourceBlockHeight: 100,
		SourceLogIndex:    2,
	}})
	defer srv.Close()

	c := Dial(srv.URL)
	events, err := c.ScanEvents(context.Background(), 90, 100)
	if err != nil {
		t.Fatalf("ScanEvents: %v", err)
	}
	if len(events) != 1 {
		t.Fatalf("len(events) = %d, want 1", len(events))
	}
	if events[0].Amount.String() != "1000000" {
		t.Fatalf("amount = %s, want 1000000", events[0].Amount.String())
	}
	if events[0].Nonce != 7 {
		t.Fatalf("nonce = %d, want 7", events[0].Nonce)
	}
}

func TestCallContextPropagatesRPCError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req request
		json.NewDecoder(r.Body).Decode(&req)
		resp := response{ID: req.ID, Error: &rpcError{Code: -32000, Message: "boom"}}
		json.NewEncoder(w).Encode(resp)
	}))
	defer srv.Close()

	c := Dial(srv.URL)
	var out uint64
	err := c.CallContext(context.Background(), &out, "bridge_latestBlockHeight")
	if err == nil {
		t.Fatal("expected error")
	}
}

func TestConfirmations(t *testing.T) {
	srv := serverReturning(t, map[string]interface{}{"confirmations": 3, "included": true})
	defer srv.Close()

	c := Dial(srv.URL)
	n, included, err := c.Confirmations(context.Background(), common.Hash{})
	if err != nil {
		t.Fatalf("Confirmations: %v", err)
	}
	if !included || n != 3 {
		t.Fatalf("got n=%d included=%v, want 3/true", n, included)
	}
}
