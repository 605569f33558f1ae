package opsstream

import (
	"encoding/json"
	"log/slog"
	"testing"
)

func testLogger() *slog.Logger { return slog.New(slog.DiscardHandler) }

func TestBroadcastDropsWhenChannelFull(t *testing.T) {
	t.Parallel()

	h := NewHub(testLogger())
	// Do not run h.Run(): the broadcast channel fills and Broadcast must
	// not block even though nothing ever drains it.
	for i := 0; i < 300; i++ {
		h.Broadcast(NewTradeDetectedEvent(map[string]int{"i": i}))
	}
}

func TestNewTradeDetectedEventMarshalsType(t *testing.T) {
	t.Parallel()

	evt := NewTradeDetectedEvent(map[string]string{"tradeId": "t1"})
	data, err := json.Marshal(evt)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var decoded map[string]any
	if err := json.Unmarshal(data, &decoded); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if decoded["type"] != "trade_detected" {
		t.Errorf("type = %v, want trade_detected", decoded["type"])
	}
	if _, ok := decoded["timestamp"]; !ok {
		t.Errorf("expected timestamp field")
	}
}

func TestHubConvenienceMethodsDoNotBlock(t *testing.T) {
	t.Parallel()

	h := NewHub(testLogger())
	go h.Run()

	h.TradeDetected(map[string]string{"tradeId": "t1"})
	h.QuotaDenied(map[string]string{"userId": "u1"})
	h.DeadLetter(map[string]string{"queue": "q1"})
}
