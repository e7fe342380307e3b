package delivery

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/atendai/atendai/internal/convo"
)

var key = convo.Key{Instance: "shop-a", Address: "5511999@c.us"}

func TestFingerprintNormalizesContent(t *testing.T) {
	a := Fingerprint("t1", key, "Where is  my order?")
	b := Fingerprint("t1", key, "where is my ORDER?")
	if a != b {
		t.Errorf("normalized variants differ:\n%s\n%s", a, b)
	}
}

func TestFingerprintScoping(t *testing.T) {
	base := Fingerprint("t1", key, "hello")
	tests := []struct {
		name string
		fp   string
	}{
		{"different tenant", Fingerprint("t2", key, "hello")},
		{"different address", Fingerprint("t1", convo.Key{Instance: "shop-a", Address: "other"}, "hello")},
		{"different instance", Fingerprint("t1", convo.Key{Instance: "shop-b", Address: key.Address}, "hello")},
		{"different content", Fingerprint("t1", key, "goodbye")},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.fp == base {
				t.Error("fingerprint collision")
			}
		})
	}
}

func TestSendText(t *testing.T) {
	var gotPath, gotAPIKey string
	var gotBody sendTextRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotAPIKey = r.Header.Get("apikey")
		json.NewDecoder(r.Body).Decode(&gotBody)
		w.WriteHeader(http.StatusCreated)
	}))
	defer srv.Close()

	s := NewSender(srv.URL, "gw-key")
	if err := s.SendText(context.Background(), "shop-a", "5511999@c.us", "your order shipped"); err != nil {
		t.Fatal(err)
	}

	if gotPath != "/message/sendText/shop-a" {
		t.Errorf("path = %s", gotPath)
	}
	if gotAPIKey != "gw-key" {
		t.Errorf("apikey = %s", gotAPIKey)
	}
	if gotBody.Number != "5511999@c.us" || gotBody.Text != "your order shipped" {
		t.Errorf("body = %+v", gotBody)
	}
	if gotBody.Presence != "composing" || gotBody.Delay == 0 {
		t.Errorf("presence options = %+v", gotBody)
	}
}

func TestSendTextGatewayError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "instance disconnected", http.StatusBadGateway)
	}))
	defer srv.Close()

	s := NewSender(srv.URL, "gw-key")
	err := s.SendText(context.Background(), "shop-a", "x", "hi")
	if err == nil {
		t.Fatal("gateway error swallowed")
	}
	if !strings.Contains(err.Error(), "502") {
		t.Errorf("err = %v", err)
	}
}
