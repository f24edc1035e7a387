package transport

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"offercast/internal/offer"
	logx "offercast/pkg/logx"
)

func TestPollNearbyOffersDecodesListing(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/offers/nearby" || r.Method != http.MethodPost {
			t.Errorf("unexpected request: %s %s", r.Method, r.URL.Path)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer sekrit" {
			t.Errorf("Authorization = %q", got)
		}
		var req PollRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("decode request: %v", err)
		}
		if req.Latitude != 52.52 || len(req.AlreadyDelivered) != 1 {
			t.Errorf("request = %+v", req)
		}
		_ = json.NewEncoder(w).Encode(pollResponse{Listing: &offer.Listing{
			Offers: []offer.Offer{{ScheduleID: 11}},
		}})
	}))
	defer srv.Close()

	c, err := NewHTTP(Config{BaseURL: srv.URL, Token: "sekrit"}, logx.Nop())
	if err != nil {
		t.Fatalf("NewHTTP: %v", err)
	}
	l, ok, err := c.PollNearbyOffers(context.Background(), PollRequest{
		Latitude: 52.52, Longitude: 13.405,
		AlreadyDelivered: []offer.Delivery{{ScheduleID: 3, ClientCouponHash: "h"}},
	})
	if err != nil || !ok {
		t.Fatalf("PollNearbyOffers = (ok=%v, err=%v)", ok, err)
	}
	if len(l.Offers) != 1 || l.Offers[0].ScheduleID != 11 {
		t.Fatalf("listing = %+v", l)
	}
}

func TestPollNearbyOffersNoData(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{}`))
	}))
	defer srv.Close()

	c, _ := NewHTTP(Config{BaseURL: srv.URL}, logx.Nop())
	_, ok, err := c.PollNearbyOffers(context.Background(), PollRequest{})
	if err != nil {
		t.Fatalf("PollNearbyOffers: %v", err)
	}
	if ok {
		t.Fatal("empty body must report no data")
	}
}

func TestServerErrorIsUnavailable(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusBadGateway)
	}))
	defer srv.Close()

	c, _ := NewHTTP(Config{BaseURL: srv.URL}, logx.Nop())
	if err := c.TrackEvent(context.Background(), offer.TrackingEvent{ID: "e1"}); !errors.Is(err, ErrUnavailable) {
		t.Fatalf("err = %v, want ErrUnavailable", err)
	}
}

func TestCancellationIsDistinguished(t *testing.T) {
	t.Parallel()
	block := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-block
	}))
	defer srv.Close()
	defer close(block)

	c, _ := NewHTTP(Config{BaseURL: srv.URL}, logx.Nop())
	ctx, cancel := context.WithCancel(context.Background())
	go cancel()
	_, _, err := c.PollNearbyOffers(ctx, PollRequest{})
	if err == nil {
		t.Fatal("expected error from cancelled poll")
	}
	if !IsCancelled(err) {
		t.Fatalf("err = %v, want cancellation", err)
	}
	if errors.Is(err, ErrUnavailable) {
		t.Fatal("cancellation must not look like a transport failure")
	}
}
