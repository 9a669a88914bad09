package gateway

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestIsSessionPaid(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		switch r.URL.Path {
		case "/checkout/sessions/sess_paid":
			_, _ = w.Write([]byte(`{"id":"sess_paid","paymentStatus":"PAID"}`))
		case "/checkout/sessions/sess_open":
			_, _ = w.Write([]byte(`{"id":"sess_open","status":"open"}`))
		case "/checkout/sessions/sess_broken":
			w.WriteHeader(http.StatusBadGateway)
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "")
	cases := []struct {
		session string
		want    bool
		wantErr bool
	}{
		{"sess_paid", true, false},
		{"sess_open", false, false},
		{"sess_missing", false, false},
		{"", false, false},
		{"sess_broken", false, true},
	}
	for _, tc := range cases {
		got, err := c.IsSessionPaid(context.Background(), tc.session)
		if (err != nil) != tc.wantErr {
			t.Fatalf("%s: unexpected error %v", tc.session, err)
		}
		if got != tc.want {
			t.Fatalf("%s: expected %v, got %v", tc.session, tc.want, got)
		}
	}
}
