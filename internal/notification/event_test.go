package notification

import (
	"errors"
	"testing"
)

func TestParse_TopLevelFields(t *testing.T) {
	ev, err := Parse([]byte(`{"id":"evt_1","checkoutSessionId":"sess_abc","referenceId":"ref-1","status":"PAID"}`), ChannelWebhook)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if ev.SessionID != "sess_abc" || ev.ReferenceID != "ref-1" || ev.Outcome != "PAID" || ev.MessageID != "evt_1" {
		t.Fatalf("unexpected event %+v", ev)
	}
	if ev.Channel != ChannelWebhook {
		t.Fatalf("expected webhook channel, got %s", ev.Channel)
	}
}

func TestParse_NestedAndCaseInsensitive(t *testing.T) {
	raw := `{"type":"checkout.completed","payload":{"CheckoutSessionID":"sess_n","order":{"OrderId":"ref-9","Result":"Approved"}}}`
	ev, err := Parse([]byte(raw), ChannelQueue)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if ev.SessionID != "sess_n" || ev.ReferenceID != "ref-9" || ev.Outcome != "Approved" {
		t.Fatalf("unexpected event %+v", ev)
	}
}

func TestParse_ShallowestMatchWins(t *testing.T) {
	raw := `{"payment":{"status":"DECLINED"},"status":"PAID"}`
	ev, _ := Parse([]byte(raw), ChannelWebhook)
	if ev.Outcome != "PAID" {
		t.Fatalf("expected shallow status to win, got %q", ev.Outcome)
	}
}

func TestParse_EarlierAliasWinsAtEqualDepth(t *testing.T) {
	ev, _ := Parse([]byte(`{"status":"PENDING","result":"SETTLED","orderId":"o-1","referenceId":"r-1"}`), ChannelWebhook)
	if ev.Outcome != "SETTLED" {
		t.Fatalf("expected result over status, got %q", ev.Outcome)
	}
	if ev.ReferenceID != "r-1" {
		t.Fatalf("expected referenceId over orderId, got %q", ev.ReferenceID)
	}
}

func TestParse_SmallestPathBreaksRemainingTies(t *testing.T) {
	raw := `{"b":{"status":"FROM_B"},"a":{"status":"FROM_A"}}`
	ev, _ := Parse([]byte(raw), ChannelWebhook)
	if ev.Outcome != "FROM_A" {
		t.Fatalf("expected a.status, got %q", ev.Outcome)
	}
}

func TestParse_OnlyScalarsMatch(t *testing.T) {
	raw := `{"data":{"object":{"checkoutSessionId":"sess_deep"}},"status":{"code":"x"},"events":[{"status":"COMPLETE"}],"amount":100}`
	ev, _ := Parse([]byte(raw), ChannelWebhook)
	if ev.SessionID != "sess_deep" {
		t.Fatalf("expected object-valued data to be descended, got %q", ev.SessionID)
	}
	if ev.Outcome != "COMPLETE" {
		t.Fatalf("expected outcome from array element, got %q", ev.Outcome)
	}
}

func TestParse_NumbersKeepTheirText(t *testing.T) {
	ev, _ := Parse([]byte(`{"referenceId":12345678901234567890,"data":"sess_1"}`), ChannelWebhook)
	if ev.ReferenceID != "12345678901234567890" || ev.SessionID != "sess_1" {
		t.Fatalf("unexpected event %+v", ev)
	}
}

func TestParse_Malformed(t *testing.T) {
	for _, raw := range []string{``, `{`, `{"a":1} trailing`, `not json`} {
		if _, err := Parse([]byte(raw), ChannelQueue); !errors.Is(err, ErrMalformed) {
			t.Fatalf("%q: expected ErrMalformed, got %v", raw, err)
		}
	}
}
