package queue

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/aws/aws-lambda-go/events"

	"github.com/imrishuroy/go-checkout-reconciler/internal/notification"
	"github.com/imrishuroy/go-checkout-reconciler/internal/reconcile"
	"github.com/imrishuroy/go-checkout-reconciler/internal/signature"
)

type recordingDispatcher struct {
	events      []notification.Event
	deliveryIDs []string
	outcome     reconcile.Outcome
	err         error
}

func (d *recordingDispatcher) Dispatch(ctx context.Context, ev notification.Event, deliveryID string) (reconcile.Outcome, error) {
	d.events = append(d.events, ev)
	d.deliveryIDs = append(d.deliveryIDs, deliveryID)
	if d.outcome == "" {
		return reconcile.OutcomeCompleted, d.err
	}
	return d.outcome, d.err
}

type stubVerifier struct {
	result signature.Result
	calls  int
}

func (s *stubVerifier) VerifyEnvelope(ctx context.Context, env *signature.Envelope) signature.Result {
	s.calls++
	return s.result
}

type recordingQuarantine struct {
	bodies []string
	attrs  []map[string]string
}

func (q *recordingQuarantine) Send(ctx context.Context, body string, attrs map[string]string) error {
	q.bodies = append(q.bodies, body)
	q.attrs = append(q.attrs, attrs)
	return nil
}

func snsBody(t *testing.T, msgType, message string) string {
	t.Helper()
	b, err := json.Marshal(signature.Envelope{
		Type:             msgType,
		MessageID:        "sns-msg-1",
		TopicArn:         "arn:aws:sns:us-east-1:123456789012:payments",
		Message:          message,
		Timestamp:        "2026-03-01T12:00:00.000Z",
		SignatureVersion: "1",
		Signature:        "c2ln",
		SigningCertURL:   "https://sns.us-east-1.amazonaws.com/cert.pem",
	})
	if err != nil {
		t.Fatalf("marshal envelope: %v", err)
	}
	return string(b)
}

func TestHandleMessage_DispatchesPlainPayload(t *testing.T) {
	d := &recordingDispatcher{}
	c := NewConsumer(d, nil, nil, nil)

	if err := c.HandleMessage(context.Background(), `{"checkoutSessionId":"sess_abc","status":"PAID"}`, "sqs-1"); err != nil {
		t.Fatalf("HandleMessage: %v", err)
	}
	if len(d.events) != 1 || d.events[0].SessionID != "sess_abc" || d.events[0].Channel != notification.ChannelQueue {
		t.Fatalf("unexpected dispatched events %+v", d.events)
	}
	if d.deliveryIDs[0] != "" {
		t.Fatalf("SQS message id must not be used as delivery id, got %q", d.deliveryIDs[0])
	}
}

func TestHandleMessage_UnparseableIsAcknowledgedAndQuarantined(t *testing.T) {
	d := &recordingDispatcher{}
	q := &recordingQuarantine{}
	c := NewConsumer(d, nil, q, nil)

	if err := c.HandleMessage(context.Background(), `{not json`, "sqs-2"); err != nil {
		t.Fatalf("expected ack for unparseable body, got %v", err)
	}
	if len(d.events) != 0 {
		t.Fatalf("unparseable body must not reach the engine")
	}
	if len(q.bodies) != 1 || q.bodies[0] != `{not json` || q.attrs[0]["SourceMessageId"] != "sqs-2" {
		t.Fatalf("unexpected quarantine %+v %+v", q.bodies, q.attrs)
	}
}

func TestHandleMessage_PropagatesOtherFailures(t *testing.T) {
	d := &recordingDispatcher{outcome: reconcile.OutcomeError, err: errors.New("throttled")}
	c := NewConsumer(d, nil, nil, nil)

	if err := c.HandleMessage(context.Background(), `{"referenceId":"ref-1","status":"PAID"}`, "sqs-3"); err == nil {
		t.Fatalf("expected error to request redelivery")
	}
}

func TestHandleMessage_DeferredOutcomeIsAcknowledged(t *testing.T) {
	d := &recordingDispatcher{outcome: reconcile.OutcomeNotFound}
	c := NewConsumer(d, nil, nil, nil)
	if err := c.HandleMessage(context.Background(), `{"referenceId":"ref-x","status":"PAID"}`, "sqs-4"); err != nil {
		t.Fatalf("expected ack, got %v", err)
	}
}

func TestHandleMessage_UnwrapsVerifiedSNS(t *testing.T) {
	d := &recordingDispatcher{}
	v := &stubVerifier{result: signature.Result{Status: signature.StatusVerified}}
	c := NewConsumer(d, v, nil, nil)

	body := snsBody(t, signature.TypeNotification, `{"checkoutSessionId":"sess_sns","status":"APPROVED"}`)
	if err := c.HandleMessage(context.Background(), body, "sqs-5"); err != nil {
		t.Fatalf("HandleMessage: %v", err)
	}
	if v.calls != 1 {
		t.Fatalf("expected envelope verification")
	}
	if len(d.events) != 1 || d.events[0].SessionID != "sess_sns" || d.deliveryIDs[0] != "sns-msg-1" {
		t.Fatalf("unexpected dispatch %+v %v", d.events, d.deliveryIDs)
	}
}

func TestHandleMessage_RejectedSNSIsAcknowledged(t *testing.T) {
	d := &recordingDispatcher{}
	v := &stubVerifier{result: signature.Result{Status: signature.StatusRejected, Reason: "signature mismatch"}}
	c := NewConsumer(d, v, nil, nil)

	body := snsBody(t, signature.TypeNotification, `{"checkoutSessionId":"sess_sns","status":"PAID"}`)
	if err := c.HandleMessage(context.Background(), body, "sqs-6"); err != nil {
		t.Fatalf("expected ack, got %v", err)
	}
	if len(d.events) != 0 {
		t.Fatalf("rejected envelope must not reach the engine")
	}
}

func TestHandleMessage_IgnoresSNSControlMessages(t *testing.T) {
	d := &recordingDispatcher{}
	v := &stubVerifier{result: signature.Result{Status: signature.StatusVerified}}
	c := NewConsumer(d, v, nil, nil)
	if err := c.HandleMessage(context.Background(), snsBody(t, signature.TypeSubscriptionConfirmation, "confirm"), "sqs-7"); err != nil {
		t.Fatalf("expected ack, got %v", err)
	}
	if len(d.events) != 0 || v.calls != 0 {
		t.Fatalf("control message must not be dispatched")
	}
}

func TestHandle_FirstErrorFailsBatch(t *testing.T) {
	d := &recordingDispatcher{err: errors.New("boom"), outcome: reconcile.OutcomeError}
	c := NewConsumer(d, nil, nil, nil)
	ev := events.SQSEvent{Records: []events.SQSMessage{
		{MessageId: "1", Body: `{"referenceId":"a","status":"PAID"}`},
		{MessageId: "2", Body: `{"referenceId":"b","status":"PAID"}`},
	}}
	if err := c.Handle(context.Background(), ev); err == nil {
		t.Fatalf("expected batch failure")
	}
	if len(d.events) != 1 {
		t.Fatalf("expected processing to stop at the first error, got %d", len(d.events))
	}
}

func TestHandle_AcknowledgesWholeBatch(t *testing.T) {
	d := &recordingDispatcher{}
	c := NewConsumer(d, nil, nil, nil)
	ev := events.SQSEvent{Records: []events.SQSMessage{
		{MessageId: "1", Body: `garbage`},
		{MessageId: "2", Body: `{"referenceId":"b","status":"PAID"}`},
	}}
	if err := c.Handle(context.Background(), ev); err != nil {
		t.Fatalf("Handle: %v", err)
	}
	if len(d.events) != 1 {
		t.Fatalf("expected one dispatched event, got %d", len(d.events))
	}
}
