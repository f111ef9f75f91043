package relay

import (
	"context"
	"crypto/ed25519"
	"testing"
	"time"

	"github.com/duskbeacon/nsite/internal/model"
	"github.com/duskbeacon/nsite/internal/records"
	"github.com/duskbeacon/nsite/internal/relay/relaytest"
)

func signTestRecord(t *testing.T) *records.Record {
	t.Helper()
	pub, priv, err := ed25519.GenerateKey(nil)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	tmpl := records.Template{
		Kind:      records.KindFileAnnounce,
		CreatedAt: 1000,
		Tags:      []records.Tag{{"d", "/index.html"}, {"x", "abc123"}},
	}
	r, err := records.Finalize(pub, priv, tmpl)
	if err != nil {
		t.Fatalf("finalize: %v", err)
	}
	return r
}

func TestPublishAccepted(t *testing.T) {
	srv := relaytest.New(relaytest.AcceptAll)
	defer srv.Close()

	r := signTestRecord(t)
	outcome := Publish(context.Background(), srv.URL, r)
	if outcome.Status != model.RelayAccepted {
		t.Fatalf("want accepted, got %v (%s)", outcome.Status, outcome.Detail)
	}
}

func TestPublishSurfacesNotice(t *testing.T) {
	srv := relaytest.New(relaytest.AcceptAll)
	defer srv.Close()
	srv.SetNotice("relay entering maintenance mode")

	r := signTestRecord(t)
	outcome := Publish(context.Background(), srv.URL, r)
	if outcome.Status != model.RelayAccepted {
		t.Fatalf("want accepted, got %v (%s)", outcome.Status, outcome.Detail)
	}
	if len(outcome.Notices) != 1 || outcome.Notices[0] != "relay entering maintenance mode" {
		t.Fatalf("want one notice surfaced, got %v", outcome.Notices)
	}
}

func TestPublishRejected(t *testing.T) {
	srv := relaytest.New(relaytest.RejectAll)
	defer srv.Close()

	r := signTestRecord(t)
	outcome := Publish(context.Background(), srv.URL, r)
	if outcome.Status != model.RelayRejected {
		t.Fatalf("want rejected, got %v (%s)", outcome.Status, outcome.Detail)
	}
}

func TestPublishRateLimited(t *testing.T) {
	srv := relaytest.New(relaytest.RateLimitAll)
	defer srv.Close()

	r := signTestRecord(t)
	outcome := Publish(context.Background(), srv.URL, r)
	if outcome.Status != model.RelayRateLimited {
		t.Fatalf("want rate limited, got %v (%s)", outcome.Status, outcome.Detail)
	}
}

func TestPublishToRelaysWithOneRateLimitedStillSucceeds(t *testing.T) {
	good1 := relaytest.New(relaytest.AcceptAll)
	defer good1.Close()
	good2 := relaytest.New(relaytest.AcceptAll)
	defer good2.Close()
	limited := relaytest.NewRateLimited(0, time.Minute) // first event always rejected
	defer limited.Close()

	r := signTestRecord(t)
	ok, outcomes := PublishToRelays(context.Background(), r, []string{good1.URL, good2.URL, limited.URL})
	if !ok {
		t.Fatalf("want overall success, got outcomes %+v", outcomes)
	}
	var sawRateLimited bool
	for _, o := range outcomes {
		if o.Relay == limited.URL {
			sawRateLimited = o.Status == model.RelayRateLimited
		}
	}
	if !sawRateLimited {
		t.Errorf("want the limited relay's outcome to be rate_limited, got %+v", outcomes)
	}
}

func TestPublishToRelaysAtLeastOneSuccess(t *testing.T) {
	good := relaytest.New(relaytest.AcceptAll)
	defer good.Close()
	bad := relaytest.New(relaytest.RejectAll)
	defer bad.Close()

	r := signTestRecord(t)
	ok, outcomes := PublishToRelays(context.Background(), r, []string{good.URL, bad.URL})
	if !ok {
		t.Fatalf("want overall success, got outcomes %+v", outcomes)
	}
	if len(outcomes) != 2 {
		t.Fatalf("want 2 outcomes, got %d", len(outcomes))
	}
}

func TestPublishToRelaysAllRejectedFails(t *testing.T) {
	bad1 := relaytest.New(relaytest.RejectAll)
	defer bad1.Close()
	bad2 := relaytest.New(relaytest.RejectAll)
	defer bad2.Close()

	r := signTestRecord(t)
	ok, _ := PublishToRelays(context.Background(), r, []string{bad1.URL, bad2.URL})
	if ok {
		t.Fatal("want overall failure when every relay rejects")
	}
}

func TestFetchReturnsStoredRecords(t *testing.T) {
	srv := relaytest.New(relaytest.AcceptAll)
	defer srv.Close()

	r := signTestRecord(t)
	if outcome := Publish(context.Background(), srv.URL, r); outcome.Status != model.RelayAccepted {
		t.Fatalf("setup publish failed: %+v", outcome)
	}

	got, _, err := Fetch(context.Background(), srv.URL, Filter{Kinds: []int{records.KindFileAnnounce}})
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("want 1 record, got %d", len(got))
	}
	if got[0].IDHex() != r.IDHex() {
		t.Errorf("fetched record id mismatch")
	}
}
