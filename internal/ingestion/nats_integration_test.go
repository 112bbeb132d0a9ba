package ingestion_test

import (
	"CoverLedger/internal/ingestion"
	"CoverLedger/internal/testutil"
	"context"
	"testing"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Runs against a real JetStream server: INTEGRATION_TEST=1 TEST_NATS_URL=...
func TestNATS_SubscriberRoutesSubjects(t *testing.T) {
	testutil.RequireIntegration(t)

	nc, js, err := ingestion.ConnectNATS(testutil.TestNATSURL(), zerolog.Nop())
	if err != nil {
		t.Skipf("test nats not available: %v", err)
	}
	defer nc.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	const name = "itest"
	_ = js.DeleteStream(ctx, ingestion.StreamName(name))
	require.NoError(t, ingestion.EnsureStreams(ctx, js, []string{name}, zerolog.Nop()))

	rawChan := make(chan ingestion.RawEvent, 4)
	sub := ingestion.NewNATSSubscriber(js, rawChan, zerolog.Nop())
	require.NoError(t, sub.Subscribe(ctx, ingestion.DefaultSubjects(name)))
	defer sub.Stop()

	msg := nats.NewMsg("cover." + name + ".commands.AddLiquidity")
	msg.Data = []byte(`{"amount":100}`)
	msg.Header.Set(ingestion.SignatureHeader, "0xsig")
	_, err = js.PublishMsg(ctx, msg)
	require.NoError(t, err)

	_, err = js.Publish(ctx, "cover."+name+".upkeep", []byte(`{"limit":5}`))
	require.NoError(t, err)

	got := map[string]ingestion.RawEvent{}
	for len(got) < 2 {
		select {
		case raw := <-rawChan:
			raw.AckFunc()
			got[raw.Kind] = raw
		case <-ctx.Done():
			t.Fatalf("received %d of 2 messages", len(got))
		}
	}

	cmd := got["command"]
	assert.Equal(t, name, cmd.Chain)
	assert.Equal(t, "AddLiquidity", cmd.EventType)
	assert.Equal(t, "0xsig", cmd.Signature)
	assert.JSONEq(t, `{"amount":100}`, string(cmd.Data))

	assert.Equal(t, "PerformUpkeep", got["upkeep"].EventType)
}
