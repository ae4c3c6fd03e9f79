package main

import (
	"bytes"
	"context"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashita-ai/kansoku/internal/collector"
	"github.com/ashita-ai/kansoku/internal/config"
	"github.com/ashita-ai/kansoku/internal/model"
	"github.com/ashita-ai/kansoku/internal/testutil"
)

func TestReplayDeliversEvents(t *testing.T) {
	sink := collector.NewMemorySink()
	srv := httptest.NewServer(collector.New(collector.ServerConfig{
		Sink:   sink,
		Logger: testutil.TestLogger(),
	}).Handler())
	t.Cleanup(srv.Close)

	input := strings.Join([]string{
		`{"type":"TOUCH_START","ts":1000,"tg":"btn","attrs":{"x":1,"y":2}}`,
		``,
		`not json`,
		`{"type":"INPUT","ts":1001,"tg":"email","attrs":{"len":3}}`,
	}, "\n")

	opts := options{
		clientKey: "key_test_replay1",
		siteID:    "form_abcde123",
		sessionID: "replay-session",
		cfg: config.SDK{
			CollectorURL:  srv.URL + "/collect",
			ConfigURL:     srv.URL + "/config",
			Cadence:       time.Hour,
			PauseDelay:    time.Second,
			ResumeDelay:   time.Second,
			Compress:      true,
			StoreCapacity: 100,
		},
	}
	res, err := replay(context.Background(), strings.NewReader(input), opts, testutil.TestLogger())
	require.NoError(t, err)

	assert.Equal(t, 3, res.Read)
	assert.Equal(t, 1, res.Malformed)
	assert.Equal(t, 2, res.Accepted)
	assert.Equal(t, int64(1), res.Stats.BatchesSent)

	var touches, inputs int
	for _, e := range sink.Events() {
		switch e.Type {
		case model.EventTouchStart:
			touches++
			assert.Equal(t, "btn", e.Target)
		case model.EventInput:
			inputs++
		}
	}
	assert.Equal(t, 1, touches)
	assert.Equal(t, 1, inputs)
	batches := sink.Batches()
	require.Len(t, batches, 1)
	assert.Equal(t, "replay-session", batches[0].Batch.SessionID)
	assert.Equal(t, "replay-session", batches[0].Batch.UserID)

	var out bytes.Buffer
	printResult(&out, res)
	assert.Contains(t, out.String(), "batches sent:    1 (")
}

func TestRunRequiresSite(t *testing.T) {
	t.Setenv("KANSOKU_CLIENT_KEY", "key_test_replay1")
	err := run(nil, strings.NewReader(""), &bytes.Buffer{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "--site")
}

func TestRunPrintsVersion(t *testing.T) {
	var out bytes.Buffer
	require.NoError(t, run([]string{"--version"}, strings.NewReader(""), &out))
	assert.Contains(t, out.String(), "kansoku-replay")
}
