package notify

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"testing"

	"github.com/slack-go/slack"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(discardWriter{}, nil))
}

type discardWriter struct{}

func (discardWriter) Write(p []byte) (int, error) { return len(p), nil }

type fakeSlackAPI struct {
	channel string
	opts    []slack.MsgOption
	err     error
}

func (f *fakeSlackAPI) PostMessageContext(_ context.Context, channelID string, options ...slack.MsgOption) (string, string, error) {
	if f.err != nil {
		return "", "", f.err
	}
	f.channel = channelID
	f.opts = options
	return "ts", channelID, nil
}

func TestNotifyDegradedPostsToConfiguredChannel(t *testing.T) {
	api := &fakeSlackAPI{}
	n := New(api, "C0DEGRADED", discardLogger())

	err := n.NotifyDegraded(context.Background(), DegradedEvent{
		ServiceID:           "svc-1",
		ServiceName:         "checkout",
		Namespace:           "prod",
		ConsecutiveFailures: 12,
		LastError:           "node offline",
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if api.channel != "C0DEGRADED" {
		t.Fatalf("expected post to C0DEGRADED, got %s", api.channel)
	}
	if len(api.opts) == 0 {
		t.Fatal("expected message options to be passed through")
	}
}

func TestNotifyDegradedWrapsSendError(t *testing.T) {
	api := &fakeSlackAPI{err: errors.New("rate limited")}
	n := New(api, "C0DEGRADED", discardLogger())

	err := n.NotifyDegraded(context.Background(), DegradedEvent{ServiceID: "svc-1", ServiceName: "checkout"})
	if err == nil {
		t.Fatal("expected an error")
	}
	if !strings.Contains(err.Error(), "svc-1") {
		t.Fatalf("expected error to reference the service ID, got: %v", err)
	}
}
