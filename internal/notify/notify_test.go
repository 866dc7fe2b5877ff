package notify

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/basket/go-boss/internal/assignee"
	"github.com/basket/go-boss/internal/bus"
)

func sample() Notification {
	return Notification{
		TaskID:   "t-1",
		BossID:   "root",
		Prompt:   "Approve the budget?",
		Deadline: time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC),
		Human:    &assignee.Human{ID: "ann", Channel: assignee.Channel{Kind: assignee.ChannelTelegram, Address: "42"}},
	}
}

func TestNotificationText(t *testing.T) {
	text := sample().Text()
	for _, want := range []string{"t-1", "root", "Approve the budget?", "2026-01-02T03:04:05Z", "/respond t-1"} {
		if !strings.Contains(text, want) {
			t.Errorf("text missing %q:\n%s", want, text)
		}
	}
}

func TestMulti_AttemptsEverySink(t *testing.T) {
	var calls []string
	ok := Func(func(context.Context, Notification) error {
		calls = append(calls, "ok")
		return nil
	})
	bad := Func(func(context.Context, Notification) error {
		calls = append(calls, "bad")
		return errors.New("boom")
	})

	err := Multi{bad, ok}.Notify(context.Background(), sample())
	if err == nil || !strings.Contains(err.Error(), "func: boom") {
		t.Fatalf("err = %v", err)
	}
	if strings.Join(calls, ",") != "bad,ok" {
		t.Fatalf("calls = %v", calls)
	}
	if err := (Multi{ok}).Notify(context.Background(), sample()); err != nil {
		t.Fatalf("all sinks ok: %v", err)
	}
}

func TestBusSink_Publishes(t *testing.T) {
	b := bus.New()
	sub := b.Subscribe(bus.TopicHumanAwaiting)
	defer b.Unsubscribe(sub)

	if err := (BusSink{Bus: b}).Notify(context.Background(), sample()); err != nil {
		t.Fatal(err)
	}
	select {
	case ev := <-sub.Ch():
		got, ok := ev.Payload.(bus.HumanAwaitingEvent)
		if !ok || got.TaskID != "t-1" || got.HumanID != "ann" || got.Prompt != "Approve the budget?" {
			t.Fatalf("payload = %#v", ev.Payload)
		}
	case <-time.After(time.Second):
		t.Fatal("no event published")
	}

	if err := (BusSink{}).Notify(context.Background(), sample()); err == nil {
		t.Fatal("bus sink without a bus should fail")
	}
}

func TestLogSink_NeverFails(t *testing.T) {
	n := sample()
	n.Human = nil
	if err := (LogSink{}).Notify(context.Background(), n); err != nil {
		t.Fatal(err)
	}
}
