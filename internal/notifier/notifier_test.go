package notifier

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/wneessen/go-mail"

	"jobsched/internal/eventbus"
	"jobsched/internal/task/scheduler"
	"jobsched/pkg/logx"
)

type recordSink struct {
	name string

	mu    sync.Mutex
	fails int // remaining failures before success
	calls int
	got   []Message
}

func (r *recordSink) Name() string { return r.name }

func (r *recordSink) Send(_ context.Context, m Message) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls++
	if r.fails != 0 {
		if r.fails > 0 {
			r.fails--
		}
		return errors.New("sink unavailable")
	}
	r.got = append(r.got, m)
	return nil
}

func (r *recordSink) messages() []Message {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Message(nil), r.got...)
}

func (r *recordSink) callCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.calls
}

func fastConfig() Config {
	return Config{
		Enabled:    true,
		OnFailure:  true,
		RatePerSec: 1000,
		RetryBase:  time.Millisecond,
	}
}

func startService(t *testing.T, cfg Config, bus eventbus.Bus, sinks ...Sink) *Service {
	t.Helper()
	s := New(cfg, logx.Nop(), bus, sinks...)
	s.Start(context.Background())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		s.Stop(ctx)
	})
	return s
}

func TestServiceFiltersJobOutcomes(t *testing.T) {
	t.Parallel()
	bus := eventbus.New()
	sink := &recordSink{name: "rec"}
	startService(t, fastConfig(), bus, sink)

	ev := scheduler.JobEvent{JobID: "backup", Title: "Backup", Kind: "exec", Status: scheduler.JobFinished}
	bus.Publish(eventbus.Event{Type: eventbus.JobFinished, Data: ev})
	ev.Status = scheduler.JobCanceled
	bus.Publish(eventbus.Event{Type: eventbus.JobCanceled, Data: ev})
	ev.Status, ev.Error = scheduler.JobFailed, "exit status 3"
	bus.Publish(eventbus.Event{Type: eventbus.JobFailed, Data: ev})

	require.Eventually(t, func() bool { return len(sink.messages()) == 1 }, 2*time.Second, 5*time.Millisecond)
	// Give the filtered events time to show up if they were wrongly let through.
	time.Sleep(50 * time.Millisecond)
	msgs := sink.messages()
	require.Len(t, msgs, 1)
	assert.Equal(t, "Backup failed", msgs[0].Subject)
	assert.Equal(t, SeverityError, msgs[0].Severity)
	assert.Equal(t, "backup", msgs[0].JobID)
	assert.Contains(t, msgs[0].Text, "Error: exit status 3")
}

func TestServiceRetriesEachSinkIndependently(t *testing.T) {
	t.Parallel()
	flaky := &recordSink{name: "flaky", fails: 2}
	broken := &recordSink{name: "broken", fails: -1}
	healthy := &recordSink{name: "healthy"}
	cfg := fastConfig()
	cfg.RetryMax = 2
	s := startService(t, cfg, nil, broken, flaky, healthy)

	require.NoError(t, s.Notify(context.Background(), Message{Subject: "disk full", JobID: "df"}))

	require.Eventually(t, func() bool { return len(s.History()) == 3 }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, 3, broken.callCount())
	assert.Equal(t, 3, flaky.callCount())
	assert.Equal(t, 1, healthy.callCount())
	assert.Len(t, flaky.messages(), 1)
	assert.Len(t, healthy.messages(), 1)

	h := s.History()
	assert.Equal(t, "broken", h[0].Sink)
	assert.Equal(t, "sink unavailable", h[0].Err)
	assert.Empty(t, h[1].Err)
	assert.Empty(t, h[2].Err)
}

func TestServiceDedup(t *testing.T) {
	t.Parallel()
	sink := &recordSink{name: "rec"}
	cfg := fastConfig()
	cfg.DedupWindow = time.Minute
	s := startService(t, cfg, nil, sink)
	ctx := context.Background()

	require.NoError(t, s.Notify(ctx, Message{Subject: "same"}))
	require.NoError(t, s.Notify(ctx, Message{Subject: "same"}))
	require.NoError(t, s.Notify(ctx, Message{Subject: "other"}))

	require.Eventually(t, func() bool { return len(sink.messages()) == 2 }, 2*time.Second, 5*time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	assert.Len(t, sink.messages(), 2)
}

func TestServiceNotifyStates(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	off := New(Config{}, logx.Nop(), nil)
	require.ErrorIs(t, off.Notify(ctx, Message{Subject: "x"}), ErrDisabled)

	s := New(fastConfig(), logx.Nop(), nil, &recordSink{name: "rec"})
	require.ErrorIs(t, s.Notify(ctx, Message{Subject: "x"}), ErrStopped)
	s.Start(ctx)
	require.NoError(t, s.SendAlert(ctx, "something broke"))
	s.Stop(ctx)
	require.ErrorIs(t, s.Notify(ctx, Message{Subject: "x"}), ErrStopped)
	assert.Nil(t, s.Supervisor())
}

func TestJobMessage(t *testing.T) {
	t.Parallel()
	finish := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)
	m := JobMessage(eventbus.JobCanceled, scheduler.JobEvent{
		JobID:    "sync",
		Kind:     "http",
		Trigger:  scheduler.TriggerSchedule,
		Status:   scheduler.JobCanceled,
		Finish:   finish,
		Duration: 1500 * time.Millisecond,
	})
	assert.Equal(t, "sync was canceled", m.Subject)
	assert.Equal(t, SeverityWarn, m.Severity)
	assert.Equal(t, "Job: sync (http)\nStatus: canceled\nTrigger: schedule\nDuration: 1.5s\nFinished: 2026-03-02 09:00:00 UTC", m.Text)
}

func TestTelegramSink(t *testing.T) {
	t.Parallel()
	var (
		mu  sync.Mutex
		got map[string]any
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/bot123:abc/sendMessage", r.URL.Path)
		var body map[string]any
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		mu.Lock()
		got = body
		mu.Unlock()
		_, _ = w.Write([]byte(`{"ok":true,"result":{"message_id":1,"date":0,"chat":{"id":42,"type":"group"}}}`))
	}))
	defer srv.Close()

	sink, err := NewTelegram(TelegramConfig{Token: "123:abc", ChatID: 42, ThreadID: 7, APIURL: srv.URL})
	require.NoError(t, err)
	require.NoError(t, sink.Send(context.Background(), Message{Severity: SeverityError, Subject: "backup failed", Text: "exit 1"}))

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, "42", fmt.Sprint(got["chat_id"]))
	assert.Equal(t, "7", fmt.Sprint(got["message_thread_id"]))
	assert.Equal(t, "🚨 backup failed\n\nexit 1", got["text"])

	_, err = NewTelegram(TelegramConfig{Token: "123:abc"})
	require.Error(t, err)
}

func TestMailMessage(t *testing.T) {
	t.Parallel()
	_, err := NewMail(MailConfig{Host: "smtp.example.org"})
	require.Error(t, err)

	sink, err := NewMail(MailConfig{Host: "smtp.example.org", From: "jobsched@example.org", To: []string{"ops@example.org", "oncall@example.org"}})
	require.NoError(t, err)
	assert.Equal(t, 587, sink.cfg.Port)

	msg, err := sink.toMessage(Message{Severity: SeverityError, Subject: "backup failed", Text: "exit 1"})
	require.NoError(t, err)
	rcpts, err := msg.GetRecipients()
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"ops@example.org", "oncall@example.org"}, rcpts)
	assert.Equal(t, []string{"[jobsched] [error] backup failed"}, msg.GetGenHeader(mail.HeaderSubject))

	_, err = (&Mail{cfg: MailConfig{From: "not an address"}}).toMessage(Message{})
	require.Error(t, err)

	assert.Equal(t, mail.SMTPAuthLogin, smtpAuth(" LOGIN "))
	assert.Equal(t, mail.SMTPAuthNoAuth, smtpAuth(""))
}
