package notifier

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/wneessen/go-mail"
	tele "gopkg.in/telebot.v4"

	"jobsched/pkg/logx"
)

// LogSink writes messages to the log. It is always available and useful when
// no external destination is configured.
type LogSink struct {
	Log logx.Logger
}

func (LogSink) Name() string { return "log" }

func (l LogSink) Send(_ context.Context, m Message) error {
	fields := []logx.Field{
		logx.String("subject", m.Subject),
		logx.String("severity", m.Severity.String()),
		logx.String("text", m.Text),
	}
	if m.JobID != "" {
		fields = append(fields, logx.String("job", m.JobID))
	}
	l.Log.Info("notification", fields...)
	return nil
}

const telegramTextLimit = 4096

// TelegramConfig addresses one chat (and optionally one forum topic).
type TelegramConfig struct {
	Token    string
	ChatID   int64
	ThreadID int
	// APIURL overrides the Bot API endpoint; empty means api.telegram.org.
	APIURL string
}

// Telegram sends messages through the Bot API.
type Telegram struct {
	bot      *tele.Bot
	chat     *tele.Chat
	threadID int
}

// NewTelegram builds the sink without contacting Telegram; the token is
// checked on the first send.
func NewTelegram(cfg TelegramConfig) (*Telegram, error) {
	if strings.TrimSpace(cfg.Token) == "" {
		return nil, errors.New("telegram token is empty")
	}
	if cfg.ChatID == 0 {
		return nil, errors.New("telegram chat id is empty")
	}
	b, err := tele.NewBot(tele.Settings{
		Token:   cfg.Token,
		URL:     cfg.APIURL,
		Client:  &http.Client{Timeout: sendTimeout},
		Offline: true,
	})
	if err != nil {
		return nil, err
	}
	return &Telegram{bot: b, chat: &tele.Chat{ID: cfg.ChatID}, threadID: cfg.ThreadID}, nil
}

func (*Telegram) Name() string { return "telegram" }

func (t *Telegram) Send(ctx context.Context, m Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	text := severityPrefix(m.Severity) + m.Subject
	if m.Text != "" {
		text += "\n\n" + m.Text
	}
	if r := []rune(text); len(r) > telegramTextLimit {
		text = string(r[:telegramTextLimit-1]) + "…"
	}
	_, err := t.bot.Send(t.chat, text, &tele.SendOptions{
		ThreadID:              t.threadID,
		DisableWebPagePreview: true,
	})
	return err
}

func severityPrefix(s Severity) string {
	switch s {
	case SeverityError:
		return "🚨 "
	case SeverityWarn:
		return "⚠️ "
	default:
		return "✅ "
	}
}

// MailConfig configures the SMTP sink.
type MailConfig struct {
	Host     string
	Port     int
	Username string
	Password string
	From     string
	To       []string
	Auth     string
	TLS      bool
}

// Mail sends one email per message. Each send dials a fresh connection.
type Mail struct {
	cfg MailConfig
}

func NewMail(cfg MailConfig) (*Mail, error) {
	if strings.TrimSpace(cfg.Host) == "" {
		return nil, errors.New("mail host is empty")
	}
	if len(cfg.To) == 0 {
		return nil, errors.New("mail has no recipients")
	}
	if cfg.Port <= 0 {
		cfg.Port = 587
	}
	return &Mail{cfg: cfg}, nil
}

func (*Mail) Name() string { return "mail" }

func (s *Mail) Send(ctx context.Context, m Message) error {
	msg, err := s.toMessage(m)
	if err != nil {
		return err
	}

	opts := []mail.Option{
		mail.WithPort(s.cfg.Port),
		mail.WithTLSPolicy(tlsPolicy(s.cfg.TLS)),
		mail.WithTimeout(sendTimeout),
	}
	if auth := smtpAuth(s.cfg.Auth); auth != mail.SMTPAuthNoAuth {
		opts = append(opts,
			mail.WithSMTPAuth(auth),
			mail.WithUsername(s.cfg.Username),
			mail.WithPassword(s.cfg.Password),
		)
	}
	client, err := mail.NewClient(s.cfg.Host, opts...)
	if err != nil {
		return fmt.Errorf("mail client: %w", err)
	}
	defer func() { _ = client.Close() }()

	if err := client.DialAndSendWithContext(ctx, msg); err != nil {
		return fmt.Errorf("mail send: %w", err)
	}
	return nil
}

func (s *Mail) toMessage(m Message) (*mail.Msg, error) {
	msg := mail.NewMsg()
	if err := msg.From(s.cfg.From); err != nil {
		return nil, fmt.Errorf("mail from: %w", err)
	}
	for _, rcpt := range s.cfg.To {
		if err := msg.AddTo(rcpt); err != nil {
			return nil, fmt.Errorf("mail to: %w", err)
		}
	}
	msg.Subject(fmt.Sprintf("[jobsched] [%s] %s", m.Severity, m.Subject))
	msg.SetDate()
	msg.SetBodyString(mail.TypeTextPlain, m.Text)
	return msg, nil
}

func smtpAuth(v string) mail.SMTPAuthType {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "plain":
		return mail.SMTPAuthPlain
	case "login":
		return mail.SMTPAuthLogin
	case "cram-md5", "crammd5":
		return mail.SMTPAuthCramMD5
	default:
		return mail.SMTPAuthNoAuth
	}
}

func tlsPolicy(mandatory bool) mail.TLSPolicy {
	if mandatory {
		return mail.TLSMandatory
	}
	return mail.TLSOpportunistic
}

// Compile-time checks.
var (
	_ Sink = LogSink{}
	_ Sink = (*Telegram)(nil)
	_ Sink = (*Mail)(nil)
)
