package identity

import (
	"context"
	"log/slog"
)

// Message は送信するメール。
type Message struct {
	From    string
	To      string
	Subject string
	Body    string
}

// Mailer はメール送信のインターフェース。
type Mailer interface {
	Send(ctx context.Context, msg Message) error
}

// LogMailer はメールを送信せず構造化ログに出力するMailer。
// SMTP等の送信手段を持たない環境で使用する。
type LogMailer struct {
	logger *slog.Logger
}

// NewLogMailer はLogMailerを生成する。
func NewLogMailer(logger *slog.Logger) *LogMailer {
	return &LogMailer{logger: logger}
}

// Send はメールの内容をログに出力する。
func (m *LogMailer) Send(ctx context.Context, msg Message) error {
	m.logger.InfoContext(ctx, "outgoing mail",
		slog.String("from", msg.From),
		slog.String("to", msg.To),
		slog.String("subject", msg.Subject),
		slog.String("body", msg.Body),
	)
	return nil
}

// compile-time interface check
var _ Mailer = (*LogMailer)(nil)
