package processors

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/fairyhunter13/finflow-jobs/internal/domain"
)

// EmailProcessor delivers one templated email per job.
type EmailProcessor struct {
	mailer domain.Mailer
}

// NewEmailProcessor wires the email consumer.
func NewEmailProcessor(mailer domain.Mailer) *EmailProcessor {
	return &EmailProcessor{mailer: mailer}
}

// Process renders and delivers the email.
func (p *EmailProcessor) Process(ctx context.Context, jc domain.JobContext) error {
	var payload domain.EmailPayload
	if err := json.Unmarshal(jc.Payload, &payload); err != nil {
		return fmt.Errorf("op=processors.Email: %w: %v", domain.ErrInvalidArgument, err)
	}
	if err := p.mailer.Send(ctx, payload.To, payload.Template, payload.Data); err != nil {
		return fmt.Errorf("op=processors.Email template=%s: %w: %v",
			payload.Template, domain.ErrProvider, err)
	}
	slog.Info("email delivered",
		slog.String("to", payload.To),
		slog.String("template", payload.Template))
	return nil
}
