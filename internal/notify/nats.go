// Package notify publishes build progress and result events to NATS so
// external frontends (chat bots, dashboards) can follow builds without
// polling.
package notify

import (
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/nats-io/nats.go"

	"git.home.luguber.info/inful/buildbot/internal/logfields"
	"git.home.luguber.info/inful/buildbot/internal/task"
)

// Publisher forwards task events to NATS subjects as JSON.
type Publisher struct {
	conn            *nats.Conn
	progressSubject string
	resultSubject   string
}

// NewPublisher connects to the NATS server and returns a publisher.
func NewPublisher(url, progressSubject, resultSubject string) (*Publisher, error) {
	conn, err := nats.Connect(url, nats.Name("buildbot"))
	if err != nil {
		return nil, fmt.Errorf("connect to nats: %w", err)
	}

	slog.Info("NATS publisher connected",
		slog.String("url", url),
		slog.String("progress_subject", progressSubject),
		slog.String("result_subject", resultSubject))

	return &Publisher{
		conn:            conn,
		progressSubject: progressSubject,
		resultSubject:   resultSubject,
	}, nil
}

// PublishProgress sends a progress event. Publish failures are logged,
// never propagated: event delivery must not disturb the build.
func (p *Publisher) PublishProgress(update task.ProgressUpdate) {
	p.publish(p.progressSubject, update, update.TaskID)
}

// PublishResult sends a final build result.
func (p *Publisher) PublishResult(result *task.BuildResult) {
	p.publish(p.resultSubject, result, result.Task.TaskID)
}

func (p *Publisher) publish(subject string, payload any, taskID string) {
	data, err := json.Marshal(payload)
	if err != nil {
		slog.Warn("Failed to marshal event", logfields.TaskID(taskID), logfields.Error(err))
		return
	}
	if err := p.conn.Publish(subject, data); err != nil {
		slog.Warn("Failed to publish event",
			slog.String("subject", subject), logfields.TaskID(taskID), logfields.Error(err))
	}
}

// Close drains and closes the connection.
func (p *Publisher) Close() {
	if p.conn == nil {
		return
	}
	if err := p.conn.Drain(); err != nil {
		p.conn.Close()
	}
}
