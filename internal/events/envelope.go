// Package events publishes coordinator lifecycle events to a message bus.
package events

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/fentz26/relay/internal/models"
)

// Envelope is the wire form of a models.Event.
type Envelope struct {
	ID          string           `json:"id"`
	Type        models.EventType `json:"type"`
	Time        time.Time        `json:"time"`
	Run         *models.Run      `json:"run,omitempty"`
	Runner      *models.Runner   `json:"runner,omitempty"`
	RunnerID    string           `json:"runner_id,omitempty"`
	Reconnected bool             `json:"reconnected,omitempty"`
}

// Encode wraps ev in an envelope stamped with now.
func Encode(ev models.Event, now time.Time) Envelope {
	env := Envelope{ID: uuid.NewString(), Type: ev.Type(), Time: now.UTC()}
	switch e := ev.(type) {
	case models.RunCreated:
		env.Run = &e.Run
	case models.RunClaimed:
		env.Run = &e.Run
	case models.RunStarted:
		env.Run = &e.Run
	case models.RunStopRequested:
		env.Run = &e.Run
	case models.RunFinished:
		env.Run = &e.Run
	case models.RunnerRegistered:
		env.Runner = &e.Runner
		env.Reconnected = e.Reconnected
	case models.RunnerDeregistered:
		env.RunnerID = e.RunnerID
	case models.RunnerStale:
		env.Runner = &e.Runner
	}
	return env
}

// Decode rebuilds the typed event carried by env.
func (env Envelope) Decode() (models.Event, error) {
	switch env.Type {
	case models.EventRunCreated, models.EventRunClaimed, models.EventRunStarted,
		models.EventRunStopRequested, models.EventRunFinished:
		if env.Run == nil {
			return nil, fmt.Errorf("event %s: missing run", env.Type)
		}
		run := *env.Run
		switch env.Type {
		case models.EventRunCreated:
			return models.RunCreated{Run: run}, nil
		case models.EventRunClaimed:
			return models.RunClaimed{Run: run}, nil
		case models.EventRunStarted:
			return models.RunStarted{Run: run}, nil
		case models.EventRunStopRequested:
			return models.RunStopRequested{Run: run}, nil
		default:
			return models.RunFinished{Run: run}, nil
		}
	case models.EventRunnerRegistered, models.EventRunnerStale:
		if env.Runner == nil {
			return nil, fmt.Errorf("event %s: missing runner", env.Type)
		}
		if env.Type == models.EventRunnerStale {
			return models.RunnerStale{Runner: *env.Runner}, nil
		}
		return models.RunnerRegistered{Runner: *env.Runner, Reconnected: env.Reconnected}, nil
	case models.EventRunnerDeregistered:
		return models.RunnerDeregistered{RunnerID: env.RunnerID}, nil
	default:
		return nil, fmt.Errorf("unknown event type %q", env.Type)
	}
}

// ParseEnvelope decodes a JSON envelope.
func ParseEnvelope(raw []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return Envelope{}, fmt.Errorf("parse envelope: %w", err)
	}
	if env.Type == "" {
		return Envelope{}, fmt.Errorf("parse envelope: missing type")
	}
	return env, nil
}
