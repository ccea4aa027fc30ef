package events

import (
	"github.com/rs/zerolog"

	"github.com/openfroyo/froyo-mysql/pkg/engine"
)

// LogSubscriber writes events to a zerolog logger at their level.
func LogSubscriber(logger zerolog.Logger) Subscriber {
	return func(event engine.Event) {
		var e *zerolog.Event
		switch event.Level {
		case LevelError:
			e = logger.Error()
		case LevelWarning:
			e = logger.Warn()
		default:
			e = logger.Info()
		}
		e = e.Str("event", string(event.Type)).Str("run_id", event.RunID)
		if event.Resource != "" {
			e = e.Str("resource", event.Resource)
		}
		if event.Declaration != "" {
			e = e.Str("declaration", event.Declaration)
		}
		if len(event.Details) > 0 {
			e = e.Fields(event.Details)
		}
		e.Msg(event.Message)
	}
}
