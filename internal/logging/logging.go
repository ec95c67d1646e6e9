// Package logging provides the ambient structured-logging adapter shared
// by every component: a narrow Debug/Info/Warn/Error seam backed by
// zerolog rather than a bespoke logger.
package logging

import (
	"os"

	"github.com/rs/zerolog"
)

// Logger is the narrow logging seam every internal package depends on,
// letting tests substitute a no-op or recording implementation without
// pulling in zerolog.
type Logger interface {
	Debug(msg string, fields map[string]any)
	Info(msg string, fields map[string]any)
	Warn(msg string, fields map[string]any)
	Error(msg string, fields map[string]any)
}

// New returns a zerolog-backed Logger tagged with component.
func New(base zerolog.Logger, component string) Logger {
	return &zerologAdapter{log: base.With().Str("component", component).Logger()}
}

// NewBase constructs the process-wide base logger, emitting structured
// JSON to stderr at the level the debug flag selects.
func NewBase(debug bool) zerolog.Logger {
	level := zerolog.InfoLevel
	if debug {
		level = zerolog.DebugLevel
	}
	return zerolog.New(os.Stderr).Level(level).With().Timestamp().Logger()
}

type zerologAdapter struct {
	log zerolog.Logger
}

func apply(e *zerolog.Event, fields map[string]any) *zerolog.Event {
	for k, v := range fields {
		e = e.Interface(k, v)
	}
	return e
}

func (a *zerologAdapter) Debug(msg string, fields map[string]any) {
	apply(a.log.Debug(), fields).Msg(msg)
}

func (a *zerologAdapter) Info(msg string, fields map[string]any) {
	apply(a.log.Info(), fields).Msg(msg)
}

func (a *zerologAdapter) Warn(msg string, fields map[string]any) {
	apply(a.log.Warn(), fields).Msg(msg)
}

func (a *zerologAdapter) Error(msg string, fields map[string]any) {
	apply(a.log.Error(), fields).Msg(msg)
}
