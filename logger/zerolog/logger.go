// Package zerolog adapts a zerolog.Logger to the obx.Logger contract.
package zerolog

import (
	"github.com/rs/zerolog"
	"github.com/svilares/outboxr/obx"
)

// Logger is the zerolog implementation of the obx.Logger interface.
type Logger struct {
	Logger zerolog.Logger
}

var _ obx.Logger = (*Logger)(nil)

func (l *Logger) Debug(msg string) {
	l.Logger.Debug().Msg(msg)
}

func (l *Logger) Warn(msg string) {
	l.Logger.Warn().Msg(msg)
}

func (l *Logger) Error(msg string, err error) {
	l.Logger.Err(err).Msg(msg)
}

func (l *Logger) Info(msg string) {
	l.Logger.Info().Msg(msg)
}
