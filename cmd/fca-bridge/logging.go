// Copyright 2024-2026 Aiku AI

package main

import (
	"fmt"
	"io"
	"time"

	"github.com/rs/zerolog"
	"go.mau.fi/util/exzerolog"

	"github.com/aiku/fca-bridge/pkg/config"
)

func setupLogger(cfg config.LoggingConfig, out io.Writer) (zerolog.Logger, error) {
	level := zerolog.InfoLevel
	if cfg.Level != "" {
		var err error
		level, err = zerolog.ParseLevel(cfg.Level)
		if err != nil {
			return zerolog.Nop(), fmt.Errorf("invalid log level %q: %w", cfg.Level, err)
		}
	}
	if cfg.Pretty {
		out = zerolog.ConsoleWriter{Out: out, TimeFormat: time.DateTime}
	}
	log := zerolog.New(out).Level(level).With().Timestamp().Logger()
	exzerolog.SetupDefaults(&log)
	return log, nil
}
