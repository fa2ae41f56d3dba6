package main

import (
	"io"
	"time"

	"github.com/mattn/go-colorable"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/absfs/layerfs/internal/config"
)

// setupLogging points the global logger at colored stderr and, when a file
// is configured, a rotating log file as well.
func setupLogging(lc config.LogConfig) error {
	level, err := zerolog.ParseLevel(lc.Level)
	if err != nil {
		return err
	}
	if level == zerolog.NoLevel {
		level = zerolog.InfoLevel
	}

	var out io.Writer = zerolog.ConsoleWriter{
		Out:        colorable.NewColorableStderr(),
		TimeFormat: time.Kitchen,
	}
	if lc.File != "" {
		out = zerolog.MultiLevelWriter(out, &lumberjack.Logger{
			Filename:   lc.File,
			MaxSize:    lc.MaxSizeMB,
			MaxBackups: lc.MaxBackups,
			MaxAge:     lc.MaxAgeDays,
		})
	}
	log.Logger = zerolog.New(out).With().Timestamp().Logger().Level(level)
	return nil
}
