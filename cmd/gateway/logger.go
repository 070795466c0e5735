package main

import (
	"log/slog"
	"os"

	"github.com/devicehive/binary-gateway/internal/logging"
)

func setupLogger(format, level string) *slog.Logger {
	l := logging.New(format, logging.ParseLevel(level), os.Stderr).With("app", "gateway")
	logging.Set(l)
	return l
}
