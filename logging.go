package main

import (
	"fmt"
	"io"
	"strings"

	log "github.com/sirupsen/logrus"
)

func parseLogLevel(level string) (log.Level, error) {
	lvl, err := log.ParseLevel(strings.TrimSpace(level))
	if err != nil {
		return 0, fmt.Errorf("unknown log level %q", level)
	}
	return lvl, nil
}

// setupLogging configures the process-wide logrus logger. Workers share the
// parent's stderr, so every line carries the device it belongs to.
func setupLogging(cfg LogConfig, out io.Writer) error {
	lvl, err := parseLogLevel(cfg.Level)
	if err != nil {
		return err
	}
	log.SetOutput(out)
	log.SetLevel(lvl)
	switch strings.ToLower(cfg.Format) {
	case "json":
		log.SetFormatter(&log.JSONFormatter{})
	default:
		log.SetFormatter(&log.TextFormatter{FullTimestamp: true, DisableColors: true})
	}
	return nil
}
