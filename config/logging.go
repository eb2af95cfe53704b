package config

import (
	"io"
	"os"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

// NewLogger builds the tool logger: text output with full timestamps, to
// stdout or appended to LogFilePath.
func NewLogger(cfg *Config) (*logrus.Logger, error) {
	var w io.Writer = os.Stdout
	if cfg.LogFilePath != "" {
		f, err := os.OpenFile(cfg.LogFilePath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0666)
		if err != nil {
			return nil, errors.Wrapf(err, "opening log file %s", cfg.LogFilePath)
		}
		w = f
	}

	logLvl, err := logrus.ParseLevel(cfg.LogLevel)
	if err != nil {
		return nil, errors.Wrap(err, "parsing log level")
	}

	return &logrus.Logger{
		Out: w,
		Formatter: &logrus.TextFormatter{
			TimestampFormat: "2006-01-02 15:04:05",
			FullTimestamp:   true,
			DisableSorting:  true,
		},
		Hooks:    make(logrus.LevelHooks),
		Level:    logLvl,
		ExitFunc: os.Exit,
	}, nil
}
