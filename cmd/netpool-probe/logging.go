package main

import (
	"fmt"

	"github.com/One-com/gone/netpool/pool"
	"github.com/sirupsen/logrus"
)

func poolToLogrusLevel(level int) logrus.Level {
	switch level {
	case pool.LvlEMERG, pool.LvlALERT, pool.LvlCRIT, pool.LvlERROR:
		return logrus.ErrorLevel
	case pool.LvlWARN:
		return logrus.WarnLevel
	case pool.LvlNOTICE, pool.LvlINFO:
		return logrus.InfoLevel
	}
	return logrus.DebugLevel
}

// logrusLogger adapts a logrus logger to the pool logging hook.
func logrusLogger(l logrus.FieldLogger) pool.LoggerFunc {
	return func(level int, msg string, kv ...interface{}) {
		fields := make(logrus.Fields, len(kv)/2)
		for i := 0; i+1 < len(kv); i += 2 {
			fields[fmt.Sprint(kv[i])] = kv[i+1]
		}
		if len(kv)%2 != 0 {
			fields["!BADKEY"] = kv[len(kv)-1]
		}
		e := l.WithFields(fields)
		switch poolToLogrusLevel(level) {
		case logrus.ErrorLevel:
			e.Error(msg)
		case logrus.WarnLevel:
			e.Warn(msg)
		case logrus.InfoLevel:
			e.Info(msg)
		default:
			e.Debug(msg)
		}
	}
}

func newLogger(level, format string) (*logrus.Logger, error) {
	l := logrus.New()
	lvl, err := logrus.ParseLevel(level)
	if err != nil {
		return nil, err
	}
	l.SetLevel(lvl)
	switch format {
	case "json":
		l.SetFormatter(&logrus.JSONFormatter{})
	case "", "text":
		l.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	default:
		return nil, fmt.Errorf("unknown log format %q", format)
	}
	return l, nil
}
