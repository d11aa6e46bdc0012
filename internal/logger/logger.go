package logger

import "github.com/go-logr/logr"

var logger = logr.Discard()

func SetLogger(l logr.Logger) {
	logger = l
}

func GetLogger() logr.Logger {
	return logger
}

func Debug(msg string, values ...interface{}) {
	logger.V(1).Info(msg, values...)
}

func Info(msg string, values ...interface{}) {
	logger.Info(msg, values...)
}

func Error(err error, msg string, values ...interface{}) {
	logger.Error(err, msg, values...)
}
