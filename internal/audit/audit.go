// Package audit writes one JSON object per line describing what a component
// did and why. It is the only logging format used by the binaries.
package audit

import (
	"encoding/json"
	"log"
	"time"
)

type Logger struct {
	Component string
	// Out defaults to the standard logger.
	Out *log.Logger
}

func New(component string) *Logger {
	return &Logger{Component: component}
}

func (l *Logger) Event(level, eventName, requestID string, fields map[string]any) {
	payload := map[string]any{
		"ts":         time.Now().Format(time.RFC3339Nano),
		"component":  l.Component,
		"level":      level,
		"event":      eventName,
		"request_id": requestID,
	}
	for k, v := range fields {
		payload[k] = v
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		l.printf("failed to marshal audit event: %v", err)
		return
	}
	l.printf("%s", string(raw))
}

func (l *Logger) Info(eventName, requestID string, fields map[string]any) {
	l.Event("info", eventName, requestID, fields)
}

func (l *Logger) Warn(eventName, requestID string, fields map[string]any) {
	l.Event("warn", eventName, requestID, fields)
}

func (l *Logger) Error(eventName, requestID string, fields map[string]any) {
	l.Event("error", eventName, requestID, fields)
}

func (l *Logger) printf(format string, args ...any) {
	if l.Out != nil {
		l.Out.Printf(format, args...)
		return
	}
	log.Printf(format, args...)
}
