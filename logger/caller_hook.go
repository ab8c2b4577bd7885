package logger

import (
	"runtime"
	"strings"

	"github.com/sirupsen/logrus"
)

// Frames from these packages are wrapper layers, never the call site worth
// reporting.
var callerSkipPrefixes = []string{
	"github.com/sirupsen/logrus",
	"liqflow/logger",
}

// callerHook rewrites the caller reported by logrus so log lines point at
// the code that emitted them instead of a Log/Entry wrapper method.
type callerHook struct{}

func (h *callerHook) Levels() []logrus.Level {
	return logrus.AllLevels
}

// Fire walks the stack past runtime.Callers, logrus internals and this
// package's wrappers and pins the entry's caller to the first frame outside
// all of them.
func (h *callerHook) Fire(entry *logrus.Entry) error {
	pcs := make([]uintptr, 16)
	n := runtime.Callers(6, pcs)
	frames := runtime.CallersFrames(pcs[:n])
	for {
		frame, more := frames.Next()
		if frame.Function != "" && !isWrapperFrame(frame.Function) {
			entry.Caller = &frame
			return nil
		}
		if !more {
			return nil
		}
	}
}

func isWrapperFrame(function string) bool {
	for _, prefix := range callerSkipPrefixes {
		if strings.Contains(function, prefix) {
			return true
		}
	}
	return false
}
