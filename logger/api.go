// Copyright (c) 2015-2021, NVIDIA CORPORATION.
// SPDX-License-Identifier: Apache-2.0

// Package logger provides logging wrappers
//
// These wrappers allow us to standardize logging while still using a third-party
// logging package.
//
// This package is currently implemented on top of the sirupsen/logrus package:
//   https://github.com/sirupsen/logrus
//
// The APIs here add package, calling function, and goroutine to all logs.
//
// Logging of trace logs is enabled/disabled on a per package basis.
package logger

import (
	"fmt"
	"io"
	"strings"
	"sync"

	log "github.com/sirupsen/logrus"

	"github.com/NVIDIA/crawlstate/utils"
)

type Level int

// Our logging levels - These are the different logging levels supported by this package.
//
// When we do our logging we need to map from our levels to the logrus ones
// before calling logrus APIs.
const (
	// ErrorLevel corresponds to logrus.ErrorLevel
	ErrorLevel Level = iota
	// WarnLevel corresponds to logrus.WarnLevel
	WarnLevel
	// InfoLevel corresponds to logrus.InfoLevel
	InfoLevel

	// TraceLevel is used for operational logs that trace success path through the application.
	// Whether these are logged is controlled on a per-package basis by settings in this file.
	// When enabled, these are logged at logrus.InfoLevel.
	TraceLevel
)

// Enable/disable for trace level.
// This is defaulted to disabled unless otherwise specified in .conf file
var traceLevelEnabled = false

// packageTraceSettings controls whether tracing is enabled for particular packages.
//
// Note: In order to enable tracing for a package using the "Logging.TraceLevelLogging"
// config variable, the package must be in this map.
//
var packageTraceSettings = map[string]bool{
	"cachetree":    false,
	"conf":         false,
	"diskcache":    false,
	"logger":       false,
	"recencycache": false,
}

var packageTraceSettingsLock sync.RWMutex

func setTraceLoggingLevel(confStrSlice []string) {
	packageTraceSettingsLock.Lock()

	for pkg := range packageTraceSettings {
		packageTraceSettings[pkg] = false
	}
	traceLevelEnabled = false

HandlePkgs:
	for _, pkg := range confStrSlice {
		switch pkg {
		case "none":
			traceLevelEnabled = false
			break HandlePkgs
		default:
			if _, ok := packageTraceSettings[pkg]; ok {
				packageTraceSettings[pkg] = true
				traceLevelEnabled = true
			}
		}
	}

	enabledPkgs := make([]string, 0, len(packageTraceSettings))
	if traceLevelEnabled {
		for pkg, isEnabled := range packageTraceSettings {
			if isEnabled {
				enabledPkgs = append(enabledPkgs, pkg)
			}
		}
	}

	packageTraceSettingsLock.Unlock()

	for _, pkg := range enabledPkgs {
		Infof("Package %v trace logging is enabled.", pkg)
	}
}

func traceEnabled(pkg string) (isEnabled bool) {
	packageTraceSettingsLock.RLock()
	isEnabled = traceLevelEnabled && packageTraceSettings[pkg]
	packageTraceSettingsLock.RUnlock()
	return
}

// Log fields supported by logger:
const packageKey string = "package"
const functionKey string = "function"
const errorKey string = "error"
const gidKey string = "goroutine"

// FuncCtx is an optimization so that package and function are only
// extracted once per function.
type FuncCtx struct {
	funcContext *log.Entry // Struct allows us to save fields common between log calls within a function
}

func (ctx *FuncCtx) getPackage() string {
	pkg, ok := ctx.funcContext.Data[packageKey].(string)
	if ok {
		return pkg
	}
	return ""
}

// newFuncCtx creates a new function logging context, extracting the calling
// function from the call stack.
func newFuncCtx(level int) (ctx *FuncCtx) {
	fn, pkg, gid := utils.GetFuncPackage(level + 1)

	fields := make(log.Fields)
	fields[functionKey] = fn
	fields[packageKey] = pkg
	fields[gidKey] = gid

	ctx = &FuncCtx{funcContext: log.WithFields(fields)}
	return ctx
}

// newFuncCtxWithField creates a new function logging context including a field,
// extracting the calling function from the call stack.
func newFuncCtxWithField(level int, key string, value interface{}) (ctx *FuncCtx) {
	ctx = newFuncCtx(level + 1)
	ctx.funcContext = ctx.funcContext.WithField(key, value)
	return ctx
}

var backtraceOneLevel int = 1

func logEnabled(level Level) bool {
	if (level == TraceLevel) && !traceLevelEnabled {
		return false
	}
	return true
}

// EXTERNAL logging APIs
// These APIs are in the style of those provided by the logrus package.

func Infof(format string, args ...interface{}) {
	level := InfoLevel
	logString := fmt.Sprintf(format, args...)
	ctx := newFuncCtx(backtraceOneLevel)
	ctx.log(level, logString)
}

func Tracef(format string, args ...interface{}) {
	level := TraceLevel
	if !logEnabled(level) {
		return
	}
	logString := fmt.Sprintf(format, args...)
	ctx := newFuncCtx(backtraceOneLevel)
	ctx.log(level, logString)
}

func Warnf(format string, args ...interface{}) {
	level := WarnLevel
	logString := fmt.Sprintf(format, args...)
	ctx := newFuncCtx(backtraceOneLevel)
	ctx.log(level, logString)
}

func ErrorfWithError(err error, format string, args ...interface{}) {
	level := ErrorLevel
	logString := fmt.Sprintf(format, args...)
	ctx := newFuncCtxWithField(backtraceOneLevel, errorKey, err)
	ctx.log(level, logString)
}

func WarnfWithError(err error, format string, args ...interface{}) {
	level := WarnLevel
	logString := fmt.Sprintf(format, args...)
	ctx := newFuncCtxWithField(backtraceOneLevel, errorKey, err)
	ctx.log(level, logString)
}

// log is our equivalent to logrus.entry.go's log function, and is intended to
// be the common low-level logging function used internal to this package.
//
// Following the example of logrus.entry.go's equivalent function, "this function
// is not declared with a pointer value because otherwise race conditions will
// occur when using multiple goroutines"
//
func (ctx FuncCtx) log(level Level, args ...interface{}) {
	if (level == TraceLevel) && !traceEnabled(ctx.getPackage()) {
		return
	}

	switch level {
	case ErrorLevel:
		ctx.funcContext.Error(args...)
	case WarnLevel:
		ctx.funcContext.Warn(args...)
	case TraceLevel:
		ctx.funcContext.Info(args...)
	case InfoLevel:
		ctx.funcContext.Info(args...)
	}
}

// Add another target for log messages to be written to.  writer is an object
// with an io.Writer interface that's called once for each log message.
//
// Logger.Up() must be called before this function is used.
//
func AddLogTarget(writer io.Writer) {
	addLogTarget(writer)
}

// An example of a log target that captures the most recent n lines of log into
// an array.  Useful for writing test cases.
//
type LogBuffer struct {
	sync.Mutex
	LogEntries   []string // most recent log entry is [0]
	TotalEntries int      // count of all entries seen
}

type LogTarget struct {
	LogBuf *LogBuffer
}

// Initialize a LogTarget to hold upto nEntry log entries.
//
func (log *LogTarget) Init(nEntry int) {
	log.LogBuf = &LogBuffer{TotalEntries: 0}
	log.LogBuf.LogEntries = make([]string, nEntry)
}

// Called by logger for each log entry
//
func (log LogTarget) Write(p []byte) (n int, err error) {
	log.LogBuf.Lock()
	defer log.LogBuf.Unlock()

	log.LogBuf.TotalEntries++

	if len(log.LogBuf.LogEntries) > 0 {
		copy(log.LogBuf.LogEntries[1:], log.LogBuf.LogEntries[:len(log.LogBuf.LogEntries)-1])
		log.LogBuf.LogEntries[0] = strings.TrimRight(string(p), " \t\n")
	}

	n = len(p)
	err = nil
	return
}
