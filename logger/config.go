// Copyright (c) 2015-2021, NVIDIA CORPORATION.
// SPDX-License-Identifier: Apache-2.0

package logger

import (
	"io"
	"os"
	"sync"

	log "github.com/sirupsen/logrus"

	"github.com/NVIDIA/crawlstate/conf"
)

// multiWriter fans each log message out to every registered io.Writer
type multiWriter struct {
	sync.Mutex
	writers []io.Writer
}

func (mw *multiWriter) addWriter(writer io.Writer) {
	mw.Lock()
	mw.writers = append(mw.writers, writer)
	mw.Unlock()
}

func (mw *multiWriter) Write(p []byte) (n int, err error) {
	mw.Lock()
	defer mw.Unlock()

	for _, writer := range mw.writers {
		n, err = writer.Write(p)
		if nil != err {
			return
		}
	}

	n = len(p)
	err = nil
	return
}

var (
	logFile   *os.File
	logOutput = &multiWriter{}
)

func addLogTarget(writer io.Writer) {
	logOutput.addWriter(writer)
}

// Up configures logging from the [Logging] section of confMap. All options are optional.
func Up(confMap conf.ConfMap) (err error) {
	log.SetFormatter(&log.TextFormatter{DisableColors: true})

	logOutput = &multiWriter{}

	logFilePath, _ := confMap.FetchOptionValueString("Logging", "LogFilePath")
	if logFilePath != "" {
		logFile, err = os.OpenFile(logFilePath, os.O_RDWR|os.O_CREATE|os.O_APPEND, 0666)
		if err != nil {
			log.Errorf("couldn't open log file: %v", err)
			return err
		}
		logOutput.addWriter(logFile)
	}

	// Determine whether we should log to console. Default is false
	// unless no LogFilePath was supplied, where stderr is the only choice.
	logToConsole, err := confMap.FetchOptionValueBool("Logging", "LogToConsole")
	if err != nil {
		logToConsole = false
	}
	if logToConsole || (logFilePath == "") {
		logOutput.addWriter(os.Stderr)
	}

	log.SetOutput(logOutput)

	// NOTE: We always enable max logging in logrus, and decide in
	//       this package whether to log
	log.SetLevel(log.DebugLevel)

	traceConfSlice, _ := confMap.FetchOptionValueStringSlice("Logging", "TraceLevelLogging")
	setTraceLoggingLevel(traceConfSlice)

	return nil
}

// Down restores logrus defaults and closes the log file we opened, if any
func Down() (err error) {
	log.SetOutput(os.Stderr)
	setTraceLoggingLevel(nil)

	if logFile != nil {
		err = logFile.Close()
		logFile = nil
	}
	return
}
