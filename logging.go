// Discordgo - Discord bindings for Go
// Available at https://github.com/bwmarrin/discordgo

// Copyright 2015-2016 Bruce Marriner <bruce@sqls.net>.  All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// This file contains code related to betterdisco package logging

package betterdisco

import (
	"fmt"
	"runtime"
	"strings"

	log "github.com/sirupsen/logrus"
)

// LogLevel sets the level of the standard logrus logger used by every
// package of this module.
func LogLevel(level log.Level) {
	log.SetLevel(level)
}

// EnableSourceFields adds a "source" field (dir/file.go:line) to every log
// entry, pointing at the code that logged it.
func EnableSourceFields() {
	log.AddHook(&SourceCodeHook{})
}

// SourceCodeHook is a logrus hook recording the caller of each entry.
type SourceCodeHook struct{}

func (sch *SourceCodeHook) Levels() []log.Level {
	return log.AllLevels
}

func (sch *SourceCodeHook) Fire(e *log.Entry) error {
	file, line := findCaller()
	if file != "" {
		e.Data["source"] = fmt.Sprintf("%s:%d", file, line)
	}
	return nil
}

// findCaller walks up the stack past logrus' own frames.
func findCaller() (string, int) {
	pcs := make([]uintptr, 16)
	n := runtime.Callers(3, pcs)
	frames := runtime.CallersFrames(pcs[:n])
	for {
		frame, more := frames.Next()
		if !strings.Contains(frame.File, "sirupsen/logrus") {
			return shortPath(frame.File), frame.Line
		}
		if !more {
			return "", 0
		}
	}
}

// shortPath keeps the last directory and the file name.
func shortPath(file string) string {
	n := 0
	for i := len(file) - 1; i > 0; i-- {
		if file[i] == '/' {
			n++
			if n >= 2 {
				return file[i+1:]
			}
		}
	}
	return file
}
