// Copyright 2025 Google LLC
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package logs controls debug logging for the compiler.
//
// Verbosity is read once from the ARRC_DEBUG environment variable:
// unset or 0 is silent, 1 logs compilation passes, 2 additionally logs
// per-node decisions. Logging never changes compilation outputs.
package logs

import (
	"log"
	"os"
	"strconv"
)

// EnvVar is the environment variable selecting the debug verbosity.
const EnvVar = "ARRC_DEBUG"

// Levels of verbosity.
const (
	Silent = iota
	Passes
	Nodes
)

var level = levelFromEnv()

func levelFromEnv() int {
	s := os.Getenv(EnvVar)
	if s == "" {
		return Silent
	}
	l, err := strconv.Atoi(s)
	if err != nil || l < Silent {
		return Silent
	}
	return l
}

// At returns true if the given verbosity level is enabled.
func At(l int) bool {
	return level >= l
}

// Printf logs a message if the given verbosity level is enabled.
func Printf(l int, format string, args ...any) {
	if level < l {
		return
	}
	log.Printf(format, args...)
}

// SetLevel overrides the verbosity read from the environment.
// Used by tests.
func SetLevel(l int) int {
	prev := level
	level = l
	return prev
}
