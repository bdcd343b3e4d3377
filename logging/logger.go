/*
 * Copyright 2021. Go-Rwsplit Author All Rights Reserved.
 *
 *  Licensed under the Apache License, Version 2.0 (the "License");
 *  you may not use this file except in compliance with the License.
 *  You may obtain a copy of the License at
 *
 *      http://www.apache.org/licenses/LICENSE-2.0
 *
 *  Unless required by applicable law or agreed to in writing, software
 *  distributed under the License is distributed on an "AS IS" BASIS,
 *  WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 *  See the License for the specific language governing permissions and
 *  limitations under the License.
 */

package logging

import (
	"os"
	"sync"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var loggerMutex sync.RWMutex // guards access to global logger state

// loggers is the set of loggers in the system
var loggers = make(map[string]*zap.SugaredLogger)

var levels = make(map[string]zap.AtomicLevel)
var defaultLevel = zapcore.InfoLevel
var output = zapcore.AddSync(os.Stdout)

var logCore = newCore(ColorizedOutput, output, defaultLevel)

func newCore(format LogFormat, sink zapcore.WriteSyncer, level zapcore.LevelEnabler) zapcore.Core {
	encCnf := zap.NewProductionEncoderConfig()
	encCnf.EncodeTime = zapcore.ISO8601TimeEncoder

	var enc zapcore.Encoder
	switch format {
	case JSONOutput:
		enc = zapcore.NewJSONEncoder(encCnf)
	case ColorizedOutput:
		encCnf.EncodeLevel = zapcore.CapitalColorLevelEncoder
		enc = zapcore.NewConsoleEncoder(encCnf)
	default:
		encCnf.EncodeLevel = zapcore.CapitalLevelEncoder
		enc = zapcore.NewConsoleEncoder(encCnf)
	}
	return zapcore.NewCore(enc, sink, level)
}

// DefaultLogger is the logger used when no component logger applies.
var DefaultLogger = GetLogger("rwsplit-proxy")

// GetLogger returns the named logger, creating it on first use. Loggers
// share the process wide core and keep an individually adjustable level.
func GetLogger(name string) *zap.SugaredLogger {
	loggerMutex.Lock()
	defer loggerMutex.Unlock()
	log, ok := loggers[name]
	if !ok {
		levels[name] = zap.NewAtomicLevelAt(defaultLevel)

		log = zap.New(logCore, zap.AddCaller()).
			WithOptions(zap.IncreaseLevel(levels[name])).
			Named(name).
			Sugar()

		loggers[name] = log
	}

	return log
}

// SetLevel adjusts the level of the named logger. Unknown names are
// ignored.
func SetLevel(name string, level zapcore.Level) {
	loggerMutex.Lock()
	defer loggerMutex.Unlock()
	if l, ok := levels[name]; ok {
		l.SetLevel(level)
	}
}
