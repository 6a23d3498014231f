// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package packet

import (
	"sync/atomic"

	"github.com/sirupsen/logrus"
)

type loggerHolder struct {
	logrus.FieldLogger
}

var pkgLogger atomic.Pointer[loggerHolder]

func init() {
	pkgLogger.Store(&loggerHolder{logrus.StandardLogger()})
}

// SetLogger replaces the logger used by parsers, connections and servers.
// A nil logger restores the logrus standard logger.
func SetLogger(l logrus.FieldLogger) {
	if l == nil {
		l = logrus.StandardLogger()
	}
	pkgLogger.Store(&loggerHolder{l})
}

func logger() logrus.FieldLogger {
	return pkgLogger.Load().FieldLogger
}
