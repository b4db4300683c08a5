package dwire

import (
	"sync/atomic"

	"github.com/sirupsen/logrus"
)

// defaultLogger backs any Session created without an explicit
// SessionConfig.Logger.
var defaultLogger = logrus.New()

var nextSessionID atomic.Uint64

func newSessionLogger(l *logrus.Logger) *logrus.Entry {
	if l == nil {
		l = defaultLogger
	}
	id := nextSessionID.Add(1)
	return l.WithField("session", id)
}
