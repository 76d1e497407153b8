package quicly

import (
	"github.com/sirupsen/logrus"

	"github.com/bhesmans/quicly/transport"
)

// attachLogger wires transport log events into the endpoint logger. Events
// are only generated when the logger would keep them, so the callback is
// installed at debug level and below.
func (e *endpoint) attachLogger(c *Conn) {
	if !e.log.IsLevelEnabled(logrus.DebugLevel) {
		return
	}
	tl := transactionLogger{
		log:    e.log,
		fields: logrus.Fields{"cid": c.id, "addr": c.addr.String()},
	}
	c.conn.OnLogEvent(tl.logEvent)
}

func (e *endpoint) detachLogger(c *Conn) {
	c.conn.OnLogEvent(nil)
}

type transactionLogger struct {
	log    *logrus.Logger
	fields logrus.Fields
}

func (s *transactionLogger) logEvent(e transport.LogEvent) {
	entry := s.log.WithTime(e.Time).WithFields(s.fields)
	for _, f := range e.Fields {
		if f.Str != "" {
			entry = entry.WithField(f.Key, f.Str)
		} else {
			entry = entry.WithField(f.Key, f.Num)
		}
	}
	entry.Debug(e.Type)
}
