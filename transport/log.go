package transport

import (
	"bytes"
	"fmt"
	"strconv"
	"time"
)

// Supported log events
// https://quiclog.github.io/internet-drafts/draft-marx-qlog-event-definitions-quic-h3.html
const (
	logEventPacketReceived  = "packet_received"
	logEventPacketSent      = "packet_sent"
	logEventPacketDropped   = "packet_dropped"
	logEventFramesProcessed = "frames_processed"
)

// LogEvent is an event emitted by a connection.
type LogEvent struct {
	Time   time.Time
	Type   string
	Fields []LogField
}

func newLogEvent(tm time.Time, tp string) LogEvent {
	return LogEvent{
		Time:   tm,
		Type:   tp,
		Fields: make([]LogField, 0, 8),
	}
}

func (s *LogEvent) addField(k string, v interface{}) {
	s.Fields = append(s.Fields, newLogField(k, v))
}

func (s LogEvent) String() string {
	buf := bytes.Buffer{}
	buf.WriteString(s.Time.Format(time.RFC3339))
	buf.WriteString(" ")
	buf.WriteString(s.Type)
	for _, f := range s.Fields {
		buf.WriteString(" ")
		buf.WriteString(f.String())
	}
	return buf.String()
}

// LogField represents a number or string value.
type LogField struct {
	Key string // Field name
	Str string // String value
	Num uint64 // Number value
}

func newLogField(key string, val interface{}) LogField {
	s := LogField{
		Key: key,
	}
	switch val := val.(type) {
	case int:
		s.Num = uint64(val)
	case int64:
		s.Num = uint64(val)
	case uint:
		s.Num = uint64(val)
	case uint8:
		s.Num = uint64(val)
	case uint16:
		s.Num = uint64(val)
	case uint32:
		s.Num = uint64(val)
	case uint64:
		s.Num = val
	case bool:
		s.Str = strconv.FormatBool(val)
	case string:
		s.Str = val
	default:
		panic("unsupported type for log field")
	}
	return s
}

func (s LogField) String() string {
	if s.Str == "" {
		return fmt.Sprintf("%s=%d", s.Key, s.Num)
	}
	return fmt.Sprintf("%s=%s", s.Key, s.Str)
}

// Log packets

func newLogEventPacket(tm time.Time, tp string, p *packet) LogEvent {
	e := newLogEvent(tm, tp)
	e.addField("packet_type", p.typ.String())
	if p.version > 0 {
		e.addField("version", p.version)
	}
	if p.hasCID {
		e.addField("cid", fmt.Sprintf("%016x", p.cid))
	}
	e.addField("packet_number", p.packetNumber)
	return e
}

// Log frames

func newLogEventFrame(tm time.Time, tp string, f frame) LogEvent {
	e := newLogEvent(tm, tp)
	switch f := f.(type) {
	case *paddingFrame:
		e.addField("frame_type", "padding")
		e.addField("length", int(*f))
	case *rstStreamFrame:
		e.addField("frame_type", "rst_stream")
		e.addField("stream_id", f.streamID)
		e.addField("error_code", f.errorCode)
		e.addField("final_offset", f.finalOffset)
	case *stopSendingFrame:
		e.addField("frame_type", "stop_sending")
		e.addField("stream_id", f.streamID)
		e.addField("error_code", f.errorCode)
	case *maxDataFrame:
		e.addField("frame_type", "max_data")
		e.addField("maximum", f.maximumData)
	case *maxStreamDataFrame:
		e.addField("frame_type", "max_stream_data")
		e.addField("stream_id", f.streamID)
		e.addField("maximum", f.maximumData)
	case *ackFrame:
		e.addField("frame_type", "ack")
		e.addField("largest_ack", f.largestAck)
		e.addField("ack_delay", f.ackDelay)
	case *streamFrame:
		e.addField("frame_type", "stream")
		e.addField("stream_id", f.streamID)
		e.addField("offset", f.offset)
		e.addField("length", len(f.data))
		e.addField("fin", f.fin)
	}
	return e
}
