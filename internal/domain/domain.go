// Package domain defines the wire and persistence shapes shared by the
// ingestion pipeline, the hub, storage, and the aggregation resolver.
package domain

import (
	"encoding/json"
	"fmt"
	"math"
)

// MovementState is the device's reported motion state.
type MovementState string

const (
	StateArrived    MovementState = "arrived"
	StateApproaching MovementState = "approaching"
	StatePassing    MovementState = "passing"
	StateMoving     MovementState = "moving"
)

// IsStationEvent reports whether state represents a discrete station event
// (arrived/passing) as opposed to continuous movement (moving/approaching).
func (s MovementState) IsStationEvent() bool {
	return s == StateArrived || s == StatePassing
}

// IsContinuous reports whether state represents continuous movement.
func (s MovementState) IsContinuous() bool {
	return s == StateMoving || s == StateApproaching
}

// DropsStationID reports whether station_id must be nulled before broadcast
// and persistence for this state.
func (s MovementState) DropsStationID() bool {
	return s == StateMoving || s == StateApproaching
}

func (s MovementState) Valid() bool {
	switch s {
	case StateArrived, StateApproaching, StatePassing, StateMoving:
		return true
	default:
		return false
	}
}

// LogLevel is the severity of a log event.
type LogLevel string

const (
	LogLevelDebug LogLevel = "debug"
	LogLevelInfo  LogLevel = "info"
	LogLevelWarn  LogLevel = "warn"
	LogLevelError LogLevel = "error"
)

func (l LogLevel) Valid() bool {
	switch l {
	case LogLevelDebug, LogLevelInfo, LogLevelWarn, LogLevelError:
		return true
	default:
		return false
	}
}

// LogType identifies the origin of a log event.
type LogType string

const (
	LogTypeSystem LogType = "system"
	LogTypeApp    LogType = "app"
	LogTypeClient LogType = "client"
)

func (t LogType) Valid() bool {
	switch t {
	case LogTypeSystem, LogTypeApp, LogTypeClient:
		return true
	default:
		return false
	}
}

// Coords is a single reported position.
type Coords struct {
	Latitude  float64  `json:"latitude"`
	Longitude float64  `json:"longitude"`
	Accuracy  *float64 `json:"accuracy,omitempty"`
	Speed     *float64 `json:"speed,omitempty"`
}

// ValidLatLon reports whether latitude/longitude are finite and in range.
func (c Coords) ValidLatLon() bool {
	return isFinite(c.Latitude) && isFinite(c.Longitude) &&
		c.Latitude >= -90 && c.Latitude <= 90 &&
		c.Longitude >= -180 && c.Longitude <= 180
}

// ValidAccuracy reports whether accuracy, if present, is finite and non-negative.
func (c Coords) ValidAccuracy() bool {
	if c.Accuracy == nil {
		return true
	}
	return isFinite(*c.Accuracy) && *c.Accuracy >= 0
}

// ValidSpeed reports whether speed, if present, is finite.
func (c Coords) ValidSpeed() bool {
	if c.Speed == nil {
		return true
	}
	return isFinite(*c.Speed)
}

func isFinite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}

// LogPayload is the nested log body of log events.
type LogPayload struct {
	Type    LogType  `json:"type"`
	Level   LogLevel `json:"level"`
	Message string   `json:"message"`
}

// IncomingLocation is a location_update message as received, before
// normalization.
type IncomingLocation struct {
	ID        *string       `json:"id,omitempty"`
	Device    string        `json:"device"`
	State     MovementState `json:"state"`
	StationID *int          `json:"station_id,omitempty"`
	LineID    int           `json:"line_id"`
	Coords    Coords        `json:"coords"`
	Timestamp int64         `json:"timestamp"`
}

// IncomingLog is a log message as received.
type IncomingLog struct {
	ID        *string    `json:"id,omitempty"`
	Device    string     `json:"device"`
	Timestamp int64      `json:"timestamp"`
	Log       LogPayload `json:"log"`
}

// IncomingSubscribe is a subscribe message.
type IncomingSubscribe struct {
	Device *string `json:"device,omitempty"`
}

// OutgoingLocation is a fully normalized, segment-annotated location event:
// the broadcast payload and the persisted row.
type OutgoingLocation struct {
	ID            string        `json:"id"`
	Device        string        `json:"device"`
	State         MovementState `json:"state"`
	StationID     *int          `json:"station_id"`
	LineID        int           `json:"line_id"`
	Coords        Coords        `json:"coords"`
	Timestamp     int64         `json:"timestamp"`
	SegmentID     *string       `json:"segment_id,omitempty"`
	FromStationID *int          `json:"from_station_id,omitempty"`
	ToStationID   *int          `json:"to_station_id,omitempty"`
}

// OutgoingLog is a fully normalized log event.
type OutgoingLog struct {
	ID        string     `json:"id"`
	Device    string     `json:"device"`
	Timestamp int64      `json:"timestamp"`
	Log       LogPayload `json:"log"`
}

// ErrorType enumerates the recoverable error kinds a client can be told about.
type ErrorType string

const (
	ErrWebsocketMessage ErrorType = "websocket_message_error"
	ErrJSONParse        ErrorType = "json_parse_error"
	ErrPayloadParse     ErrorType = "payload_parse_error"
	ErrAccuracyLow      ErrorType = "accuracy_low"
	ErrInvalidCoords    ErrorType = "invalid_coords"
	ErrUnknown          ErrorType = "unknown"
)

// OutgoingError is sent to a single client only, never broadcast.
type OutgoingError struct {
	Type   ErrorType `json:"type"`
	Reason string    `json:"reason"`
}

// locationEnvelope, logEnvelope and errorEnvelope are the discriminated-union
// wire wrappers for outgoing messages: {"type": "...", ...fields}.
type locationEnvelope struct {
	Type string `json:"type"`
	OutgoingLocation
}

type logEnvelope struct {
	Type string `json:"type"`
	OutgoingLog
}

type errorEnvelope struct {
	Type  string        `json:"type"`
	Error OutgoingError `json:"error"`
}

// MarshalLocation serializes a location event with its "location_update" tag.
func MarshalLocation(loc OutgoingLocation) ([]byte, error) {
	return json.Marshal(locationEnvelope{Type: "location_update", OutgoingLocation: loc})
}

// MarshalLog serializes a log event with its "log" tag.
func MarshalLog(l OutgoingLog) ([]byte, error) {
	return json.Marshal(logEnvelope{Type: "log", OutgoingLog: l})
}

// MarshalError serializes an error with its "error" tag.
func MarshalError(e OutgoingError) ([]byte, error) {
	return json.Marshal(errorEnvelope{Type: "error", Error: e})
}

// IncomingMessage is the parsed discriminated union of client-sent messages.
type IncomingMessage struct {
	Kind      string
	Subscribe IncomingSubscribe
	Location  IncomingLocation
	Log       IncomingLog
}

type taggedMessage struct {
	Type string `json:"type"`
}

// ParseIncoming decodes a text frame into the tagged incoming message union.
func ParseIncoming(data []byte) (IncomingMessage, error) {
	var tag taggedMessage
	if err := json.Unmarshal(data, &tag); err != nil {
		return IncomingMessage{}, fmt.Errorf("parse message tag: %w", err)
	}
	switch tag.Type {
	case "subscribe":
		var sub IncomingSubscribe
		if err := json.Unmarshal(data, &sub); err != nil {
			return IncomingMessage{}, fmt.Errorf("parse subscribe: %w", err)
		}
		return IncomingMessage{Kind: "subscribe", Subscribe: sub}, nil
	case "location_update":
		var loc IncomingLocation
		if err := json.Unmarshal(data, &loc); err != nil {
			return IncomingMessage{}, fmt.Errorf("parse location_update: %w", err)
		}
		return IncomingMessage{Kind: "location_update", Location: loc}, nil
	case "log":
		var l IncomingLog
		if err := json.Unmarshal(data, &l); err != nil {
			return IncomingMessage{}, fmt.Errorf("parse log: %w", err)
		}
		return IncomingMessage{Kind: "log", Log: l}, nil
	default:
		return IncomingMessage{}, fmt.Errorf("unknown message type %q", tag.Type)
	}
}
