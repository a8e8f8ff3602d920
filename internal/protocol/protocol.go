// Package protocol frames the line-oriented messages exchanged with the
// low-level board over the serial link.
//
// The board reports one JSON object per line, discriminated by its "t" field.
// The host sends short space-separated ASCII commands, each carrying a
// sequence number that the board echoes back in an ack.
package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// Kind classifies a line received from the board.
type Kind string

const (
	KindTelemetry Kind = "telem"
	KindAck       Kind = "ack"
	KindFault     Kind = "fault"
	KindHello     Kind = "hello"
	KindUnknown   Kind = "unknown"
)

// ErrNotJSON is returned by Parse for lines that are not JSON objects.
var ErrNotJSON = errors.New("line is not a JSON object")

// Telemetry is the periodic sensor and actuator report from the board.
type Telemetry struct {
	UptimeMs        int64   `json:"ms"`
	UltrasonicFront float64 `json:"us_f"`
	UltrasonicBack  float64 `json:"us_b"`
	EncoderLeft     int64   `json:"enc_l"`
	EncoderRight    int64   `json:"enc_r"`
	PWMLeft         float64 `json:"pwm_l"`
	PWMRight        float64 `json:"pwm_r"`
	AccelX          float64 `json:"ax"`
	AccelY          float64 `json:"ay"`
	AccelZ          float64 `json:"az"`
	GyroZ           float64 `json:"gz"`
	BatteryVolts    float64 `json:"vbat"`
	EStop           bool    `json:"estop"`
}

type Ack struct {
	Seq uint32 `json:"seq"`
}

type Fault struct {
	Code    string `json:"code"`
	Message string `json:"msg"`
}

type Hello struct {
	Firmware string `json:"fw"`
}

// Message is a decoded board line. Exactly one of the typed fields is set,
// matching Kind.
type Message struct {
	Kind      Kind
	Telemetry *Telemetry
	Ack       *Ack
	Fault     *Fault
	Hello     *Hello
}

type envelope struct {
	Type string `json:"t"`
}

// Classify inspects a payload and returns its kind without fully decoding it.
// It is conservative: anything that is not a JSON object with a known "t"
// field is KindUnknown.
func Classify(line string) Kind {
	line = strings.TrimSpace(line)
	if !strings.HasPrefix(line, "{") {
		return KindUnknown
	}
	var env envelope
	if err := json.Unmarshal([]byte(line), &env); err != nil {
		return KindUnknown
	}
	switch Kind(env.Type) {
	case KindTelemetry, KindAck, KindFault, KindHello:
		return Kind(env.Type)
	}
	return KindUnknown
}

// Parse decodes a board line.
func Parse(line string) (Message, error) {
	line = strings.TrimSpace(line)
	if !strings.HasPrefix(line, "{") {
		return Message{Kind: KindUnknown}, ErrNotJSON
	}

	var env envelope
	if err := json.Unmarshal([]byte(line), &env); err != nil {
		return Message{Kind: KindUnknown}, fmt.Errorf("failed to unmarshal envelope: %w", err)
	}

	msg := Message{Kind: Kind(env.Type)}
	var target any
	switch msg.Kind {
	case KindTelemetry:
		msg.Telemetry = &Telemetry{}
		target = msg.Telemetry
	case KindAck:
		msg.Ack = &Ack{}
		target = msg.Ack
	case KindFault:
		msg.Fault = &Fault{}
		target = msg.Fault
	case KindHello:
		msg.Hello = &Hello{}
		target = msg.Hello
	default:
		return Message{Kind: KindUnknown}, fmt.Errorf("unknown message type %q", env.Type)
	}

	if err := json.Unmarshal([]byte(line), target); err != nil {
		return Message{Kind: KindUnknown}, fmt.Errorf("failed to unmarshal %s: %w", msg.Kind, err)
	}
	return msg, nil
}

// Encode renders a board message back into its line form. The simulated board
// uses it to speak the same protocol as the firmware.
func Encode(kind Kind, v any) (string, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	// splice the discriminator in front of the payload fields
	body := strings.TrimPrefix(string(b), "{")
	if body == "}" {
		return fmt.Sprintf(`{"t":%q}`, kind), nil
	}
	return fmt.Sprintf(`{"t":%q,%s`, kind, body), nil
}
