// Package sink holds ready-made handlers: stdout printing, webhook
// forwarding, PostgreSQL archiving, and the buffering and fan-out helpers
// that combine them.
package sink

import (
	"encoding/base64"
	"time"
	"unicode/utf8"

	"github.com/bytedance/sonic"

	"qbridge/internal/pkg/errors"
	"qbridge/internal/registry"
)

// EncodingBase64 marks a payload that was not valid UTF-8.
const EncodingBase64 = "base64"

// Envelope is the JSON form of a message. Payload holds the bytes as text
// when they are valid UTF-8, and base64 with PayloadEncoding set otherwise.
type Envelope struct {
	Queue           string    `json:"queue"`
	Source          string    `json:"source"`
	DeliveryID      string    `json:"delivery_id"`
	ReceivedAt      time.Time `json:"received_at"`
	Payload         string    `json:"payload"`
	PayloadEncoding string    `json:"payload_encoding,omitempty"`
}

func NewEnvelope(msg registry.Message) Envelope {
	env := Envelope{
		Queue:      msg.Queue,
		Source:     string(msg.Source),
		DeliveryID: msg.DeliveryID,
		ReceivedAt: msg.ReceivedAt.UTC(),
	}
	if utf8.Valid(msg.Payload) {
		env.Payload = string(msg.Payload)
	} else {
		env.Payload = base64.StdEncoding.EncodeToString(msg.Payload)
		env.PayloadEncoding = EncodingBase64
	}
	return env
}

// PayloadBytes returns the original payload bytes.
func (e Envelope) PayloadBytes() ([]byte, error) {
	switch e.PayloadEncoding {
	case "":
		return []byte(e.Payload), nil
	case EncodingBase64:
		b, err := base64.StdEncoding.DecodeString(e.Payload)
		if err != nil {
			return nil, errors.WrapWithCode(err, errors.CodeValidation, "sink.envelope", "payload is not base64")
		}
		return b, nil
	default:
		return nil, errors.ValidationField("payload_encoding", "unknown payload encoding").
			WithField("encoding", e.PayloadEncoding)
	}
}

func marshalEnvelope(msg registry.Message) ([]byte, error) {
	return sonic.Marshal(NewEnvelope(msg))
}
