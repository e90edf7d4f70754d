package webhook

import (
	"bytes"
	_ "embed"
	"encoding/base64"
	"fmt"
	"strings"

	"github.com/goccy/go-json"
	"github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/Martian-dev/inbox-relay/internal/sync"
)

//go:embed schema/push-envelope.json
var envelopeSchemaJSON string

//go:embed schema/mailbox-notification.json
var notificationSchemaJSON string

const (
	envelopeSchemaURL     = "https://inbox-relay.local/schema/push-envelope.json"
	notificationSchemaURL = "https://inbox-relay.local/schema/mailbox-notification.json"
)

// Push is a decoded Pub/Sub push delivery
type Push struct {
	HistoryID    string
	EmailAddress string
	MessageID    string
	PublishTime  string
	Subscription string
	// Payload is the decoded message data
	Payload []byte
}

type pushEnvelope struct {
	Message struct {
		Data        string `json:"data"`
		MessageID   string `json:"messageId"`
		PublishTime string `json:"publishTime"`
	} `json:"message"`
	Subscription string `json:"subscription"`
}

type mailboxNotification struct {
	EmailAddress string    `json:"emailAddress"`
	HistoryID    historyID `json:"historyId"`
}

// historyID accepts both a JSON number and a JSON string
type historyID string

func (h *historyID) UnmarshalJSON(b []byte) error {
	s := strings.TrimSpace(string(b))
	if s == "null" {
		return nil
	}
	if strings.HasPrefix(s, `"`) {
		var str string
		if err := json.Unmarshal(b, &str); err != nil {
			return err
		}
		*h = historyID(strings.TrimSpace(str))
		return nil
	}
	*h = historyID(s)
	return nil
}

// Decoder validates and decodes push bodies
type Decoder struct {
	envelope     *jsonschema.Schema
	notification *jsonschema.Schema
}

func NewDecoder() (*Decoder, error) {
	c := jsonschema.NewCompiler()
	for url, text := range map[string]string{
		envelopeSchemaURL:     envelopeSchemaJSON,
		notificationSchemaURL: notificationSchemaJSON,
	} {
		doc, err := jsonschema.UnmarshalJSON(strings.NewReader(text))
		if err != nil {
			return nil, fmt.Errorf("parse schema %s: %w", url, err)
		}
		if err := c.AddResource(url, doc); err != nil {
			return nil, fmt.Errorf("add schema %s: %w", url, err)
		}
	}
	envelope, err := c.Compile(envelopeSchemaURL)
	if err != nil {
		return nil, fmt.Errorf("compile envelope schema: %w", err)
	}
	notification, err := c.Compile(notificationSchemaURL)
	if err != nil {
		return nil, fmt.Errorf("compile notification schema: %w", err)
	}
	return &Decoder{envelope: envelope, notification: notification}, nil
}

// Decode turns a push body into a Push. Every failure wraps ErrInvalidEnvelope.
// The history id is returned as sent; judging it is left to the cursor gate.
func (d *Decoder) Decode(body []byte) (*Push, error) {
	if err := validate(d.envelope, body); err != nil {
		return nil, fmt.Errorf("%w: %v", sync.ErrInvalidEnvelope, err)
	}
	var env pushEnvelope
	if err := json.Unmarshal(body, &env); err != nil {
		return nil, fmt.Errorf("%w: %v", sync.ErrInvalidEnvelope, err)
	}

	payload, err := decodeData(env.Message.Data)
	if err != nil {
		return nil, fmt.Errorf("%w: message.data: %v", sync.ErrInvalidEnvelope, err)
	}
	if err := validate(d.notification, payload); err != nil {
		return nil, fmt.Errorf("%w: notification: %v", sync.ErrInvalidEnvelope, err)
	}
	var n mailboxNotification
	if err := json.Unmarshal(payload, &n); err != nil {
		return nil, fmt.Errorf("%w: notification: %v", sync.ErrInvalidEnvelope, err)
	}
	if n.HistoryID == "" {
		return nil, fmt.Errorf("%w: notification has no historyId", sync.ErrInvalidEnvelope)
	}

	return &Push{
		HistoryID:    string(n.HistoryID),
		EmailAddress: strings.TrimSpace(n.EmailAddress),
		MessageID:    env.Message.MessageID,
		PublishTime:  env.Message.PublishTime,
		Subscription: env.Subscription,
		Payload:      payload,
	}, nil
}

func validate(schema *jsonschema.Schema, doc []byte) error {
	inst, err := jsonschema.UnmarshalJSON(bytes.NewReader(doc))
	if err != nil {
		return fmt.Errorf("malformed JSON: %w", err)
	}
	return schema.Validate(inst)
}

var encodings = []*base64.Encoding{
	base64.URLEncoding,
	base64.StdEncoding,
	base64.RawURLEncoding,
	base64.RawStdEncoding,
}

// decodeData accepts URL-safe and standard base64, padded or not
func decodeData(data string) ([]byte, error) {
	data = strings.TrimSpace(data)
	var lastErr error
	for _, enc := range encodings {
		out, err := enc.DecodeString(data)
		if err == nil {
			return out, nil
		}
		lastErr = err
	}
	return nil, lastErr
}
