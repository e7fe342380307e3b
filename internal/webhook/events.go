package webhook

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/atendai/atendai/internal/convo"
)

// Gateway event names this handler reacts to.
const (
	EventMessagesUpsert   = "messages.upsert"
	EventConnectionUpdate = "connection.update"
	EventQRCodeUpdated    = "qrcode.updated"
)

// payload is the envelope the channel gateway posts for every event.
type payload struct {
	Event    string          `json:"event"`
	Instance string          `json:"instance"`
	Data     json.RawMessage `json:"data"`
}

type messageKey struct {
	RemoteJID string `json:"remoteJid"`
	FromMe    bool   `json:"fromMe"`
	ID        string `json:"id"`
}

type messageBody struct {
	Conversation        string `json:"conversation"`
	ExtendedTextMessage *struct {
		Text string `json:"text"`
	} `json:"extendedTextMessage"`
	AudioMessage *struct {
		URL      string `json:"url"`
		MimeType string `json:"mimetype"`
	} `json:"audioMessage"`
}

type messageUpsert struct {
	Key              messageKey  `json:"key"`
	PushName         string      `json:"pushName"`
	Message          messageBody `json:"message"`
	MessageType      string      `json:"messageType"`
	MessageTimestamp int64       `json:"messageTimestamp"`
}

type connectionUpdate struct {
	State string `json:"state"`
}

// parseInbound maps a messages.upsert payload onto the pipeline's
// inbound event. Unsupported message types (stickers, reactions,
// location pins) come back as ok=false and are acknowledged silently.
func parseInbound(instance string, raw json.RawMessage) (convo.InboundEvent, bool, error) {
	var up messageUpsert
	if err := json.Unmarshal(raw, &up); err != nil {
		return convo.InboundEvent{}, false, fmt.Errorf("decode messages.upsert: %w", err)
	}
	if up.Key.RemoteJID == "" {
		return convo.InboundEvent{}, false, fmt.Errorf("messages.upsert without remoteJid")
	}

	ev := convo.InboundEvent{
		Key:       convo.Key{Instance: instance, Address: up.Key.RemoteJID},
		MessageID: up.Key.ID,
		FromMe:    up.Key.FromMe,
		FromBot:   isBotJID(up.Key.RemoteJID),
		IsGroup:   strings.HasSuffix(up.Key.RemoteJID, "@g.us"),
		PushName:  up.PushName,
		Timestamp: time.Unix(up.MessageTimestamp, 0),
	}
	if up.MessageTimestamp == 0 {
		ev.Timestamp = time.Now()
	}

	switch {
	case up.Message.Conversation != "":
		ev.Kind = convo.KindText
		ev.Content = up.Message.Conversation
	case up.Message.ExtendedTextMessage != nil && up.Message.ExtendedTextMessage.Text != "":
		ev.Kind = convo.KindText
		ev.Content = up.Message.ExtendedTextMessage.Text
	case up.Message.AudioMessage != nil:
		ev.Kind = convo.KindAudio
		ev.MediaURL = up.Message.AudioMessage.URL
	default:
		return convo.InboundEvent{}, false, nil
	}
	return ev, true, nil
}

// isBotJID flags senders that are platform constructs rather than
// people: broadcast lists and newsletter channels.
func isBotJID(jid string) bool {
	return strings.HasSuffix(jid, "@newsletter") ||
		strings.HasSuffix(jid, "@broadcast") ||
		jid == "status@broadcast"
}
