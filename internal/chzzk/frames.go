package chzzk

import (
	"encoding/json"
	"log"
)

// Wire protocol command codes.
const (
	CmdPing        = 0
	CmdConnect     = 100
	CmdPong        = 10000
	CmdConnected   = 10100
	CmdChat        = 93101
	CmdSpecialChat = 93102
)

// Message type codes carried inside chat frame bodies.
const (
	msgTypeText     = 1
	msgTypeDonation = 10
)

// Frame is the JSON envelope used by the chat server in both directions.
// Bodies vary by command: CONNECTED carries an object, CHAT/SPECIAL_CHAT
// carry a list of message records.
type Frame struct {
	SvcID   string          `json:"svcid,omitempty"`
	Ver     string          `json:"ver,omitempty"`
	Cmd     int             `json:"cmd"`
	TID     int             `json:"tid,omitempty"`
	CID     string          `json:"cid,omitempty"`
	Body    json.RawMessage `json:"bdy,omitempty"`
	RetCode int             `json:"retCode,omitempty"`
	RetMsg  string          `json:"retMsg,omitempty"`
}

// MessageType distinguishes decoded chat records.
type MessageType int

const (
	MessageText     MessageType = iota // regular chat
	MessageDonation                    // donation / cheer
)

// Message is a chat record decoded from a CHAT or SPECIAL_CHAT frame body,
// with field-name aliases already resolved to one canonical shape so
// downstream code never inspects optional keys.
type Message struct {
	Type         MessageType
	ID           string
	Text         string
	User         string
	UserID       string
	TimeMs       int64 // server-side message time, ms since epoch
	Amount       int64
	DonationType string
}

// rawRecord covers both field-name dialects the server emits. Profile and
// extras arrive as JSON-encoded strings, not nested objects.
type rawRecord struct {
	MsgID           string `json:"msgId"`
	MessageID       string `json:"messageId"`
	Msg             string `json:"msg"`
	Content         string `json:"content"`
	MsgTime         int64  `json:"msgTime"`
	MessageTime     int64  `json:"messageTime"`
	MsgTypeCode     int    `json:"msgTypeCode"`
	MessageTypeCode int    `json:"messageTypeCode"`
	Profile         string `json:"profile"`
	Extras          string `json:"extras"`
}

type rawProfile struct {
	Nickname   string `json:"nickname"`
	UserIDHash string `json:"userIdHash"`
}

type rawExtras struct {
	DonationType   string `json:"donationType"`
	PayAmount      int64  `json:"payAmount"`
	DonationAmount int64  `json:"donationAmount"`
	Amount         int64  `json:"amount"`
}

// DecodeMessages parses a CHAT/SPECIAL_CHAT frame body into canonical
// messages, preserving arrival order. Records with unknown type codes are
// dropped with a debug note; malformed records are skipped.
func DecodeMessages(body json.RawMessage) []Message {
	if len(body) == 0 {
		return nil
	}

	var records []json.RawMessage
	if err := json.Unmarshal(body, &records); err != nil {
		log.Printf("chzzk: chat body is not a list: %v", err)
		return nil
	}

	out := make([]Message, 0, len(records))
	for _, raw := range records {
		var rec rawRecord
		if err := json.Unmarshal(raw, &rec); err != nil {
			log.Printf("chzzk: skipping malformed chat record: %v", err)
			continue
		}

		typeCode := rec.MsgTypeCode
		if typeCode == 0 {
			typeCode = rec.MessageTypeCode
		}
		if typeCode == 0 {
			typeCode = msgTypeText
		}

		msg := Message{
			ID:     firstNonEmpty(rec.MsgID, rec.MessageID),
			Text:   firstNonEmpty(rec.Msg, rec.Content),
			TimeMs: firstNonZero(rec.MsgTime, rec.MessageTime),
		}
		msg.User, msg.UserID = parseProfile(rec.Profile)

		switch typeCode {
		case msgTypeText:
			msg.Type = MessageText
		case msgTypeDonation:
			msg.Type = MessageDonation
			msg.DonationType, msg.Amount = parseDonationExtras(rec.Extras)
		default:
			log.Printf("chzzk: dropping message with unhandled type code %d", typeCode)
			continue
		}

		out = append(out, msg)
	}
	return out
}

func parseProfile(encoded string) (nickname, userID string) {
	if encoded == "" || encoded == "{}" {
		return "", ""
	}
	var p rawProfile
	if err := json.Unmarshal([]byte(encoded), &p); err != nil {
		log.Printf("chzzk: unparseable profile payload: %v", err)
		return "", ""
	}
	return p.Nickname, p.UserIDHash
}

func parseDonationExtras(encoded string) (donationType string, amount int64) {
	donationType = "unknown"
	if encoded == "" || encoded == "{}" {
		return donationType, 0
	}
	var e rawExtras
	if err := json.Unmarshal([]byte(encoded), &e); err != nil {
		log.Printf("chzzk: unparseable donation extras: %v", err)
		return donationType, 0
	}
	if e.DonationType != "" {
		donationType = e.DonationType
	}
	// Amount lives under differing keys depending on the donation kind.
	amount = firstNonZero(e.PayAmount, e.DonationAmount, e.Amount)
	return donationType, amount
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

func firstNonZero(values ...int64) int64 {
	for _, v := range values {
		if v != 0 {
			return v
		}
	}
	return 0
}
