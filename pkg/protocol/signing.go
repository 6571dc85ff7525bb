package protocol

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
)

// signingPayload is the subset of Message fields that are signed.
// A dedicated struct ensures deterministic JSON marshal order.
type signingPayload struct {
	ID          string `json:"id"`
	SenderID    string `json:"sender_id"`
	RecipientID string `json:"recipient_id"`
	Type        string `json:"type"`
	Content     any    `json:"content"`
}

func messageMAC(msg *Message, secret string) (string, error) {
	canonical, err := json.Marshal(signingPayload{
		ID:          msg.ID,
		SenderID:    msg.SenderID,
		RecipientID: msg.RecipientID,
		Type:        msg.Type,
		Content:     msg.Content,
	})
	if err != nil {
		return "", err
	}
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(canonical)
	return hex.EncodeToString(mac.Sum(nil)), nil
}

// SignMessage computes an HMAC-SHA256 signature for the message and sets msg.Signature.
// If secret is empty, the message is left unsigned.
func SignMessage(msg *Message, secret string) error {
	if secret == "" {
		return nil
	}
	sig, err := messageMAC(msg, secret)
	if err != nil {
		return err
	}
	msg.Signature = sig
	return nil
}

// VerifyMessage checks the HMAC-SHA256 signature on a message.
// If secret is empty, verification is skipped (returns true).
// If the message has no signature but a secret is configured, returns false.
func VerifyMessage(msg *Message, secret string) bool {
	if secret == "" {
		return true
	}
	if msg.Signature == "" {
		return false
	}
	expected, err := messageMAC(msg, secret)
	if err != nil {
		return false
	}
	return hmac.Equal([]byte(expected), []byte(msg.Signature))
}
