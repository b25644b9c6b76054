package main

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

const textPrefix = "msg:"

var errNotText = errors.New("payload is not a text message")

type textBody struct {
	Text string `json:"text"`
}

// encodeText wraps text the way clients exchange plain messages:
// "msg:" followed by base64 of {"text": ...}.
func encodeText(text string) string {
	body, _ := json.Marshal(textBody{Text: text})
	return textPrefix + base64.StdEncoding.EncodeToString(body)
}

func decodeText(data string) (string, error) {
	rest, ok := strings.CutPrefix(data, textPrefix)
	if !ok {
		return "", errNotText
	}
	raw, err := base64.StdEncoding.DecodeString(rest)
	if err != nil {
		return "", fmt.Errorf("%w: %v", errNotText, err)
	}
	var body textBody
	if err := json.Unmarshal(raw, &body); err != nil {
		return "", fmt.Errorf("%w: %v", errNotText, err)
	}
	return body.Text, nil
}

// render formats a payload for display, falling back to the raw data for
// anything that is not a text message.
func render(data string) string {
	if text, err := decodeText(data); err == nil {
		return text
	}
	return data
}
