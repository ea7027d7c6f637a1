package chatapi

import (
	"bytes"
	"encoding/json"
	"errors"
	"strings"
)

// unwrapList accepts the two list envelopes the backend uses: a bare array
// or {"data": [...]}. found is false for anything else.
func unwrapList(body []byte) (items []json.RawMessage, found bool) {
	body = bytes.TrimSpace(body)
	if len(body) == 0 {
		return nil, false
	}
	switch body[0] {
	case '[':
		if err := json.Unmarshal(body, &items); err != nil {
			return nil, false
		}
		return items, true
	case '{':
		var env struct {
			Data json.RawMessage `json:"data"`
		}
		if err := json.Unmarshal(body, &env); err != nil {
			return nil, false
		}
		data := bytes.TrimSpace(env.Data)
		if len(data) == 0 || data[0] != '[' {
			return nil, false
		}
		if err := json.Unmarshal(data, &items); err != nil {
			return nil, false
		}
		return items, true
	}
	return nil, false
}

// unwrapObject strips a {"data": {...}} envelope when present.
func unwrapObject(body []byte) []byte {
	body = bytes.TrimSpace(body)
	var env struct {
		Data json.RawMessage `json:"data"`
	}
	if err := json.Unmarshal(body, &env); err == nil {
		if data := bytes.TrimSpace(env.Data); len(data) > 0 && data[0] == '{' {
			return data
		}
	}
	return body
}

// apiError extracts a readable message from an error body. The backend
// answers with {"error": "..."}, {"message": "..."} or plain text.
func apiError(body []byte) error {
	var e struct {
		Error   string `json:"error"`
		Message string `json:"message"`
	}
	if err := json.Unmarshal(body, &e); err == nil {
		if e.Error != "" {
			return errors.New(e.Error)
		}
		if e.Message != "" {
			return errors.New(e.Message)
		}
	}
	msg := strings.TrimSpace(string(body))
	if msg == "" {
		msg = "empty response"
	}
	return errors.New(preview([]byte(msg)))
}

func preview(body []byte) string {
	const limit = 200
	if len(body) > limit {
		return string(body[:limit]) + "..."
	}
	return string(body)
}
