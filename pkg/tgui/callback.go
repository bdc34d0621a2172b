package tgui

import (
	"errors"
	"strings"
)

// MaxCallbackDataLen is Telegram's callback_data size limit in bytes.
// NOTE: This is the length of the full string: "scope:action:payload".
const MaxCallbackDataLen = 64

var ErrCallbackDataTooLong = errors.New("tgui: callback_data too long")

// Data formats inline callback data as "scope:action:payload".
// Payload is kept as-is (no escaping).
func Data(scope, action, payload string) string {
	scope = strings.TrimSpace(scope)
	action = strings.TrimSpace(action)
	if payload == "" {
		return scope + ":" + action
	}
	return scope + ":" + action + ":" + payload
}

// Split parses "scope:action:payload" callback data. Payload may be empty and
// may itself contain colons.
func Split(data string) (scope, action, payload string) {
	parts := strings.SplitN(data, ":", 3)
	if len(parts) > 0 {
		scope = parts[0]
	}
	if len(parts) > 1 {
		action = parts[1]
	}
	if len(parts) > 2 {
		payload = parts[2]
	}
	return scope, action, payload
}
