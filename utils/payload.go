package utils

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/dop251/goja"
)

// AntiHijackPrefix precedes every structured reCAPTCHA response body.
const AntiHijackPrefix = ")]}'"

var ErrNotArray = errors.New("payload is not an array literal")

// Payload is a decoded positional array message.
type Payload []interface{}

// StripAntiHijack removes the prefix and the newline that follows it.
func StripAntiHijack(data []byte) []byte {
	data = bytes.TrimLeft(data, " \t\r\n")
	if bytes.HasPrefix(data, []byte(AntiHijackPrefix)) {
		data = data[len(AntiHijackPrefix):]
	}
	return bytes.TrimLeft(data, "\r\n")
}

// DecodePayload parses a structured response body. Strict JSON is tried
// first; bodies that are JS array literals (elided slots, single quoted
// strings) are evaluated in an isolated runtime.
func DecodePayload(data []byte) (Payload, error) {
	data = StripAntiHijack(data)
	if len(data) == 0 || data[0] != '[' {
		return nil, ErrNotArray
	}

	var out []interface{}
	if err := json.Unmarshal(data, &out); err == nil {
		return Payload(out), nil
	}

	return evalArrayLiteral(string(data))
}

func evalArrayLiteral(src string) (Payload, error) {
	vm := goja.New()
	timer := time.AfterFunc(200*time.Millisecond, func() {
		vm.Interrupt("payload evaluation timed out")
	})
	defer timer.Stop()

	// parenthesized so the literal is an expression, not a block
	value, err := vm.RunString("(" + src + ")")
	if err != nil {
		return nil, fmt.Errorf("evaluate payload: %w", err)
	}
	exported, ok := value.Export().([]interface{})
	if !ok {
		return nil, ErrNotArray
	}
	return Payload(exported), nil
}

// At walks nested arrays by index.
func (p Payload) At(path ...int) (interface{}, bool) {
	var cur interface{} = []interface{}(p)
	for _, idx := range path {
		arr, ok := cur.([]interface{})
		if !ok || idx < 0 || idx >= len(arr) {
			return nil, false
		}
		cur = arr[idx]
	}
	return cur, true
}

// String formats the element at path the way a loose comparison would see it.
func (p Payload) String(path ...int) (string, bool) {
	v, ok := p.At(path...)
	if !ok || v == nil {
		return "", false
	}
	switch t := v.(type) {
	case string:
		return t, true
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64), true
	case int64:
		return strconv.FormatInt(t, 10), true
	case bool:
		return strconv.FormatBool(t), true
	default:
		return fmt.Sprint(t), true
	}
}
