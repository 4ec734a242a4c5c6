package store

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/google/uuid"
)

func joinComma(parts []string) string {
	return strings.Join(parts, ", ")
}

func newUUID() string {
	return uuid.NewString()
}

func marshalAny(v any) (string, error) {
	b, err := json.Marshal(v)
	return string(b), err
}

func nowRFC3339() string {
	return time.Now().UTC().Format(time.RFC3339Nano)
}
