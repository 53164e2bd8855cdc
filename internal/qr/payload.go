// Package qr parses, renders and decodes collection-point QR codes.
package qr

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/indraafito/EcoTrade-sub000/internal/model"
)

// Scheme prefixes the delimited form of codes issued by this server.
const Scheme = "ecotrade"

// TimestampLayout matches the ISO-8601 rendering used for delimited timestamps.
const TimestampLayout = "2006-01-02T15:04:05.000Z"

var delimitedPattern = regexp.MustCompile(`^[^:]+:location:([0-9a-f-]{36}):(.+):(\d+)$`)

// Parse turns scanned text into a payload. JSON is tried first, then the
// delimited form. A JSON object missing any required field is not accepted.
func Parse(raw string) (*model.QRPayload, bool) {
	text := strings.TrimSpace(raw)

	var p model.QRPayload
	if err := json.Unmarshal([]byte(text), &p); err == nil {
		if p.LocationID != "" && p.LocationName != "" && p.Timestamp != "" {
			return &p, true
		}
	}

	m := delimitedPattern.FindStringSubmatch(text)
	if m == nil {
		return nil, false
	}

	secs, err := strconv.ParseInt(m[3], 10, 64)
	if err != nil {
		return nil, false
	}

	return &model.QRPayload{
		LocationID:   m[1],
		LocationName: m[2],
		Timestamp:    time.Unix(secs, 0).UTC().Format(TimestampLayout),
	}, true
}

// Recognizable reports whether text looks like one of our codes: a JSON object
// with a locationId key, or the delimited form. Anything else (URLs, product
// barcodes) is foreign.
func Recognizable(raw string) bool {
	text := strings.TrimSpace(raw)

	var obj map[string]json.RawMessage
	if err := json.Unmarshal([]byte(text), &obj); err == nil {
		if _, ok := obj["locationId"]; ok {
			return true
		}
	}

	return delimitedPattern.MatchString(text)
}

// Encode renders the delimited form for a location issued at t.
func Encode(locationID, locationName string, t time.Time) string {
	return fmt.Sprintf("%s:location:%s:%s:%d", Scheme, locationID, locationName, t.Unix())
}

// EncodeJSON renders the JSON form of a payload.
func EncodeJSON(p model.QRPayload) (string, error) {
	b, err := json.Marshal(p)
	if err != nil {
		return "", fmt.Errorf("encode qr payload: %w", err)
	}
	return string(b), nil
}
