package qr

import (
	"image"
	"image/color"
	"testing"
	"time"

	"github.com/indraafito/EcoTrade-sub000/internal/model"
)

const testLocationID = "3f2b8c1e-9a4d-4e6f-8b21-0c5d7e9f1a23"

func TestParseJSONPassesFieldsThrough(t *testing.T) {
	want := model.QRPayload{
		LocationID:   testLocationID,
		LocationName: "Taman Kota",
		Timestamp:    "2024-05-01T10:20:30.123Z",
	}
	raw, err := EncodeJSON(want)
	if err != nil {
		t.Fatal(err)
	}

	got, ok := Parse(raw)
	if !ok {
		t.Fatalf("Parse(%q) rejected", raw)
	}
	if *got != want {
		t.Fatalf("Parse() = %+v, want %+v", *got, want)
	}
}

func TestParseDelimited(t *testing.T) {
	raw := "ecotrade:location:" + testLocationID + ":Pasar Baru:1700000000"

	got, ok := Parse(raw)
	if !ok {
		t.Fatalf("Parse(%q) rejected", raw)
	}
	if got.LocationID != testLocationID || got.LocationName != "Pasar Baru" {
		t.Fatalf("unexpected payload %+v", got)
	}
	ts, err := time.Parse(time.RFC3339Nano, got.Timestamp)
	if err != nil {
		t.Fatalf("timestamp %q not ISO-8601: %v", got.Timestamp, err)
	}
	if ts.Unix() != 1700000000 {
		t.Fatalf("timestamp = %v, want unix 1700000000", ts)
	}
}

func TestEncodeRoundTrip(t *testing.T) {
	issued := time.Date(2024, 3, 9, 8, 0, 0, 0, time.UTC)
	got, ok := Parse(Encode(testLocationID, "Stasiun", issued))
	if !ok {
		t.Fatal("Parse() rejected an encoded code")
	}
	if got.Timestamp != "2024-03-09T08:00:00.000Z" {
		t.Fatalf("Timestamp = %q", got.Timestamp)
	}
}

func TestParseRejects(t *testing.T) {
	cases := []string{
		`{"locationId":"` + testLocationID + `","locationName":"X"}`,
		`{"locationId":"` + testLocationID + `","timestamp":"2024-01-01T00:00:00Z"}`,
		`{"locationName":"X","timestamp":"2024-01-01T00:00:00Z"}`,
		`{"locationId":"","locationName":"X","timestamp":"t"}`,
		"ecotrade:location:NOT-A-UUID-NOT-A-UUID-NOT-A-UUID-0000:Name:1700000000",
		"ecotrade:location:" + testLocationID + ":Name:yesterday",
		"ecotrade:voucher:" + testLocationID + ":Name:1700000000",
		"https://example.com/promo",
		"",
	}
	for _, raw := range cases {
		if p, ok := Parse(raw); ok || p != nil {
			t.Errorf("Parse(%q) = %+v, want rejection", raw, p)
		}
	}
}

func TestRecognizable(t *testing.T) {
	cases := map[string]bool{
		`{"locationId":"abc"}`: true,
		"ecotrade:location:" + testLocationID + ":Name:1700000000": true,
		"https://example.com":   false,
		`{"url":"https://x"}`:   false,
		"8991002101234":         false,
	}
	for raw, want := range cases {
		if got := Recognizable(raw); got != want {
			t.Errorf("Recognizable(%q) = %v, want %v", raw, got, want)
		}
	}
}

func TestDecoderReadsRenderedCode(t *testing.T) {
	text := Encode(testLocationID, "Halte", time.Unix(1700000000, 0))
	img, err := RenderImage(text, 256)
	if err != nil {
		t.Fatal(err)
	}

	got, ok, err := NewDecoder().Decode(img)
	if err != nil || !ok {
		t.Fatalf("Decode() ok=%v err=%v", ok, err)
	}
	if got != text {
		t.Fatalf("Decode() = %q, want %q", got, text)
	}
}

func TestDecoderBlankFrame(t *testing.T) {
	img := image.NewRGBA(image.Rect(0, 0, 64, 64))
	for y := 0; y < 64; y++ {
		for x := 0; x < 64; x++ {
			img.Set(x, y, color.White)
		}
	}

	_, ok, err := NewDecoder().Decode(img)
	if err != nil {
		t.Fatalf("Decode() error = %v", err)
	}
	if ok {
		t.Fatal("Decode() found a code in a blank frame")
	}
}
