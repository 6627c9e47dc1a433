package types

import (
	"encoding/json"
	"testing"
	"time"
)

func TestParseTime(t *testing.T) {
	tests := []struct {
		in      string
		want    Time
		wantErr bool
	}{
		{"10:54", NewTime(10, 54), false},
		{"0:05", NewTime(0, 5), false},
		{"24:00", Time{}, true},
		{"10:60", Time{}, true},
		{"noon", Time{}, true},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseTime(tt.in)
			if (err != nil) != tt.wantErr {
				t.Fatalf("ParseTime(%q) error = %v, wantErr %v", tt.in, err, tt.wantErr)
			}
			if got != tt.want {
				t.Errorf("Expected %v, got %v", tt.want, got)
			}
		})
	}
}

func TestTimeOn(t *testing.T) {
	day := time.Date(2024, 3, 9, 22, 15, 30, 0, time.UTC)
	got := NewTime(7, 30).On(day)
	want := time.Date(2024, 3, 9, 7, 30, 0, 0, time.UTC)
	if !got.Equal(want) {
		t.Errorf("Expected %v, got %v", want, got)
	}
}

func TestTimeJSON(t *testing.T) {
	data, err := json.Marshal(NewTime(9, 5))
	if err != nil {
		t.Fatal(err)
	}
	if string(data) != `"09:05"` {
		t.Errorf("Expected \"09:05\", got %s", data)
	}

	var back Time
	if err := json.Unmarshal(data, &back); err != nil {
		t.Fatal(err)
	}
	if back != NewTime(9, 5) {
		t.Errorf("Expected 09:05, got %v", back)
	}
}

func TestDateOnly(t *testing.T) {
	got := DateOnly(time.Date(2024, 1, 2, 13, 4, 5, 6, time.UTC))
	if got.Hour() != 0 || got.Minute() != 0 || got.Nanosecond() != 0 || got.Day() != 2 {
		t.Errorf("Expected midnight of Jan 2, got %v", got)
	}
}
