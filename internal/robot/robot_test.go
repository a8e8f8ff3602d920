package robot

import "testing"

func TestParseMode(t *testing.T) {
	tests := []struct {
		in      string
		want    Mode
		wantErr bool
	}{
		{"manual", ModeManual, false},
		{" Manual ", ModeManual, false},
		{"Autónomo", ModeAutonomous, false},
		{"PATROL", ModePatrol, false},
		{"Mapeo", ModeMapping, false},
		{"hover", "", true},
		{"", "", true},
	}
	for _, tt := range tests {
		got, err := ParseMode(tt.in)
		if (err != nil) != tt.wantErr {
			t.Errorf("ParseMode(%q) error = %v, wantErr %v", tt.in, err, tt.wantErr)
			continue
		}
		if got != tt.want {
			t.Errorf("ParseMode(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestBatteryPercent(t *testing.T) {
	tests := []struct {
		volts float64
		want  int
	}{
		{10.2, 0},
		{11.0, 0},
		{11.8, 50},
		{12.6, 100},
		{13.1, 100},
	}
	for _, tt := range tests {
		if got := BatteryPercent(tt.volts); got != tt.want {
			t.Errorf("BatteryPercent(%v) = %d, want %d", tt.volts, got, tt.want)
		}
	}
}
