package util

import "testing"

func TestParseMemory(t *testing.T) {
	tests := []struct {
		in      string
		want    int
		wantErr bool
	}{
		{in: "", want: 0},
		{in: "  ", want: 0},
		{in: "2G", want: 2048},
		{in: "2GiB", want: 2048},
		{in: "1.5gb", want: 1536},
		{in: "512M", want: 512},
		{in: "512 Mi", want: 512},
		{in: "1048576", want: 1},
		{in: "2048K", want: 2},
		{in: "1T", want: 1024 * 1024},
		{in: "lots", wantErr: true},
		{in: "4X", wantErr: true},
		{in: "1.2.3G", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseMemory(tt.in)
			if (err != nil) != tt.wantErr {
				t.Fatalf("ParseMemory(%q) error = %v, wantErr %v", tt.in, err, tt.wantErr)
			}
			if !tt.wantErr && got != tt.want {
				t.Errorf("ParseMemory(%q) = %d, want %d", tt.in, got, tt.want)
			}
		})
	}
}
