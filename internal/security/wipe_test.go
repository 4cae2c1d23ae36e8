package security

import "testing"

func TestWipeBytes(t *testing.T) {
	tests := []struct {
		name string
		data []byte
	}{
		{"nil", nil},
		{"empty", []byte{}},
		{"single byte", []byte{0xFF}},
		{"password", []byte("hunter2-correct-horse")},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			WipeBytes(tt.data)
			for i, b := range tt.data {
				if b != 0 {
					t.Errorf("byte %d = %#x after wipe, want 0", i, b)
				}
			}
		})
	}
}
