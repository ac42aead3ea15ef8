package media

import "testing"

// TestValidateFormat checks supported and rejected extensions.
func TestValidateFormat(t *testing.T) {
	cases := []struct {
		filename string
		want     bool
	}{
		{"meeting.mp3", true},
		{"clip.WAV", true},
		{"video.mp4", true},
		{"interview.opus", true},
		{"notes.txt", false},
		{"archive.zip", false},
		{"noextension", false},
	}

	for _, tc := range cases {
		if got := ValidateFormat(tc.filename); got != tc.want {
			t.Errorf("ValidateFormat(%q) = %v, want %v", tc.filename, got, tc.want)
		}
	}
}
