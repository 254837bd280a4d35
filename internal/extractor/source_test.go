package extractor

import "testing"

func TestIsValidSource(t *testing.T) {
	cases := map[string]bool{
		"https://youtube.com/watch?v=abc12345678":          true,
		"https://www.youtube.com/watch?v=abc12345678&t=3s": true,
		"https://youtu.be/abc12345678":                     true,
		"https://www.youtube.com/playlist?list=PL123":      true,
		"https://youtube.com/shorts/abc12345678":           true,
		"http://m.youtube.com/watch?v=abc":                 true,
		"":                                          false,
		"not a url":                                 false,
		"ftp://youtube.com/watch?v=abc":             false,
		"https://example.com/watch?v=abc":           false,
		"https://youtube.com/watch":                 false,
		"https://youtube.com/shorts/":               false,
		"https://youtu.be/":                         false,
		"https://youtube.com.evil.test/watch?v=abc": false,
	}
	for raw, want := range cases {
		if got := IsValidSource(raw); got != want {
			t.Fatalf("IsValidSource(%q) = %v, want %v", raw, got, want)
		}
	}
}
