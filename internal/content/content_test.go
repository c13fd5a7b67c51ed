package content

import (
	"errors"
	"strings"
	"testing"
)

func TestSanitize(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		expected string
	}{
		{"Plain text", "Hello World", "Hello World"},
		{"HTML tags", "Hello <b>World</b>", "Hello <b>World</b>"},
		{"Script tag", "<script>alert('xss')</script>Hello", "Hello"},
		{"Complex HTML", "<a href='javascript:alert(1)'>Click me</a>", "Click me"},
		{"Emoji", "I am 🤖", "I am 🤖"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Sanitize(tt.input); got != tt.expected {
				t.Errorf("Sanitize() = %v, want %v", got, tt.expected)
			}
		})
	}
}

func TestMessageText(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		want    string
		wantErr error
	}{
		{"Plain", "  hello  ", "hello", nil},
		{"Only script", "<script>alert(1)</script>", "", ErrEmptyMessage},
		{"Blank", "   ", "", ErrEmptyMessage},
		{"Too long", strings.Repeat("a", MaxMessageLength+1), "", ErrMessageTooLong},
		{"At limit", strings.Repeat("é", MaxMessageLength), strings.Repeat("é", MaxMessageLength), nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := MessageText(tt.input)
			if !errors.Is(err, tt.wantErr) {
				t.Fatalf("MessageText() error = %v, want %v", err, tt.wantErr)
			}
			if got != tt.want {
				t.Errorf("MessageText() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestName(t *testing.T) {
	got, err := Name(" <b>Alice</b> ")
	if err != nil {
		t.Fatalf("Name() error = %v", err)
	}
	if got != "Alice" {
		t.Errorf("Name() = %q, want Alice", got)
	}

	if _, err := Name("<i></i>"); err == nil {
		t.Error("Name() expected error for empty name")
	}
}

func TestValidateEmail(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		wantErr bool
	}{
		{"Valid", "alice@uni.edu", false},
		{"Valid subdomain", "bob.stone+chat@alumni.uni.edu", false},
		{"Empty", "", true},
		{"No at", "alice.uni.edu", true},
		{"No domain", "alice@", true},
		{"Space", "ali ce@uni.edu", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := ValidateEmail(tt.input); (err != nil) != tt.wantErr {
				t.Errorf("ValidateEmail() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestNormalizeEmail(t *testing.T) {
	if got := NormalizeEmail("  Alice@Uni.EDU "); got != "alice@uni.edu" {
		t.Errorf("NormalizeEmail() = %q, want alice@uni.edu", got)
	}
}
