package validate

import (
	"strings"
	"testing"

	"github.com/yourownai/relay/internal/model"
)

func TestSendMessage(t *testing.T) {
	ref := strings.Repeat("r", maxRef+1)
	cases := []struct {
		name    string
		content string
		image   *string
		wantErr bool
	}{
		{"ok", "hello", nil, false},
		{"empty", "", nil, true},
		{"too long", strings.Repeat("x", maxContent+1), nil, true},
		{"long image ref", "hi", &ref, true},
	}
	for _, tc := range cases {
		err := SendMessage(tc.content, tc.image, nil)
		if (err != nil) != tc.wantErr {
			t.Fatalf("%s: unexpected err %v", tc.name, err)
		}
		if err != nil && !model.IsValidation(err) {
			t.Fatalf("%s: expected validation error, got %v", tc.name, err)
		}
	}
}

func TestCreatePersona(t *testing.T) {
	if err := CreatePersona("", "", ""); err == nil {
		t.Fatalf("expected name to be required")
	}
	if err := CreatePersona("Chef", "cooks", "You are a chef."); err != nil {
		t.Fatalf("unexpected err: %v", err)
	}
	if err := CreateMemory(""); err == nil {
		t.Fatalf("expected fact to be required")
	}
	long := strings.Repeat("é", maxTitle+1)
	if err := ConversationTitle(&long); err == nil {
		t.Fatalf("expected title length check")
	}
}
