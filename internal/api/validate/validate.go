package validate

import (
	"fmt"
	"unicode/utf8"

	"github.com/yourownai/relay/internal/model"
)

const (
	maxTitle   = 200
	maxContent = 32000
	maxFact    = 2000
	maxName    = 100
	maxPrompt  = 8000
	maxRef     = 1024
)

func fail(format string, args ...interface{}) error {
	return fmt.Errorf("%s: %w", fmt.Sprintf(format, args...), model.ErrValidation)
}

func NonEmpty(field, v string) error {
	if v == "" {
		return fail("%s is required", field)
	}
	return nil
}

func MaxLen(field string, v *string, limit int) error {
	if v == nil {
		return nil
	}
	if utf8.RuneCountInString(*v) > limit {
		return fail("%s exceeds %d characters", field, limit)
	}
	return nil
}

// -------- Request specific helpers ----------

func ConversationTitle(title *string) error {
	return MaxLen("title", title, maxTitle)
}

// SendMessage validates a chat turn. Attachments are opaque references.
func SendMessage(content string, imageRef, fileRef *string) error {
	if err := NonEmpty("content", content); err != nil {
		return err
	}
	if err := MaxLen("content", &content, maxContent); err != nil {
		return err
	}
	if err := MaxLen("imageRef", imageRef, maxRef); err != nil {
		return err
	}
	return MaxLen("fileRef", fileRef, maxRef)
}

func CreateMemory(fact string) error {
	if err := NonEmpty("fact", fact); err != nil {
		return err
	}
	return MaxLen("fact", &fact, maxFact)
}

func CreatePersona(name, description, systemPrompt string) error {
	if err := NonEmpty("name", name); err != nil {
		return err
	}
	if err := MaxLen("name", &name, maxName); err != nil {
		return err
	}
	if err := MaxLen("description", &description, maxPrompt); err != nil {
		return err
	}
	return MaxLen("systemPrompt", &systemPrompt, maxPrompt)
}
