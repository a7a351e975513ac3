package services

import (
	"fmt"

	"github.com/yourownai/relay/internal/model"
)

func validationf(format string, args ...interface{}) error {
	return fmt.Errorf("%s: %w", fmt.Sprintf(format, args...), model.ErrValidation)
}

func notFoundf(format string, args ...interface{}) error {
	return fmt.Errorf("%s: %w", fmt.Sprintf(format, args...), model.ErrNotFound)
}
