package registry

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestValidateName(t *testing.T) {
	valid := []string{
		"backend-1",
		"db_wizard",
		"A",
		"7of9",
		"_internal",
		strings.Repeat("x", 50),
	}
	for _, name := range valid {
		assert.NoError(t, ValidateName(name), name)
	}

	invalid := []string{
		"",
		"-starts-with-hyphen",
		"has space",
		"has/slash",
		"has.dot",
		"émigré",
		strings.Repeat("x", 51),
	}
	for _, name := range invalid {
		assert.ErrorIs(t, ValidateName(name), ErrInvalidName, name)
	}
}
