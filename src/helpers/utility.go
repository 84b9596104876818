package helpers

import (
	"strings"

	"github.com/google/uuid"
)

func GenerateUUID() string {
	return uuid.New().String()
}

// ShortTypeName returns the last segment of a dotted type name.
func ShortTypeName(name string) string {
	if i := strings.LastIndexByte(name, '.'); i >= 0 {
		return name[i+1:]
	}
	return name
}

// Pluralize lower-cases name and appends "s", or "es" when it already ends in "s".
func Pluralize(name string) string {
	n := strings.ToLower(name)
	if strings.HasSuffix(n, "s") {
		return n + "es"
	}
	return n + "s"
}
