package tender

import (
	"regexp"
	"strings"

	"github.com/go-playground/validator/v10"
)

// MaxFallbackCPV caps the codes returned by the regex fallback.
const MaxFallbackCPV = 15

var (
	cpvPattern = regexp.MustCompile(`^\d{8}(-\d)?$`)
	cpvInText  = regexp.MustCompile(`\b(\d{8}(?:-\d)?)\b`)
)

// ValidCPV reports whether code is a CPV identifier after trimming whitespace.
func ValidCPV(code string) bool {
	return cpvPattern.MatchString(strings.TrimSpace(code))
}

// FindCPV returns CPV-looking codes in text, first occurrence order,
// deduplicated and capped at MaxFallbackCPV.
func FindCPV(text string) []string {
	seen := make(map[string]struct{})
	out := []string{}
	for _, m := range cpvInText.FindAllStringSubmatch(text, -1) {
		code := m[1]
		if _, ok := seen[code]; ok {
			continue
		}
		seen[code] = struct{}{}
		out = append(out, code)
		if len(out) == MaxFallbackCPV {
			break
		}
	}
	return out
}

// NewValidator returns a validator with the "cpv" tag registered.
func NewValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	// Registration only fails for an empty tag or nil func.
	_ = v.RegisterValidation("cpv", func(fl validator.FieldLevel) bool {
		return ValidCPV(fl.Field().String())
	})
	return v
}
