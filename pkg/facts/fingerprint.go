package facts

import (
	"errors"
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"
)

// Provider supplies the fact set for a target image.
type Provider interface {
	Facts() (Set, error)
}

// Fingerprint is the wire and CLI form of a fact set. The version fields are
// pointers so an unknown build can be told apart from build 0.
type Fingerprint struct {
	OS          string `json:"os" yaml:"os" form:"os" validate:"required"`
	MemoryModel string `json:"memory_model,omitempty" yaml:"memory_model" form:"memory_model" validate:"required_if=OS windows,memmodel"`
	Major       *int   `json:"major,omitempty" yaml:"major" form:"major" validate:"required_if=OS windows"`
	Minor       *int   `json:"minor,omitempty" yaml:"minor" form:"minor" validate:"required_if=OS windows"`
	Build       *int   `json:"build,omitempty" yaml:"build" form:"build" validate:"required_if=OS windows"`
}

var fingerprintValidate *validator.Validate

func init() {
	fingerprintValidate = validator.New()
	_ = fingerprintValidate.RegisterValidation("memmodel", validateMemoryModel)
}

// validateMemoryModel accepts an empty model (left to required_if) or one of
// the known pointer width classes.
func validateMemoryModel(fl validator.FieldLevel) bool {
	switch fl.Field().String() {
	case "", Model32, Model64:
		return true
	}
	return false
}

// Windows is a convenience constructor for the family this catalog targets.
func Windows(model string, major, minor, build int) Fingerprint {
	return Fingerprint{
		OS:          OSWindows,
		MemoryModel: model,
		Major:       &major,
		Minor:       &minor,
		Build:       &build,
	}
}

// Validate checks that every fact the catalog needs is present.
func (f Fingerprint) Validate() error {
	err := fingerprintValidate.Struct(f)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return fmt.Errorf("%w: %v", ErrInsufficientFingerprint, err)
	}
	fields := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		fields = append(fields, fmt.Sprintf("%s (%s)", fe.Field(), fe.Tag()))
	}
	return fmt.Errorf("%w: %s", ErrInsufficientFingerprint, strings.Join(fields, ", "))
}

// Facts validates the fingerprint and converts it into a Set.
func (f Fingerprint) Facts() (Set, error) {
	if err := f.Validate(); err != nil {
		return Set{}, err
	}
	m := map[string]Value{OS: String(f.OS)}
	if f.MemoryModel != "" {
		m[MemoryModel] = String(f.MemoryModel)
	}
	if f.Major != nil {
		m[Major] = Int(int64(*f.Major))
	}
	if f.Minor != nil {
		m[Minor] = Int(int64(*f.Minor))
	}
	if f.Build != nil {
		m[Build] = Int(int64(*f.Build))
	}
	return Set{m: m}, nil
}

// StaticProvider returns the same fact set for every call.
type StaticProvider struct {
	Set Set
}

func (p StaticProvider) Facts() (Set, error) { return p.Set, nil }
