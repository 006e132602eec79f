package persistence

import (
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/go-playground/validator/v10"
)

var (
	validateOnce sync.Once
	validate     *validator.Validate
)

func structValidator() *validator.Validate {
	validateOnce.Do(func() {
		validate = validator.New(validator.WithRequiredStructEnabled())
	})
	return validate
}

// ApplyClassDefaults fills the fields a freshly created class may omit.
func ApplyClassDefaults(class ClassRecord) ClassRecord {
	class = class.Clone()
	class.Title = strings.TrimSpace(class.Title)
	if class.Capacity <= 0 {
		class.Capacity = 1
	}
	if class.Status == "" {
		class.Status = StatusActive
	}
	class.EnrolledCount = len(class.EnrolledUserIDs)
	return class
}

// ValidateClass checks the template fields and the enrollment invariants of a
// class before it is written.
func ValidateClass(class ClassRecord) error {
	if err := structValidator().Struct(class); err != nil {
		var fieldErrs validator.ValidationErrors
		if errors.As(err, &fieldErrs) {
			fields := make([]string, 0, len(fieldErrs))
			for _, fe := range fieldErrs {
				fields = append(fields, fe.Field())
			}
			return fmt.Errorf("%w: invalid %s", ErrConstraintViolation, strings.Join(fields, ", "))
		}
		return fmt.Errorf("%w: %v", ErrConstraintViolation, err)
	}
	if !class.Status.Valid() {
		return fmt.Errorf("%w: unknown status %q", ErrConstraintViolation, class.Status)
	}
	return ValidateEnrollment(class)
}

// ValidateEnrollment checks the seat invariants: no duplicates, the count
// mirrors the set and occupancy never exceeds capacity.
func ValidateEnrollment(class ClassRecord) error {
	seen := make(map[string]struct{}, len(class.EnrolledUserIDs))
	for _, uid := range class.EnrolledUserIDs {
		if _, dup := seen[uid]; dup {
			return fmt.Errorf("%w: user %s enrolled twice", ErrConstraintViolation, uid)
		}
		seen[uid] = struct{}{}
	}
	if class.EnrolledCount != len(class.EnrolledUserIDs) {
		return fmt.Errorf("%w: enrolled count %d does not match %d seats", ErrConstraintViolation, class.EnrolledCount, len(class.EnrolledUserIDs))
	}
	if len(class.EnrolledUserIDs) > class.Capacity {
		return fmt.Errorf("%w: %d seats exceed capacity %d", ErrConstraintViolation, len(class.EnrolledUserIDs), class.Capacity)
	}
	return nil
}

// ValidateProfile checks a profile before it is written.
func ValidateProfile(profile UserProfile) error {
	if err := structValidator().Struct(profile); err != nil {
		return fmt.Errorf("%w: %v", ErrConstraintViolation, err)
	}
	return nil
}

// NormalizePushToken trims a device token and rejects empty values.
func NormalizePushToken(token string) (string, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return "", fmt.Errorf("%w: push token is empty", ErrConstraintViolation)
	}
	return token, nil
}
