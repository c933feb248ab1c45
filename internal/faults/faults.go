package faults

import "errors"

// Category classifies failures of the approval pipeline.
type Category string

const (
	CategoryParseDegradation    Category = "parse_degradation"
	CategoryNotificationChannel Category = "notification_channel"
	CategoryLockUnavailable     Category = "lock_unavailable"
	CategoryOptimisticConflict  Category = "optimistic_conflict"
	CategoryStoreUnavailable    Category = "store_unavailable"
	CategoryInvalidInput        Category = "invalid_input"
)

type classifiedError struct {
	category  Category
	retryable bool
	cause     error
}

func (e *classifiedError) Error() string {
	if e.cause == nil {
		return "unknown error"
	}
	return e.cause.Error()
}

func (e *classifiedError) Unwrap() error {
	return e.cause
}

// Wrap attaches a category to cause. A nil cause stays nil.
func Wrap(cause error, category Category, retryable bool) error {
	if cause == nil {
		return nil
	}
	return &classifiedError{
		category:  category,
		retryable: retryable,
		cause:     cause,
	}
}

// CategoryOf returns the outermost category in the chain, or "".
func CategoryOf(err error) Category {
	var classified *classifiedError
	if errors.As(err, &classified) {
		return classified.category
	}
	return ""
}

// RetryableOf reports whether the caller may retry the failed operation.
func RetryableOf(err error) bool {
	var classified *classifiedError
	if errors.As(err, &classified) {
		return classified.retryable
	}
	return false
}

// Is reports whether err carries the given category.
func Is(err error, category Category) bool {
	return CategoryOf(err) == category
}
