package errors

import (
	"errors"
	"net/http"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

var _ = Describe("Structured Errors", func() {
	Describe("AppError", func() {
		Context("basic error creation", func() {
			It("should create error with correct properties", func() {
				err := New(ErrorTypeValidation, "test message")

				Expect(err.Type).To(Equal(ErrorTypeValidation))
				Expect(err.Message).To(Equal("test message"))
				Expect(err.StatusCode).To(Equal(http.StatusBadRequest))
				Expect(err.Details).To(BeEmpty())
				Expect(err.Cause).To(BeNil())
			})

			It("should implement error interface correctly", func() {
				err := New(ErrorTypeValidation, "test message")

				Expect(err.Error()).To(Equal("validation: test message"))
			})

			It("should include details in error string when present", func() {
				err := New(ErrorTypeValidation, "test message").WithDetails("extra info")

				Expect(err.Error()).To(Equal("validation: test message (extra info)"))
			})
		})

		Context("error wrapping", func() {
			It("should wrap underlying error", func() {
				originalErr := errors.New("lease already released")
				wrappedErr := Wrap(originalErr, ErrorTypeStale, "reservation expired")

				Expect(wrappedErr.Type).To(Equal(ErrorTypeStale))
				Expect(wrappedErr.Message).To(Equal("reservation expired"))
				Expect(wrappedErr.Cause).To(Equal(originalErr))
				Expect(wrappedErr.Unwrap()).To(Equal(originalErr))
			})

			It("should format wrapped error with arguments", func() {
				originalErr := errors.New("connection refused")
				wrappedErr := Wrapf(originalErr, ErrorTypeNetwork, "failed to connect to %s:%d", "forge.example.org", 443)

				Expect(wrappedErr.Message).To(Equal("failed to connect to forge.example.org:443"))
				Expect(wrappedErr.Cause).To(Equal(originalErr))
			})
		})

		Context("adding details", func() {
			It("should add details to existing error", func() {
				err := New(ErrorTypeConflict, "duplicate queue item")
				detailedErr := err.WithDetails("codebase=foo campaign=fixes")

				Expect(detailedErr.Details).To(Equal("codebase=foo campaign=fixes"))
				Expect(detailedErr).To(BeIdenticalTo(err))
			})

			It("should add formatted details", func() {
				err := New(ErrorTypeRateLimit, "bucket saturated")
				detailedErr := err.WithDetailsf("bucket %s, cap %d", "main-maintainer", 10)

				Expect(detailedErr.Details).To(Equal("bucket main-maintainer, cap 10"))
			})
		})
	})

	Describe("HTTP Status Code Mapping", func() {
		It("should map error types to correct HTTP status codes", func() {
			testCases := []struct {
				errorType  ErrorType
				statusCode int
			}{
				{ErrorTypeValidation, http.StatusBadRequest},
				{ErrorTypeAuth, http.StatusUnauthorized},
				{ErrorTypeNotFound, http.StatusNotFound},
				{ErrorTypeConflict, http.StatusConflict},
				{ErrorTypeTimeout, http.StatusRequestTimeout},
				{ErrorTypeRateLimit, http.StatusTooManyRequests},
				{ErrorTypeDatabase, http.StatusInternalServerError},
				{ErrorTypeNetwork, http.StatusInternalServerError},
				{ErrorTypeInternal, http.StatusInternalServerError},
				{ErrorTypeTransient, http.StatusServiceUnavailable},
				{ErrorTypePermanent, http.StatusUnprocessableEntity},
				{ErrorTypeStale, http.StatusGone},
			}

			for _, tc := range testCases {
				err := New(tc.errorType, "test message")
				Expect(err.StatusCode).To(Equal(tc.statusCode))
			}
		})
	})

	Describe("Predefined Error Constructors", func() {
		It("should create validation error", func() {
			err := NewValidationError("invalid priority")

			Expect(err.Type).To(Equal(ErrorTypeValidation))
			Expect(err.Message).To(Equal("invalid priority"))
		})

		It("should create database error", func() {
			originalErr := errors.New("connection lost")
			err := NewDatabaseError("enqueue", originalErr)

			Expect(err.Type).To(Equal(ErrorTypeDatabase))
			Expect(err.Message).To(ContainSubstring("database operation failed: enqueue"))
			Expect(err.Cause).To(Equal(originalErr))
		})

		It("should create not found error", func() {
			err := NewNotFoundError("queue item")

			Expect(err.Type).To(Equal(ErrorTypeNotFound))
			Expect(err.Message).To(Equal("queue item not found"))
		})

		It("should create stale error", func() {
			err := NewStaleError("lease expired for run")

			Expect(err.Type).To(Equal(ErrorTypeStale))
			Expect(err.Message).To(Equal("lease expired for run"))
		})

		It("should create rate limited error", func() {
			err := NewRateLimitedError("publish bucket saturated")

			Expect(err.Type).To(Equal(ErrorTypeRateLimit))
		})
	})

	Describe("Error Type Checking", func() {
		It("should correctly identify error types", func() {
			validationErr := NewValidationError("test")
			staleErr := NewStaleError("test")

			Expect(IsType(validationErr, ErrorTypeValidation)).To(BeTrue())
			Expect(IsType(validationErr, ErrorTypeStale)).To(BeFalse())
			Expect(IsType(staleErr, ErrorTypeStale)).To(BeTrue())
		})

		It("should handle non-AppError types", func() {
			regularErr := errors.New("regular error")

			Expect(IsType(regularErr, ErrorTypeValidation)).To(BeFalse())
			Expect(GetType(regularErr)).To(Equal(ErrorTypeInternal))
		})

		It("should get correct status codes", func() {
			validationErr := NewValidationError("test")
			regularErr := errors.New("regular error")

			Expect(GetStatusCode(validationErr)).To(Equal(http.StatusBadRequest))
			Expect(GetStatusCode(regularErr)).To(Equal(http.StatusInternalServerError))
		})
	})

	Describe("Safe Error Messages", func() {
		It("should return safe messages for different error types", func() {
			testCases := []struct {
				errorType    ErrorType
				expectedSafe string
			}{
				{ErrorTypeNotFound, ErrorMessages.ResourceNotFound},
				{ErrorTypeAuth, ErrorMessages.AuthenticationFailed},
				{ErrorTypeTimeout, ErrorMessages.OperationTimeout},
				{ErrorTypeRateLimit, ErrorMessages.RateLimitExceeded},
				{ErrorTypeConflict, ErrorMessages.ConcurrentModification},
				{ErrorTypeStale, ErrorMessages.ReservationLost},
				{ErrorTypeDatabase, "an internal error occurred"},
			}

			for _, tc := range testCases {
				err := New(tc.errorType, "internal details")
				Expect(SafeErrorMessage(err)).To(Equal(tc.expectedSafe))
			}

			Expect(SafeErrorMessage(NewValidationError("bad priority"))).To(Equal("bad priority"))
		})

		It("should return generic message for regular errors", func() {
			regularErr := errors.New("internal panic")
			Expect(SafeErrorMessage(regularErr)).To(Equal("an unexpected error occurred"))
		})
	})

	Describe("Logging Fields", func() {
		It("should generate structured logging fields", func() {
			originalErr := errors.New("connection failed")
			appErr := Wrapf(originalErr, ErrorTypeDatabase, "query failed").
				WithDetails("table: queue")

			fields := LogFields(appErr)

			Expect(fields).To(HaveKey("error"))
			Expect(fields).To(HaveKey("error_type"))
			Expect(fields).To(HaveKey("status_code"))
			Expect(fields).To(HaveKey("error_details"))
			Expect(fields).To(HaveKey("underlying_error"))

			Expect(fields["error_type"]).To(Equal("database"))
			Expect(fields["status_code"]).To(Equal(http.StatusInternalServerError))
			Expect(fields["error_details"]).To(Equal("table: queue"))
			Expect(fields["underlying_error"]).To(Equal("connection failed"))
		})

		It("should handle regular errors", func() {
			err := errors.New("regular error")
			fields := LogFields(err)

			Expect(fields).To(HaveKey("error"))
			Expect(fields).NotTo(HaveKey("error_type"))
		})
	})

	Describe("Error Chaining", func() {
		It("should handle empty error list", func() {
			Expect(Chain()).To(BeNil())
		})

		It("should handle single error", func() {
			originalErr := errors.New("single error")
			Expect(Chain(originalErr)).To(Equal(originalErr))
		})

		It("should filter nil errors", func() {
			err1 := errors.New("error 1")
			err2 := errors.New("error 2")

			err := Chain(err1, nil, err2, nil)

			Expect(err).To(HaveOccurred())
			Expect(err.Error()).To(ContainSubstring("error 1"))
			Expect(err.Error()).To(ContainSubstring("error 2"))
			Expect(err.Error()).To(ContainSubstring(" -> "))
		})

		It("should return nil when all errors are nil", func() {
			Expect(Chain(nil, nil, nil)).To(BeNil())
		})
	})
})
