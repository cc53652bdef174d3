// Package errors provides the structured error taxonomy shared by the live session,
// suggestion and reconciliation paths. Every code maps onto a gRPC status code so that
// status.Code(err) classifies any wrapped AppError, and onto an HTTP status for the REST API.
package errors

import (
	"errors"
	"fmt"
	"net/http"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"
)

// Code identifies a class of failure.
type Code int

const (
	CodeUnknown Code = iota
	CodeInternal
	CodeInvalidArgument
	CodeNotFound
	CodeUnavailable
	CodeTimeout
	CodeCancelled
	CodeConfigInvalid
	CodeConfigMissing
	CodeSpeechConnectFailed
	CodeSpeechStreamFailed
	CodeSpeechEventMalformed
	CodeLLMNotConfigured
	CodeLLMAPIError
	CodeLLMRateLimited
	CodeSuggestionFailed
	CodeStoreFailed
	CodeStorageFailed
	CodeMediaConvertFailed
	CodeBatchJobFailed
	CodeBatchShapeUnknown
)

var codeNames = map[Code]string{
	CodeUnknown:              "UNKNOWN",
	CodeInternal:             "INTERNAL",
	CodeInvalidArgument:      "INVALID_ARGUMENT",
	CodeNotFound:             "NOT_FOUND",
	CodeUnavailable:          "UNAVAILABLE",
	CodeTimeout:              "TIMEOUT",
	CodeCancelled:            "CANCELLED",
	CodeConfigInvalid:        "CONFIG_INVALID",
	CodeConfigMissing:        "CONFIG_MISSING",
	CodeSpeechConnectFailed:  "SPEECH_CONNECT_FAILED",
	CodeSpeechStreamFailed:   "SPEECH_STREAM_FAILED",
	CodeSpeechEventMalformed: "SPEECH_EVENT_MALFORMED",
	CodeLLMNotConfigured:     "LLM_NOT_CONFIGURED",
	CodeLLMAPIError:          "LLM_API_ERROR",
	CodeLLMRateLimited:       "LLM_RATE_LIMITED",
	CodeSuggestionFailed:     "SUGGESTION_FAILED",
	CodeStoreFailed:          "STORE_FAILED",
	CodeStorageFailed:        "STORAGE_FAILED",
	CodeMediaConvertFailed:   "MEDIA_CONVERT_FAILED",
	CodeBatchJobFailed:       "BATCH_JOB_FAILED",
	CodeBatchShapeUnknown:    "BATCH_SHAPE_UNKNOWN",
}

// String returns the wire name of the code.
func (c Code) String() string {
	if n, ok := codeNames[c]; ok {
		return n
	}
	return codeNames[CodeUnknown]
}

// ParseCode maps a wire name back to its code. Unknown names yield CodeUnknown.
func ParseCode(name string) Code {
	for c, n := range codeNames {
		if n == name {
			return c
		}
	}
	return CodeUnknown
}

// grpcCodeMap maps error codes to gRPC status codes.
var grpcCodeMap = map[Code]codes.Code{
	CodeUnknown:              codes.Unknown,
	CodeInternal:             codes.Internal,
	CodeInvalidArgument:      codes.InvalidArgument,
	CodeNotFound:             codes.NotFound,
	CodeUnavailable:          codes.Unavailable,
	CodeTimeout:              codes.DeadlineExceeded,
	CodeCancelled:            codes.Canceled,
	CodeConfigInvalid:        codes.InvalidArgument,
	CodeConfigMissing:        codes.FailedPrecondition,
	CodeSpeechConnectFailed:  codes.Unavailable,
	CodeSpeechStreamFailed:   codes.Aborted,
	CodeSpeechEventMalformed: codes.InvalidArgument,
	CodeLLMNotConfigured:     codes.FailedPrecondition,
	CodeLLMAPIError:          codes.Internal,
	CodeLLMRateLimited:       codes.ResourceExhausted,
	CodeSuggestionFailed:     codes.Internal,
	CodeStoreFailed:          codes.Internal,
	CodeStorageFailed:        codes.Unavailable,
	CodeMediaConvertFailed:   codes.Internal,
	CodeBatchJobFailed:       codes.FailedPrecondition,
	CodeBatchShapeUnknown:    codes.DataLoss,
}

// AppError is the base error type with structured error code and metadata.
type AppError struct {
	Code     Code
	Message  string
	Metadata map[string]string
	Cause    error
}

// Error implements the error interface.
func (e *AppError) Error() string {
	s := fmt.Sprintf("[%s] %s", e.Code, e.Message)
	if len(e.Metadata) > 0 {
		s += fmt.Sprintf(" %v", e.Metadata)
	}
	if e.Cause != nil {
		s += fmt.Sprintf(" caused by: %v", e.Cause)
	}
	return s
}

// Unwrap returns the underlying cause for errors.Is/As.
func (e *AppError) Unwrap() error { return e.Cause }

// GRPCCode returns the corresponding gRPC status code.
func (e *AppError) GRPCCode() codes.Code {
	if c, ok := grpcCodeMap[e.Code]; ok {
		return c
	}
	return codes.Unknown
}

// detail encodes code, message and metadata as a protobuf Struct.
func (e *AppError) detail() (*structpb.Struct, error) {
	meta := make(map[string]any, len(e.Metadata))
	for k, v := range e.Metadata {
		meta[k] = v
	}
	return structpb.NewStruct(map[string]any{
		"code":     e.Code.String(),
		"message":  e.Message,
		"metadata": meta,
	})
}

// GRPCStatus returns a gRPC status with the error detail attached.
func (e *AppError) GRPCStatus() *status.Status {
	st := status.New(e.GRPCCode(), e.Error())
	if d, err := e.detail(); err == nil {
		if withDetail, err := st.WithDetails(d); err == nil {
			st = withDetail
		}
	}
	return st
}

// New creates a new AppError with the given code and message.
func New(code Code, msg string) *AppError {
	return &AppError{Code: code, Message: msg}
}

// Newf creates a new AppError with formatted message.
func Newf(code Code, format string, args ...any) *AppError {
	return &AppError{Code: code, Message: fmt.Sprintf(format, args...)}
}

// Wrap wraps an existing error with an AppError.
func Wrap(err error, code Code, msg string) *AppError {
	return &AppError{Code: code, Message: msg, Cause: err}
}

// Wrapf wraps an existing error with formatted message.
func Wrapf(err error, code Code, format string, args ...any) *AppError {
	return &AppError{Code: code, Message: fmt.Sprintf(format, args...), Cause: err}
}

// WithMetadata adds metadata to an AppError.
func (e *AppError) WithMetadata(key, value string) *AppError {
	if e.Metadata == nil {
		e.Metadata = make(map[string]string)
	}
	e.Metadata[key] = value
	return e
}

// FromGRPCError extracts an AppError from a gRPC status error if present.
func FromGRPCError(err error) *AppError {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr
	}
	st, ok := status.FromError(err)
	if !ok {
		return &AppError{Code: CodeUnknown, Message: err.Error(), Cause: err}
	}

	for _, d := range st.Details() {
		s, ok := d.(*structpb.Struct)
		if !ok {
			continue
		}
		fields := s.AsMap()
		out := &AppError{Code: ParseCode(stringField(fields, "code"))}
		out.Message = stringField(fields, "message")
		if meta, ok := fields["metadata"].(map[string]any); ok {
			for k, v := range meta {
				if sv, ok := v.(string); ok {
					out = out.WithMetadata(k, sv)
				}
			}
		}
		return out
	}

	return &AppError{Code: grpcToCode(st.Code()), Message: st.Message()}
}

func stringField(m map[string]any, key string) string {
	s, _ := m[key].(string)
	return s
}

// grpcToCode maps gRPC codes back to error codes (best effort).
func grpcToCode(c codes.Code) Code {
	switch c {
	case codes.InvalidArgument:
		return CodeInvalidArgument
	case codes.NotFound:
		return CodeNotFound
	case codes.Unavailable:
		return CodeUnavailable
	case codes.DeadlineExceeded:
		return CodeTimeout
	case codes.Canceled:
		return CodeCancelled
	case codes.Internal:
		return CodeInternal
	case codes.FailedPrecondition:
		return CodeConfigMissing
	case codes.ResourceExhausted:
		return CodeLLMRateLimited
	default:
		return CodeUnknown
	}
}

// CodeOf returns the code of the first AppError in err's chain.
func CodeOf(err error) Code {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Code
	}
	return CodeUnknown
}

// IsCode checks if an error chain carries a specific error code.
func IsCode(err error, code Code) bool {
	var appErr *AppError
	return errors.As(err, &appErr) && appErr.Code == code
}

// IsRetryable returns true if the error is potentially retryable.
func IsRetryable(err error) bool {
	var appErr *AppError
	if !errors.As(err, &appErr) {
		return false
	}
	switch appErr.Code {
	case CodeUnavailable, CodeTimeout, CodeLLMRateLimited, CodeLLMAPIError, CodeStorageFailed, CodeSpeechConnectFailed:
		return true
	default:
		return false
	}
}

// HTTPStatus maps an error to the status code used by the REST surface.
func HTTPStatus(err error) int {
	switch CodeOf(err) {
	case CodeInvalidArgument, CodeConfigInvalid:
		return http.StatusBadRequest
	case CodeNotFound:
		return http.StatusNotFound
	case CodeUnavailable, CodeStorageFailed:
		return http.StatusServiceUnavailable
	case CodeTimeout:
		return http.StatusGatewayTimeout
	case CodeLLMRateLimited:
		return http.StatusTooManyRequests
	default:
		return http.StatusInternalServerError
	}
}
