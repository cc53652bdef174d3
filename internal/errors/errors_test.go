package errors

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"testing"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

func TestAppErrorMessage(t *testing.T) {
	err := Wrap(errors.New("dial tcp: refused"), CodeSpeechConnectFailed, "open speech connection").
		WithMetadata("model", "fun-asr-realtime")

	msg := err.Error()
	for _, want := range []string{"[SPEECH_CONNECT_FAILED]", "open speech connection", "fun-asr-realtime", "caused by: dial tcp: refused"} {
		if !strings.Contains(msg, want) {
			t.Errorf("Error() = %q, missing %q", msg, want)
		}
	}
}

func TestUnwrap(t *testing.T) {
	cause := errors.New("boom")
	err := fmt.Errorf("outer: %w", Wrap(cause, CodeStoreFailed, "insert"))

	if !errors.Is(err, cause) {
		t.Error("errors.Is should find the cause through AppError")
	}
	if !IsCode(err, CodeStoreFailed) {
		t.Error("IsCode should find a wrapped AppError")
	}
	if CodeOf(err) != CodeStoreFailed {
		t.Errorf("CodeOf = %v, want %v", CodeOf(err), CodeStoreFailed)
	}
}

func TestGRPCStatusRoundTrip(t *testing.T) {
	orig := New(CodeLLMRateLimited, "slow down").WithMetadata("attempt", "2")

	st := orig.GRPCStatus()
	if st.Code() != codes.ResourceExhausted {
		t.Errorf("status code = %v, want %v", st.Code(), codes.ResourceExhausted)
	}

	back := FromGRPCError(st.Err())
	if back.Code != CodeLLMRateLimited {
		t.Errorf("Code = %v, want %v", back.Code, CodeLLMRateLimited)
	}
	if back.Message != "slow down" {
		t.Errorf("Message = %q, want %q", back.Message, "slow down")
	}
	if back.Metadata["attempt"] != "2" {
		t.Errorf("Metadata[attempt] = %q, want %q", back.Metadata["attempt"], "2")
	}
}

func TestStatusCodeOfWrappedAppError(t *testing.T) {
	err := fmt.Errorf("suggestion: %w", New(CodeTimeout, "deadline"))
	if got := status.Code(err); got != codes.DeadlineExceeded {
		t.Errorf("status.Code = %v, want %v", got, codes.DeadlineExceeded)
	}
}

func TestFromGRPCErrorFallback(t *testing.T) {
	err := status.Error(codes.NotFound, "no such meeting")
	got := FromGRPCError(err)
	if got.Code != CodeNotFound {
		t.Errorf("Code = %v, want %v", got.Code, CodeNotFound)
	}

	plain := FromGRPCError(errors.New("plain"))
	if plain.Code != CodeUnknown {
		t.Errorf("plain Code = %v, want %v", plain.Code, CodeUnknown)
	}
}

func TestCodeStringAndParse(t *testing.T) {
	for c, name := range codeNames {
		if c.String() != name {
			t.Errorf("Code(%d).String() = %q, want %q", c, c.String(), name)
		}
		if ParseCode(name) != c {
			t.Errorf("ParseCode(%q) = %v, want %v", name, ParseCode(name), c)
		}
	}
	if Code(999).String() != "UNKNOWN" {
		t.Errorf("unknown code should render as UNKNOWN")
	}
}

func TestIsRetryable(t *testing.T) {
	tests := []struct {
		err  error
		want bool
	}{
		{New(CodeUnavailable, ""), true},
		{New(CodeLLMRateLimited, ""), true},
		{New(CodeLLMAPIError, ""), true},
		{New(CodeConfigMissing, ""), false},
		{New(CodeBatchShapeUnknown, ""), false},
		{errors.New("plain"), false},
	}
	for _, tt := range tests {
		if got := IsRetryable(tt.err); got != tt.want {
			t.Errorf("IsRetryable(%v) = %v, want %v", tt.err, got, tt.want)
		}
	}
}

func TestHTTPStatus(t *testing.T) {
	tests := []struct {
		code Code
		want int
	}{
		{CodeNotFound, http.StatusNotFound},
		{CodeInvalidArgument, http.StatusBadRequest},
		{CodeStoreFailed, http.StatusInternalServerError},
		{CodeLLMRateLimited, http.StatusTooManyRequests},
	}
	for _, tt := range tests {
		if got := HTTPStatus(New(tt.code, "")); got != tt.want {
			t.Errorf("HTTPStatus(%v) = %d, want %d", tt.code, got, tt.want)
		}
	}
}
