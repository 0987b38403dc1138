package errors

import (
	stdErrors "errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestErrorFormatsMetadataInOrder(t *testing.T) {
	err := New(CodeRemoteFailure, "batch failed",
		WithMetadata("succeeded", "3"),
		WithMetadata("failed", "1"),
	)
	require.Equal(t, "[REMOTE_FAILURE] batch failed (failed=1, succeeded=3)", err.Error())
}

func TestWrapKeepsCauseAndCode(t *testing.T) {
	cause := stdErrors.New("connection reset")
	err := fmt.Errorf("outer: %w", Wrap(CodeQuery, cause, ""))

	require.ErrorIs(t, err, cause)
	require.ErrorIs(t, err, New(CodeQuery, ""))
	require.Equal(t, CodeQuery, CodeOf(err))
	require.True(t, RetryableError(err))
	require.Equal(t, SeverityWarning, SeverityOf(err))
}

func TestOptionsOverrideRegistry(t *testing.T) {
	err := New(CodeQuery, "", WithRetryable(false), WithAlert(true), WithSeverity(SeverityCritical))
	require.False(t, err.Retryable())
	require.True(t, err.ShouldAlert())
	require.Equal(t, SeverityCritical, err.Severity())
	require.Equal(t, AttributesOf(CodeQuery).Message, err.Message())
}

func TestUnknownCodeFallsBack(t *testing.T) {
	require.Equal(t, AttributesOf(CodeUnknown), AttributesOf(Code("NOPE")))
	require.Equal(t, CodeUnknown, CodeOf(stdErrors.New("plain")))
	require.Nil(t, MetadataOf(stdErrors.New("plain")))
}

func TestMetadataIsCopied(t *testing.T) {
	err := New(CodeTimeout, "", WithMetadata("proof_id", "p1"))
	md := err.Metadata()
	md["proof_id"] = "changed"
	require.Equal(t, "p1", MetadataOf(err)["proof_id"])
}
