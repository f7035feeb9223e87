package orchestrate

import (
	"errors"
	"fmt"

	"github.com/schaermu/manifesto/internal/manifest"
	"github.com/schaermu/manifesto/internal/openpgp"
	"github.com/schaermu/manifesto/internal/tree"
)

// ErrUnsignedManifest is returned when a signature is required but the
// top-level Manifest carries none
var ErrUnsignedManifest = errors.New("top-level Manifest is not OpenPGP signed")

// Cause classifies why a path aborted the batch
type Cause string

const (
	CauseNone                        Cause = ""
	CauseTopLevelNotFound            Cause = "top_level_not_found"
	CauseSignatureToolUnavailable    Cause = "signature_tool_unavailable"
	CauseSignatureVerificationFailed Cause = "signature_verification_failed"
	CauseUnsignedTopLevelManifest    Cause = "unsigned_top_level_manifest"
	CauseCrossDeviceBoundary         Cause = "cross_device_boundary"
	CauseIncompatibleEntryType       Cause = "incompatible_entry_type"
	CauseManifestContentMismatch     Cause = "manifest_content_mismatch"
	CauseInvalidManifestPath         Cause = "invalid_manifest_path"
	CauseConfiguration               Cause = "configuration"
	CauseOther                       Cause = "error"
)

// ConfigError reports invalid options, detected before any path is touched
type ConfigError struct {
	Field   string
	Message string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Message)
}

// Classify maps an error onto its Cause.
func Classify(err error) Cause {
	if err == nil {
		return CauseNone
	}

	var (
		cfgErr      *ConfigError
		verifyErr   *openpgp.VerificationError
		crossErr    *manifest.CrossDeviceError
		incompatErr *manifest.IncompatibleEntryError
		mismatchErr *manifest.MismatchError
		invalidErr  *manifest.InvalidPathError
	)

	switch {
	case errors.As(err, &cfgErr):
		return CauseConfiguration
	case errors.Is(err, tree.ErrTopLevelNotFound):
		return CauseTopLevelNotFound
	case errors.Is(err, openpgp.ErrNoKeys), errors.Is(err, openpgp.ErrNoSigningKey):
		return CauseSignatureToolUnavailable
	case errors.As(err, &verifyErr):
		return CauseSignatureVerificationFailed
	case errors.Is(err, ErrUnsignedManifest):
		return CauseUnsignedTopLevelManifest
	case errors.As(err, &crossErr):
		return CauseCrossDeviceBoundary
	case errors.As(err, &incompatErr):
		return CauseIncompatibleEntryType
	case errors.As(err, &mismatchErr):
		return CauseManifestContentMismatch
	case errors.As(err, &invalidErr):
		return CauseInvalidManifestPath
	}
	return CauseOther
}
