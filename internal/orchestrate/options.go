package orchestrate

import (
	"strings"

	"github.com/schaermu/manifesto/internal/manifest"
	"github.com/schaermu/manifesto/internal/profile"
	"github.com/schaermu/manifesto/internal/tree"
)

// VerifyOptions configures a verify batch
type VerifyOptions struct {
	// KeepGoing logs every mismatch and keeps scanning instead of aborting
	KeepGoing bool
	// OpenPGPKeyFile restricts verification to the keys in this file
	OpenPGPKeyFile string
	// OpenPGPVerify checks the signature of the top-level Manifest
	OpenPGPVerify bool
	// RequireSigned fails when the top-level Manifest is not signed
	RequireSigned bool
	// Strict treats MISC and OPTIONAL problems as failures
	Strict bool
}

// DefaultVerifyOptions returns the options of a plain verify
func DefaultVerifyOptions() VerifyOptions {
	return VerifyOptions{
		OpenPGPVerify: true,
		Strict:        true,
	}
}

// UpdateOptions configures update and create batches
type UpdateOptions struct {
	Hashes  []string
	Profile string
	// CompressWatermark compresses sub-Manifests of at least this size;
	// nil disables compression
	CompressWatermark *int64
	CompressFormat    string
	ForceRewrite      bool
	OpenPGPID         string
	OpenPGPKeyFile    string
	Sign              tree.SignMode
}

// DefaultUpdateOptions returns the options of a plain update, without hashes
func DefaultUpdateOptions() UpdateOptions {
	return UpdateOptions{
		Profile: string(profile.KindDefault),
		Sign:    tree.SignAuto,
	}
}

// Validate checks the options before any path is processed
func (o UpdateOptions) Validate() error {
	if len(o.Hashes) == 0 {
		return &ConfigError{Field: "hashes", Message: "at least one hash is required"}
	}
	if err := manifest.ValidateHashes(o.Hashes); err != nil {
		return &ConfigError{Field: "hashes", Message: err.Error()}
	}
	if _, err := profile.ByName(o.profileName()); err != nil {
		return &ConfigError{Field: "profile", Message: err.Error()}
	}
	if o.CompressWatermark != nil && *o.CompressWatermark < 0 {
		return &ConfigError{Field: "compress-watermark", Message: "must not be negative"}
	}
	if o.CompressFormat != "" {
		if err := manifest.ValidateCompressFormat(o.CompressFormat); err != nil {
			return &ConfigError{Field: "compress-format", Message: err.Error()}
		}
	}
	return nil
}

func (o UpdateOptions) profileName() string {
	if o.Profile == "" {
		return string(profile.KindDefault)
	}
	return o.Profile
}

// ParseHashes splits a whitespace-separated hash list
func ParseHashes(s string) []string {
	return strings.Fields(s)
}
