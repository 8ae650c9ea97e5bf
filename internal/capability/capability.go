// Package capability defines the contract the engine consumes from an
// external text-generation service, plus an OpenAI-compatible client.
package capability

import (
	"context"
	"errors"
	"regexp"
	"strings"
)

var (
	// ErrUnreachable reports that the capability could not be reached or
	// answered with a retryable server error.
	ErrUnreachable = errors.New("capability: unreachable")
	// ErrMalformedResponse reports a response the engine cannot use.
	ErrMalformedResponse = errors.New("capability: malformed response")
)

// Metadata describes how a response was produced.
type Metadata struct {
	Capability   string
	InputTokens  int
	OutputTokens int
}

// Response is the outcome of one successful generate call.
type Response struct {
	Text     string
	Artifact string
	Metadata Metadata
}

// Generator produces text for a prompt using the named capability. The
// caller bounds the call with ctx.
type Generator interface {
	Generate(ctx context.Context, prompt, capabilityID string) (Response, error)
}

// GeneratorFunc adapts a function to the Generator interface.
type GeneratorFunc func(ctx context.Context, prompt, capabilityID string) (Response, error)

// Generate calls f.
func (f GeneratorFunc) Generate(ctx context.Context, prompt, capabilityID string) (Response, error) {
	return f(ctx, prompt, capabilityID)
}

// IsTransport reports whether err is a transport-level failure worth
// retrying.
func IsTransport(err error) bool {
	return errors.Is(err, ErrUnreachable) || errors.Is(err, ErrMalformedResponse)
}

var fencePattern = regexp.MustCompile("(?s)```([A-Za-z0-9_+.-]*)[^\\n]*\\n(.*?)```")

// Fence is one fenced block found in free text.
type Fence struct {
	Lang string
	Body string
}

// Fences returns every fenced block in text in order of appearance.
func Fences(text string) []Fence {
	matches := fencePattern.FindAllStringSubmatch(text, -1)
	out := make([]Fence, 0, len(matches))
	for _, m := range matches {
		out = append(out, Fence{Lang: strings.ToLower(m[1]), Body: strings.TrimRight(m[2], "\n")})
	}
	return out
}

// IsDataFence reports whether the block holds structured data rather than
// code.
func (f Fence) IsDataFence() bool {
	switch f.Lang {
	case "json", "yaml", "yml":
		return true
	}
	return false
}

// ExtractArtifact returns the first fenced code block in text. Data blocks
// (json, yaml) are only used when they are the sole block. It returns "" when
// text holds no fence.
func ExtractArtifact(text string) string {
	fences := Fences(text)
	if len(fences) == 0 {
		return ""
	}
	for _, fence := range fences {
		if !fence.IsDataFence() {
			return fence.Body
		}
	}
	if len(fences) == 1 {
		return fences[0].Body
	}
	return ""
}
