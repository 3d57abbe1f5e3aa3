package bpfman

import "context"

// PullPolicy controls whether ImageStore.Pull re-fetches an image already
// in its cache (spec §6).
type PullPolicy int

const (
	PullAlways PullPolicy = iota
	PullIfNotPresent
	PullNever
)

// ImageStore is the external collaborator spec.md §6 describes: it fetches,
// verifies, and caches bytecode container images. It runs in its own task
// and serializes its own state (spec §5); the manager only ever talks to it
// through this interface and never blocks its own command loop waiting on
// it longer than the suspension discipline in §9 allows.
type ImageStore interface {
	// Pull fetches url under policy, verifying its digest and (unless
	// allowUnsigned) its signature, and returns an opaque content key
	// plus the BPF function name that the image config's
	// io.ebpf.bpf_function_name label claims.
	Pull(ctx context.Context, url string, policy PullPolicy, username, password string, allowUnsigned bool) (contentKey string, bpfFunctionName string, err error)

	// GetBytecode returns the cached bytes for a content key previously
	// returned by Pull.
	GetBytecode(ctx context.Context, contentKey string) ([]byte, error)
}

// BytecodeSource names where a Program's bytes come from for a Load
// command (spec §4.5 step 2).
type BytecodeSource struct {
	// File, if set, is a path to a bytecode object on the local
	// filesystem.
	File string

	// Image, if set, pulls bytecode from an OCI registry.
	Image *ImageSource
}

// ImageSource is the Image-backed variant of BytecodeSource.
type ImageSource struct {
	URL           string
	Policy        PullPolicy
	Username      string
	Password      string
	AllowUnsigned bool
}
