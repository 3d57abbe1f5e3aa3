package bpfman

import (
	"archive/tar"
	"compress/gzip"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"

	"github.com/containers/image/copy"
	"github.com/containers/image/signature"
	"github.com/containers/image/transports/alltransports"
	"github.com/containers/image/types"
	"github.com/go-logr/logr"
	"github.com/google/uuid"
	digest "github.com/opencontainers/go-digest"
	imagespec "github.com/opencontainers/image-spec/specs-go/v1"
)

// labelBpfFunctionName is the OCI config label bpfmand reads the BPF
// function symbol from, matching the upstream bpfman image format
// (`ContainerImageMetadata` in the original Rust image manager).
const labelBpfFunctionName = "io.ebpf.bpf_function_name"

// ContainerImageStore is the production ImageStore, pulling OCI bytecode
// images with github.com/containers/image — the teacher's own direct
// dependency for this concern. It owns a request channel and runs on its
// own goroutine, serializing its own cache the way spec §5 requires ("The
// Image store is accessed through its own channel; it runs in a separate
// task and serializes its own state").
type ContainerImageStore struct {
	log     logr.Logger
	cacheDir string

	pulls chan pullRequest
	gets  chan getRequest

	mu       sync.Mutex
	fnByKey  map[string]string
}

type pullRequest struct {
	ctx           context.Context
	url           string
	policy        PullPolicy
	username      string
	password      string
	allowUnsigned bool
	reply         chan pullResult
}

type pullResult struct {
	contentKey string
	fnName     string
	err        error
}

type getRequest struct {
	ctx        context.Context
	contentKey string
	reply      chan getResult
}

type getResult struct {
	bytes []byte
	err   error
}

// NewContainerImageStore creates a store that caches pulled layer blobs
// under cacheDir (one file per content digest).
func NewContainerImageStore(cacheDir string, log logr.Logger) *ContainerImageStore {
	return &ContainerImageStore{
		log:      log,
		cacheDir: cacheDir,
		pulls:    make(chan pullRequest, 32),
		gets:     make(chan getRequest, 32),
		fnByKey:  make(map[string]string),
	}
}

// Run drives the store's command loop until ctx is cancelled, exactly the
// single-consumer-per-task shape the Program manager itself uses (spec
// §2, §5).
func (s *ContainerImageStore) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case req := <-s.pulls:
			key, fn, err := s.doPull(req.ctx, req.url, req.policy, req.username, req.password, req.allowUnsigned)
			req.reply <- pullResult{contentKey: key, fnName: fn, err: err}
		case req := <-s.gets:
			b, err := s.doGet(req.contentKey)
			req.reply <- getResult{bytes: b, err: err}
		}
	}
}

func (s *ContainerImageStore) Pull(ctx context.Context, url string, policy PullPolicy, username, password string, allowUnsigned bool) (string, string, error) {
	reply := make(chan pullResult, 1)
	req := pullRequest{ctx: ctx, url: url, policy: policy, username: username, password: password, allowUnsigned: allowUnsigned, reply: reply}
	select {
	case s.pulls <- req:
	case <-ctx.Done():
		return "", "", ctx.Err()
	}
	select {
	case res := <-reply:
		return res.contentKey, res.fnName, res.err
	case <-ctx.Done():
		return "", "", ctx.Err()
	}
}

func (s *ContainerImageStore) GetBytecode(ctx context.Context, contentKey string) ([]byte, error) {
	reply := make(chan getResult, 1)
	req := getRequest{ctx: ctx, contentKey: contentKey, reply: reply}
	select {
	case s.gets <- req:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	select {
	case res := <-reply:
		return res.bytes, res.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (s *ContainerImageStore) doGet(contentKey string) ([]byte, error) {
	path := filepath.Join(s.cacheDir, contentKey)
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, wrapErr(ErrBytecode, "read cached bytecode image", err)
	}
	return b, nil
}

func (s *ContainerImageStore) doPull(ctx context.Context, url string, policy PullPolicy, username, password string, allowUnsigned bool) (string, string, error) {
	if policy == PullNever {
		s.mu.Lock()
		_, known := s.fnByKey[url]
		s.mu.Unlock()
		if !known {
			return "", "", wrapErr(ErrBytecode, "image not present and pull policy is Never", nil)
		}
	}

	srcRef, err := alltransports.ParseImageName("docker://" + url)
	if err != nil {
		return "", "", wrapErr(ErrBytecode, "parse image reference", err)
	}

	policyCtx, err := signaturePolicyContext(allowUnsigned)
	if err != nil {
		return "", "", wrapErr(ErrBytecode, "build signature policy", err)
	}

	sysCtx := &types.SystemContext{}
	if username != "" {
		sysCtx.DockerAuthConfig = &types.DockerAuthConfig{Username: username, Password: password}
	}

	tmpDir, err := os.MkdirTemp("", "bpfman-image-"+uuid.NewString())
	if err != nil {
		return "", "", wrapErr(ErrBytecode, "create temp pull dir", err)
	}
	defer os.RemoveAll(tmpDir)

	destRef, err := alltransports.ParseImageName("oci:" + tmpDir + ":latest")
	if err != nil {
		return "", "", wrapErr(ErrBytecode, "parse destination reference", err)
	}

	manifestBytes, err := copy.Image(ctx, policyCtx, destRef, srcRef, &copy.Options{SourceCtx: sysCtx})
	if err != nil {
		return "", "", wrapErr(ErrBytecode, "pull image", err)
	}

	dig := digest.FromBytes(manifestBytes)
	contentKey := dig.Encoded()

	bpfFunctionName, layerBytes, err := extractBytecodeLayer(tmpDir)
	if err != nil {
		return "", "", wrapErr(ErrBytecode, "extract bytecode layer", err)
	}

	if err := os.MkdirAll(s.cacheDir, 0o750); err != nil {
		return "", "", wrapErr(ErrBytecode, "create image cache dir", err)
	}
	if err := os.WriteFile(filepath.Join(s.cacheDir, contentKey), layerBytes, 0o640); err != nil {
		return "", "", wrapErr(ErrBytecode, "cache bytecode image", err)
	}

	s.mu.Lock()
	s.fnByKey[contentKey] = bpfFunctionName
	s.mu.Unlock()

	return contentKey, bpfFunctionName, nil
}

func signaturePolicyContext(allowUnsigned bool) (*signature.PolicyContext, error) {
	var policy *signature.Policy
	var err error
	if allowUnsigned {
		policy = &signature.Policy{Default: []signature.PolicyRequirement{signature.NewPRInsecureAcceptAnything()}}
	} else {
		policy, err = signature.DefaultPolicy(nil)
		if err != nil {
			return nil, err
		}
	}
	return signature.NewPolicyContext(policy)
}

// extractBytecodeLayer reads the single-layer OCI image bpfmand expects (a
// bytecode object plus a config label naming the BPF function symbol) out
// of the local OCI layout written by copy.Image, the way the original
// image manager deserializes `ContainerImageMetadata` from the image
// config's labels.
func extractBytecodeLayer(ociDir string) (bpfFunctionName string, bytecode []byte, err error) {
	manifest, err := readOCIManifest(ociDir)
	if err != nil {
		return "", nil, fmt.Errorf("read image manifest: %w", err)
	}
	if len(manifest.Layers) == 0 {
		return "", nil, fmt.Errorf("image manifest has no layers")
	}

	cfg, err := readOCIBlob[imagespec.Image](ociDir, manifest.Config.Digest)
	if err != nil {
		return "", nil, fmt.Errorf("read image config: %w", err)
	}
	bpfFunctionName = cfg.Config.Labels[labelBpfFunctionName]

	bytecode, err = readOCILayer(ociDir, manifest.Layers[0])
	if err != nil {
		return "", nil, fmt.Errorf("read bytecode layer: %w", err)
	}
	return bpfFunctionName, bytecode, nil
}

func readOCIManifest(ociDir string) (*imagespec.Manifest, error) {
	index, err := readOCIBlobFile[imagespec.Index](filepath.Join(ociDir, "index.json"))
	if err != nil {
		return nil, err
	}
	if len(index.Manifests) == 0 {
		return nil, fmt.Errorf("oci index has no manifests")
	}
	manifest, err := readOCIBlob[imagespec.Manifest](ociDir, index.Manifests[0].Digest)
	if err != nil {
		return nil, err
	}
	return &manifest, nil
}

func readOCIBlob[T any](ociDir string, dig digest.Digest) (T, error) {
	return readOCIBlobFile[T](filepath.Join(ociDir, "blobs", dig.Algorithm().String(), dig.Encoded()))
}

func readOCIBlobFile[T any](path string) (T, error) {
	var out T
	b, err := os.ReadFile(path)
	if err != nil {
		return out, err
	}
	if err := json.Unmarshal(b, &out); err != nil {
		return out, err
	}
	return out, nil
}

// readOCILayer returns the layer's bytes, decompressing and unpacking the
// single bytecode object out of the tar archive when the layer is a
// (gzipped) tarball, the way the upstream `tar`/`flate2` extraction does.
func readOCILayer(ociDir string, layer imagespec.Descriptor) ([]byte, error) {
	path := filepath.Join(ociDir, "blobs", layer.Digest.Algorithm().String(), layer.Digest.Encoded())
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var r io.Reader = f
	if layer.MediaType == imagespec.MediaTypeImageLayerGzip {
		gz, err := gzip.NewReader(f)
		if err != nil {
			return nil, err
		}
		defer gz.Close()
		r = gz
	}

	if layer.MediaType == imagespec.MediaTypeImageLayer || layer.MediaType == imagespec.MediaTypeImageLayerGzip {
		return firstRegularFileInTar(r)
	}

	return io.ReadAll(r)
}

func firstRegularFileInTar(r io.Reader) ([]byte, error) {
	tr := tar.NewReader(r)
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			return nil, fmt.Errorf("tar layer has no regular file entries")
		}
		if err != nil {
			return nil, err
		}
		if hdr.Typeflag != tar.TypeReg {
			continue
		}
		return io.ReadAll(tr)
	}
}
