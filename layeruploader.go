package remote

import (
	"archive/tar"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"io"
	"strings"

	"github.com/docker/docker/api/types/image"
	dockerclient "github.com/docker/docker/client"
)

// ImageInspector is the local container runtime's view of an image, as an
// interface so the layer uploader can be exercised against a fake. The
// default implementation talks to a local Docker daemon; Describe mirrors
// `docker inspect`, Pull mirrors `docker pull`, Save mirrors `docker save`.
type ImageInspector interface {
	Describe(ctx context.Context, imageRef string) (map[string]interface{}, error)
	Pull(ctx context.Context, imageRef string) error
	Save(ctx context.Context, imageRef string) (io.ReadCloser, error)
}

type dockerImageInspector struct {
	cli *dockerclient.Client
}

// NewDockerImageInspector connects to the local Docker daemon the same way
// the docker CLI does (DOCKER_HOST / default socket), negotiating the API
// version so it works against a range of daemon releases.
func NewDockerImageInspector() (ImageInspector, error) {
	cli, err := dockerclient.NewClientWithOpts(dockerclient.FromEnv, dockerclient.WithAPIVersionNegotiation())
	if err != nil {
		return nil, configErrorf("connecting to local docker: %v", err)
	}
	return &dockerImageInspector{cli: cli}, nil
}

func (d *dockerImageInspector) Describe(ctx context.Context, imageRef string) (map[string]interface{}, error) {
	_, raw, err := d.cli.ImageInspectWithRaw(ctx, imageRef)
	if err != nil {
		return nil, stateErrorf("local docker doesn't have image %q: %v", imageRef, err)
	}
	var descr map[string]interface{}
	if err := json.Unmarshal(raw, &descr); err != nil {
		return nil, protocolErrorf("decoding image description for %q: %v", imageRef, err)
	}
	return descr, nil
}

func (d *dockerImageInspector) Pull(ctx context.Context, imageRef string) error {
	reader, err := d.cli.ImagePull(ctx, imageRef, image.PullOptions{})
	if err != nil {
		return stateErrorf("could not docker pull image %q: %v", imageRef, err)
	}
	defer reader.Close()
	_, err = io.Copy(io.Discard, reader)
	return err
}

func (d *dockerImageInspector) Save(ctx context.Context, imageRef string) (io.ReadCloser, error) {
	return d.cli.ImageSave(ctx, []string{imageRef})
}

// layerStack extracts descr's RootFS.Layers, collapsing consecutive
// duplicate layers (an image may list the same layer twice) and stripping
// the "sha256:" prefix each entry carries.
func layerStack(descr map[string]interface{}) ([]string, error) {
	rootFS, ok := descr["RootFS"].(map[string]interface{})
	if !ok {
		return nil, protocolErrorf("image description has no RootFS section")
	}
	raw, ok := rootFS["Layers"].([]interface{})
	if !ok {
		return nil, protocolErrorf("image description has no RootFS.Layers section")
	}

	stack := make([]string, 0, len(raw))
	var last string
	for _, entry := range raw {
		layer, ok := entry.(string)
		if !ok {
			continue
		}
		layer = strings.TrimPrefix(layer, "sha256:")
		if layer == last {
			continue
		}
		stack = append(stack, layer)
		last = layer
	}
	return stack, nil
}

// layerUploader sends the docker layers a broker is missing for an image.
type layerUploader struct {
	log       Logger
	conn      *Connection
	inspector ImageInspector
}

func newLayerUploader(log Logger, conn *Connection, inspector ImageInspector) *layerUploader {
	return &layerUploader{log: log.Fork("layer-uploader"), conn: conn, inspector: inspector}
}

// EnsureUploaded sends every docker layer required to boot imageRef that
// the broker does not already have. Layers are uploaded on the calling
// goroutine; callers wanting this in the background should run it in its
// own goroutine.
func (u *layerUploader) EnsureUploaded(ctx context.Context, imageRef string) error {
	u.log.Infof("ensuring layers are uploaded for: %s", imageRef)

	descr, err := u.inspector.Describe(ctx, imageRef)
	if err != nil {
		u.log.Infof("fetching with docker pull (may take some time): %s", imageRef)
		if pullErr := u.inspector.Pull(ctx, imageRef); pullErr != nil {
			return pullErr
		}
		descr, err = u.inspector.Describe(ctx, imageRef)
		if err != nil {
			return err
		}
	}

	layers, err := layerStack(descr)
	if err != nil {
		return err
	}

	required, err := u.negotiateRequirements(ctx, layers)
	if err != nil {
		return err
	}
	if len(required) == 0 {
		u.log.Infof("no layers need uploading for: %s", imageRef)
		return nil
	}

	return u.uploadRequired(ctx, imageRef, required)
}

func (u *layerUploader) negotiateRequirements(ctx context.Context, layers []string) (map[string]bool, error) {
	unique := make(map[string]bool, len(layers))
	offers := make([]string, 0, len(layers))
	for _, l := range layers {
		if !unique[l] {
			unique[l] = true
			offers = append(offers, l)
		}
	}

	reply, err := u.conn.SendBlocking(ctx, NewMessage("upload_requirements", map[string]interface{}{
		"layers": offers,
	}), DefaultReadyTimeout)
	if err != nil {
		return nil, err
	}

	missing, _ := reply.Params["layers"].([]interface{})
	required := make(map[string]bool, len(missing))
	for _, entry := range missing {
		if hash, ok := entry.(string); ok {
			required[hash] = true
		}
	}
	return required, nil
}

func (u *layerUploader) uploadRequired(ctx context.Context, imageRef string, required map[string]bool) error {
	u.log.Infof("getting docker to export layers...")
	reader, err := u.inspector.Save(ctx, imageRef)
	if err != nil {
		return err
	}
	defer reader.Close()

	remaining := len(required)
	tr := tar.NewReader(reader)
	for {
		header, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return protocolErrorf("reading exported image tar: %v", err)
		}
		if !strings.HasSuffix(header.Name, "/layer.tar") {
			continue
		}

		data, err := io.ReadAll(tr)
		if err != nil {
			return protocolErrorf("reading layer tar entry %s: %v", header.Name, err)
		}
		sum := sha256.Sum256(data)
		sha256Hex := hex.EncodeToString(sum[:])

		if !required[sha256Hex] {
			continue
		}

		u.log.Infof("uploading layer: %s", sha256Hex)
		msg := NewMessage("upload", map[string]interface{}{"sha256": sha256Hex})
		msg.Bulk = data
		if err := u.conn.Send(msg); err != nil {
			return err
		}

		remaining--
		if remaining == 0 {
			break
		}
	}
	return nil
}
