package transfer

import (
	"bytes"
	"context"
	"io"
	"os"
	"path/filepath"

	"github.com/richinsley/comfy2video/client"
	"github.com/richinsley/comfy2video/internal/pkg/errors"
	"github.com/richinsley/comfy2video/internal/pkg/ids"
	"github.com/richinsley/comfy2video/internal/pkg/logger"
)

// DefaultInputPrefix starts every materialized file name.
const DefaultInputPrefix = "input"

// uniqueName returns <prefix>_<ulid><ext>.
func uniqueName(prefix, ext string) string {
	if prefix == "" {
		prefix = DefaultInputPrefix
	}
	return SanitizeFilename(prefix) + "_" + ids.ULID() + ext
}

// DirMaterializer writes resolved inputs into the engine's input directory.
// It is used when the engine shares a filesystem with this process.
type DirMaterializer struct {
	resolver *Resolver
	dir      string
	prefix   string
	log      *logger.Logger
}

func NewDirMaterializer(resolver *Resolver, dir, prefix string, log *logger.Logger) *DirMaterializer {
	if log == nil {
		log = logger.Discard()
	}
	return &DirMaterializer{resolver: resolver, dir: dir, prefix: prefix, log: log.WithComponent("materializer")}
}

// Materialize resolves source and writes it under a unique name. The returned
// name is relative to the input directory, ready for a LoadImage node.
func (m *DirMaterializer) Materialize(ctx context.Context, source string) (string, error) {
	media, err := m.resolver.ResolveInput(ctx, source)
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(m.dir, 0o755); err != nil {
		return "", errors.Wrap(err, "transfer.DirMaterializer", "create input directory")
	}

	name := uniqueName(m.prefix, media.Ext)
	final := filepath.Join(m.dir, name)

	// write then rename so the engine never sees a partial file
	tmp, err := os.CreateTemp(m.dir, ".partial-*")
	if err != nil {
		return "", errors.Wrap(err, "transfer.DirMaterializer", "create temp file")
	}
	if _, err := tmp.Write(media.Data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return "", errors.Wrap(err, "transfer.DirMaterializer", "write input")
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return "", errors.Wrap(err, "transfer.DirMaterializer", "close input")
	}
	if err := os.Chmod(tmp.Name(), 0o644); err != nil {
		m.log.Warn("chmod input failed", "error", err.Error())
	}
	if err := os.Rename(tmp.Name(), final); err != nil {
		os.Remove(tmp.Name())
		return "", errors.Wrap(err, "transfer.DirMaterializer", "rename input")
	}

	m.log.Debug("input materialized", "file", final, "media_type", media.MediaType, "bytes", len(media.Data))
	return name, nil
}

// Uploader is the engine upload call used by UploadMaterializer. *client.ComfyClient implements it.
type Uploader interface {
	UploadFileFromReader(ctx context.Context, r io.Reader, filename string, overwrite bool, filetype client.ImageType, subfolder string) (string, error)
}

// UploadMaterializer sends resolved inputs through the engine's upload endpoint.
// It is used when the engine runs on another host.
type UploadMaterializer struct {
	resolver  *Resolver
	uploader  Uploader
	prefix    string
	subfolder string
	log       *logger.Logger
}

func NewUploadMaterializer(resolver *Resolver, uploader Uploader, prefix, subfolder string, log *logger.Logger) *UploadMaterializer {
	if log == nil {
		log = logger.Discard()
	}
	return &UploadMaterializer{
		resolver:  resolver,
		uploader:  uploader,
		prefix:    prefix,
		subfolder: subfolder,
		log:       log.WithComponent("materializer"),
	}
}

// Materialize resolves source, uploads it under a unique name and returns the
// name the engine stored it as.
func (m *UploadMaterializer) Materialize(ctx context.Context, source string) (string, error) {
	media, err := m.resolver.ResolveInput(ctx, source)
	if err != nil {
		return "", err
	}
	name := uniqueName(m.prefix, media.Ext)
	stored, err := m.uploader.UploadFileFromReader(ctx, bytes.NewReader(media.Data), name, false, client.InputImageType, m.subfolder)
	if err != nil {
		return "", errors.WrapWithCode(err, errors.CodeUpload, "transfer.UploadMaterializer", "upload input to engine").
			WithField("filename", name)
	}
	m.log.Debug("input uploaded", "requested", name, "stored", stored, "bytes", len(media.Data))
	return stored, nil
}
