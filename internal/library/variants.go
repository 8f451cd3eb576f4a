package library

import (
	"fmt"
	"os"

	"go.uber.org/zap"

	"github.com/banux/imgshelf/internal/classify"
	"github.com/banux/imgshelf/internal/media"
)

// Services returns the service table in classification order.
func (l *Library) Services() []Service {
	labels := l.classifier.Labels()
	out := make([]Service, 0, len(labels))
	for _, name := range labels {
		out = append(out, l.services[name])
	}
	return out
}

// SetServiceImage stores up as the service variant of image id. The upload
// is cover-fitted to the service's configured size, any previous variant for
// that service other than the primary file is removed, and the new file
// becomes the representative.
func (l *Library) SetServiceImage(id int, service string, up Upload) (*Image, error) {
	if service == "" {
		return nil, fmt.Errorf("service name is required: %w", ErrInvalid)
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	doc, err := l.load()
	if err != nil {
		return nil, err
	}
	i := doc.index(id)
	if i < 0 {
		return nil, fmt.Errorf("image %d: %w", id, ErrNotFound)
	}
	svc, ok := l.services[service]
	if !ok {
		return nil, fmt.Errorf("unknown service %q: %w", service, ErrInvalid)
	}
	img := &doc.Images[i]

	src, err := up.Open()
	if err != nil {
		return nil, fmt.Errorf("open upload: %w", err)
	}
	tmpPath, err := l.files.SaveTemp(src)
	src.Close()
	if err != nil {
		return nil, err
	}

	recordBase := classify.StripExt(img.Name)
	_, uploadExt := classify.SplitName(classify.DecodeLegacyName(up.Filename))
	name := l.files.UniqueName(recordBase+"_"+service, media.OutputExt(uploadExt))

	size := media.Size{Width: svc.Width, Height: svc.Height}
	if err := media.ResizeFile(tmpPath, l.files.Path(name), size); err != nil {
		// The temp upload is left behind on failure, like a failed batch.
		return nil, fmt.Errorf("resize for %s: %w", service, err)
	}
	if err := os.Remove(tmpPath); err != nil {
		l.log.Warn("remove temp upload", zap.String("path", tmpPath), zap.Error(err))
	}

	// The first variant of a classified upload is the primary file itself;
	// it stays on disk for plain downloads.
	if old, ok := img.ServiceImages[service]; ok && old != l.files.URL(img.Filename) {
		if err := l.files.Remove(old); err != nil {
			l.log.Warn("remove previous service image",
				zap.Int("id", id), zap.String("service", service), zap.Error(err))
		}
	}

	url := l.files.URL(name)
	img.ServiceImages[service] = url
	img.SetRepresentative(url)
	img.UpdatedAt = l.timestamp()

	if err := l.save(doc); err != nil {
		return nil, err
	}
	l.log.Info("stored service image",
		zap.Int("id", id), zap.String("service", service), zap.String("size", size.String()))

	result := *img
	return &result, nil
}

// DownloadRequest selects what to download for an image.
type DownloadRequest struct {
	// Service selects the service variant, when it exists.
	Service string

	// Size requests a cover-fitted PNG when both dimensions are positive.
	// Neither may exceed the library's maximum dimension.
	Size media.Size
}

// Download is a resolved download.
type Download struct {
	// Path is the file on disk the download comes from.
	Path string

	// Filename is the suggested client-side file name.
	Filename string

	// Data holds resized PNG bytes. When nil, Path is served as is.
	Data []byte
}

// Resized reports whether the download carries re-encoded image data.
func (d *Download) Resized() bool {
	return d.Data != nil
}

// ResolveDownload picks the file for a download request and resizes it when
// a size is requested.
func (l *Library) ResolveDownload(id int, req DownloadRequest) (*Download, error) {
	if req.Size.Valid() && !req.Size.Within(l.maxDim) {
		return nil, fmt.Errorf("size %s exceeds %dx%d: %w", req.Size, l.maxDim, l.maxDim, ErrInvalid)
	}

	img, err := l.Get(id)
	if err != nil {
		return nil, err
	}

	base, ext := classify.SplitName(img.Name)
	dl := &Download{Path: l.files.Path(img.Filename), Filename: img.Name}

	if ref, ok := img.ServiceImages[req.Service]; ok && req.Service != "" && l.files.Exists(ref) {
		base += "_" + req.Service
		dl.Path = l.files.Path(ref)
		dl.Filename = base + ext
	} else if !l.files.Exists(img.Filename) {
		return nil, fmt.Errorf("file of image %d: %w", id, ErrNotFound)
	}

	if req.Size.Valid() {
		data, err := media.ResizePNG(dl.Path, req.Size)
		if err != nil {
			return nil, err
		}
		dl.Data = data
		dl.Filename = base + "_" + req.Size.String() + ".png"
	}
	return dl, nil
}
