package library

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/banux/imgshelf/internal/classify"
)

// MergeResult reports an upload that was folded into an existing theme record.
type MergeResult struct {
	ID           int    `json:"id"`
	Theme        string `json:"theme"`
	AddedService string `json:"addedService"`
	Merged       bool   `json:"merged"`
}

// IngestResult is the outcome of one upload batch.
type IngestResult struct {
	Created []Image       `json:"images"`
	Merged  []MergeResult `json:"merged"`
}

// Message is the summary shown to users of the Korean frontend.
func (r *IngestResult) Message() string {
	if len(r.Merged) > 0 {
		return fmt.Sprintf("%d개 새 이미지, %d개 기존 테마에 병합됨", len(r.Created), len(r.Merged))
	}
	return fmt.Sprintf("%d개 이미지 업로드됨", len(r.Created))
}

// Ingest stores a batch of uploads. Each file is classified by name; the
// theme is manualTheme when it is non-blank, the classified theme otherwise.
//
// With merge set, a file whose service was recognised and whose theme is
// already used by a record (stored before the batch or created earlier in it)
// is added to that record as a service image instead of becoming a new record.
//
// The document is saved once after the whole batch, with new records placed
// before the existing ones in upload order. An error aborts the batch without
// saving; files already written for it stay on disk.
func (l *Library) Ingest(ctx context.Context, uploads []Upload, manualTheme string, merge bool) (*IngestResult, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	doc, err := l.load()
	if err != nil {
		return nil, err
	}

	res := &IngestResult{Created: []Image{}, Merged: []MergeResult{}}
	override := strings.TrimSpace(manualTheme) != ""

	for _, up := range uploads {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		name := classify.DecodeLegacyName(up.Filename)
		parsed := l.classifier.Classify(name)
		theme := parsed.Theme
		if override {
			theme = manualTheme
		}

		stored, err := l.storeUpload(up, name)
		if err != nil {
			return nil, err
		}
		url := l.files.URL(stored)
		now := l.timestamp()

		if merge && parsed.Classified() {
			if target := findTheme(doc.Images, res.Created, theme); target != nil {
				target.Service = target.Service.With(parsed.Service)
				target.ServiceImages[parsed.Service] = url
				target.SetRepresentative(url)
				target.UpdatedAt = now
				res.Merged = append(res.Merged, MergeResult{
					ID:           target.ID,
					Theme:        theme,
					AddedService: parsed.Service,
					Merged:       true,
				})
				l.log.Info("merged upload",
					zap.Int("id", target.ID), zap.String("theme", theme), zap.String("service", parsed.Service))
				continue
			}
		}

		doc.LastID++
		img := newImage(doc.LastID, name, stored, url, parsed, theme)
		img.CreatedAt, img.UpdatedAt = now, now
		res.Created = append(res.Created, img)
		l.log.Info("created image",
			zap.Int("id", img.ID), zap.String("theme", theme), zap.String("service", parsed.Service))
	}

	doc.Images = append(append(make([]Image, 0, len(res.Created)+len(doc.Images)), res.Created...), doc.Images...)
	if err := l.save(doc); err != nil {
		return nil, err
	}
	return res, nil
}

// storeUpload writes one upload to the upload directory and returns the stored name.
func (l *Library) storeUpload(up Upload, name string) (string, error) {
	src, err := up.Open()
	if err != nil {
		return "", fmt.Errorf("open upload %q: %w", name, err)
	}
	defer src.Close()

	base, ext := classify.SplitName(name)
	stored, err := l.files.Save(base, ext, src)
	if err != nil {
		return "", fmt.Errorf("store upload %q: %w", name, err)
	}
	return stored, nil
}

// findTheme returns the first record with the given theme, looking at stored
// records before those created in the current batch.
func findTheme(existing, created []Image, theme string) *Image {
	for i := range existing {
		if existing[i].Theme == theme {
			return &existing[i]
		}
	}
	for i := range created {
		if created[i].Theme == theme {
			return &created[i]
		}
	}
	return nil
}

// newImage builds a fresh candidate record for a stored upload.
func newImage(id int, name, stored, url string, parsed classify.Result, theme string) Image {
	img := Image{
		ID:       id,
		Name:     name,
		Filename: stored,
		Service:  ServiceList{parsed.Service},
		Theme:    theme,
		Status:   StatusCandidate,
		Tags:     []string{},
	}
	if theme != "" && theme != Unclassified {
		img.Tags = []string{theme}
	}
	img.normalize()
	if parsed.Classified() {
		img.ServiceImages[parsed.Service] = url
	}
	img.SetRepresentative(url)
	return img
}
