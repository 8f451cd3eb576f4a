package library

import (
	"fmt"
	"io"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/banux/imgshelf/internal/classify"
	"github.com/banux/imgshelf/internal/media"
)

// Upload is one file received from a client.
type Upload struct {
	// Filename is the name the client sent, possibly in legacy encoding.
	Filename string

	// ContentType is the MIME type declared for the part.
	ContentType string

	// Open returns the file contents. The caller of Open closes the reader.
	Open func() (io.ReadCloser, error)
}

// Options configures a Library.
type Options struct {
	// Services is the ordered service table. Labels drive classification and
	// sizes drive service variants. Defaults to DefaultServices.
	Services []Service

	// Now is the clock used for timestamps. Defaults to time.Now.
	Now func() time.Time

	// Logger receives operational messages. Defaults to a no-op logger.
	Logger *zap.Logger

	// MaxDimension caps the width and height of resized downloads.
	// Defaults to media.DefaultMaxDimension.
	MaxDimension int
}

// Library applies ingest and edit operations to a Store.
//
// Every operation loads the full document, changes it in memory and saves
// it back. The mutex serialises those cycles within one process; separate
// processes sharing a store are not coordinated.
type Library struct {
	mu         sync.Mutex
	store      Store
	files      *media.Files
	classifier *classify.Classifier
	services   map[string]Service
	maxDim     int
	now        func() time.Time
	log        *zap.Logger
}

// New returns a Library persisting to store and keeping files in files.
func New(store Store, files *media.Files, opts Options) *Library {
	if len(opts.Services) == 0 {
		opts.Services = DefaultServices
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.MaxDimension <= 0 {
		opts.MaxDimension = media.DefaultMaxDimension
	}

	labels := make([]string, 0, len(opts.Services))
	services := make(map[string]Service, len(opts.Services))
	for _, s := range opts.Services {
		labels = append(labels, s.Name)
		services[s.Name] = s
	}

	return &Library{
		store:      store,
		files:      files,
		classifier: classify.New(labels),
		services:   services,
		maxDim:     opts.MaxDimension,
		now:        opts.Now,
		log:        opts.Logger,
	}
}

// Classify exposes the classifier used for ingest.
func (l *Library) Classify(filename string) classify.Result {
	return l.classifier.Classify(filename)
}

// timestamp returns the current time at the precision stored in documents.
func (l *Library) timestamp() time.Time {
	return l.now().UTC().Truncate(time.Millisecond)
}

// load reads the document and normalises its records.
func (l *Library) load() (*Document, error) {
	doc, err := l.store.Load()
	if err != nil {
		return nil, fmt.Errorf("load library: %w", err)
	}
	for i := range doc.Images {
		doc.Images[i].normalize()
	}
	return doc, nil
}

func (l *Library) save(doc *Document) error {
	if err := l.store.Save(doc); err != nil {
		return fmt.Errorf("save library: %w", err)
	}
	return nil
}

// List returns all images in stored order.
func (l *Library) List() ([]Image, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	doc, err := l.load()
	if err != nil {
		return nil, err
	}
	return doc.Images, nil
}

// Get returns the image with the given id.
func (l *Library) Get(id int) (*Image, error) {
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
	img := doc.Images[i]
	return &img, nil
}

// Update carries the editable fields of an image.
// Nil fields are left unchanged; non-nil fields (including empty slices and
// maps) replace the current value.
type Update struct {
	Theme            *string
	ThemeDescription *string
	Status           *Status
	Tags             []string
	Mood             []string
	Prompt           *string
	Memo             *string
	Name             *string
	Service          []string
	ServiceImages    map[string]string
	Assignees        []string
}

// Update applies u to the image with the given id and returns the result.
func (l *Library) Update(id int, u Update) (*Image, error) {
	if u.Status != nil && !u.Status.Valid() {
		return nil, fmt.Errorf("unknown status %q: %w", *u.Status, ErrInvalid)
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
	img := &doc.Images[i]

	if u.Theme != nil {
		img.Theme = *u.Theme
	}
	if u.ThemeDescription != nil {
		img.ThemeDescription = *u.ThemeDescription
	}
	if u.Status != nil {
		img.Status = *u.Status
	}
	if u.Tags != nil {
		img.Tags = u.Tags
	}
	if u.Mood != nil {
		img.Mood = u.Mood
	}
	if u.Prompt != nil {
		img.Prompt = *u.Prompt
	}
	if u.Memo != nil {
		img.Memo = *u.Memo
	}
	if u.Name != nil {
		img.Name = *u.Name
	}
	if u.Service != nil {
		img.Service = ServiceList(u.Service)
	}
	if u.ServiceImages != nil {
		img.ServiceImages = u.ServiceImages
	}
	if u.Assignees != nil {
		img.Assignees = u.Assignees
	}
	img.UpdatedAt = l.timestamp()

	if err := l.save(doc); err != nil {
		return nil, err
	}
	result := *img
	return &result, nil
}

// Delete removes the image with the given id together with its stored
// files: the primary upload and every service variant.
func (l *Library) Delete(id int) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	doc, err := l.load()
	if err != nil {
		return err
	}
	i := doc.index(id)
	if i < 0 {
		return fmt.Errorf("image %d: %w", id, ErrNotFound)
	}
	img := doc.Images[i]

	if err := l.files.Remove(img.Filename); err != nil {
		return err
	}
	for service, ref := range img.ServiceImages {
		if err := l.files.Remove(ref); err != nil {
			l.log.Warn("remove service image",
				zap.Int("id", id), zap.String("service", service), zap.Error(err))
		}
	}

	doc.Images = append(doc.Images[:i], doc.Images[i+1:]...)
	return l.save(doc)
}

// BulkStatus sets status on every image in ids. Unknown ids are skipped.
func (l *Library) BulkStatus(ids []int, status Status) error {
	if !status.Valid() {
		return fmt.Errorf("unknown status %q: %w", status, ErrInvalid)
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	doc, err := l.load()
	if err != nil {
		return err
	}
	for _, id := range ids {
		if i := doc.index(id); i >= 0 {
			doc.Images[i].Status = status
		}
	}
	return l.save(doc)
}

// Themes returns the distinct theme values, sorted.
func (l *Library) Themes() ([]string, error) {
	images, err := l.List()
	if err != nil {
		return nil, err
	}
	return distinctThemes(images), nil
}

func distinctThemes(images []Image) []string {
	seen := make(map[string]bool)
	themes := make([]string, 0)
	for _, img := range images {
		if !seen[img.Theme] {
			seen[img.Theme] = true
			themes = append(themes, img.Theme)
		}
	}
	sort.Strings(themes)
	return themes
}

// StatusCounts holds the number of images per status.
type StatusCounts struct {
	Final     int `json:"final"`
	Candidate int `json:"candidate"`
	Reference int `json:"reference"`
}

// Stats summarises the library.
type Stats struct {
	Total    int          `json:"total"`
	ByStatus StatusCounts `json:"byStatus"`
	Themes   int          `json:"themes"`
}

// Stats returns the total count, counts per status and distinct theme count.
func (l *Library) Stats() (*Stats, error) {
	images, err := l.List()
	if err != nil {
		return nil, err
	}
	st := &Stats{Total: len(images), Themes: len(distinctThemes(images))}
	for _, img := range images {
		switch img.Status {
		case StatusFinal:
			st.ByStatus.Final++
		case StatusCandidate:
			st.ByStatus.Candidate++
		case StatusReference:
			st.ByStatus.Reference++
		}
	}
	return st, nil
}
