// Package library provides the image library abstraction for imgshelf.
// It defines the record types, the Store contract that backends implement,
// and the Library that applies ingest and edit operations on top of a Store.
package library

import (
	"encoding/json"
	"errors"
	"time"

	"github.com/banux/imgshelf/internal/classify"
)

// Unclassified is the sentinel service and theme label for images whose
// filename matched no known service.
const Unclassified = classify.Unclassified

var (
	// ErrNotFound is returned when an image id (or its file) does not exist.
	ErrNotFound = errors.New("not found")

	// ErrInvalid is returned for requests that fail validation.
	ErrInvalid = errors.New("invalid request")
)

// Status is the review state of an image.
type Status string

const (
	StatusCandidate Status = "candidate"
	StatusFinal     Status = "final"
	StatusReference Status = "reference"
)

// Valid reports whether s is one of the known statuses.
func (s Status) Valid() bool {
	switch s {
	case StatusCandidate, StatusFinal, StatusReference:
		return true
	}
	return false
}

// ServiceList is the set of services an image is used by, in insertion order.
// Older documents stored a single string; both forms decode.
type ServiceList []string

// UnmarshalJSON accepts either a JSON array of strings or a bare string.
func (l *ServiceList) UnmarshalJSON(data []byte) error {
	var single string
	if err := json.Unmarshal(data, &single); err == nil {
		if single == "" {
			*l = ServiceList{}
		} else {
			*l = ServiceList{single}
		}
		return nil
	}
	var many []string
	if err := json.Unmarshal(data, &many); err != nil {
		return err
	}
	*l = ServiceList(many)
	return nil
}

// Contains reports whether name is in the list.
func (l ServiceList) Contains(name string) bool {
	for _, s := range l {
		if s == name {
			return true
		}
	}
	return false
}

// With returns a copy of l with name appended (if absent) and the
// Unclassified sentinel removed.
func (l ServiceList) With(name string) ServiceList {
	out := make(ServiceList, 0, len(l)+1)
	for _, s := range l {
		if s != Unclassified {
			out = append(out, s)
		}
	}
	if !out.Contains(name) {
		out = append(out, name)
	}
	return out
}

// Image is one record of the library.
type Image struct {
	ID               int               `json:"id"`
	Name             string            `json:"name"`
	Filename         string            `json:"filename"`
	Service          ServiceList       `json:"service"`
	Theme            string            `json:"theme"`
	ThemeDescription string            `json:"themeDescription"`
	Status           Status            `json:"status"`
	Tags             []string          `json:"tags"`
	Mood             []string          `json:"mood"`
	Assignees        []string          `json:"assignees"`
	Prompt           string            `json:"prompt"`
	Memo             string            `json:"memo"`
	ServiceImages    map[string]string `json:"serviceImages"`
	CreatedAt        time.Time         `json:"createdAt"`
	UpdatedAt        time.Time         `json:"updatedAt"`

	// URL is the primary representative: the most recently written file
	// of this record. Only SetRepresentative changes it.
	URL string `json:"url"`
}

// SetRepresentative points the record's thumbnail at url.
func (img *Image) SetRepresentative(url string) {
	img.URL = url
}

// normalize replaces nil collections so records always encode with [] / {}.
func (img *Image) normalize() {
	if img.Service == nil {
		img.Service = ServiceList{}
	}
	if img.Tags == nil {
		img.Tags = []string{}
	}
	if img.Mood == nil {
		img.Mood = []string{}
	}
	if img.Assignees == nil {
		img.Assignees = []string{}
	}
	if img.ServiceImages == nil {
		img.ServiceImages = map[string]string{}
	}
}

// Document is the persisted state: the full image list and the id counter.
type Document struct {
	Images []Image `json:"images"`
	LastID int     `json:"lastId"`
}

// NewDocument returns an empty document.
func NewDocument() *Document {
	return &Document{Images: []Image{}}
}

// index returns the position of the image with the given id, or -1.
func (d *Document) index(id int) int {
	for i := range d.Images {
		if d.Images[i].ID == id {
			return i
		}
	}
	return -1
}

// Store is the interface that persistence backends implement.
// It is a read-all / write-all contract: Load returns the whole document and
// Save replaces it.
type Store interface {
	// Load returns the current document. A store with no data yet returns an
	// empty document, not an error.
	Load() (*Document, error)

	// Save replaces the persisted document with doc.
	Save(doc *Document) error
}

// Service describes a known downstream service: its label (also the filename
// prefix used for classification) and the size of its image variant.
type Service struct {
	Name   string `yaml:"name" json:"name"`
	Width  int    `yaml:"width" json:"width"`
	Height int    `yaml:"height" json:"height"`
}

// DefaultServices is the built-in service table.
var DefaultServices = []Service{
	{Name: "ETFG", Width: 1280, Height: 853},
	{Name: "COMPG", Width: 1280, Height: 332},
	{Name: "리타민", Width: 1280, Height: 853},
}
