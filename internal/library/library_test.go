package library

import (
	"bytes"
	"context"
	"encoding/json"
	"image/color"
	"io"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/disintegration/imaging"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/text/encoding/charmap"

	"github.com/banux/imgshelf/internal/media"
)

// memStore keeps the document as encoded JSON so every Load returns a copy.
type memStore struct {
	mu    sync.Mutex
	data  []byte
	saves int
}

func (m *memStore) Load() (*Document, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	doc := NewDocument()
	if m.data == nil {
		return doc, nil
	}
	if err := json.Unmarshal(m.data, doc); err != nil {
		return nil, err
	}
	return doc, nil
}

func (m *memStore) Save(doc *Document) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	data, err := json.Marshal(doc)
	if err != nil {
		return err
	}
	m.data = data
	m.saves++
	return nil
}

var testNow = time.Date(2024, 5, 1, 9, 0, 0, 0, time.UTC)

func newTestLibrary(t *testing.T) (*Library, *memStore, *media.Files) {
	t.Helper()
	files, err := media.NewFiles(filepath.Join(t.TempDir(), "uploads"))
	require.NoError(t, err)
	files.Now = func() time.Time { return testNow }
	store := &memStore{}
	lib := New(store, files, Options{Now: func() time.Time { return testNow }})
	return lib, store, files
}

func pngBytes(t *testing.T, w, h int) []byte {
	t.Helper()
	var buf bytes.Buffer
	img := imaging.New(w, h, color.NRGBA{G: 128, B: 255, A: 255})
	require.NoError(t, imaging.Encode(&buf, img, imaging.PNG))
	return buf.Bytes()
}

func upload(t *testing.T, name string) Upload {
	data := pngBytes(t, 40, 30)
	return Upload{
		Filename:    name,
		ContentType: "image/png",
		Open:        func() (io.ReadCloser, error) { return io.NopCloser(bytes.NewReader(data)), nil },
	}
}

func ingest(t *testing.T, lib *Library, merge bool, theme string, names ...string) *IngestResult {
	t.Helper()
	ups := make([]Upload, len(names))
	for i, n := range names {
		ups[i] = upload(t, n)
	}
	res, err := lib.Ingest(context.Background(), ups, theme, merge)
	require.NoError(t, err)
	return res
}

func TestIngest_ClassifiesAndCreates(t *testing.T) {
	lib, store, files := newTestLibrary(t)

	res := ingest(t, lib, false, "", "ETFG_2차전지.png")
	require.Len(t, res.Created, 1)
	assert.Empty(t, res.Merged)
	assert.Equal(t, "1개 이미지 업로드됨", res.Message())

	img := res.Created[0]
	assert.Equal(t, 1, img.ID)
	assert.Equal(t, "ETFG_2차전지.png", img.Name)
	assert.Equal(t, ServiceList{"ETFG"}, img.Service)
	assert.Equal(t, "2차전지", img.Theme)
	assert.Equal(t, StatusCandidate, img.Status)
	assert.Equal(t, []string{"2차전지"}, img.Tags)
	assert.Equal(t, "/uploads/"+img.Filename, img.URL)
	assert.Equal(t, map[string]string{"ETFG": img.URL}, img.ServiceImages)
	assert.Equal(t, testNow, img.CreatedAt)
	assert.Equal(t, img.CreatedAt, img.UpdatedAt)
	assert.True(t, files.Exists(img.Filename))
	assert.Equal(t, 1, store.saves, "one save per batch")
}

func TestIngest_Unclassified(t *testing.T) {
	lib, _, _ := newTestLibrary(t)

	res := ingest(t, lib, false, "", "picture.png", "misc_바이오.jpg")
	require.Len(t, res.Created, 2)

	plain := res.Created[0]
	assert.Equal(t, ServiceList{Unclassified}, plain.Service)
	assert.Equal(t, Unclassified, plain.Theme)
	assert.Empty(t, plain.Tags)
	assert.Empty(t, plain.ServiceImages)
	assert.NotEmpty(t, plain.URL)

	fallback := res.Created[1]
	assert.Equal(t, ServiceList{Unclassified}, fallback.Service)
	assert.Equal(t, "바이오", fallback.Theme)
	assert.Equal(t, []string{"바이오"}, fallback.Tags)
}

func TestIngest_IDsAndOrder(t *testing.T) {
	lib, _, _ := newTestLibrary(t)

	ingest(t, lib, false, "", "ETFG_a.png", "ETFG_b.png")
	ingest(t, lib, false, "", "ETFG_c.png")

	images, err := lib.List()
	require.NoError(t, err)
	var ids []int
	for _, img := range images {
		ids = append(ids, img.ID)
	}
	assert.Equal(t, []int{3, 1, 2}, ids, "new batch first, each batch in upload order")
}

func TestIngest_ManualThemeOverride(t *testing.T) {
	lib, _, _ := newTestLibrary(t)

	res := ingest(t, lib, false, "수동테마", "ETFG_2차전지.png")
	img := res.Created[0]
	assert.Equal(t, "수동테마", img.Theme)
	assert.Equal(t, ServiceList{"ETFG"}, img.Service)
	assert.Equal(t, []string{"수동테마"}, img.Tags)

	res = ingest(t, lib, false, "   ", "ETFG_금.png")
	assert.Equal(t, "금", res.Created[0].Theme, "blank override is ignored")
}

func TestIngest_MergeIntoExistingTheme(t *testing.T) {
	lib, _, _ := newTestLibrary(t)

	first := ingest(t, lib, false, "", "ETFG_2차전지.png").Created[0]
	res := ingest(t, lib, true, "", "COMPG_2차전지.png")

	assert.Empty(t, res.Created)
	require.Len(t, res.Merged, 1)
	assert.Equal(t, MergeResult{ID: first.ID, Theme: "2차전지", AddedService: "COMPG", Merged: true}, res.Merged[0])
	assert.Equal(t, "0개 새 이미지, 1개 기존 테마에 병합됨", res.Message())

	images, err := lib.List()
	require.NoError(t, err)
	require.Len(t, images, 1)
	img := images[0]
	assert.Equal(t, ServiceList{"ETFG", "COMPG"}, img.Service)
	assert.Equal(t, first.URL, img.ServiceImages["ETFG"])
	assert.NotEqual(t, first.URL, img.ServiceImages["COMPG"])
	assert.Equal(t, img.ServiceImages["COMPG"], img.URL, "merged file becomes the representative")
	assert.Equal(t, first.Filename, img.Filename, "primary file is unchanged")
}

func TestIngest_MergeWithinBatch(t *testing.T) {
	lib, _, _ := newTestLibrary(t)

	res := ingest(t, lib, true, "", "ETFG_원자력.png", "COMPG_원자력.png", "리타민_원자력.png")
	require.Len(t, res.Created, 1)
	require.Len(t, res.Merged, 2)

	img := res.Created[0]
	assert.Equal(t, ServiceList{"ETFG", "COMPG", "리타민"}, img.Service)
	assert.Len(t, img.ServiceImages, 3)
	assert.Equal(t, img.ServiceImages["리타민"], img.URL)
}

func TestIngest_MergeSkipsUnclassifiedFiles(t *testing.T) {
	lib, _, _ := newTestLibrary(t)

	ingest(t, lib, false, "", "ETFG_금.png")
	res := ingest(t, lib, true, "", "misc_금.png")
	assert.Len(t, res.Created, 1)
	assert.Empty(t, res.Merged)
}

func TestIngest_MergeDropsUnclassifiedService(t *testing.T) {
	lib, _, _ := newTestLibrary(t)

	ingest(t, lib, false, "", "misc_금.png")
	res := ingest(t, lib, true, "", "ETFG_금.png")
	require.Len(t, res.Merged, 1)

	img, err := lib.Get(res.Merged[0].ID)
	require.NoError(t, err)
	assert.Equal(t, ServiceList{"ETFG"}, img.Service)
}

func TestIngest_NoMergeCreatesDuplicateTheme(t *testing.T) {
	lib, _, _ := newTestLibrary(t)

	ingest(t, lib, false, "", "ETFG_금.png")
	res := ingest(t, lib, false, "", "COMPG_금.png")
	assert.Len(t, res.Created, 1)

	themes, err := lib.Themes()
	require.NoError(t, err)
	assert.Equal(t, []string{"금"}, themes)
}

func TestIngest_MergeUsesOverrideTheme(t *testing.T) {
	lib, _, _ := newTestLibrary(t)

	ingest(t, lib, false, "", "ETFG_금.png")
	res := ingest(t, lib, true, "금", "COMPG_gold.png")
	require.Len(t, res.Merged, 1)
	assert.Equal(t, "금", res.Merged[0].Theme)
}

func TestIngest_LegacyFilename(t *testing.T) {
	lib, _, _ := newTestLibrary(t)

	mangled, err := charmap.ISO8859_1.NewDecoder().String("ETFG_반도체.png")
	require.NoError(t, err)

	img := ingest(t, lib, false, "", mangled).Created[0]
	assert.Equal(t, "ETFG_반도체.png", img.Name)
	assert.Equal(t, "반도체", img.Theme)
}

func TestIngest_CancelledContext(t *testing.T) {
	lib, store, _ := newTestLibrary(t)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := lib.Ingest(ctx, []Upload{upload(t, "ETFG_a.png")}, "", false)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 0, store.saves)
}

func TestUpdate(t *testing.T) {
	lib, _, _ := newTestLibrary(t)
	img := ingest(t, lib, false, "", "ETFG_금.png").Created[0]

	later := testNow.Add(time.Hour)
	lib.now = func() time.Time { return later }

	theme := "은"
	final := StatusFinal
	got, err := lib.Update(img.ID, Update{
		Theme:     &theme,
		Status:    &final,
		Tags:      []string{"a", "b"},
		Assignees: []string{},
	})
	require.NoError(t, err)
	assert.Equal(t, "은", got.Theme)
	assert.Equal(t, StatusFinal, got.Status)
	assert.Equal(t, []string{"a", "b"}, got.Tags)
	assert.Equal(t, []string{}, got.Assignees)
	assert.Equal(t, img.Name, got.Name, "absent fields are unchanged")
	assert.Equal(t, img.URL, got.URL)
	assert.Equal(t, later, got.UpdatedAt)
	assert.Equal(t, testNow, got.CreatedAt)

	stored, err := lib.Get(img.ID)
	require.NoError(t, err)
	assert.Equal(t, "은", stored.Theme)
}

func TestUpdate_Errors(t *testing.T) {
	lib, _, _ := newTestLibrary(t)
	img := ingest(t, lib, false, "", "ETFG_금.png").Created[0]

	_, err := lib.Update(999, Update{})
	assert.ErrorIs(t, err, ErrNotFound)

	bogus := Status("published")
	_, err = lib.Update(img.ID, Update{Status: &bogus})
	assert.ErrorIs(t, err, ErrInvalid)
}

func TestDelete_RemovesFiles(t *testing.T) {
	lib, _, files := newTestLibrary(t)
	ingest(t, lib, false, "", "ETFG_금.png")
	merged := ingest(t, lib, true, "", "COMPG_금.png")

	img, err := lib.Get(merged.Merged[0].ID)
	require.NoError(t, err)
	require.True(t, files.Exists(img.Filename))
	require.True(t, files.Exists(img.ServiceImages["COMPG"]))

	require.NoError(t, lib.Delete(img.ID))
	assert.False(t, files.Exists(img.Filename))
	assert.False(t, files.Exists(img.ServiceImages["COMPG"]))

	images, err := lib.List()
	require.NoError(t, err)
	assert.Empty(t, images)

	assert.ErrorIs(t, lib.Delete(img.ID), ErrNotFound)
}

func TestDelete_MissingFileStillRemovesRecord(t *testing.T) {
	lib, _, files := newTestLibrary(t)
	img := ingest(t, lib, false, "", "ETFG_금.png").Created[0]
	require.NoError(t, os.Remove(files.Path(img.Filename)))

	require.NoError(t, lib.Delete(img.ID))
	_, err := lib.Get(img.ID)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestDelete_IDsAreNotReused(t *testing.T) {
	lib, _, _ := newTestLibrary(t)
	img := ingest(t, lib, false, "", "ETFG_a.png").Created[0]
	require.NoError(t, lib.Delete(img.ID))

	next := ingest(t, lib, false, "", "ETFG_b.png").Created[0]
	assert.Equal(t, img.ID+1, next.ID)
}

func TestBulkStatus(t *testing.T) {
	lib, _, _ := newTestLibrary(t)
	res := ingest(t, lib, false, "", "ETFG_a.png", "ETFG_b.png", "ETFG_c.png")

	require.NoError(t, lib.BulkStatus([]int{res.Created[0].ID, res.Created[2].ID, 404}, StatusFinal))

	st, err := lib.Stats()
	require.NoError(t, err)
	assert.Equal(t, 3, st.Total)
	assert.Equal(t, StatusCounts{Final: 2, Candidate: 1}, st.ByStatus)

	img, err := lib.Get(res.Created[0].ID)
	require.NoError(t, err)
	assert.Equal(t, testNow, img.UpdatedAt)

	assert.ErrorIs(t, lib.BulkStatus([]int{1}, Status("nope")), ErrInvalid)
}

func TestThemesAndStats(t *testing.T) {
	lib, _, _ := newTestLibrary(t)

	themes, err := lib.Themes()
	require.NoError(t, err)
	assert.Equal(t, []string{}, themes)

	ingest(t, lib, false, "", "ETFG_원자력.png", "COMPG_2차전지.png", "리타민_원자력.png", "picture.png")

	themes, err = lib.Themes()
	require.NoError(t, err)
	assert.Equal(t, []string{"2차전지", "원자력", Unclassified}, themes)

	ref := StatusReference
	_, err = lib.Update(1, Update{Status: &ref})
	require.NoError(t, err)

	st, err := lib.Stats()
	require.NoError(t, err)
	assert.Equal(t, &Stats{
		Total:    4,
		ByStatus: StatusCounts{Candidate: 3, Reference: 1},
		Themes:   3,
	}, st)
}

func TestServices(t *testing.T) {
	lib, _, _ := newTestLibrary(t)
	svcs := lib.Services()
	require.Len(t, svcs, 3)
	assert.Equal(t, "COMPG", svcs[0].Name, "longest label first")
	assert.Equal(t, Service{Name: "COMPG", Width: 1280, Height: 332}, svcs[0])
}

func TestSetServiceImage(t *testing.T) {
	lib, _, files := newTestLibrary(t)
	img := ingest(t, lib, false, "", "ETFG_2차전지.png").Created[0]

	got, err := lib.SetServiceImage(img.ID, "COMPG", upload(t, "anything.png"))
	require.NoError(t, err)

	ref := got.ServiceImages["COMPG"]
	require.NotEmpty(t, ref)
	assert.Equal(t, ref, got.URL)
	assert.Contains(t, ref, "ETFG_2차전지_COMPG.png")
	assert.Equal(t, img.URL, got.ServiceImages["ETFG"])

	out, err := imaging.Open(files.Path(ref))
	require.NoError(t, err)
	assert.Equal(t, 1280, out.Bounds().Dx())
	assert.Equal(t, 332, out.Bounds().Dy())

	// A second upload replaces the first variant on disk.
	again, err := lib.SetServiceImage(img.ID, "COMPG", upload(t, "other.png"))
	require.NoError(t, err)
	assert.NotEqual(t, ref, again.ServiceImages["COMPG"])
	assert.False(t, files.Exists(ref))
	assert.True(t, files.Exists(again.ServiceImages["COMPG"]))

	entries, err := os.ReadDir(files.Dir())
	require.NoError(t, err)
	assert.Len(t, entries, 2, "original and one variant, no temp files")
}

func TestSetServiceImage_Errors(t *testing.T) {
	lib, _, _ := newTestLibrary(t)
	img := ingest(t, lib, false, "", "ETFG_금.png").Created[0]

	_, err := lib.SetServiceImage(img.ID, "", upload(t, "x.png"))
	assert.ErrorIs(t, err, ErrInvalid)

	_, err = lib.SetServiceImage(img.ID, "UNKNOWN", upload(t, "x.png"))
	assert.ErrorIs(t, err, ErrInvalid)

	_, err = lib.SetServiceImage(999, "ETFG", upload(t, "x.png"))
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestResolveDownload(t *testing.T) {
	lib, _, files := newTestLibrary(t)
	img := ingest(t, lib, false, "", "ETFG_금.png").Created[0]

	dl, err := lib.ResolveDownload(img.ID, DownloadRequest{})
	require.NoError(t, err)
	assert.False(t, dl.Resized())
	assert.Equal(t, "ETFG_금.png", dl.Filename)
	assert.Equal(t, files.Path(img.Filename), dl.Path)

	dl, err = lib.ResolveDownload(img.ID, DownloadRequest{Size: media.Size{Width: 20, Height: 10}})
	require.NoError(t, err)
	require.True(t, dl.Resized())
	assert.Equal(t, "ETFG_금_20x10.png", dl.Filename)
	out, err := imaging.Decode(bytes.NewReader(dl.Data))
	require.NoError(t, err)
	assert.Equal(t, 20, out.Bounds().Dx())
	assert.Equal(t, 10, out.Bounds().Dy())

	// Only one dimension given: original file.
	dl, err = lib.ResolveDownload(img.ID, DownloadRequest{Size: media.Size{Width: 20}})
	require.NoError(t, err)
	assert.False(t, dl.Resized())
}

func TestResolveDownload_ServiceVariant(t *testing.T) {
	lib, _, files := newTestLibrary(t)
	img := ingest(t, lib, false, "", "ETFG_금.png").Created[0]
	withVariant, err := lib.SetServiceImage(img.ID, "COMPG", upload(t, "v.png"))
	require.NoError(t, err)

	dl, err := lib.ResolveDownload(img.ID, DownloadRequest{Service: "COMPG"})
	require.NoError(t, err)
	assert.Equal(t, "ETFG_금_COMPG.png", dl.Filename)
	assert.Equal(t, files.Path(withVariant.ServiceImages["COMPG"]), dl.Path)

	dl, err = lib.ResolveDownload(img.ID, DownloadRequest{Service: "COMPG", Size: media.Size{Width: 8, Height: 8}})
	require.NoError(t, err)
	assert.Equal(t, "ETFG_금_COMPG_8x8.png", dl.Filename)

	// Unknown variant falls back to the original.
	dl, err = lib.ResolveDownload(img.ID, DownloadRequest{Service: "리타민"})
	require.NoError(t, err)
	assert.Equal(t, "ETFG_금.png", dl.Filename)
}

func TestResolveDownload_NotFound(t *testing.T) {
	lib, _, files := newTestLibrary(t)

	_, err := lib.ResolveDownload(1, DownloadRequest{})
	assert.ErrorIs(t, err, ErrNotFound)

	img := ingest(t, lib, false, "", "ETFG_금.png").Created[0]
	require.NoError(t, os.Remove(files.Path(img.Filename)))
	_, err = lib.ResolveDownload(img.ID, DownloadRequest{})
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestServiceList_UnmarshalJSON(t *testing.T) {
	var l ServiceList
	require.NoError(t, json.Unmarshal([]byte(`"ETFG"`), &l))
	assert.Equal(t, ServiceList{"ETFG"}, l)

	require.NoError(t, json.Unmarshal([]byte(`["ETFG","COMPG"]`), &l))
	assert.Equal(t, ServiceList{"ETFG", "COMPG"}, l)

	require.NoError(t, json.Unmarshal([]byte(`""`), &l))
	assert.Equal(t, ServiceList{}, l)

	assert.Error(t, json.Unmarshal([]byte(`42`), &l))
}

func TestServiceList_With(t *testing.T) {
	l := ServiceList{Unclassified}
	assert.Equal(t, ServiceList{"ETFG"}, l.With("ETFG"))
	assert.Equal(t, ServiceList{"ETFG", "COMPG"}, ServiceList{"ETFG", "COMPG"}.With("ETFG"))
	assert.Equal(t, ServiceList{Unclassified}, l, "receiver is not modified")
}

func TestSetServiceImage_KeepsPrimaryFile(t *testing.T) {
	lib, _, files := newTestLibrary(t)
	img := ingest(t, lib, false, "", "ETFG_금.png").Created[0]
	require.Equal(t, img.URL, img.ServiceImages["ETFG"])

	got, err := lib.SetServiceImage(img.ID, "ETFG", upload(t, "resized.png"))
	require.NoError(t, err)
	assert.NotEqual(t, img.URL, got.ServiceImages["ETFG"])
	assert.True(t, files.Exists(img.Filename), "primary file survives its first variant being replaced")

	dl, err := lib.ResolveDownload(img.ID, DownloadRequest{})
	require.NoError(t, err)
	assert.Equal(t, files.Path(img.Filename), dl.Path)

	// Replacing the variant again removes the previous variant only.
	again, err := lib.SetServiceImage(img.ID, "ETFG", upload(t, "again.png"))
	require.NoError(t, err)
	assert.False(t, files.Exists(got.ServiceImages["ETFG"]))
	assert.True(t, files.Exists(again.ServiceImages["ETFG"]))
	assert.True(t, files.Exists(img.Filename))
}

func TestResolveDownload_SizeLimit(t *testing.T) {
	files, err := media.NewFiles(filepath.Join(t.TempDir(), "uploads"))
	require.NoError(t, err)
	lib := New(&memStore{}, files, Options{MaxDimension: 64})
	img := ingest(t, lib, false, "", "ETFG_금.png").Created[0]

	dl, err := lib.ResolveDownload(img.ID, DownloadRequest{Size: media.Size{Width: 64, Height: 64}})
	require.NoError(t, err)
	assert.True(t, dl.Resized())

	_, err = lib.ResolveDownload(img.ID, DownloadRequest{Size: media.Size{Width: 65, Height: 10}})
	assert.ErrorIs(t, err, ErrInvalid)

	_, err = lib.ResolveDownload(img.ID, DownloadRequest{Size: media.Size{Width: 1 << 30, Height: 1 << 30}})
	assert.ErrorIs(t, err, ErrInvalid)
}

func TestNew_DefaultMaxDimension(t *testing.T) {
	lib, _, _ := newTestLibrary(t)
	assert.Equal(t, media.DefaultMaxDimension, lib.maxDim)
}
