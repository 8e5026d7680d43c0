package handlers

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"image"
	"image/color"
	"image/jpeg"
	"image/png"
	"io"
	"math/rand"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"net/textproto"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"

	"github.com/danphoto/danphoto-api/database"
	"github.com/danphoto/danphoto-api/media"
	"github.com/danphoto/danphoto-api/metrics"
	"github.com/danphoto/danphoto-api/realtime"
	"github.com/danphoto/danphoto-api/repository"
	"github.com/danphoto/danphoto-api/theme"
)

const testTheme = "2024-03-01"

type recordingEvents struct {
	mu     sync.Mutex
	events []realtime.Event
}

func (r *recordingEvents) Broadcast(e realtime.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
}

func (r *recordingEvents) all() []realtime.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]realtime.Event(nil), r.events...)
}

type recordingJobs struct {
	mu     sync.Mutex
	queued []string
}

func (r *recordingJobs) QueuePhoto(themeID, name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.queued = append(r.queued, themeID+"/"+name)
}

type testServer struct {
	handler http.Handler
	store   *media.LocalStorage
	proc    *media.Processor
	events  *recordingEvents
	jobs    *recordingJobs
	upload  *UploadHandler
	log     *zap.SugaredLogger
}

type serverOptions struct {
	maxBytes       int64
	ratePerMin     int
	clock          theme.Clock
	requestTimeout time.Duration
}

func newTestServer(t *testing.T, opts serverOptions) *testServer {
	t.Helper()
	log := zaptest.NewLogger(t).Sugar()
	dir := t.TempDir()

	if opts.maxBytes == 0 {
		opts.maxBytes = 1 << 20
	}
	if opts.clock == nil {
		opts.clock = theme.ClockFunc(func() time.Time { return time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC) })
	}

	store, err := media.NewLocalStorage(filepath.Join(dir, "photos"), media.StoreOptions{
		MaxBytes:            opts.maxBytes,
		AllowedContentTypes: []string{"image/jpeg", "image/png", "image/gif", "image/webp"},
	}, log)
	require.NoError(t, err)

	db, err := database.InitDB(filepath.Join(dir, "assets.db"), log)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	gormDB, err := database.InitGormDB(filepath.Join(dir, "topics.db"), log)
	require.NoError(t, err)
	require.NoError(t, database.AutoMigrateModels(gormDB))
	t.Cleanup(func() {
		if sqlDB, err := gormDB.DB(); err == nil {
			sqlDB.Close()
		}
	})

	proc, err := media.NewProcessor(filepath.Join(dir, "thumbnails"), 32, log)
	require.NoError(t, err)

	resolver := theme.NewResolver(opts.clock, time.UTC, "1970-01-01")
	events := &recordingEvents{}
	jobs := &recordingJobs{}
	m := metrics.New()

	upload := &UploadHandler{Store: store, Resolver: resolver, DB: db, Jobs: jobs, Events: events, Metrics: m, Log: log}
	themes := &ThemeHandler{Store: store, Resolver: resolver, DB: db, Thumbnails: proc, Topics: repository.NewThemeTopicRepository(gormDB), Log: log}
	topics := NewTopicHandler(repository.NewThemeTopicRepository(gormDB), events, log)

	h := NewRouter(RouterDeps{
		Upload:           upload,
		Themes:           themes,
		Topics:           topics,
		Metrics:          m,
		UploadRatePerMin: opts.ratePerMin,
		RequestTimeout:   opts.requestTimeout,
		Log:              log,
	})
	return &testServer{handler: h, store: store, proc: proc, events: events, jobs: jobs, upload: upload, log: log}
}

func (s *testServer) do(req *http.Request) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	s.handler.ServeHTTP(rec, req)
	return rec
}

func (s *testServer) uploadRaw(t *testing.T, contentType string, body []byte) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/upload", bytes.NewReader(body))
	req.Header.Set("Content-Type", contentType)
	return s.do(req)
}

func noise(w, h int, seed int64) image.Image {
	rng := rand.New(rand.NewSource(seed))
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.Set(x, y, color.RGBA{uint8(rng.Intn(256)), uint8(rng.Intn(256)), uint8(rng.Intn(256)), 255})
		}
	}
	return img
}

func jpegOf(t *testing.T, w, h int, seed int64) []byte {
	t.Helper()
	var buf bytes.Buffer
	require.NoError(t, jpeg.Encode(&buf, noise(w, h, seed), &jpeg.Options{Quality: 80}))
	return buf.Bytes()
}

// jpegOfSize pads a small JPEG with trailing bytes up to exactly size.
func jpegOfSize(t *testing.T, size int) []byte {
	t.Helper()
	data := jpegOf(t, 32, 32, 1)
	require.Less(t, len(data), size)
	return append(data, make([]byte, size-len(data))...)
}

func pngOf(t *testing.T, w, h int) []byte {
	t.Helper()
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, noise(w, h, 3)))
	return buf.Bytes()
}

func decodeUpload(t *testing.T, rec *httptest.ResponseRecorder) UploadResponse {
	t.Helper()
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	var resp UploadResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	return resp
}

func decodeError(t *testing.T, rec *httptest.ResponseRecorder) APIErrorDetail {
	t.Helper()
	var resp APIErrorResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp), rec.Body.String())
	require.Len(t, resp.Errors, 1)
	return resp.Errors[0]
}

func TestUpload_TenKilobyteJPEGScenario(t *testing.T) {
	s := newTestServer(t, serverOptions{})
	payload := jpegOfSize(t, 10*1024)

	resp := decodeUpload(t, s.uploadRaw(t, "image/jpeg", payload))
	assert.Equal(t, testTheme, resp.Theme)
	assert.Equal(t, int64(10*1024), resp.Size)
	assert.Equal(t, "image/jpeg", resp.ContentType)
	assert.True(t, strings.HasSuffix(resp.Name, ".jpg"))
	assert.Equal(t, "/themes/"+testTheme+"/"+resp.Name, resp.URL)
	assert.Len(t, resp.Digest, 64)

	rec := s.do(httptest.NewRequest(http.MethodGet, "/themes/"+testTheme, nil))
	require.Equal(t, http.StatusOK, rec.Code)
	var listing ThemePhotosResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &listing))
	require.Len(t, listing.Photos, 1)
	assert.Equal(t, resp.Name, listing.Photos[0].Name)

	rec = s.do(httptest.NewRequest(http.MethodGet, resp.URL, nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "image/jpeg", rec.Header().Get("Content-Type"))
	assert.NotEmpty(t, rec.Header().Get("ETag"))
	assert.Contains(t, rec.Header().Get("Cache-Control"), "immutable")
	assert.Equal(t, payload, rec.Body.Bytes())

	assert.Equal(t, []string{testTheme + "/" + resp.Name}, s.jobs.queued)
	events := s.events.all()
	require.Len(t, events, 1)
	assert.Equal(t, realtime.EventPhotoUploaded, events[0].Type)
	assert.Equal(t, resp.Name, events[0].Name)
}

func TestUpload_Multipart(t *testing.T) {
	s := newTestServer(t, serverOptions{})
	payload := pngOf(t, 20, 10)

	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	require.NoError(t, mw.WriteField("caption", "ignored"))
	hdr := textproto.MIMEHeader{}
	hdr.Set("Content-Disposition", `form-data; name="photo"; filename="../../etc/passwd.png"`)
	hdr.Set("Content-Type", "image/png")
	part, err := mw.CreatePart(hdr)
	require.NoError(t, err)
	_, err = part.Write(payload)
	require.NoError(t, err)
	require.NoError(t, mw.Close())

	req := httptest.NewRequest(http.MethodPost, "/upload", &body)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	resp := decodeUpload(t, s.do(req))
	assert.Equal(t, "image/png", resp.ContentType)
	assert.NotContains(t, resp.Name, "passwd")

	rec := s.do(httptest.NewRequest(http.MethodGet, resp.URL, nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, payload, rec.Body.Bytes())
}

func TestUpload_Base64JSON(t *testing.T) {
	s := newTestServer(t, serverOptions{})
	payload := pngOf(t, 12, 12)
	encoded := base64.StdEncoding.EncodeToString(payload)

	for _, img := range []string{"data:image/png;base64," + encoded, encoded} {
		body, err := json.Marshal(Base64UploadRequest{ImageBase64: img})
		require.NoError(t, err)
		resp := decodeUpload(t, s.uploadRaw(t, "application/json", body))
		assert.Equal(t, "image/png", resp.ContentType)
		assert.True(t, strings.HasSuffix(resp.Name, ".png"))

		rec := s.do(httptest.NewRequest(http.MethodGet, resp.URL, nil))
		require.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, payload, rec.Body.Bytes())
	}

	rec := s.uploadRaw(t, "application/json", []byte(`{"image_base64":"data:image/png,abc"}`))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	rec = s.uploadRaw(t, "application/json", []byte(`not json`))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	rec = s.uploadRaw(t, "application/json", []byte(`{"image_base64":"data:text/plain;base64,aGVsbG8="}`))
	assert.Equal(t, http.StatusUnsupportedMediaType, rec.Code)
}

func TestUpload_MultipartWithoutPhoto(t *testing.T) {
	s := newTestServer(t, serverOptions{})
	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	require.NoError(t, mw.WriteField("caption", "no photo"))
	require.NoError(t, mw.Close())

	req := httptest.NewRequest(http.MethodPost, "/upload", &body)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	rec := s.do(req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "invalid_form", decodeError(t, rec).Code)
}

func TestUpload_ConcurrentUploadsGetDistinctNames(t *testing.T) {
	s := newTestServer(t, serverOptions{})
	a, b := jpegOf(t, 16, 16, 1), jpegOf(t, 16, 16, 2)

	var wg sync.WaitGroup
	results := make([]*httptest.ResponseRecorder, 2)
	for i, payload := range [][]byte{a, b} {
		wg.Add(1)
		go func(i int, payload []byte) {
			defer wg.Done()
			req := httptest.NewRequest(http.MethodPost, "/upload", bytes.NewReader(payload))
			req.Header.Set("Content-Type", "image/jpeg")
			rec := httptest.NewRecorder()
			s.handler.ServeHTTP(rec, req)
			results[i] = rec
		}(i, payload)
	}
	wg.Wait()

	r1, r2 := decodeUpload(t, results[0]), decodeUpload(t, results[1])
	assert.NotEqual(t, r1.Name, r2.Name)

	rec := s.do(httptest.NewRequest(http.MethodGet, "/themes/"+testTheme+"?sort=name_asc", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	var listing ThemePhotosResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &listing))
	names := []string{}
	for _, p := range listing.Photos {
		names = append(names, p.Name)
	}
	assert.ElementsMatch(t, []string{r1.Name, r2.Name}, names)
}

func TestUpload_TooLarge(t *testing.T) {
	s := newTestServer(t, serverOptions{maxBytes: 1024})

	rec := s.uploadRaw(t, "image/jpeg", jpegOfSize(t, 4096))
	assert.Equal(t, http.StatusRequestEntityTooLarge, rec.Code)
	assert.Equal(t, "payload_too_large", decodeError(t, rec).Code)

	// without a Content-Length the body is still capped while streaming
	req := httptest.NewRequest(http.MethodPost, "/upload", io.MultiReader(bytes.NewReader(jpegOfSize(t, 4096))))
	req.ContentLength = -1
	req.Header.Set("Content-Type", "image/jpeg")
	rec = s.do(req)
	assert.Equal(t, http.StatusRequestEntityTooLarge, rec.Code)

	entries, err := os.ReadDir(filepath.Join(s.store.BasePath(), testTheme))
	if err == nil {
		assert.Empty(t, entries)
	}
}

func TestUpload_TooLargeStreamWithWrongContent(t *testing.T) {
	s := newTestServer(t, serverOptions{maxBytes: 4096})

	req := httptest.NewRequest(http.MethodPost, "/upload", io.MultiReader(strings.NewReader(strings.Repeat("A", 64<<10))))
	req.ContentLength = -1
	req.Header.Set("Content-Type", "image/jpeg")
	rec := s.do(req)
	assert.Equal(t, http.StatusRequestEntityTooLarge, rec.Code)
	assert.Equal(t, "payload_too_large", decodeError(t, rec).Code)
}

// slowReader waits before handing over its data.
type slowReader struct {
	delay time.Duration
	r     io.Reader
	slept bool
}

func (s *slowReader) Read(p []byte) (int, error) {
	if !s.slept {
		time.Sleep(s.delay)
		s.slept = true
	}
	return s.r.Read(p)
}

func TestUpload_NotBoundByRequestTimeout(t *testing.T) {
	s := newTestServer(t, serverOptions{requestTimeout: 5 * time.Millisecond})

	req := httptest.NewRequest(http.MethodPost, "/upload", &slowReader{delay: 50 * time.Millisecond, r: bytes.NewReader(jpegOf(t, 8, 8, 2))})
	req.ContentLength = -1
	req.Header.Set("Content-Type", "image/jpeg")
	decodeUpload(t, s.do(req))
}

func TestUpload_ReadDeadlineIsSingleResponse(t *testing.T) {
	log := zaptest.NewLogger(t).Sugar()
	s := newTestServer(t, serverOptions{})

	h := UploadDeadline(time.Minute, log)(http.HandlerFunc(s.upload.Upload))
	req := httptest.NewRequest(http.MethodPost, "/upload", &failAfter{data: jpegOf(t, 8, 8, 3)[:64], err: os.ErrDeadlineExceeded})
	req.ContentLength = -1
	req.Header.Set("Content-Type", "image/jpeg")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "upload_aborted", decodeError(t, rec).Code)
}

type failAfter struct {
	data []byte
	err  error
}

func (f *failAfter) Read(p []byte) (int, error) {
	if len(f.data) == 0 {
		return 0, f.err
	}
	n := copy(p, f.data)
	f.data = f.data[n:]
	return n, nil
}

func TestUpload_ThemeRolloverKeepsStartingTheme(t *testing.T) {
	var calls atomic.Int32
	clock := theme.ClockFunc(func() time.Time {
		if calls.Add(1) == 1 {
			return time.Date(2024, 3, 1, 23, 59, 59, 0, time.UTC)
		}
		return time.Date(2024, 3, 2, 0, 0, 1, 0, time.UTC)
	})
	s := newTestServer(t, serverOptions{clock: clock})

	resp := decodeUpload(t, s.uploadRaw(t, "image/jpeg", jpegOf(t, 8, 8, 7)))
	assert.Equal(t, testTheme, resp.Theme)
	_, err := os.Stat(filepath.Join(s.store.BasePath(), testTheme, resp.Name))
	assert.NoError(t, err)
}

func TestUpload_UnsupportedMediaType(t *testing.T) {
	s := newTestServer(t, serverOptions{})
	for _, ct := range []string{"text/plain", "image/tiff", ""} {
		rec := s.uploadRaw(t, ct, []byte("hello"))
		assert.Equal(t, http.StatusUnsupportedMediaType, rec.Code, ct)
		assert.Equal(t, "unsupported_media_type", decodeError(t, rec).Code)
	}

	// image/jpg is an alias
	resp := decodeUpload(t, s.uploadRaw(t, "image/jpg", jpegOf(t, 8, 8, 4)))
	assert.Equal(t, "image/jpeg", resp.ContentType)
}

func TestUpload_ContentMismatch(t *testing.T) {
	s := newTestServer(t, serverOptions{})
	rec := s.uploadRaw(t, "image/png", jpegOf(t, 8, 8, 5))
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
	assert.Equal(t, "invalid_content", decodeError(t, rec).Code)
}

func TestUpload_FallbackTheme(t *testing.T) {
	s := newTestServer(t, serverOptions{clock: theme.ClockFunc(func() time.Time { return time.Time{} })})
	resp := decodeUpload(t, s.uploadRaw(t, "image/jpeg", jpegOf(t, 8, 8, 6)))
	assert.Equal(t, "1970-01-01", resp.Theme)
}

func TestUpload_RateLimited(t *testing.T) {
	s := newTestServer(t, serverOptions{ratePerMin: 2})
	for i := 0; i < 2; i++ {
		decodeUpload(t, s.uploadRaw(t, "image/jpeg", jpegOf(t, 8, 8, int64(i))))
	}
	rec := s.uploadRaw(t, "image/jpeg", jpegOf(t, 8, 8, 9))
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.NotEmpty(t, rec.Header().Get("Retry-After"))

	// reads are not limited
	assert.Equal(t, http.StatusOK, s.do(httptest.NewRequest(http.MethodGet, "/themes", nil)).Code)
}

func TestNotFound(t *testing.T) {
	s := newTestServer(t, serverOptions{})
	decodeUpload(t, s.uploadRaw(t, "image/jpeg", jpegOf(t, 8, 8, 1)))

	paths := []string{
		"/themes/2024-03-02",
		"/themes/not-a-date",
		"/themes/2024-02-30",
		"/themes/" + testTheme + "/missing.jpg",
		"/themes/" + testTheme + "/..%2f..%2fetc%2fpasswd",
		"/themes/" + testTheme + "/.hidden.jpg",
		"/themes/2024-03-02/missing.jpg",
		"/themes/" + testTheme + "/missing.jpg/metadata",
		"/themes/" + testTheme + "/missing.jpg/thumbnail",
	}
	for _, p := range paths {
		rec := s.do(httptest.NewRequest(http.MethodGet, p, nil))
		assert.Equal(t, http.StatusNotFound, rec.Code, p)
		assert.Equal(t, "application/json", rec.Header().Get("Content-Type"), p)
	}
}

func TestListThemesAndCurrent(t *testing.T) {
	s := newTestServer(t, serverOptions{})
	decodeUpload(t, s.uploadRaw(t, "image/jpeg", jpegOf(t, 8, 8, 1)))
	_, err := s.store.EnsureThemeDir("2024-02-28")
	require.NoError(t, err)

	rec := s.do(httptest.NewRequest(http.MethodGet, "/themes", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	var themes map[string][]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &themes))
	assert.Equal(t, []string{testTheme, "2024-02-28"}, themes["themes"])

	rec = s.do(httptest.NewRequest(http.MethodGet, "/themes/current", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	var current CurrentThemeResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &current))
	assert.Equal(t, testTheme, current.ID)
	assert.False(t, current.Fallback)
	assert.Equal(t, 24*time.Hour, current.End.Sub(current.Start))
	assert.Nil(t, current.Topic)
}

func TestGetTheme_InvalidSort(t *testing.T) {
	s := newTestServer(t, serverOptions{})
	_, err := s.store.EnsureThemeDir(testTheme)
	require.NoError(t, err)

	rec := s.do(httptest.NewRequest(http.MethodGet, "/themes/"+testTheme+"?sort=random", nil))
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = s.do(httptest.NewRequest(http.MethodGet, "/themes/"+testTheme, nil))
	require.Equal(t, http.StatusOK, rec.Code)
	var listing ThemePhotosResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &listing))
	assert.Equal(t, database.SortDateAsc, listing.Sort)
	assert.NotNil(t, listing.Photos)
	assert.Empty(t, listing.Photos)
}

func TestSortPhotos(t *testing.T) {
	base := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)
	refs := func() []media.PhotoRef {
		return []media.PhotoRef{
			{Name: "img10.jpg", ModTime: base.Add(time.Minute)},
			{Name: "img2.jpg", ModTime: base.Add(3 * time.Minute)},
			{Name: "img1.jpg", ModTime: base.Add(2 * time.Minute)},
		}
	}
	names := func(rs []media.PhotoRef) []string {
		out := []string{}
		for _, r := range rs {
			out = append(out, r.Name)
		}
		return out
	}

	r := refs()
	sortPhotos(r, database.SortNameAsc)
	assert.Equal(t, []string{"img1.jpg", "img10.jpg", "img2.jpg"}, names(r))

	r = refs()
	sortPhotos(r, database.SortNameNat)
	assert.Equal(t, []string{"img1.jpg", "img2.jpg", "img10.jpg"}, names(r))

	r = refs()
	sortPhotos(r, database.SortDateAsc)
	assert.Equal(t, []string{"img10.jpg", "img1.jpg", "img2.jpg"}, names(r))

	r = refs()
	sortPhotos(r, database.SortDateDesc)
	assert.Equal(t, []string{"img2.jpg", "img1.jpg", "img10.jpg"}, names(r))
}

func TestGetPhoto_ConditionalRequest(t *testing.T) {
	s := newTestServer(t, serverOptions{})
	resp := decodeUpload(t, s.uploadRaw(t, "image/jpeg", jpegOf(t, 8, 8, 1)))

	rec := s.do(httptest.NewRequest(http.MethodGet, resp.URL, nil))
	require.Equal(t, http.StatusOK, rec.Code)
	etag := rec.Header().Get("ETag")

	req := httptest.NewRequest(http.MethodGet, resp.URL, nil)
	req.Header.Set("If-None-Match", etag)
	rec = s.do(req)
	assert.Equal(t, http.StatusNotModified, rec.Code)
}

func TestMetadataAndThumbnail(t *testing.T) {
	s := newTestServer(t, serverOptions{})
	resp := decodeUpload(t, s.uploadRaw(t, "image/jpeg", jpegOf(t, 64, 32, 1)))

	rec := s.do(httptest.NewRequest(http.MethodGet, resp.URL+"/metadata", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	var asset AssetResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &asset))
	assert.Equal(t, database.StatusPending, asset.ThumbnailStatus)
	assert.Nil(t, asset.ThumbnailURL)
	require.NotNil(t, asset.Digest)
	assert.Equal(t, resp.Digest, *asset.Digest)

	rec = s.do(httptest.NewRequest(http.MethodGet, resp.URL+"/thumbnail", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)

	// run the thumbnail task the worker pool would run
	src, err := s.store.FullPath(resp.Theme, resp.Name)
	require.NoError(t, err)
	thumb, w, h, err := s.proc.GenerateThumbnail(src, resp.Theme, resp.Name)
	require.NoError(t, err)
	require.NoError(t, database.UpdateAssetThumbnailResult(s.upload.DB, resp.Theme, resp.Name, &thumb, &w, &h, nil))

	rec = s.do(httptest.NewRequest(http.MethodGet, resp.URL+"/thumbnail", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	cfg, format, err := image.DecodeConfig(rec.Body)
	require.NoError(t, err)
	assert.Equal(t, "jpeg", format)
	assert.Equal(t, 32, cfg.Width)

	rec = s.do(httptest.NewRequest(http.MethodGet, resp.URL+"/metadata", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &asset))
	assert.Equal(t, database.StatusDone, asset.ThumbnailStatus)
	require.NotNil(t, asset.ThumbnailURL)
	require.NotNil(t, asset.Metadata.Width)
	assert.Equal(t, 64, *asset.Metadata.Width)
}

func TestTopicCRUD(t *testing.T) {
	s := newTestServer(t, serverOptions{})
	topicURL := "/themes/" + testTheme + "/topic"

	rec := s.do(httptest.NewRequest(http.MethodGet, topicURL, nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = s.do(httptest.NewRequest(http.MethodPut, topicURL, strings.NewReader(`{"name":"  Reflections  ","description":"Mirrors, puddles, windows"}`)))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = s.do(httptest.NewRequest(http.MethodGet, topicURL, nil))
	require.Equal(t, http.StatusOK, rec.Code)
	var topic map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &topic))
	assert.Equal(t, "Reflections", topic["name"])
	assert.Equal(t, testTheme, topic["theme"])

	rec = s.do(httptest.NewRequest(http.MethodGet, "/themes/current", nil))
	var current CurrentThemeResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &current))
	require.NotNil(t, current.Topic)
	assert.Equal(t, "Reflections", current.Topic.Name)

	rec = s.do(httptest.NewRequest(http.MethodDelete, topicURL, nil))
	assert.Equal(t, http.StatusNoContent, rec.Code)
	rec = s.do(httptest.NewRequest(http.MethodDelete, topicURL, nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)

	var types []string
	for _, e := range s.events.all() {
		types = append(types, e.Type+":"+e.Status)
	}
	assert.Equal(t, []string{"topic.changed:updated", "topic.changed:deleted"}, types)
}

func TestTopicValidation(t *testing.T) {
	s := newTestServer(t, serverOptions{})
	topicURL := "/themes/" + testTheme + "/topic"

	rec := s.do(httptest.NewRequest(http.MethodPut, topicURL, strings.NewReader(`{"name":"   "}`)))
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
	assert.Equal(t, "validation_failed", decodeError(t, rec).Code)

	rec = s.do(httptest.NewRequest(http.MethodPut, topicURL, strings.NewReader(`{"name":"x","extra":1}`)))
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = s.do(httptest.NewRequest(http.MethodPut, "/themes/tomorrow/topic", strings.NewReader(`{"name":"x"}`)))
	assert.Equal(t, http.StatusNotFound, rec.Code)

	body, err := json.Marshal(TopicRequest{Name: "x", Description: ptr(strings.Repeat("d", 1001))})
	require.NoError(t, err)
	rec = s.do(httptest.NewRequest(http.MethodPut, topicURL, bytes.NewReader(body)))
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)

	body, err = json.Marshal(TopicRequest{Name: "x", Description: ptr(strings.Repeat("d", 1000))})
	require.NoError(t, err)
	rec = s.do(httptest.NewRequest(http.MethodPut, topicURL, bytes.NewReader(body)))
	assert.Equal(t, http.StatusOK, rec.Code)
}

func ptr[T any](v T) *T { return &v }

func TestListTopics(t *testing.T) {
	s := newTestServer(t, serverOptions{})

	rec := s.do(httptest.NewRequest(http.MethodGet, "/topics", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"topics":[]}`, rec.Body.String())

	for _, id := range []string{"2024-02-28", testTheme} {
		rec = s.do(httptest.NewRequest(http.MethodPut, "/themes/"+id+"/topic", strings.NewReader(`{"name":"topic `+id+`"}`)))
		require.Equal(t, http.StatusOK, rec.Code)
	}

	rec = s.do(httptest.NewRequest(http.MethodGet, "/topics", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	var resp struct {
		Topics []struct {
			Theme string `json:"theme"`
			Name  string `json:"name"`
		} `json:"topics"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Len(t, resp.Topics, 2)
	assert.Equal(t, testTheme, resp.Topics[0].Theme)
	assert.Equal(t, "2024-02-28", resp.Topics[1].Theme)
}

func TestGetTheme_IncludesAssetStatus(t *testing.T) {
	s := newTestServer(t, serverOptions{})
	done := decodeUpload(t, s.uploadRaw(t, "image/jpeg", jpegOf(t, 16, 16, 1)))
	pending := decodeUpload(t, s.uploadRaw(t, "image/jpeg", jpegOf(t, 16, 16, 2)))

	src, err := s.store.FullPath(done.Theme, done.Name)
	require.NoError(t, err)
	thumb, w, h, err := s.proc.GenerateThumbnail(src, done.Theme, done.Name)
	require.NoError(t, err)
	require.NoError(t, database.UpdateAssetThumbnailResult(s.upload.DB, done.Theme, done.Name, &thumb, &w, &h, nil))

	rec := s.do(httptest.NewRequest(http.MethodGet, "/themes/"+testTheme, nil))
	require.Equal(t, http.StatusOK, rec.Code)
	var listing ThemePhotosResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &listing))
	require.Len(t, listing.Photos, 2)

	byName := map[string]PhotoResponse{}
	for _, p := range listing.Photos {
		byName[p.Name] = p
	}
	require.NotNil(t, byName[done.Name].ThumbnailURL)
	assert.Equal(t, done.URL+"/thumbnail", *byName[done.Name].ThumbnailURL)
	assert.Equal(t, database.StatusDone, byName[done.Name].ThumbnailStatus)
	assert.Nil(t, byName[pending.Name].ThumbnailURL)
	assert.Equal(t, database.StatusPending, byName[pending.Name].ThumbnailStatus)
	assert.Equal(t, database.StatusPending, byName[pending.Name].MetadataStatus)
}

func TestHealthzAndMetrics(t *testing.T) {
	s := newTestServer(t, serverOptions{})
	decodeUpload(t, s.uploadRaw(t, "image/jpeg", jpegOf(t, 8, 8, 1)))

	rec := s.do(httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = s.do(httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `danphoto_uploads_total{result="stored"} 1`)
}
