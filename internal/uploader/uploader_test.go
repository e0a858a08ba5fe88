package uploader

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingSleeper struct {
	mu     sync.Mutex
	delays []time.Duration
}

func (r *recordingSleeper) Sleep(ctx context.Context, d time.Duration) error {
	r.mu.Lock()
	r.delays = append(r.delays, d)
	r.mu.Unlock()
	return ctx.Err()
}

func newTestUploader(srv *httptest.Server, sl *recordingSleeper) *Uploader {
	return New(Options{
		BaseURL:     srv.URL + "/api/public/rust-map-upload",
		MaxAttempts: 10,
		BaseDelay:   time.Second,
		DelayStep:   5 * time.Second,
		Client:      srv.Client(),
		Sleep:       sl.Sleep,
	})
}

func TestUploadSucceedsFirstTry(t *testing.T) {
	var gotURI, gotCT, gotMethod string
	var gotBody []byte
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotURI, gotCT, gotMethod = r.RequestURI, r.Header.Get("Content-Type"), r.Method
		gotBody, _ = io.ReadAll(r.Body)
		_, _ = io.WriteString(w, "https://files.facepunch.com/x.map\n")
	}))
	defer srv.Close()

	sl := &recordingSleeper{}
	url, err := newTestUploader(srv, sl).Upload(context.Background(), []byte("MAPDATA"), "My Map (v2).map")
	require.NoError(t, err)
	assert.Equal(t, "https://files.facepunch.com/x.map", url)
	assert.Equal(t, http.MethodPut, gotMethod)
	assert.Equal(t, "application/octet-stream", gotCT)
	assert.Equal(t, "/api/public/rust-map-upload/My%20Map%20(v2).map", gotURI)
	assert.Equal(t, []byte("MAPDATA"), gotBody)
	assert.Empty(t, sl.delays)
}

func TestUploadRetriesServerErrorsThenSucceeds(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) <= 9 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		_, _ = io.WriteString(w, "https://cdn/x.map")
	}))
	defer srv.Close()

	sl := &recordingSleeper{}
	url, err := newTestUploader(srv, sl).Upload(context.Background(), []byte("x"), "x.map")
	require.NoError(t, err)
	assert.Equal(t, "https://cdn/x.map", url)
	assert.EqualValues(t, 10, calls.Load())

	want := make([]time.Duration, 0, 9)
	for i := 0; i < 9; i++ {
		want = append(want, time.Second+time.Duration(i)*5*time.Second)
	}
	assert.Equal(t, want, sl.delays)
}

func TestUploadExhaustsAttempts(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	sl := &recordingSleeper{}
	_, err := newTestUploader(srv, sl).Upload(context.Background(), []byte("x"), "x.map")
	require.ErrorIs(t, err, ErrExhausted)
	assert.EqualValues(t, 10, calls.Load())
	require.Len(t, sl.delays, 10)
	assert.Equal(t, time.Second, sl.delays[0])
	assert.Equal(t, 46*time.Second, sl.delays[9])
}

func TestUploadClientErrorIsNotRetried(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	sl := &recordingSleeper{}
	_, err := newTestUploader(srv, sl).Upload(context.Background(), []byte("x"), "x.map")
	require.ErrorIs(t, err, ErrRejected)
	assert.EqualValues(t, 1, calls.Load())
	assert.Empty(t, sl.delays)
}

func TestUploadMalformedSuccessBody(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		_, _ = io.WriteString(w, "<html>maintenance</html>")
	}))
	defer srv.Close()

	sl := &recordingSleeper{}
	_, err := newTestUploader(srv, sl).Upload(context.Background(), []byte("x"), "x.map")
	require.ErrorIs(t, err, ErrInvalidResponse)
	assert.EqualValues(t, 1, calls.Load())
	assert.Empty(t, sl.delays)
}

func TestUploadTransportErrorIsRetried(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	base := srv.URL
	srv.Close()

	sl := &recordingSleeper{}
	u := New(Options{BaseURL: base, MaxAttempts: 3, BaseDelay: time.Millisecond, DelayStep: time.Millisecond, Sleep: sl.Sleep})
	_, err := u.Upload(context.Background(), []byte("x"), "x.map")
	require.ErrorIs(t, err, ErrExhausted)
	assert.Equal(t, []time.Duration{time.Millisecond, 2 * time.Millisecond, 3 * time.Millisecond}, sl.delays)
}

func TestUploadHonorsCancellation(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	u := New(Options{
		BaseURL: srv.URL, MaxAttempts: 10, BaseDelay: time.Hour,
		Client: srv.Client(),
	})
	go func() {
		time.Sleep(50 * time.Millisecond)
		cancel()
	}()

	start := time.Now()
	_, err := u.Upload(ctx, []byte("x"), "x.map")
	assert.True(t, errors.Is(err, context.Canceled))
	assert.Less(t, time.Since(start), 5*time.Second)
}

func TestEncodeURIComponent(t *testing.T) {
	cases := map[string]string{
		"plain.map":         "plain.map",
		"a b.map":           "a%20b.map",
		"x/y?z#&=+$,:@.map": "x%2Fy%3Fz%23%26%3D%2B%24%2C%3A%40.map",
		"keep-_.!~*'().map": "keep-_.!~*'().map",
		"карта.map":         "%D0%BA%D0%B0%D1%80%D1%82%D0%B0.map",
		"100%.map":          "100%25.map",
	}
	for in, want := range cases {
		assert.Equal(t, want, EncodeURIComponent(in), in)
	}
}

func TestDelaySchedule(t *testing.T) {
	u := New(Options{BaseDelay: time.Second, DelayStep: 5 * time.Second})
	assert.Equal(t, time.Second, u.Delay(0))
	assert.Equal(t, 46*time.Second, u.Delay(9))
}
