package hub

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestListConfigs_ParsesCardData(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/datasets/squad/v2", r.URL.Path)

		w.Write([]byte(`{
			"id": "squad/v2",
			"cardData": {
				"configs": [
					{"config_name": "secondary"},
					{"config_name": "main"},
					{"config_name": ""}
				]
			}
		}`))
	}))
	defer srv.Close()

	client := NewClient(srv.URL, "")

	configs, err := client.ListConfigs(context.Background(), "squad/v2")
	require.NoError(t, err)
	assert.Equal(t, []string{"secondary", "main"}, configs)
}

func TestListConfigs_NoCardData(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"id": "squad/v2"}`))
	}))
	defer srv.Close()

	client := NewClient(srv.URL, "")

	configs, err := client.ListConfigs(context.Background(), "squad/v2")
	require.NoError(t, err)
	assert.Empty(t, configs)
}

func TestListFiles_PrefersLFSMetadata(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/datasets/squad/v2/tree/main/extra", r.URL.Path)
		assert.Equal(t, "true", r.URL.Query().Get("recursive"))

		w.Write([]byte(`[
			{"type": "directory", "path": "extra/sub"},
			{"type": "file", "path": "extra/data.parquet", "size": 134,
				"lfs": {"oid": "deadbeef", "size": 104857600}},
			{"type": "file", "path": "extra/README.md", "size": 42}
		]`))
	}))
	defer srv.Close()

	client := NewClient(srv.URL, "")

	files, err := client.ListFiles(context.Background(), "squad/v2", "extra")
	require.NoError(t, err)

	require.Len(t, files, 2)
	assert.Equal(t, File{Path: "extra/data.parquet", Size: 104857600, SHA256: "deadbeef"}, files[0])
	assert.Equal(t, File{Path: "extra/README.md", Size: 42}, files[1])
}

func TestFetchFile_SendsBearerToken(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/datasets/squad/v2/resolve/main/data/train.parquet", r.URL.Path)
		assert.Equal(t, "Bearer hf_secret", r.Header.Get("Authorization"))

		w.Write([]byte("content"))
	}))
	defer srv.Close()

	client := NewClient(srv.URL, "hf_secret")

	body, err := client.FetchFile(context.Background(), "squad/v2", File{Path: "data/train.parquet"})
	require.NoError(t, err)
	defer body.Close()

	content, err := io.ReadAll(body)
	require.NoError(t, err)
	assert.Equal(t, "content", string(content))
}

func TestGet_StatusClassification(t *testing.T) {
	tests := []struct {
		name    string
		status  int
		headers map[string]string
		check   func(t *testing.T, err error)
	}{
		{
			name:    "429 with Retry-After",
			status:  http.StatusTooManyRequests,
			headers: map[string]string{"Retry-After": "30"},
			check: func(t *testing.T, err error) {
				var rle *RateLimitedError
				require.ErrorAs(t, err, &rle)
				assert.Equal(t, 30*time.Second, rle.RetryAfter)
			},
		},
		{
			name:   "401 is permanent",
			status: http.StatusUnauthorized,
			check: func(t *testing.T, err error) {
				var pe *PermanentError
				require.ErrorAs(t, err, &pe)
				assert.Equal(t, http.StatusUnauthorized, pe.StatusCode)
			},
		},
		{
			name:   "404 is permanent",
			status: http.StatusNotFound,
			check: func(t *testing.T, err error) {
				var pe *PermanentError
				require.ErrorAs(t, err, &pe)
				assert.Equal(t, "not found", pe.Reason)
			},
		},
		{
			name:   "503 is transient",
			status: http.StatusServiceUnavailable,
			check: func(t *testing.T, err error) {
				var te *TransientError
				require.ErrorAs(t, err, &te)
				assert.Equal(t, http.StatusServiceUnavailable, te.StatusCode)
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				for k, v := range tt.headers {
					w.Header().Set(k, v)
				}
				w.WriteHeader(tt.status)
			}))
			defer srv.Close()

			client := NewClient(srv.URL, "")

			_, err := client.ListFiles(context.Background(), "squad/v2", "")
			tt.check(t, err)
		})
	}
}

func TestGet_ConnectionErrorIsTransient(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	srv.Close() // refuse all connections

	client := NewClient(srv.URL, "")

	_, err := client.ListConfigs(context.Background(), "squad/v2")

	var te *TransientError
	assert.True(t, errors.As(err, &te))
}

func TestParseRetryAfter(t *testing.T) {
	tests := []struct {
		name  string
		value string
		want  time.Duration
	}{
		{"empty", "", 0},
		{"seconds", "120", 120 * time.Second},
		{"negative seconds", "-5", 0},
		{"garbage", "soon", 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, parseRetryAfter(tt.value))
		})
	}
}

func TestParseRetryAfter_HTTPDate(t *testing.T) {
	at := time.Now().Add(90 * time.Second).UTC()
	got := parseRetryAfter(at.Format(http.TimeFormat))

	assert.Greater(t, got, 80*time.Second)
	assert.LessOrEqual(t, got, 90*time.Second)
}

func TestEncodePath(t *testing.T) {
	assert.Equal(t, "owner/data%20set", encodePath("owner/data set"))
	assert.Equal(t, "plain", encodePath("plain"))
}
