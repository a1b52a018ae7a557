package clients

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	xerrors "github.com/flexvod/caption-api/errors"
)

func TestListRecentVODs(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/api/vods", r.URL.Path)
		require.Equal(t, "5", r.URL.Query().Get("limit"))
		require.Equal(t, "Bearer secret", r.Header.Get("Authorization"))
		_, _ = w.Write([]byte(`[{"id":"flex_flex3_0","title":"Lake Elmo City Council 06 17 2025"}]`))
	}))
	defer srv.Close()

	vods, err := NewVODClient(srv.URL, "secret").ListRecentVODs(context.Background(), 5)
	require.NoError(t, err)
	require.Len(t, vods, 1)
	require.Equal(t, "flex_flex3_0", vods[0].ID)
}

func TestVODClientErrorCategories(t *testing.T) {
	tests := []struct {
		status int
		kind   xerrors.Kind
	}{
		{http.StatusUnauthorized, xerrors.KindAuth},
		{http.StatusForbidden, xerrors.KindAuth},
		{http.StatusNotFound, xerrors.KindNotFound},
		{http.StatusBadRequest, xerrors.KindAPIError},
	}
	for _, tt := range tests {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(tt.status)
		}))
		_, err := NewVODClient(srv.URL, "").GetVOD(context.Background(), "v1")
		require.Error(t, err, "status %d", tt.status)
		require.Equal(t, tt.kind, xerrors.KindOf(err), "status %d", tt.status)
		srv.Close()
	}
}

func TestVODClientUnreachable(t *testing.T) {
	// A closed server gives connection refused.
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	srv.Close()

	_, err := NewVODClient(srv.URL, "").GetVOD(context.Background(), "v1")
	require.Error(t, err)
	require.Equal(t, xerrors.KindAPIUnreachable, xerrors.KindOf(err))

	err = NewVODClient(srv.URL, "").TestReachability(context.Background())
	require.Error(t, err)
	require.Equal(t, xerrors.KindAPIUnreachable, xerrors.KindOf(err))
}

func TestVODClientMalformedBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("<html>not json</html>"))
	}))
	defer srv.Close()

	_, err := NewVODClient(srv.URL, "").GetVOD(context.Background(), "v1")
	require.Error(t, err)
	require.Equal(t, xerrors.KindMalformed, xerrors.KindOf(err))
}

func TestVODClientReachability(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/health", r.URL.Path)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	require.NoError(t, NewVODClient(srv.URL, "").TestReachability(context.Background()))
}

func TestUploadFiles(t *testing.T) {
	dir := t.TempDir()
	videoPath := filepath.Join(dir, "meeting_captioned.mp4")
	captionPath := filepath.Join(dir, "flex_flex3_0.scc")
	require.NoError(t, os.WriteFile(videoPath, []byte("fake mp4 payload"), 0o644))
	require.NoError(t, os.WriteFile(captionPath, []byte("Scenarist_SCC V1.0"), 0o644))

	var gotPaths []string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPost, r.Method)
		gotPaths = append(gotPaths, r.URL.Path)
		w.WriteHeader(http.StatusCreated)
	}))
	defer srv.Close()

	c := NewVODClient(srv.URL, "")
	require.NoError(t, c.UploadVideoFile(context.Background(), "flex_flex3_0", videoPath))
	require.NoError(t, c.UploadCaptionFile(context.Background(), "flex_flex3_0", captionPath))
	require.Equal(t, []string{"/api/vods/flex_flex3_0/video", "/api/vods/flex_flex3_0/captions"}, gotPaths)
}
