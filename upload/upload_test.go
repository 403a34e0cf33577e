package upload_test

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"

	"duo/upload"
)

func TestUpload(t *testing.T) {
	t.Run("given accepting service when uploaded then return public url", func(t *testing.T) {
		var gotName, gotPreset, gotContent string
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			file, header, err := r.FormFile("file")
			assert.NoError(t, err)
			defer func() { _ = file.Close() }()
			content, err := io.ReadAll(file)
			assert.NoError(t, err)
			gotName = header.Filename
			gotPreset = r.FormValue("upload_preset")
			gotContent = string(content)
			_, _ = w.Write([]byte(`{"secure_url":"https://cdn.example.com/cat.png"}`))
		}))
		defer srv.Close()

		c := upload.New(upload.Config{Endpoint: srv.URL, Preset: "chat-app"})
		url, err := c.Upload(context.Background(), "cat.png", strings.NewReader("meow"))
		assert.NoError(t, err)
		assert.Equal(t, "https://cdn.example.com/cat.png", url)
		assert.Equal(t, "cat.png", gotName)
		assert.Equal(t, "chat-app", gotPreset)
		assert.Equal(t, "meow", gotContent)
	})

	t.Run("given rejecting service when uploaded then return error", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			w.WriteHeader(http.StatusBadRequest)
		}))
		defer srv.Close()

		c := upload.New(upload.Config{Endpoint: srv.URL})
		_, err := c.Upload(context.Background(), "cat.png", strings.NewReader("meow"))
		assert.ErrorIs(t, err, upload.ErrUpload)
	})

	t.Run("given response without url when uploaded then return error", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			_, _ = w.Write([]byte(`{}`))
		}))
		defer srv.Close()

		c := upload.New(upload.Config{Endpoint: srv.URL})
		_, err := c.Upload(context.Background(), "cat.png", strings.NewReader("meow"))
		assert.ErrorIs(t, err, upload.ErrUpload)
	})

	t.Run("given unreachable service when uploaded then return error", func(t *testing.T) {
		c := upload.New(upload.Config{Endpoint: "http://127.0.0.1:1"})
		_, err := c.Upload(context.Background(), "cat.png", strings.NewReader("meow"))
		assert.Error(t, err)
	})
}
