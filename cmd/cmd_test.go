package cmd_test

import (
	"bytes"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"

	"duo/cmd"
	"duo/hub"
)

func TestParseArgs(t *testing.T) {
	tests := []struct {
		name    string
		args    []string
		want    hub.Config
		wantErr bool
	}{
		{
			name: "given valid args when parsed then return config",
			args: []string{"-uid=alice", "-port=8080", "-key=/path/to/key.pem", "-cert=/path/to/cert.pem"},
			want: hub.Config{Port: 8080, KeyFile: "/path/to/key.pem", CertFile: "/path/to/cert.pem"},
		},
		{
			name: "given missing port when parsed then return config with default port",
			args: []string{"-uid=alice", "-key=/path/to/key.pem", "-cert=/path/to/cert.pem"},
			want: hub.Config{Port: hub.DefaultPort, KeyFile: "/path/to/key.pem", CertFile: "/path/to/cert.pem"},
		},
		{
			name: "given no args when parsed then return config",
			args: []string{},
			want: hub.Config{Port: hub.DefaultPort, KeyFile: "", CertFile: ""},
		},
		{
			name:    "given extra args when parsed then return error",
			args:    []string{"-uid=alice", "extra"},
			wantErr: true,
		},
		{
			name:    "given invalid flag format when parsed then return error",
			args:    []string{"-extra"},
			wantErr: true,
		},
		{
			name:    "given port flag without value when parsed then return error",
			args:    []string{"-port"},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var output bytes.Buffer
			got, err := cmd.Parse(&output, tt.args)
			if tt.wantErr {
				assert.Errorf(t, err, "parse() error = %v, wantErr %v", err, tt.wantErr)
				return
			}
			assert.NoError(t, err)
			assert.Truef(t, got.Hub.IsSame(tt.want), "parse() = %v, want %v", got, tt.want)
		})
	}
}

func TestParseIdentity(t *testing.T) {
	var output bytes.Buffer
	got, err := cmd.Parse(&output, []string{"-uid=alice", "-photo=http://example.com/a.png"})
	assert.NoError(t, err)
	assert.Equal(t, "alice", got.Self.UID)
	assert.Equal(t, "alice", got.Self.DisplayName, "display name defaults to the uid")
	assert.Equal(t, "http://example.com/a.png", got.Self.PhotoURL)

	got, err = cmd.Parse(&output, []string{"-uid=alice", "-name=Alice"})
	assert.NoError(t, err)
	assert.Equal(t, "Alice", got.Self.DisplayName)
}

// Helper function to create a temporary file and return its path
func createTempFile() (string, error) {
	tmpFile, err := os.CreateTemp("", "testfile")
	if err != nil {
		return "", err
	}
	if closeErr := tmpFile.Close(); closeErr != nil {
		return "", closeErr
	}
	return tmpFile.Name(), nil
}

// TestSetupConfig tests the SetupConfig function, including handling errors from Parse and Config.Validate.
func TestSetupConfig(t *testing.T) {
	keyFile, err := createTempFile()
	assert.NoError(t, err)
	certFile, err := createTempFile()
	assert.NoError(t, err)
	defer func() {
		_ = os.Remove(keyFile)
		_ = os.Remove(certFile)
	}()

	tests := []struct {
		name    string
		args    []string
		wantErr bool
	}{
		{
			name:    "given valid args when setup config then return valid config",
			args:    []string{"-uid=alice", "-serve", "-port=8080", "-key=" + keyFile, "-cert=" + certFile},
			wantErr: false,
		},
		{
			name:    "given missing uid when setup config then return error",
			args:    []string{"-serve"},
			wantErr: true,
		},
		{
			name:    "given invalid port value when setup config then return error",
			args:    []string{"-uid=alice", "-serve", "-port=70000"},
			wantErr: true,
		},
		{
			name:    "given non-existent cert file when setup config then return error",
			args:    []string{"-uid=alice", "-serve", "-key=" + keyFile, "-cert=/non/existent/cert.pem"},
			wantErr: true,
		},
		{
			name:    "given non-existent key file when setup config then return error",
			args:    []string{"-uid=alice", "-serve", "-cert=" + certFile, "-key=/non/existent/key.pem"},
			wantErr: true,
		},
		{
			name:    "given invalid port without serve when setup config then ignore hub config",
			args:    []string{"-uid=alice", "-port=70000"},
			wantErr: false,
		},
		{
			name:    "given invalid flag format when setup config then return error",
			args:    []string{"-extra"},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var output bytes.Buffer
			_, err := cmd.SetupConfig(&output, tt.args)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			assert.NoError(t, err)
		})
	}
}
