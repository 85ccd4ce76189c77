package hub

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"reflect"
	"sync/atomic"
	"testing"

	smerrors "kubegems.io/smdeploy/pkg/errors"
)

const testSHA = "0123456789abcdef0123456789abcdef01234567"

type fakeHub struct {
	files     map[string]string
	lfs       map[string]bool
	corrupt   map[string]bool
	downloads atomic.Int32
	token     string
}

func sha256hex(s string) string {
	sum := sha256.Sum256([]byte(s))
	return hex.EncodeToString(sum[:])
}

func (h *fakeHub) handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/models/org/tiny-t5/revision/main", func(w http.ResponseWriter, r *http.Request) {
		if h.token != "" && r.Header.Get("Authorization") != "Bearer "+h.token {
			w.WriteHeader(http.StatusUnauthorized)
			_ = json.NewEncoder(w).Encode(map[string]string{"error": "Invalid credentials"})
			return
		}
		info := ModelInfo{ID: "org/tiny-t5", SHA: testSHA}
		for name, content := range h.files {
			s := Sibling{RFilename: name, Size: int64(len(content))}
			if h.lfs[name] {
				s.Size = 134
				s.LFS = &LFSInfo{SHA256: sha256hex(content), Size: int64(len(content)), PointerSize: 134}
			}
			info.Siblings = append(info.Siblings, s)
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(info)
	})
	mux.HandleFunc("/org/tiny-t5/resolve/"+testSHA+"/", func(w http.ResponseWriter, r *http.Request) {
		name := r.URL.Path[len("/org/tiny-t5/resolve/"+testSHA+"/"):]
		content, ok := h.files[name]
		if !ok {
			http.NotFound(w, r)
			return
		}
		h.downloads.Add(1)
		if h.corrupt[name] {
			content = "X" + content[1:]
		}
		_, _ = w.Write([]byte(content))
	})
	return mux
}

func TestClient_Snapshot(t *testing.T) {
	hub := &fakeHub{
		files: map[string]string{
			"config.json":             `{"model_type":"t5"}`,
			"pytorch_model.bin":       "binary weights",
			"tokenizer/spiece.model":  "sentencepiece",
			"README.md":               "# tiny",
			"flax_model.msgpack":      "flax",
			"special_tokens_map.json": "{}",
		},
		lfs: map[string]bool{"pytorch_model.bin": true, "flax_model.msgpack": true},
	}
	srv := httptest.NewServer(hub.handler())
	defer srv.Close()

	ctx := context.Background()
	cli := NewClient(srv.URL, "")
	dir := t.TempDir()
	opts := SnapshotOptions{
		Dir:            dir,
		AllowPatterns:  []string{"*.json", "*.bin", "*.model"},
		IgnorePatterns: []string{"special_*"},
	}
	descs, err := cli.Snapshot(ctx, "org/tiny-t5", opts)
	if err != nil {
		t.Fatal(err)
	}
	names := []string{}
	for _, d := range descs {
		names = append(names, d.Name)
	}
	want := []string{"config.json", "pytorch_model.bin", "tokenizer/spiece.model"}
	if !reflect.DeepEqual(names, want) {
		t.Errorf("Snapshot() files = %v, want %v", names, want)
	}
	content, err := os.ReadFile(filepath.Join(dir, "pytorch_model.bin"))
	if err != nil {
		t.Fatal(err)
	}
	if string(content) != "binary weights" {
		t.Errorf("pytorch_model.bin = %q", content)
	}
	if _, err := os.Stat(filepath.Join(dir, "pytorch_model.bin.incomplete")); !os.IsNotExist(err) {
		t.Errorf("incomplete file left behind: %v", err)
	}
	if got := hub.downloads.Load(); got != 3 {
		t.Errorf("downloads = %d, want 3", got)
	}

	// second snapshot keeps verified files
	if _, err := cli.Snapshot(ctx, "org/tiny-t5", opts); err != nil {
		t.Fatal(err)
	}
	if got := hub.downloads.Load(); got != 3 {
		t.Errorf("downloads after resnapshot = %d, want 3", got)
	}
}

func TestClient_SnapshotDigestMismatch(t *testing.T) {
	hub := &fakeHub{
		files:   map[string]string{"pytorch_model.bin": "binary weights"},
		lfs:     map[string]bool{"pytorch_model.bin": true},
		corrupt: map[string]bool{"pytorch_model.bin": true},
	}
	srv := httptest.NewServer(hub.handler())
	defer srv.Close()

	_, err := NewClient(srv.URL, "").Snapshot(context.Background(), "org/tiny-t5", SnapshotOptions{Dir: t.TempDir()})
	if !smerrors.IsErrCode(err, smerrors.ErrCodeDigestInvalid) {
		t.Fatalf("Snapshot() error = %v, want %s", err, smerrors.ErrCodeDigestInvalid)
	}
	if got := hub.downloads.Load(); got != DownloadRetries {
		t.Errorf("downloads = %d, want %d retries", got, DownloadRetries)
	}
}

func TestClient_SnapshotIllegalNames(t *testing.T) {
	for _, name := range []string{"../escaped.txt", "tokenizer/../../escaped.txt", "/etc/escaped.txt"} {
		t.Run(name, func(t *testing.T) {
			hub := &fakeHub{files: map[string]string{name: "outside", "config.json": "{}"}}
			srv := httptest.NewServer(hub.handler())
			defer srv.Close()

			root := t.TempDir()
			_, err := NewClient(srv.URL, "").Snapshot(context.Background(), "org/tiny-t5", SnapshotOptions{Dir: filepath.Join(root, "snap")})
			if !smerrors.IsErrCode(err, smerrors.ErrCodeInvalidParameter) {
				t.Fatalf("Snapshot() error = %v, want %s", err, smerrors.ErrCodeInvalidParameter)
			}
			if _, err := os.Stat(filepath.Join(root, "escaped.txt")); !os.IsNotExist(err) {
				t.Errorf("file written outside the snapshot dir: %v", err)
			}
			if got := hub.downloads.Load(); got != 0 {
				t.Errorf("downloads = %d, want 0", got)
			}
		})
	}
}

func TestClient_ModelInfoErrors(t *testing.T) {
	hub := &fakeHub{files: map[string]string{"config.json": "{}"}, token: "hf_secret"}
	srv := httptest.NewServer(hub.handler())
	defer srv.Close()

	tests := []struct {
		name  string
		repo  string
		token string
		want  smerrors.ErrCode
	}{
		{name: "unauthorized", repo: "org/tiny-t5", token: "wrong", want: smerrors.ErrCodeUnauthorized},
		{name: "unknown model", repo: "org/missing", token: "hf_secret", want: smerrors.ErrCodeModelUnknown},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewClient(srv.URL, tt.token).ModelInfo(context.Background(), tt.repo, "")
			if !smerrors.IsErrCode(err, tt.want) {
				t.Errorf("ModelInfo() error = %v, want %s", err, tt.want)
			}
		})
	}

	info, err := NewClient(srv.URL, "hf_secret").ModelInfo(context.Background(), "org/tiny-t5", "")
	if err != nil {
		t.Fatal(err)
	}
	if info.SHA != testSHA || len(info.Siblings) != 1 {
		t.Errorf("ModelInfo() = %+v", info)
	}
}

func TestFilterSiblings(t *testing.T) {
	siblings := []Sibling{
		{RFilename: "config.json"},
		{RFilename: "pytorch_model-00001-of-00002.bin"},
		{RFilename: "tf_model.h5"},
		{RFilename: "onnx/encoder_model.onnx"},
		{RFilename: "tokenizer/tokenizer.json"},
	}
	tests := []struct {
		name   string
		allow  []string
		ignore []string
		want   []string
	}{
		{
			name: "all",
			want: []string{"config.json", "pytorch_model-00001-of-00002.bin", "tf_model.h5", "onnx/encoder_model.onnx", "tokenizer/tokenizer.json"},
		},
		{
			name:  "base name patterns",
			allow: []string{"*.json", "*.bin"},
			want:  []string{"config.json", "pytorch_model-00001-of-00002.bin", "tokenizer/tokenizer.json"},
		},
		{
			name:   "ignore directory",
			ignore: []string{"onnx/*", "*.h5"},
			want:   []string{"config.json", "pytorch_model-00001-of-00002.bin", "tokenizer/tokenizer.json"},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := []string{}
			for _, s := range FilterSiblings(siblings, tt.allow, tt.ignore) {
				got = append(got, s.RFilename)
			}
			if !reflect.DeepEqual(got, tt.want) {
				t.Errorf("FilterSiblings() = %v, want %v", got, tt.want)
			}
		})
	}
}
