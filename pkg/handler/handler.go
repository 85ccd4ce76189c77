// Package handler renders the inference handler code shipped inside the model archive.
//
// The hosted Hugging Face inference toolkit loads code/inference.py from the
// archive root and installs code/requirements.txt before calling model_fn.
package handler

import (
	"bytes"
	"context"
	"embed"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"text/template"

	"github.com/Masterminds/sprig/v3"
	"github.com/go-logr/logr"
	"kubegems.io/smdeploy/pkg/types"
)

const (
	RequirementsFileName = "requirements.txt"
	InferenceFileName    = "inference.py"
)

//go:embed templates/*.tmpl
var templatesFS embed.FS

var templates = template.Must(
	template.New("handler").Funcs(sprig.TxtFuncMap()).ParseFS(templatesFS, "templates/*.tmpl"),
)

var pythonIdentifier = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

type Options struct {
	ModelClass     string
	TokenizerClass string
	LoadIn8Bit     bool
	DeviceMap      string
	Requirements   []string
}

func DefaultOptions() Options {
	return OptionsFromConfig(types.DefaultProjectConfig().Handler)
}

func OptionsFromConfig(config types.HandlerConfig) Options {
	return Options{
		ModelClass:     config.ModelClass,
		TokenizerClass: config.TokenizerClass,
		LoadIn8Bit:     config.LoadIn8Bit,
		DeviceMap:      config.DeviceMap,
		Requirements:   config.Requirements,
	}
}

func (o Options) Validate() error {
	if !pythonIdentifier.MatchString(o.ModelClass) {
		return fmt.Errorf("invalid model class %q", o.ModelClass)
	}
	if !pythonIdentifier.MatchString(o.TokenizerClass) {
		return fmt.Errorf("invalid tokenizer class %q", o.TokenizerClass)
	}
	return nil
}

// Render returns file name to content of every handler file.
func Render(opts Options) (map[string][]byte, error) {
	if err := opts.Validate(); err != nil {
		return nil, err
	}
	files := map[string][]byte{}
	for name, tmpl := range map[string]string{
		RequirementsFileName: "requirements.txt.tmpl",
		InferenceFileName:    "inference.py.tmpl",
	} {
		buf := &bytes.Buffer{}
		if err := templates.ExecuteTemplate(buf, tmpl, opts); err != nil {
			return nil, fmt.Errorf("render %s: %w", name, err)
		}
		content := bytes.TrimLeft(buf.Bytes(), "\n")
		if !bytes.HasSuffix(content, []byte("\n")) {
			content = append(content, '\n')
		}
		files[name] = content
	}
	return files, nil
}

// Write renders the handler files into dir, creating it when missing.
func Write(ctx context.Context, dir string, opts Options) error {
	log := logr.FromContextOrDiscard(ctx)

	files, err := Render(opts)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create handler directory:%s %w", dir, err)
	}
	for name, content := range files {
		filename := filepath.Join(dir, name)
		if err := os.WriteFile(filename, content, 0o644); err != nil {
			return fmt.Errorf("write handler file:%s %w", filename, err)
		}
		log.V(1).Info("handler file written", "file", filename, "size", len(content))
	}
	return nil
}
