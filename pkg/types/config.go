package types

import (
	"fmt"
	"os"
	"path"
	"strings"

	"sigs.k8s.io/yaml"
)

const (
	ProjectConfigFileName = "smdeploy.yaml"
	CodeDirName           = "code"
	ArchiveFileName       = "model.tar.gz"
)

type ProjectConfig struct {
	Model   ModelSource      `json:"model"`
	Handler HandlerConfig    `json:"handler"`
	Storage StorageConfig    `json:"storage"`
	Deploy  DeployConfig     `json:"deploy"`
	Samples []PredictRequest `json:"samples,omitempty"`
}

type ModelSource struct {
	ID             string   `json:"id"`
	Revision       string   `json:"revision,omitempty"`
	AllowPatterns  []string `json:"allowPatterns,omitempty"`
	IgnorePatterns []string `json:"ignorePatterns,omitempty"`
	// CacheDir keeps downloaded files between runs, a temporary dir is used when empty.
	CacheDir string `json:"cacheDir,omitempty"`
}

type HandlerConfig struct {
	ModelClass     string   `json:"modelClass,omitempty"`
	TokenizerClass string   `json:"tokenizerClass,omitempty"`
	LoadIn8Bit     bool     `json:"loadIn8Bit"`
	DeviceMap      string   `json:"deviceMap,omitempty"`
	Requirements   []string `json:"requirements,omitempty"`
}

type StorageConfig struct {
	Bucket string `json:"bucket,omitempty"`
	Prefix string `json:"prefix,omitempty"`
}

type DeployConfig struct {
	RoleARN             string            `json:"roleArn,omitempty"`
	RoleName            string            `json:"roleName,omitempty"`
	InstanceType        string            `json:"instanceType"`
	InstanceCount       int32             `json:"instanceCount"`
	TransformersVersion string            `json:"transformersVersion,omitempty"`
	PytorchVersion      string            `json:"pytorchVersion,omitempty"`
	PythonVersion       string            `json:"pythonVersion,omitempty"`
	Image               string            `json:"image,omitempty"`
	ModelName           string            `json:"modelName,omitempty"`
	EndpointName        string            `json:"endpointName,omitempty"`
	HealthCheckTimeout  int32             `json:"healthCheckTimeout,omitempty"`
	Environment         map[string]string `json:"environment,omitempty"`
}

func DefaultProjectConfig() ProjectConfig {
	return ProjectConfig{
		Model: ModelSource{
			ID:       "philschmid/flan-t5-xxl-sharded-fp16",
			Revision: "main",
		},
		Handler: HandlerConfig{
			ModelClass:     "AutoModelForSeq2SeqLM",
			TokenizerClass: "AutoTokenizer",
			LoadIn8Bit:     true,
			DeviceMap:      "auto",
			Requirements: []string{
				"accelerate==0.16.0",
				"transformers==4.26.0",
				"bitsandbytes==0.37.0",
			},
		},
		Storage: StorageConfig{
			Prefix: "flan-t5-xxl",
		},
		Deploy: DeployConfig{
			RoleName:            "sagemaker_execution_role",
			InstanceType:        "ml.g5.12xlarge",
			InstanceCount:       1,
			TransformersVersion: "4.17",
			PytorchVersion:      "1.10",
			PythonVersion:       "py38",
			HealthCheckTimeout:  300,
		},
		Samples: []PredictRequest{
			{
				Inputs:     "What is the capital of Germany?",
				Parameters: map[string]any{"max_length": 50},
			},
			{
				Inputs: "Write a haiku about deploying large language models.",
				Parameters: map[string]any{
					"max_new_tokens": 64,
					"do_sample":      true,
					"top_p":          0.9,
					"temperature":    0.7,
				},
			},
		},
	}
}

// ModelDirName is the local directory holding the weights, named after the hub repository.
func (c ProjectConfig) ModelDirName() string {
	return path.Base(strings.TrimSuffix(c.Model.ID, "/"))
}

func (c ProjectConfig) Validate() error {
	if c.Model.ID == "" {
		return fmt.Errorf("model.id is required")
	}
	if c.Deploy.InstanceType == "" {
		return fmt.Errorf("deploy.instanceType is required")
	}
	if c.Deploy.InstanceCount < 1 {
		return fmt.Errorf("deploy.instanceCount must be at least 1, got %d", c.Deploy.InstanceCount)
	}
	return nil
}

func LoadProjectConfig(filename string) (ProjectConfig, error) {
	defaults := DefaultProjectConfig()
	content, err := os.ReadFile(filename)
	if err != nil {
		return defaults, fmt.Errorf("read project config:%s %w", filename, err)
	}
	config := defaults
	// samples are replaced as a whole, decoding into the defaults would merge their parameters
	config.Samples = nil
	if err := yaml.Unmarshal(content, &config); err != nil {
		return defaults, fmt.Errorf("parse project config:%s %w", filename, err)
	}
	if config.Samples == nil {
		config.Samples = defaults.Samples
	}
	return config, nil
}

func SaveProjectConfig(filename string, config ProjectConfig) error {
	content, err := yaml.Marshal(config)
	if err != nil {
		return fmt.Errorf("encode project config %w", err)
	}
	if err := os.WriteFile(filename, content, 0o644); err != nil {
		return fmt.Errorf("write project config:%s %w", filename, err)
	}
	return nil
}
