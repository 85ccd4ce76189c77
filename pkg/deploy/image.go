package deploy

import (
	"fmt"
	"strings"

	smerrors "kubegems.io/smdeploy/pkg/errors"
)

const (
	ImageRepository = "huggingface-pytorch-inference"

	defaultImageAccount = "763104351884"
)

// regions served from their own registry account
var imageAccounts = map[string]string{
	"af-south-1":     "626614931356",
	"ap-east-1":      "871362719292",
	"eu-south-1":     "692866216735",
	"me-south-1":     "217643126080",
	"cn-north-1":     "727897471807",
	"cn-northwest-1": "727897471807",
}

type frameworkVersion struct {
	Transformers string
	Pytorch      string
	Python       string
}

// inference image tags by framework version, gpu and cpu.
var imageTags = map[frameworkVersion][2]string{
	{Transformers: "4.17", Pytorch: "1.10", Python: "py38"}: {
		"1.10.2-transformers4.17.0-gpu-py38-cu113-ubuntu20.04",
		"1.10.2-transformers4.17.0-cpu-py38-ubuntu20.04",
	},
	{Transformers: "4.26", Pytorch: "1.13", Python: "py39"}: {
		"1.13.1-transformers4.26.0-gpu-py39-cu117-ubuntu20.04",
		"1.13.1-transformers4.26.0-cpu-py39-ubuntu20.04",
	},
	{Transformers: "4.28", Pytorch: "2.0", Python: "py310"}: {
		"2.0.0-transformers4.28.1-gpu-py310-cu118-ubuntu20.04",
		"2.0.0-transformers4.28.1-cpu-py310-ubuntu20.04",
	},
}

type ImageOptions struct {
	TransformersVersion string
	PytorchVersion      string
	PythonVersion       string
	InstanceType        string
	// Image is returned as is when set.
	Image string
}

// ImageURI resolves the hugging face pytorch inference container for region.
func ImageURI(region string, opts ImageOptions) (string, error) {
	if opts.Image != "" {
		return opts.Image, nil
	}
	if region == "" {
		return "", smerrors.NewParameterInvalidError("region is required to resolve the inference image")
	}
	gpu, err := IsGPUInstance(opts.InstanceType)
	if err != nil {
		return "", err
	}
	version := frameworkVersion{
		Transformers: majorMinor(opts.TransformersVersion),
		Pytorch:      majorMinor(opts.PytorchVersion),
		Python:       opts.PythonVersion,
	}
	tags, ok := imageTags[version]
	if !ok {
		return "", smerrors.NewUnsupportedError(fmt.Sprintf(
			"no inference image for transformers %s, pytorch %s and %s",
			opts.TransformersVersion, opts.PytorchVersion, opts.PythonVersion))
	}
	tag := tags[1]
	if gpu {
		tag = tags[0]
	}
	account, ok := imageAccounts[region]
	if !ok {
		account = defaultImageAccount
	}
	domain := "amazonaws.com"
	if strings.HasPrefix(region, "cn-") {
		domain = "amazonaws.com.cn"
	}
	return fmt.Sprintf("%s.dkr.ecr.%s.%s/%s:%s", account, region, domain, ImageRepository, tag), nil
}

// IsGPUInstance reports whether an ml instance type carries a gpu.
func IsGPUInstance(instanceType string) (bool, error) {
	parts := strings.Split(instanceType, ".")
	if len(parts) != 3 || parts[0] != "ml" {
		return false, smerrors.NewParameterInvalidError(fmt.Sprintf("invalid instance type %q, expected ml.<family>.<size>", instanceType))
	}
	family := parts[1]
	switch {
	case strings.HasPrefix(family, "inf"), strings.HasPrefix(family, "trn"):
		return false, smerrors.NewUnsupportedError(fmt.Sprintf("accelerator instance %s is not supported", instanceType))
	case strings.HasPrefix(family, "p"), strings.HasPrefix(family, "g"):
		return true, nil
	default:
		return false, nil
	}
}

// majorMinor trims "4.17.0" to "4.17".
func majorMinor(v string) string {
	parts := strings.SplitN(v, ".", 3)
	if len(parts) < 2 {
		return v
	}
	return parts[0] + "." + parts[1]
}
