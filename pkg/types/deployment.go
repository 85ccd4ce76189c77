package types

import (
	"time"

	"github.com/opencontainers/go-digest"
)

const (
	EndpointStatusCreating  = "Creating"
	EndpointStatusUpdating  = "Updating"
	EndpointStatusInService = "InService"
	EndpointStatusDeleting  = "Deleting"
	EndpointStatusFailed    = "Failed"
)

// Deployment records the resources created for one endpoint.
type Deployment struct {
	EndpointName       string        `json:"endpointName"`
	EndpointConfigName string        `json:"endpointConfigName"`
	ModelName          string        `json:"modelName"`
	Region             string        `json:"region,omitempty"`
	Image              string        `json:"image,omitempty"`
	ModelDataURL       string        `json:"modelDataUrl,omitempty"`
	RoleARN            string        `json:"roleArn,omitempty"`
	InstanceType       string        `json:"instanceType,omitempty"`
	InstanceCount      int32         `json:"instanceCount,omitempty"`
	ArchiveDigest      digest.Digest `json:"archiveDigest,omitempty"`
	Status             string        `json:"status,omitempty"`
	CreatedAt          time.Time     `json:"createdAt"`
}
