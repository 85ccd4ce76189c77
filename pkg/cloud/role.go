package cloud

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/iam"
	"github.com/aws/aws-sdk-go-v2/service/sts"
	"github.com/go-logr/logr"
	smerrors "kubegems.io/smdeploy/pkg/errors"
)

type STSAPI interface {
	GetCallerIdentity(ctx context.Context, params *sts.GetCallerIdentityInput, optFns ...func(*sts.Options)) (*sts.GetCallerIdentityOutput, error)
}

type IAMAPI interface {
	GetRole(ctx context.Context, params *iam.GetRoleInput, optFns ...func(*iam.Options)) (*iam.GetRoleOutput, error)
}

type RoleOptions struct {
	// RoleARN skips resolution when set.
	RoleARN string
	// FallbackRoleName is looked up by name when the caller is not a role.
	FallbackRoleName string
}

var ErrNotAssumedRole = errors.New("caller identity is not an assumed role")

// ResolveExecutionRole returns the IAM role arn the endpoint runs with.
// The caller's own role is used when running under an assumed role, otherwise
// the named fallback role is looked up.
func ResolveExecutionRole(ctx context.Context, stsapi STSAPI, iamapi IAMAPI, opts RoleOptions) (string, error) {
	log := logr.FromContextOrDiscard(ctx)
	if opts.RoleARN != "" {
		return opts.RoleARN, nil
	}

	arn, err := callerRoleARN(ctx, stsapi, iamapi)
	if err == nil {
		log.V(1).Info("execution role resolved from caller identity", "role", arn)
		return arn, nil
	}
	log.Info("execution role not resolvable from caller identity, falling back to named role",
		"reason", err.Error(), "role", opts.FallbackRoleName)

	if opts.FallbackRoleName == "" {
		return "", smerrors.NewRoleUnresolvedError(err)
	}
	out, ferr := iamapi.GetRole(ctx, &iam.GetRoleInput{RoleName: aws.String(opts.FallbackRoleName)})
	if ferr != nil {
		return "", smerrors.NewRoleUnresolvedError(fmt.Errorf("%v; get role %s: %w", err, opts.FallbackRoleName, ferr))
	}
	if out.Role == nil || aws.ToString(out.Role.Arn) == "" {
		return "", smerrors.NewRoleUnresolvedError(fmt.Errorf("role %s has no arn", opts.FallbackRoleName))
	}
	return aws.ToString(out.Role.Arn), nil
}

func callerRoleARN(ctx context.Context, stsapi STSAPI, iamapi IAMAPI) (string, error) {
	identity, err := stsapi.GetCallerIdentity(ctx, &sts.GetCallerIdentityInput{})
	if err != nil {
		return "", fmt.Errorf("get caller identity: %w", err)
	}
	assumed := aws.ToString(identity.Arn)
	rolearn, rolename, ok := RoleARNFromAssumedRole(assumed)
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrNotAssumedRole, assumed)
	}
	// the role may live under a path that the assumed role arn does not carry
	if out, err := iamapi.GetRole(ctx, &iam.GetRoleInput{RoleName: aws.String(rolename)}); err == nil && out.Role != nil {
		return aws.ToString(out.Role.Arn), nil
	}
	if strings.HasPrefix(rolename, "AmazonSageMaker-ExecutionRole") {
		return strings.Replace(rolearn, ":role/", ":role/service-role/", 1), nil
	}
	return rolearn, nil
}

// RoleARNFromAssumedRole converts arn:aws:sts::<account>:assumed-role/<role>/<session>
// into arn:aws:iam::<account>:role/<role>.
func RoleARNFromAssumedRole(arn string) (string, string, bool) {
	parts := strings.SplitN(arn, ":", 6)
	if len(parts) != 6 || parts[0] != "arn" || parts[2] != "sts" {
		return "", "", false
	}
	resource := strings.Split(parts[5], "/")
	if len(resource) < 2 || resource[0] != "assumed-role" || resource[1] == "" {
		return "", "", false
	}
	partition, account, rolename := parts[1], parts[4], resource[1]
	return fmt.Sprintf("arn:%s:iam::%s:role/%s", partition, account, rolename), rolename, true
}

func AccountID(ctx context.Context, stsapi STSAPI) (string, error) {
	identity, err := stsapi.GetCallerIdentity(ctx, &sts.GetCallerIdentityInput{})
	if err != nil {
		return "", fmt.Errorf("get caller identity: %w", err)
	}
	return aws.ToString(identity.Account), nil
}
