// Package awsauth is the cross-account session factory. Handlers run in the
// central account; discovery and restore reach into source accounts by
// assuming a per-account operator role.
package awsauth

import (
	"context"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials/stscreds"
	"github.com/aws/aws-sdk-go-v2/service/sts"
	"github.com/gravitational/trace"
)

// AssumeRole describes an IAM role to assume when building a config.
type AssumeRole struct {
	// RoleARN is the ARN of the role to assume.
	RoleARN string
	// ExternalID is an optional external id to pass on assume.
	ExternalID string
	// SessionName labels the STS session for audit trails.
	SessionName string
}

type options struct {
	assumeRole *AssumeRole
	maxRetries int
}

// OptionsFn mutates config loading options.
type OptionsFn func(*options)

// WithAssumeRole makes the returned config operate under the given role.
func WithAssumeRole(role AssumeRole) OptionsFn {
	return func(o *options) {
		o.assumeRole = &role
	}
}

// WithRetryMaxAttempts overrides the SDK standard retryer attempt budget.
func WithRetryMaxAttempts(n int) OptionsFn {
	return func(o *options) {
		o.maxRetries = n
	}
}

// LoadConfig builds an aws.Config for the given region from the ambient
// credential chain, optionally chained through an assumed role.
func LoadConfig(ctx context.Context, region string, optFns ...OptionsFn) (aws.Config, error) {
	var opts options
	for _, fn := range optFns {
		fn(&opts)
	}

	var loadOpts []func(*config.LoadOptions) error
	if region != "" {
		loadOpts = append(loadOpts, config.WithRegion(region))
	}
	if opts.maxRetries > 0 {
		loadOpts = append(loadOpts, config.WithRetryMaxAttempts(opts.maxRetries))
	}
	cfg, err := config.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return aws.Config{}, trace.Wrap(err)
	}

	if opts.assumeRole != nil {
		if opts.assumeRole.RoleARN == "" {
			return aws.Config{}, trace.BadParameter("missing assume role ARN")
		}
		stsClient := sts.NewFromConfig(cfg)
		provider := stscreds.NewAssumeRoleProvider(stsClient, opts.assumeRole.RoleARN, func(aro *stscreds.AssumeRoleOptions) {
			if opts.assumeRole.ExternalID != "" {
				aro.ExternalID = aws.String(opts.assumeRole.ExternalID)
			}
			if opts.assumeRole.SessionName != "" {
				aro.RoleSessionName = opts.assumeRole.SessionName
			}
		})
		cfg.Credentials = aws.NewCredentialsCache(provider)
	}
	return cfg, nil
}

// CallerIdentityClient is the subset of the STS API used to resolve the
// running account.
type CallerIdentityClient interface {
	GetCallerIdentity(ctx context.Context, params *sts.GetCallerIdentityInput, optFns ...func(*sts.Options)) (*sts.GetCallerIdentityOutput, error)
}

// ResolveAccountID returns override when set, otherwise asks STS which
// account the current credentials belong to.
func ResolveAccountID(ctx context.Context, clt CallerIdentityClient, override string) (string, error) {
	if override != "" {
		return override, nil
	}
	out, err := clt.GetCallerIdentity(ctx, &sts.GetCallerIdentityInput{})
	if err != nil {
		return "", trace.Wrap(err)
	}
	if out.Account == nil || *out.Account == "" {
		return "", trace.BadParameter("STS returned no account id")
	}
	return *out.Account, nil
}
