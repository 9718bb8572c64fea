package compute

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
	"github.com/aws/aws-sdk-go-v2/service/ec2/types"
	"github.com/aws/smithy-go"

	"github.com/eemployee/chat/core/infra/config"
	"github.com/eemployee/chat/core/infra/logging"
)

const errCodeInstanceNotFound = "InvalidInstanceID.NotFound"

// EC2API is the subset of the EC2 client the provider calls.
type EC2API interface {
	RunInstances(ctx context.Context, in *ec2.RunInstancesInput, opts ...func(*ec2.Options)) (*ec2.RunInstancesOutput, error)
	DescribeInstances(ctx context.Context, in *ec2.DescribeInstancesInput, opts ...func(*ec2.Options)) (*ec2.DescribeInstancesOutput, error)
	StopInstances(ctx context.Context, in *ec2.StopInstancesInput, opts ...func(*ec2.Options)) (*ec2.StopInstancesOutput, error)
	StartInstances(ctx context.Context, in *ec2.StartInstancesInput, opts ...func(*ec2.Options)) (*ec2.StartInstancesOutput, error)
	TerminateInstances(ctx context.Context, in *ec2.TerminateInstancesInput, opts ...func(*ec2.Options)) (*ec2.TerminateInstancesOutput, error)
}

// EC2Provider runs chat instances on EC2.
type EC2Provider struct {
	api     EC2API
	profile *config.ProvisionProfile
}

// NewEC2Provider loads the default AWS credential chain for the profile's region.
func NewEC2Provider(ctx context.Context, profile *config.ProvisionProfile) (*EC2Provider, error) {
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(profile.Region))
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	return NewEC2ProviderWithAPI(ec2.NewFromConfig(awsCfg), profile), nil
}

// NewEC2ProviderWithAPI wraps an existing client.
func NewEC2ProviderWithAPI(api EC2API, profile *config.ProvisionProfile) *EC2Provider {
	return &EC2Provider{api: api, profile: profile}
}

func (p *EC2Provider) Launch(ctx context.Context, spec LaunchSpec) (string, error) {
	name := p.profile.NamePrefix + "-" + shortID(spec.TenantID)
	in := &ec2.RunInstancesInput{
		ImageId:      aws.String(p.profile.ImageID),
		InstanceType: types.InstanceType(p.profile.InstanceType),
		MinCount:     aws.Int32(1),
		MaxCount:     aws.Int32(1),
		UserData:     aws.String(base64.StdEncoding.EncodeToString([]byte(spec.UserData))),
		TagSpecifications: []types.TagSpecification{{
			ResourceType: types.ResourceTypeInstance,
			Tags: []types.Tag{
				{Key: aws.String("Name"), Value: aws.String(name)},
				{Key: aws.String("OrgId"), Value: aws.String(spec.TenantID)},
				{Key: aws.String("Service"), Value: aws.String(p.profile.ServiceName)},
			},
		}},
	}
	if p.profile.KeyName != "" {
		in.KeyName = aws.String(p.profile.KeyName)
	}
	if len(p.profile.SecurityGroupIDs) > 0 {
		in.SecurityGroupIds = p.profile.SecurityGroupIDs
	}
	if p.profile.SubnetID != "" {
		in.SubnetId = aws.String(p.profile.SubnetID)
	}
	out, err := p.api.RunInstances(ctx, in)
	if err != nil {
		return "", fmt.Errorf("run instances: %w", err)
	}
	if len(out.Instances) == 0 || out.Instances[0].InstanceId == nil {
		return "", fmt.Errorf("run instances: no instance returned")
	}
	id := aws.ToString(out.Instances[0].InstanceId)
	logging.Info("compute", "instance launched", "instance_id", id, "tenant", spec.TenantID, "name", name)
	return id, nil
}

func (p *EC2Provider) Describe(ctx context.Context, id string) (*Instance, error) {
	out, err := p.api.DescribeInstances(ctx, &ec2.DescribeInstancesInput{InstanceIds: []string{id}})
	if err != nil {
		return nil, wrapEC2("describe instance", id, err)
	}
	for _, r := range out.Reservations {
		for _, inst := range r.Instances {
			if aws.ToString(inst.InstanceId) != id && inst.InstanceId != nil {
				continue
			}
			state := ""
			if inst.State != nil {
				state = string(inst.State.Name)
			}
			return &Instance{ID: id, State: state, PublicIP: aws.ToString(inst.PublicIpAddress)}, nil
		}
	}
	return nil, fmt.Errorf("describe instance %s: %w", id, ErrInstanceNotFound)
}

func (p *EC2Provider) Stop(ctx context.Context, id string) error {
	if _, err := p.api.StopInstances(ctx, &ec2.StopInstancesInput{InstanceIds: []string{id}}); err != nil {
		return wrapEC2("stop instance", id, err)
	}
	return nil
}

func (p *EC2Provider) Start(ctx context.Context, id string) error {
	if _, err := p.api.StartInstances(ctx, &ec2.StartInstancesInput{InstanceIds: []string{id}}); err != nil {
		return wrapEC2("start instance", id, err)
	}
	return nil
}

func (p *EC2Provider) Terminate(ctx context.Context, id string) error {
	if _, err := p.api.TerminateInstances(ctx, &ec2.TerminateInstancesInput{InstanceIds: []string{id}}); err != nil {
		return wrapEC2("terminate instance", id, err)
	}
	return nil
}

func wrapEC2(op, id string, err error) error {
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) && apiErr.ErrorCode() == errCodeInstanceNotFound {
		return fmt.Errorf("%s %s: %w", op, id, ErrInstanceNotFound)
	}
	return fmt.Errorf("%s %s: %w", op, id, err)
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
