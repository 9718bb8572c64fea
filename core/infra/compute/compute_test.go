package compute

import (
	"context"
	"encoding/base64"
	"errors"
	"strings"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
	"github.com/aws/aws-sdk-go-v2/service/ec2/types"
	"github.com/aws/smithy-go"

	"github.com/eemployee/chat/core/infra/config"
)

type fakeEC2 struct {
	run       *ec2.RunInstancesInput
	describe  *ec2.DescribeInstancesOutput
	err       error
	stopped   []string
	started   []string
	destroyed []string
}

func (f *fakeEC2) RunInstances(_ context.Context, in *ec2.RunInstancesInput, _ ...func(*ec2.Options)) (*ec2.RunInstancesOutput, error) {
	f.run = in
	if f.err != nil {
		return nil, f.err
	}
	return &ec2.RunInstancesOutput{Instances: []types.Instance{{InstanceId: aws.String("i-123")}}}, nil
}

func (f *fakeEC2) DescribeInstances(_ context.Context, in *ec2.DescribeInstancesInput, _ ...func(*ec2.Options)) (*ec2.DescribeInstancesOutput, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.describe, nil
}

func (f *fakeEC2) StopInstances(_ context.Context, in *ec2.StopInstancesInput, _ ...func(*ec2.Options)) (*ec2.StopInstancesOutput, error) {
	f.stopped = append(f.stopped, in.InstanceIds...)
	return &ec2.StopInstancesOutput{}, f.err
}

func (f *fakeEC2) StartInstances(_ context.Context, in *ec2.StartInstancesInput, _ ...func(*ec2.Options)) (*ec2.StartInstancesOutput, error) {
	f.started = append(f.started, in.InstanceIds...)
	return &ec2.StartInstancesOutput{}, f.err
}

func (f *fakeEC2) TerminateInstances(_ context.Context, in *ec2.TerminateInstancesInput, _ ...func(*ec2.Options)) (*ec2.TerminateInstancesOutput, error) {
	f.destroyed = append(f.destroyed, in.InstanceIds...)
	return &ec2.TerminateInstancesOutput{}, f.err
}

func testProfile() *config.ProvisionProfile {
	p, _ := config.ParseProvisionProfile([]byte("image_id: ami-1\nkey_name: chat-key\nsecurity_group_ids: [sg-1]\n"))
	return p
}

func TestEC2LaunchTagsAndEncodesUserData(t *testing.T) {
	api := &fakeEC2{}
	p := NewEC2ProviderWithAPI(api, testProfile())

	id, err := p.Launch(context.Background(), LaunchSpec{TenantID: "org-0123456789", Port: 8765, UserData: "#!/bin/bash\necho hi\n"})
	if err != nil || id != "i-123" {
		t.Fatalf("launch: id=%q err=%v", id, err)
	}
	in := api.run
	if aws.ToString(in.ImageId) != "ami-1" || in.InstanceType != types.InstanceType("t3.micro") || aws.ToString(in.KeyName) != "chat-key" {
		t.Fatalf("unexpected launch input %+v", in)
	}
	raw, err := base64.StdEncoding.DecodeString(aws.ToString(in.UserData))
	if err != nil || !strings.Contains(string(raw), "echo hi") {
		t.Fatalf("user data not base64 encoded: %v", err)
	}
	tags := map[string]string{}
	for _, tag := range in.TagSpecifications[0].Tags {
		tags[aws.ToString(tag.Key)] = aws.ToString(tag.Value)
	}
	if tags["Name"] != "EEmployee-Chat-org-0123" || tags["OrgId"] != "org-0123456789" || tags["Service"] != "eemployee-chat" {
		t.Fatalf("unexpected tags %v", tags)
	}
}

func TestEC2DescribeMapsStateAndNotFound(t *testing.T) {
	api := &fakeEC2{describe: &ec2.DescribeInstancesOutput{Reservations: []types.Reservation{{
		Instances: []types.Instance{{
			InstanceId:      aws.String("i-123"),
			State:           &types.InstanceState{Name: types.InstanceStateNameRunning},
			PublicIpAddress: aws.String("1.2.3.4"),
		}},
	}}}}
	p := NewEC2ProviderWithAPI(api, testProfile())

	inst, err := p.Describe(context.Background(), "i-123")
	if err != nil || inst.State != StateRunning || inst.PublicIP != "1.2.3.4" {
		t.Fatalf("unexpected instance %+v err=%v", inst, err)
	}

	api.describe = &ec2.DescribeInstancesOutput{}
	if _, err := p.Describe(context.Background(), "i-123"); !errors.Is(err, ErrInstanceNotFound) {
		t.Fatalf("expected not found for empty reservations, got %v", err)
	}

	api.err = &smithy.GenericAPIError{Code: errCodeInstanceNotFound, Message: "gone"}
	if _, err := p.Describe(context.Background(), "i-123"); !errors.Is(err, ErrInstanceNotFound) {
		t.Fatalf("expected not found for api error, got %v", err)
	}
	api.err = errors.New("throttled")
	if _, err := p.Describe(context.Background(), "i-123"); err == nil || errors.Is(err, ErrInstanceNotFound) {
		t.Fatalf("expected generic error, got %v", err)
	}
}

func TestEC2StopStartTerminate(t *testing.T) {
	api := &fakeEC2{}
	p := NewEC2ProviderWithAPI(api, testProfile())
	ctx := context.Background()
	if err := p.Stop(ctx, "i-1"); err != nil {
		t.Fatalf("stop: %v", err)
	}
	if err := p.Start(ctx, "i-1"); err != nil {
		t.Fatalf("start: %v", err)
	}
	if err := p.Terminate(ctx, "i-1"); err != nil {
		t.Fatalf("terminate: %v", err)
	}
	if len(api.stopped) != 1 || len(api.started) != 1 || len(api.destroyed) != 1 {
		t.Fatalf("unexpected calls stop=%v start=%v terminate=%v", api.stopped, api.started, api.destroyed)
	}
}

func TestStaticProvider(t *testing.T) {
	p := NewStaticProvider("127.0.0.1")
	ctx := context.Background()
	id, err := p.Launch(ctx, LaunchSpec{TenantID: "t1"})
	if err != nil || !strings.HasPrefix(id, "static-") {
		t.Fatalf("launch: %q %v", id, err)
	}
	inst, err := p.Describe(ctx, id)
	if err != nil || inst.State != StateRunning || inst.PublicIP != "127.0.0.1" {
		t.Fatalf("describe: %+v %v", inst, err)
	}
	if err := p.Stop(ctx, id); err != nil {
		t.Fatalf("stop: %v", err)
	}
	if inst, _ := p.Describe(ctx, id); inst.State != StateStopped || inst.PublicIP != "" {
		t.Fatalf("expected stopped without ip, got %+v", inst)
	}
	if _, err := p.Describe(ctx, "nope"); !errors.Is(err, ErrInstanceNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
	if err := p.Terminate(ctx, "nope"); !errors.Is(err, ErrInstanceNotFound) {
		t.Fatalf("expected not found on terminate, got %v", err)
	}
}
