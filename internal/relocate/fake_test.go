package relocate

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
	"github.com/aws/aws-sdk-go-v2/service/ec2/types"
	"github.com/aws/smithy-go"

	"github.com/fortifai/core/internal/models"
)

// fakeEC2 is an in-memory EC2 where every describe call advances pending
// transitions by one step.
type fakeEC2 struct {
	mu sync.Mutex

	instances map[string]*types.Instance
	images    map[string]types.ImageState
	subnets   []types.Subnet
	addresses []types.Address

	imageFails   bool
	stuckStop    bool
	launchState  types.InstanceStateName
	launchEmpty  bool
	associateErr map[string]error
	stopBlock    chan struct{}
	stopCalled   chan struct{}

	stops        int
	runInput     *ec2.RunInstancesInput
	deregistered []string
	associated   map[string]string
	nextID       int
}

func newFakeEC2() *fakeEC2 {
	return &fakeEC2{
		instances:    make(map[string]*types.Instance),
		images:       make(map[string]types.ImageState),
		associateErr: make(map[string]error),
		associated:   make(map[string]string),
	}
}

func (f *fakeEC2) addInstance(id, vpc string, state types.InstanceStateName) *types.Instance {
	f.mu.Lock()
	defer f.mu.Unlock()
	inst := &types.Instance{
		InstanceId:   aws.String(id),
		VpcId:        aws.String(vpc),
		SubnetId:     aws.String("subnet-old"),
		InstanceType: types.InstanceTypeT3Micro,
		KeyName:      aws.String("ops"),
		State:        &types.InstanceState{Name: state},
		Placement:    &types.Placement{AvailabilityZone: aws.String("us-east-1a")},
		IamInstanceProfile: &types.IamInstanceProfile{
			Arn: aws.String("arn:aws:iam::123456789012:instance-profile/web"),
		},
		Tags: []types.Tag{
			{Key: aws.String("Name"), Value: aws.String("web")},
			{Key: aws.String("aws:cloudformation:stack-name"), Value: aws.String("legacy")},
		},
	}
	f.instances[id] = inst
	return inst
}

func (f *fakeEC2) addSubnet(id, vpc, zone string, free int32, state types.SubnetState) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.subnets = append(f.subnets, types.Subnet{
		SubnetId:                aws.String(id),
		VpcId:                   aws.String(vpc),
		AvailabilityZone:        aws.String(zone),
		AvailableIpAddressCount: aws.Int32(free),
		State:                   state,
	})
}

func (f *fakeEC2) addAddress(allocationID, publicIP, instanceID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.addresses = append(f.addresses, types.Address{
		AllocationId: aws.String(allocationID),
		PublicIp:     aws.String(publicIP),
		InstanceId:   aws.String(instanceID),
		Domain:       types.DomainTypeVpc,
	})
}

func (f *fakeEC2) DescribeInstances(_ context.Context, in *ec2.DescribeInstancesInput, _ ...func(*ec2.Options)) (*ec2.DescribeInstancesOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	var found []types.Instance
	for _, id := range in.InstanceIds {
		if id == "i-missing" {
			return nil, &smithy.GenericAPIError{Code: "InvalidInstanceID.NotFound", Message: "no such instance"}
		}
		inst, ok := f.instances[id]
		if !ok {
			continue
		}
		switch inst.State.Name {
		case types.InstanceStateNameStopping:
			if !f.stuckStop {
				inst.State = &types.InstanceState{Name: types.InstanceStateNameStopped}
			}
		case types.InstanceStateNamePending:
			next := types.InstanceStateNameRunning
			if f.launchState != "" {
				next = f.launchState
			}
			inst.State = &types.InstanceState{Name: next}
		}
		found = append(found, *inst)
	}
	return &ec2.DescribeInstancesOutput{
		Reservations: []types.Reservation{{Instances: found}},
	}, nil
}

func (f *fakeEC2) StopInstances(ctx context.Context, in *ec2.StopInstancesInput, _ ...func(*ec2.Options)) (*ec2.StopInstancesOutput, error) {
	f.mu.Lock()
	f.stops++
	for _, id := range in.InstanceIds {
		if inst, ok := f.instances[id]; ok {
			inst.State = &types.InstanceState{Name: types.InstanceStateNameStopping}
		}
	}
	block, called := f.stopBlock, f.stopCalled
	f.mu.Unlock()

	if called != nil {
		close(called)
	}
	if block != nil {
		select {
		case <-block:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return &ec2.StopInstancesOutput{}, nil
}

func (f *fakeEC2) CreateImage(_ context.Context, in *ec2.CreateImageInput, _ ...func(*ec2.Options)) (*ec2.CreateImageOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !aws.ToBool(in.NoReboot) {
		return nil, errors.New("expected NoReboot")
	}
	id := fmt.Sprintf("ami-%d", len(f.images)+1)
	f.images[id] = types.ImageStatePending
	return &ec2.CreateImageOutput{ImageId: aws.String(id)}, nil
}

func (f *fakeEC2) DescribeImages(_ context.Context, in *ec2.DescribeImagesInput, _ ...func(*ec2.Options)) (*ec2.DescribeImagesOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	var images []types.Image
	for _, id := range in.ImageIds {
		state, ok := f.images[id]
		if !ok {
			continue
		}
		if state == types.ImageStatePending {
			state = types.ImageStateAvailable
			if f.imageFails {
				state = types.ImageStateFailed
			}
			f.images[id] = state
		}
		images = append(images, types.Image{ImageId: aws.String(id), State: state})
	}
	return &ec2.DescribeImagesOutput{Images: images}, nil
}

func (f *fakeEC2) DeregisterImage(_ context.Context, in *ec2.DeregisterImageInput, _ ...func(*ec2.Options)) (*ec2.DeregisterImageOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deregistered = append(f.deregistered, aws.ToString(in.ImageId))
	return &ec2.DeregisterImageOutput{}, nil
}

func (f *fakeEC2) DescribeSubnets(_ context.Context, in *ec2.DescribeSubnetsInput, _ ...func(*ec2.Options)) (*ec2.DescribeSubnetsOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	var vpc string
	for _, filter := range in.Filters {
		if aws.ToString(filter.Name) == "vpc-id" && len(filter.Values) > 0 {
			vpc = filter.Values[0]
		}
	}
	ids := make(map[string]bool)
	for _, id := range in.SubnetIds {
		known := false
		for _, s := range f.subnets {
			known = known || aws.ToString(s.SubnetId) == id
		}
		if !known {
			return nil, &smithy.GenericAPIError{
				Code:    "InvalidSubnetID.NotFound",
				Message: fmt.Sprintf("The subnet ID '%s' does not exist", id),
			}
		}
		ids[id] = true
	}

	var subnets []types.Subnet
	for _, s := range f.subnets {
		if vpc != "" && aws.ToString(s.VpcId) != vpc {
			continue
		}
		if len(ids) > 0 && !ids[aws.ToString(s.SubnetId)] {
			continue
		}
		subnets = append(subnets, s)
	}
	return &ec2.DescribeSubnetsOutput{Subnets: subnets}, nil
}

func (f *fakeEC2) RunInstances(_ context.Context, in *ec2.RunInstancesInput, _ ...func(*ec2.Options)) (*ec2.RunInstancesOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.runInput = in
	if f.launchEmpty {
		return &ec2.RunInstancesOutput{}, nil
	}
	f.nextID++
	id := fmt.Sprintf("i-new%d", f.nextID)
	inst := &types.Instance{
		InstanceId: aws.String(id),
		SubnetId:   in.SubnetId,
		State:      &types.InstanceState{Name: types.InstanceStateNamePending},
	}
	f.instances[id] = inst
	return &ec2.RunInstancesOutput{Instances: []types.Instance{*inst}}, nil
}

func (f *fakeEC2) DescribeAddresses(_ context.Context, in *ec2.DescribeAddressesInput, _ ...func(*ec2.Options)) (*ec2.DescribeAddressesOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	var instanceID string
	for _, filter := range in.Filters {
		if aws.ToString(filter.Name) == "instance-id" && len(filter.Values) > 0 {
			instanceID = filter.Values[0]
		}
	}
	var addresses []types.Address
	for _, a := range f.addresses {
		if aws.ToString(a.InstanceId) == instanceID {
			addresses = append(addresses, a)
		}
	}
	return &ec2.DescribeAddressesOutput{Addresses: addresses}, nil
}

func (f *fakeEC2) AssociateAddress(_ context.Context, in *ec2.AssociateAddressInput, _ ...func(*ec2.Options)) (*ec2.AssociateAddressOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	allocationID := aws.ToString(in.AllocationId)
	if err := f.associateErr[allocationID]; err != nil {
		return nil, err
	}
	f.associated[allocationID] = aws.ToString(in.InstanceId)
	return &ec2.AssociateAddressOutput{AssociationId: aws.String("eipassoc-" + allocationID)}, nil
}

type memoryRecorder struct {
	mu      sync.Mutex
	results []models.RelocationResult
}

func (m *memoryRecorder) PutRelocation(_ context.Context, result models.RelocationResult) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.results = append(m.results, result)
	return nil
}

func (m *memoryRecorder) all() []models.RelocationResult {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]models.RelocationResult(nil), m.results...)
}
