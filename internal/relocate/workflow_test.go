package relocate

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ec2/types"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fortifai/core/internal/models"
	"github.com/fortifai/core/internal/observability"
)

func newRelocator(client EC2API, recorder Recorder, metrics *observability.Metrics) *Relocator {
	return New(Options{
		Client:       client,
		Recorder:     recorder,
		Metrics:      metrics,
		Enabled:      true,
		PollInterval: time.Millisecond,
		Timeout:      5 * time.Second,
	})
}

// seed builds a running instance in vpc-old and a target vpc-new with a
// spread of subnets.
func seed() *fakeEC2 {
	f := newFakeEC2()
	f.addInstance("i-abc", "vpc-old", types.InstanceStateNameRunning)
	f.addSubnet("subnet-a", "vpc-new", "us-east-1b", 200, types.SubnetStateAvailable)
	f.addSubnet("subnet-b", "vpc-new", "us-east-1a", 10, types.SubnetStateAvailable)
	f.addSubnet("subnet-c", "vpc-new", "us-east-1a", 50, types.SubnetStateAvailable)
	f.addSubnet("subnet-d", "vpc-new", "us-east-1a", 500, types.SubnetStatePending)
	f.addSubnet("subnet-x", "vpc-other", "us-east-1a", 900, types.SubnetStateAvailable)
	return f
}

func request() models.RelocationRequest {
	return models.RelocationRequest{
		InstanceID:       "i-abc",
		TargetVpcID:      "vpc-new",
		SecurityGroupIDs: []string{"sg-new"},
	}
}

func tagValue(tags []types.Tag, key string) (string, bool) {
	for _, tag := range tags {
		if aws.ToString(tag.Key) == key {
			return aws.ToString(tag.Value), true
		}
	}
	return "", false
}

func TestRelocate(t *testing.T) {
	f := seed()
	f.addAddress("eipalloc-1", "203.0.113.10", "i-abc")
	f.addAddress("eipalloc-2", "203.0.113.11", "i-abc")
	f.associateErr["eipalloc-2"] = errors.New("AuthFailure")

	recorder := &memoryRecorder{}
	reg := prometheus.NewRegistry()
	metrics := observability.NewMetrics(reg)
	r := newRelocator(f, recorder, metrics)

	result, err := r.Relocate(context.Background(), request())
	require.NoError(t, err)

	assert.Equal(t, models.RelocationSucceeded, result.Status)
	assert.NotEmpty(t, result.ID)
	assert.Equal(t, "vpc-old", result.SourceVpcID)
	assert.Equal(t, "ami-1", result.ImageID)
	assert.Equal(t, "subnet-c", result.SubnetID)
	assert.Equal(t, "i-new1", result.NewInstanceID)
	assert.Equal(t, []string{"203.0.113.10"}, result.ElasticIPs)
	require.Len(t, result.Warnings, 1)
	assert.Contains(t, result.Warnings[0], "203.0.113.11")
	assert.False(t, result.FinishedAt.Before(result.StartedAt))

	assert.Equal(t, 1, f.stops)
	assert.Equal(t, "i-new1", f.associated["eipalloc-1"])
	assert.Empty(t, f.deregistered)

	in := f.runInput
	require.NotNil(t, in)
	assert.Equal(t, "ami-1", aws.ToString(in.ImageId))
	assert.Equal(t, types.InstanceTypeT3Micro, in.InstanceType)
	assert.Equal(t, "ops", aws.ToString(in.KeyName))
	assert.Equal(t, []string{"sg-new"}, in.SecurityGroupIds)
	require.NotNil(t, in.IamInstanceProfile)
	assert.Equal(t, "arn:aws:iam::123456789012:instance-profile/web", aws.ToString(in.IamInstanceProfile.Arn))

	require.Len(t, in.TagSpecifications, 1)
	tags := in.TagSpecifications[0].Tags
	name, _ := tagValue(tags, "Name")
	assert.Equal(t, "web", name)
	from, _ := tagValue(tags, RelocatedFromTag)
	assert.Equal(t, "i-abc", from)
	_, reserved := tagValue(tags, "aws:cloudformation:stack-name")
	assert.False(t, reserved)

	recorded := recorder.all()
	require.Len(t, recorded, 1)
	assert.Equal(t, result.ID, recorded[0].ID)

	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.RelocationsTotal.WithLabelValues("success")))
}

func TestRelocateAlreadyStopped(t *testing.T) {
	f := seed()
	f.instances["i-abc"].State = &types.InstanceState{Name: types.InstanceStateNameStopped}

	result, err := newRelocator(f, nil, nil).Relocate(context.Background(), request())
	require.NoError(t, err)
	assert.Equal(t, models.RelocationSucceeded, result.Status)
	assert.Equal(t, 0, f.stops)
}

func TestRelocateRequestedSubnet(t *testing.T) {
	f := seed()
	req := request()
	req.TargetSubnetID = "subnet-a"

	result, err := newRelocator(f, nil, nil).Relocate(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, "subnet-a", result.SubnetID)
	assert.Equal(t, "subnet-a", aws.ToString(f.runInput.SubnetId))
}

func TestRelocateSubnetOutsideTargetVPC(t *testing.T) {
	f := seed()
	req := request()
	req.TargetSubnetID = "subnet-x"
	req.CleanupOnFailure = true

	recorder := &memoryRecorder{}
	result, err := newRelocator(f, recorder, nil).Relocate(context.Background(), req)
	require.ErrorIs(t, err, ErrNoSubnet)

	assert.Equal(t, models.RelocationFailed, result.Status)
	assert.Contains(t, result.Error, "subnet-x")
	assert.Equal(t, 0, f.stops)
	assert.Empty(t, f.images)
	assert.Empty(t, f.deregistered)
	assert.Nil(t, f.runInput)

	recorded := recorder.all()
	require.Len(t, recorded, 1)
	assert.Equal(t, models.RelocationFailed, recorded[0].Status)
}

func TestRelocateUnknownSubnet(t *testing.T) {
	f := seed()
	req := request()
	req.TargetSubnetID = "subnet-gone"

	result, err := newRelocator(f, nil, nil).Relocate(context.Background(), req)
	require.ErrorIs(t, err, ErrNoSubnet)
	assert.Contains(t, result.Error, "does not exist")
	assert.Equal(t, types.InstanceStateNameRunning, f.instances["i-abc"].State.Name)
	assert.Equal(t, 0, f.stops)
	assert.Empty(t, f.images)
}

func TestRelocateNoSubnet(t *testing.T) {
	f := newFakeEC2()
	f.addInstance("i-abc", "vpc-old", types.InstanceStateNameRunning)

	_, err := newRelocator(f, nil, nil).Relocate(context.Background(), request())
	assert.ErrorIs(t, err, ErrNoSubnet)
	assert.Equal(t, 0, f.stops)
	assert.Empty(t, f.images)
}

func TestRelocateLaunchFailure(t *testing.T) {
	tests := []struct {
		name  string
		setup func(f *fakeEC2)
	}{
		{name: "replacement terminated", setup: func(f *fakeEC2) { f.launchState = types.InstanceStateNameTerminated }},
		{name: "replacement stopped", setup: func(f *fakeEC2) { f.launchState = types.InstanceStateNameStopped }},
		{name: "no instance returned", setup: func(f *fakeEC2) { f.launchEmpty = true }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := seed()
			tt.setup(f)
			req := request()
			req.CleanupOnFailure = true

			reg := prometheus.NewRegistry()
			metrics := observability.NewMetrics(reg)
			result, err := newRelocator(f, nil, metrics).Relocate(context.Background(), req)
			require.ErrorIs(t, err, ErrLaunchFailed)
			assert.Contains(t, err.Error(), "launch")

			assert.Equal(t, models.RelocationFailed, result.Status)
			assert.Equal(t, "ami-1", result.ImageID)
			assert.Equal(t, []string{"ami-1"}, f.deregistered)
			assert.Contains(t, result.Warnings, "deregistered ami-1")
			assert.Empty(t, result.ElasticIPs)
			assert.Equal(t, 1.0, testutil.ToFloat64(metrics.RelocationsTotal.WithLabelValues("error")))
		})
	}
}

func TestRelocateLaunchFailureKeepsImage(t *testing.T) {
	f := seed()
	f.launchState = types.InstanceStateNameTerminated

	result, err := newRelocator(f, nil, nil).Relocate(context.Background(), request())
	require.ErrorIs(t, err, ErrLaunchFailed)
	assert.Equal(t, "i-new1", result.NewInstanceID)
	assert.Empty(t, f.deregistered)
}

func TestRelocateRejections(t *testing.T) {
	tests := []struct {
		name  string
		setup func(f *fakeEC2)
		req   models.RelocationRequest
		want  error
	}{
		{
			name: "same vpc",
			req:  models.RelocationRequest{InstanceID: "i-abc", TargetVpcID: "vpc-old"},
			want: ErrSameVPC,
		},
		{
			name: "unknown instance",
			req:  models.RelocationRequest{InstanceID: "i-missing", TargetVpcID: "vpc-new"},
			want: ErrNotFound,
		},
		{
			name: "instance absent from reservations",
			req:  models.RelocationRequest{InstanceID: "i-ghost", TargetVpcID: "vpc-new"},
			want: ErrNotFound,
		},
		{
			name: "terminated instance",
			setup: func(f *fakeEC2) {
				f.instances["i-abc"].State = &types.InstanceState{Name: types.InstanceStateNameTerminated}
			},
			req:  request(),
			want: ErrTerminated,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := seed()
			if tt.setup != nil {
				tt.setup(f)
			}

			result, err := newRelocator(f, nil, nil).Relocate(context.Background(), tt.req)
			require.ErrorIs(t, err, tt.want)
			assert.Equal(t, models.RelocationFailed, result.Status)
			assert.Equal(t, 0, f.stops)
			assert.Empty(t, f.images)
		})
	}
}

func TestRelocateInvalidRequest(t *testing.T) {
	f := seed()
	_, err := newRelocator(f, nil, nil).Relocate(context.Background(), models.RelocationRequest{
		InstanceID:  "abc",
		TargetVpcID: "vpc-new",
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "InstanceID")
	assert.Equal(t, 0, f.stops)
}

func TestRelocateImageFailure(t *testing.T) {
	f := seed()
	f.imageFails = true

	result, err := newRelocator(f, nil, nil).Relocate(context.Background(), request())
	require.ErrorIs(t, err, ErrImageFailed)
	assert.Equal(t, "ami-1", result.ImageID)
	assert.Empty(t, f.deregistered)
}

func TestRelocateImageFailureCleanup(t *testing.T) {
	f := seed()
	f.imageFails = true
	req := request()
	req.CleanupOnFailure = true

	result, err := newRelocator(f, nil, nil).Relocate(context.Background(), req)
	require.ErrorIs(t, err, ErrImageFailed)
	assert.Equal(t, []string{"ami-1"}, f.deregistered)
	assert.Contains(t, result.Warnings, "deregistered ami-1")
}

func TestRelocateDisabled(t *testing.T) {
	r := New(Options{Client: seed(), Enabled: false})
	assert.False(t, r.Enabled())

	_, err := r.Relocate(context.Background(), request())
	assert.ErrorIs(t, err, ErrDisabled)

	r = New(Options{Enabled: true})
	assert.False(t, r.Enabled())
}

func TestRelocateTimeout(t *testing.T) {
	f := seed()
	f.stuckStop = true

	r := New(Options{
		Client:       f,
		Enabled:      true,
		PollInterval: time.Millisecond,
		Timeout:      50 * time.Millisecond,
	})

	result, err := r.Relocate(context.Background(), request())
	require.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Contains(t, err.Error(), "stop")
	assert.Equal(t, models.RelocationFailed, result.Status)
	assert.Empty(t, f.images)
}

func TestRelocateInProgress(t *testing.T) {
	f := seed()
	f.stopBlock = make(chan struct{})
	f.stopCalled = make(chan struct{})
	r := newRelocator(f, nil, nil)

	done := make(chan error, 1)
	go func() {
		_, err := r.Relocate(context.Background(), request())
		done <- err
	}()

	select {
	case <-f.stopCalled:
	case <-time.After(2 * time.Second):
		t.Fatal("first relocation never reached the stop step")
	}

	_, err := r.Relocate(context.Background(), request())
	assert.ErrorIs(t, err, ErrInProgress)

	close(f.stopBlock)
	require.NoError(t, <-done)

	f.mu.Lock()
	f.stopBlock, f.stopCalled = nil, nil
	f.instances["i-abc"].VpcId = aws.String("vpc-old")
	f.instances["i-abc"].State = &types.InstanceState{Name: types.InstanceStateNameRunning}
	f.mu.Unlock()

	_, err = r.Relocate(context.Background(), request())
	assert.NoError(t, err)
}

func TestFindSubnetOrdering(t *testing.T) {
	f := seed()
	r := newRelocator(f, nil, nil)

	subnet, err := r.findSubnet(context.Background(), request(), "us-east-1b")
	require.NoError(t, err)
	assert.Equal(t, "subnet-a", aws.ToString(subnet.SubnetId))

	subnet, err = r.findSubnet(context.Background(), request(), "eu-west-1a")
	require.NoError(t, err)
	assert.Equal(t, "subnet-a", aws.ToString(subnet.SubnetId))

	subnet, err = r.findSubnet(context.Background(), request(), "us-east-1a")
	require.NoError(t, err)
	assert.Equal(t, "subnet-c", aws.ToString(subnet.SubnetId))
}
