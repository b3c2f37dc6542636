// Package relocate moves an EC2 instance into another VPC by imaging it and
// launching a replacement from the image.
//
// A run is a fixed sequence of steps: describe, target, stop, image, subnet,
// launch, addresses. The target step rejects an unusable target VPC or
// subnet before the instance is touched. Only the address step is allowed to fail without failing the
// run; its failures are reported as warnings on the result.
package relocate

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
	"github.com/aws/aws-sdk-go-v2/service/ec2/types"
	"github.com/aws/smithy-go"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/time/rate"

	"github.com/fortifai/core/internal/models"
	"github.com/fortifai/core/internal/observability"
)

var (
	ErrDisabled       = errors.New("relocation is disabled")
	ErrInProgress     = errors.New("relocation already in progress for instance")
	ErrNotFound       = errors.New("instance not found")
	ErrTerminated     = errors.New("instance is terminated")
	ErrSameVPC        = errors.New("instance is already in the target vpc")
	ErrNoSubnet       = errors.New("no usable subnet in target vpc")
	ErrImageFailed    = errors.New("image creation failed")
	ErrLaunchFailed   = errors.New("replacement instance failed to start")
	ErrUnexpectedStop = errors.New("instance was terminated while stopping")
)

// Step names, used for spans, metrics and logs.
const (
	StepDescribe  = "describe"
	StepTarget    = "target"
	StepStop      = "stop"
	StepImage     = "image"
	StepSubnet    = "subnet"
	StepLaunch    = "launch"
	StepAddresses = "addresses"
)

const (
	DefaultPollInterval = 5 * time.Second
	DefaultTimeout      = 30 * time.Minute

	// RelocatedFromTag is set on the replacement instance.
	RelocatedFromTag = "RelocatedFrom"
)

// Recorder persists finished runs.
type Recorder interface {
	PutRelocation(ctx context.Context, result models.RelocationResult) error
}

type Options struct {
	Client       EC2API
	Recorder     Recorder
	Metrics      *observability.Metrics
	Logger       *slog.Logger
	Enabled      bool
	PollInterval time.Duration
	Timeout      time.Duration
}

type Relocator struct {
	client       EC2API
	recorder     Recorder
	metrics      *observability.Metrics
	logger       *slog.Logger
	tracer       trace.Tracer
	enabled      bool
	pollInterval time.Duration
	timeout      time.Duration

	mu     sync.Mutex
	active map[string]struct{}
}

func New(opts Options) *Relocator {
	if opts.PollInterval <= 0 {
		opts.PollInterval = DefaultPollInterval
	}
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTimeout
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}

	return &Relocator{
		client:       opts.Client,
		recorder:     opts.Recorder,
		metrics:      opts.Metrics,
		logger:       opts.Logger.With("component", "relocate"),
		tracer:       otel.Tracer("github.com/fortifai/core/internal/relocate"),
		enabled:      opts.Enabled && opts.Client != nil,
		pollInterval: opts.PollInterval,
		timeout:      opts.Timeout,
		active:       make(map[string]struct{}),
	}
}

func (r *Relocator) Enabled() bool {
	return r.enabled
}

func (r *Relocator) acquire(instanceID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, busy := r.active[instanceID]; busy {
		return false
	}
	r.active[instanceID] = struct{}{}
	return true
}

func (r *Relocator) release(instanceID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.active, instanceID)
}

// Relocate runs the workflow for req and blocks until it finishes, fails or
// the configured timeout elapses. The returned result is filled in as far
// as the run got, also when an error is returned.
func (r *Relocator) Relocate(ctx context.Context, req models.RelocationRequest) (models.RelocationResult, error) {
	result := models.RelocationResult{
		ID:          uuid.NewString(),
		InstanceID:  req.InstanceID,
		TargetVpcID: req.TargetVpcID,
		StartedAt:   time.Now().UTC(),
	}

	if !r.enabled {
		return result, ErrDisabled
	}
	if err := models.Validate(req); err != nil {
		return result, err
	}
	if !r.acquire(req.InstanceID) {
		return result, fmt.Errorf("%s: %w", req.InstanceID, ErrInProgress)
	}
	defer r.release(req.InstanceID)

	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	ctx, span := r.tracer.Start(ctx, "relocate",
		trace.WithAttributes(
			attribute.String("relocation.id", result.ID),
			attribute.String("instance.id", req.InstanceID),
			attribute.String("vpc.target", req.TargetVpcID),
		))
	defer span.End()

	logger := r.logger.With("relocation_id", result.ID, "instance_id", req.InstanceID, "target_vpc", req.TargetVpcID)
	logger.Info("relocation started")

	err := r.run(ctx, req, &result, logger)
	if err != nil && req.CleanupOnFailure && result.ImageID != "" {
		r.cleanup(ctx, &result, logger)
	}

	result.FinishedAt = time.Now().UTC()
	if err != nil {
		result.Status = models.RelocationFailed
		result.Error = err.Error()
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		logger.Error("relocation failed", "error", err, "image_id", result.ImageID)
	} else {
		result.Status = models.RelocationSucceeded
		logger.Info("relocation finished",
			"new_instance_id", result.NewInstanceID,
			"subnet_id", result.SubnetID,
			"warnings", len(result.Warnings),
			"duration", result.FinishedAt.Sub(result.StartedAt).String())
	}
	r.metrics.ObserveRelocation(err)

	if r.recorder != nil {
		if perr := r.recorder.PutRelocation(context.WithoutCancel(ctx), result); perr != nil {
			logger.Warn("failed to record relocation", "error", perr)
		}
	}

	return result, err
}

func (r *Relocator) run(ctx context.Context, req models.RelocationRequest, result *models.RelocationResult, logger *slog.Logger) error {
	var instance types.Instance
	err := r.step(ctx, StepDescribe, logger, func(ctx context.Context) error {
		var err error
		instance, err = r.describeInstance(ctx, req.InstanceID)
		if err != nil {
			return err
		}
		if instance.State != nil && isGone(instance.State.Name) {
			return fmt.Errorf("%s: %w", req.InstanceID, ErrTerminated)
		}
		result.SourceVpcID = aws.ToString(instance.VpcId)
		if result.SourceVpcID == req.TargetVpcID {
			return fmt.Errorf("%s in %s: %w", req.InstanceID, req.TargetVpcID, ErrSameVPC)
		}
		return nil
	})
	if err != nil {
		return err
	}

	if err := r.step(ctx, StepTarget, logger, func(ctx context.Context) error {
		_, err := r.findSubnet(ctx, req, availabilityZone(instance))
		return err
	}); err != nil {
		return err
	}

	if err := r.step(ctx, StepStop, logger, func(ctx context.Context) error {
		return r.stopInstance(ctx, instance)
	}); err != nil {
		return err
	}

	if err := r.step(ctx, StepImage, logger, func(ctx context.Context) error {
		return r.createImage(ctx, req.InstanceID, result)
	}); err != nil {
		return err
	}

	if err := r.step(ctx, StepSubnet, logger, func(ctx context.Context) error {
		subnet, err := r.findSubnet(ctx, req, availabilityZone(instance))
		if err != nil {
			return err
		}
		result.SubnetID = aws.ToString(subnet.SubnetId)
		return nil
	}); err != nil {
		return err
	}

	if err := r.step(ctx, StepLaunch, logger, func(ctx context.Context) error {
		return r.launch(ctx, req, instance, result)
	}); err != nil {
		return err
	}

	// Address failures are recorded on the result, never returned.
	_ = r.step(ctx, StepAddresses, logger, func(ctx context.Context) error {
		r.reassociateAddresses(ctx, req.InstanceID, result, logger)
		return nil
	})

	return nil
}

// step runs fn inside a span and records its duration.
func (r *Relocator) step(ctx context.Context, name string, logger *slog.Logger, fn func(ctx context.Context) error) error {
	start := time.Now()
	ctx, span := r.tracer.Start(ctx, "relocate."+name)
	defer span.End()

	err := fn(ctx)
	r.metrics.ObserveRelocationStep(name, start, err)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return fmt.Errorf("%s: %w", name, err)
	}

	logger.Debug("relocation step finished", "step", name, "duration", time.Since(start).String())
	return nil
}

// poll calls check at most once per poll interval until it reports done,
// returns an error or ctx ends.
func (r *Relocator) poll(ctx context.Context, what string, check func(ctx context.Context) (bool, error)) error {
	limiter := rate.NewLimiter(rate.Every(r.pollInterval), 1)
	for {
		if err := limiter.Wait(ctx); err != nil {
			// Wait fails early when the next tick is past the deadline.
			err = context.DeadlineExceeded
			if ctxErr := ctx.Err(); ctxErr != nil {
				err = ctxErr
			}
			return fmt.Errorf("waiting for %s: %w", what, err)
		}
		done, err := check(ctx)
		if err != nil {
			return err
		}
		if done {
			return nil
		}
	}
}

func (r *Relocator) describeInstance(ctx context.Context, instanceID string) (types.Instance, error) {
	out, err := r.client.DescribeInstances(ctx, &ec2.DescribeInstancesInput{
		InstanceIds: []string{instanceID},
	})
	if err != nil {
		var apiErr smithy.APIError
		if errors.As(err, &apiErr) && strings.HasPrefix(apiErr.ErrorCode(), "InvalidInstanceID") {
			return types.Instance{}, fmt.Errorf("%s: %w", instanceID, ErrNotFound)
		}
		return types.Instance{}, fmt.Errorf("failed to describe %s: %w", instanceID, err)
	}
	for _, reservation := range out.Reservations {
		for _, instance := range reservation.Instances {
			if aws.ToString(instance.InstanceId) == instanceID {
				return instance, nil
			}
		}
	}
	return types.Instance{}, fmt.Errorf("%s: %w", instanceID, ErrNotFound)
}

func (r *Relocator) instanceState(ctx context.Context, instanceID string) (types.InstanceStateName, error) {
	instance, err := r.describeInstance(ctx, instanceID)
	if err != nil {
		return "", err
	}
	if instance.State == nil {
		return "", nil
	}
	return instance.State.Name, nil
}

func (r *Relocator) stopInstance(ctx context.Context, instance types.Instance) error {
	instanceID := aws.ToString(instance.InstanceId)
	state := types.InstanceStateName("")
	if instance.State != nil {
		state = instance.State.Name
	}
	if state == types.InstanceStateNameStopped {
		return nil
	}

	if state != types.InstanceStateNameStopping {
		if _, err := r.client.StopInstances(ctx, &ec2.StopInstancesInput{
			InstanceIds: []string{instanceID},
		}); err != nil {
			return fmt.Errorf("failed to stop %s: %w", instanceID, err)
		}
	}

	return r.poll(ctx, "instance to stop", func(ctx context.Context) (bool, error) {
		state, err := r.instanceState(ctx, instanceID)
		if err != nil {
			return false, err
		}
		if isGone(state) {
			return false, fmt.Errorf("%s: %w", instanceID, ErrUnexpectedStop)
		}
		return state == types.InstanceStateNameStopped, nil
	})
}

func (r *Relocator) createImage(ctx context.Context, instanceID string, result *models.RelocationResult) error {
	out, err := r.client.CreateImage(ctx, &ec2.CreateImageInput{
		InstanceId:  aws.String(instanceID),
		Name:        aws.String(fmt.Sprintf("relocation-%s-%d", instanceID, time.Now().Unix())),
		Description: aws.String(fmt.Sprintf("Relocation %s of %s to %s", result.ID, instanceID, result.TargetVpcID)),
		NoReboot:    aws.Bool(true),
	})
	if err != nil {
		return fmt.Errorf("failed to create image of %s: %w", instanceID, err)
	}
	imageID := aws.ToString(out.ImageId)
	result.ImageID = imageID

	return r.poll(ctx, "image to become available", func(ctx context.Context) (bool, error) {
		out, err := r.client.DescribeImages(ctx, &ec2.DescribeImagesInput{
			ImageIds: []string{imageID},
		})
		if err != nil {
			return false, fmt.Errorf("failed to describe image %s: %w", imageID, err)
		}
		if len(out.Images) == 0 {
			return false, nil
		}
		switch out.Images[0].State {
		case types.ImageStateAvailable:
			return true, nil
		case types.ImageStateFailed, types.ImageStateError, types.ImageStateInvalid:
			return false, fmt.Errorf("%s: %w", imageID, ErrImageFailed)
		}
		return false, nil
	})
}

// findSubnet returns the requested subnet after checking it belongs to the
// target VPC, or the best available subnet of the target VPC: same
// availability zone as the source instance first, then most free addresses.
func (r *Relocator) findSubnet(ctx context.Context, req models.RelocationRequest, zone string) (types.Subnet, error) {
	in := &ec2.DescribeSubnetsInput{
		Filters: []types.Filter{
			{Name: aws.String("vpc-id"), Values: []string{req.TargetVpcID}},
		},
	}
	if req.TargetSubnetID != "" {
		in.SubnetIds = []string{req.TargetSubnetID}
	}

	var subnets []types.Subnet
	paginator := ec2.NewDescribeSubnetsPaginator(r.client, in)
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			var apiErr smithy.APIError
			if errors.As(err, &apiErr) && (strings.HasPrefix(apiErr.ErrorCode(), "InvalidSubnetID") ||
				strings.HasPrefix(apiErr.ErrorCode(), "InvalidVpcID")) {
				return types.Subnet{}, fmt.Errorf("%s in %s: %s: %w", req.TargetSubnetID, req.TargetVpcID, apiErr.ErrorMessage(), ErrNoSubnet)
			}
			return types.Subnet{}, fmt.Errorf("failed to describe subnets of %s: %w", req.TargetVpcID, err)
		}
		for _, subnet := range page.Subnets {
			if aws.ToString(subnet.VpcId) != req.TargetVpcID {
				continue
			}
			if subnet.State != "" && subnet.State != types.SubnetStateAvailable {
				continue
			}
			subnets = append(subnets, subnet)
		}
	}

	if len(subnets) == 0 {
		if req.TargetSubnetID != "" {
			return types.Subnet{}, fmt.Errorf("%s is not an available subnet of %s: %w", req.TargetSubnetID, req.TargetVpcID, ErrNoSubnet)
		}
		return types.Subnet{}, fmt.Errorf("%s: %w", req.TargetVpcID, ErrNoSubnet)
	}

	sort.SliceStable(subnets, func(i, j int) bool {
		zi := aws.ToString(subnets[i].AvailabilityZone) == zone
		zj := aws.ToString(subnets[j].AvailabilityZone) == zone
		if zi != zj {
			return zi
		}
		fi, fj := aws.ToInt32(subnets[i].AvailableIpAddressCount), aws.ToInt32(subnets[j].AvailableIpAddressCount)
		if fi != fj {
			return fi > fj
		}
		return aws.ToString(subnets[i].SubnetId) < aws.ToString(subnets[j].SubnetId)
	})

	return subnets[0], nil
}

func (r *Relocator) launch(ctx context.Context, req models.RelocationRequest, source types.Instance, result *models.RelocationResult) error {
	in := &ec2.RunInstancesInput{
		ImageId:      aws.String(result.ImageID),
		InstanceType: source.InstanceType,
		MinCount:     aws.Int32(1),
		MaxCount:     aws.Int32(1),
		SubnetId:     aws.String(result.SubnetID),
		KeyName:      source.KeyName,
		TagSpecifications: []types.TagSpecification{{
			ResourceType: types.ResourceTypeInstance,
			Tags:         replacementTags(source.Tags, req.InstanceID),
		}},
	}
	if len(req.SecurityGroupIDs) > 0 {
		in.SecurityGroupIds = req.SecurityGroupIDs
	}
	if source.IamInstanceProfile != nil && source.IamInstanceProfile.Arn != nil {
		in.IamInstanceProfile = &types.IamInstanceProfileSpecification{Arn: source.IamInstanceProfile.Arn}
	}

	out, err := r.client.RunInstances(ctx, in)
	if err != nil {
		return fmt.Errorf("failed to launch from %s: %w", result.ImageID, err)
	}
	if len(out.Instances) == 0 {
		return fmt.Errorf("launch from %s returned no instance: %w", result.ImageID, ErrLaunchFailed)
	}
	newID := aws.ToString(out.Instances[0].InstanceId)
	result.NewInstanceID = newID

	return r.poll(ctx, "replacement to start", func(ctx context.Context) (bool, error) {
		state, err := r.instanceState(ctx, newID)
		if err != nil {
			if errors.Is(err, ErrNotFound) {
				// Not yet visible to DescribeInstances.
				return false, nil
			}
			return false, err
		}
		if isGone(state) || state == types.InstanceStateNameStopped {
			return false, fmt.Errorf("%s is %s: %w", newID, state, ErrLaunchFailed)
		}
		return state == types.InstanceStateNameRunning, nil
	})
}

func (r *Relocator) reassociateAddresses(ctx context.Context, instanceID string, result *models.RelocationResult, logger *slog.Logger) {
	out, err := r.client.DescribeAddresses(ctx, &ec2.DescribeAddressesInput{
		Filters: []types.Filter{
			{Name: aws.String("instance-id"), Values: []string{instanceID}},
		},
	})
	if err != nil {
		result.Warnings = append(result.Warnings, fmt.Sprintf("failed to list elastic ips of %s: %v", instanceID, err))
		return
	}

	for _, addr := range out.Addresses {
		if addr.Domain != "" && addr.Domain != types.DomainTypeVpc {
			continue
		}
		publicIP := aws.ToString(addr.PublicIp)
		_, err := r.client.AssociateAddress(ctx, &ec2.AssociateAddressInput{
			AllocationId:       addr.AllocationId,
			InstanceId:         aws.String(result.NewInstanceID),
			AllowReassociation: aws.Bool(true),
		})
		if err != nil {
			logger.Warn("failed to reassociate elastic ip", "public_ip", publicIP, "error", err)
			result.Warnings = append(result.Warnings, fmt.Sprintf("failed to reassociate %s: %v", publicIP, err))
			continue
		}
		result.ElasticIPs = append(result.ElasticIPs, publicIP)
	}
}

func (r *Relocator) cleanup(ctx context.Context, result *models.RelocationResult, logger *slog.Logger) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), time.Minute)
	defer cancel()

	_, err := r.client.DeregisterImage(ctx, &ec2.DeregisterImageInput{ImageId: aws.String(result.ImageID)})
	if err != nil {
		logger.Warn("failed to deregister image", "image_id", result.ImageID, "error", err)
		result.Warnings = append(result.Warnings, fmt.Sprintf("failed to deregister %s: %v", result.ImageID, err))
		return
	}
	logger.Info("deregistered image", "image_id", result.ImageID)
	result.Warnings = append(result.Warnings, fmt.Sprintf("deregistered %s", result.ImageID))
}

func replacementTags(source []types.Tag, instanceID string) []types.Tag {
	tags := make([]types.Tag, 0, len(source)+1)
	for _, tag := range source {
		key := aws.ToString(tag.Key)
		// aws: keys are reserved and rejected by RunInstances.
		if strings.HasPrefix(key, "aws:") || key == RelocatedFromTag {
			continue
		}
		tags = append(tags, tag)
	}
	return append(tags, types.Tag{Key: aws.String(RelocatedFromTag), Value: aws.String(instanceID)})
}

func availabilityZone(instance types.Instance) string {
	if instance.Placement == nil {
		return ""
	}
	return aws.ToString(instance.Placement.AvailabilityZone)
}

func isGone(state types.InstanceStateName) bool {
	return state == types.InstanceStateNameTerminated || state == types.InstanceStateNameShuttingDown
}
