// Package compute implements the pool provider contracts on top of Amazon EC2.
//
// Instances are addressed by their Name tag. Pool instances carry an extra
// vmpool:image tag so a listing can find every instance created from an AMI.
package compute

import (
	"context"
	"encoding/base64"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
	"github.com/aws/aws-sdk-go-v2/service/ec2/types"
	"github.com/aws/smithy-go"
	"github.com/fly-io/vmpool/pkg/actions"
	"github.com/fly-io/vmpool/pkg/errors"
	"github.com/fly-io/vmpool/pkg/instance"
	"github.com/fly-io/vmpool/pkg/pool"
)

const (
	// ImageTag marks pool instances with the AMI they were created from
	ImageTag = "vmpool:image"

	nameTag = "Name"
)

// DefaultWaitTimeout bounds how long a synchronous call waits for EC2 to reach the target state
const DefaultWaitTimeout = 10 * time.Minute

// ErrInstanceNotFound is returned when no live instance carries the requested name
var ErrInstanceNotFound = errors.New("ec2 instance not found")

// liveStates excludes terminated instances from every lookup
var liveStates = []string{
	string(types.InstanceStateNamePending),
	string(types.InstanceStateNameRunning),
	string(types.InstanceStateNameStopping),
	string(types.InstanceStateNameStopped),
	string(types.InstanceStateNameShuttingDown),
}

// API is the subset of the EC2 client used here
type API interface {
	RunInstances(ctx context.Context, params *ec2.RunInstancesInput, optFns ...func(*ec2.Options)) (*ec2.RunInstancesOutput, error)
	DescribeInstances(ctx context.Context, params *ec2.DescribeInstancesInput, optFns ...func(*ec2.Options)) (*ec2.DescribeInstancesOutput, error)
	TerminateInstances(ctx context.Context, params *ec2.TerminateInstancesInput, optFns ...func(*ec2.Options)) (*ec2.TerminateInstancesOutput, error)
	StartInstances(ctx context.Context, params *ec2.StartInstancesInput, optFns ...func(*ec2.Options)) (*ec2.StartInstancesOutput, error)
	StopInstances(ctx context.Context, params *ec2.StopInstancesInput, optFns ...func(*ec2.Options)) (*ec2.StopInstancesOutput, error)
	RebootInstances(ctx context.Context, params *ec2.RebootInstancesInput, optFns ...func(*ec2.Options)) (*ec2.RebootInstancesOutput, error)
}

// Options configures an EC2 client
type Options struct {
	Region       string
	Credentials  pool.Credentials
	InstanceType string

	// Endpoint overrides the EC2 endpoint, for local emulators
	Endpoint string

	// WaitTimeout bounds DeleteVM, StartVM and StopVM; zero means DefaultWaitTimeout
	WaitTimeout time.Duration
}

// Client drives EC2 instances on behalf of a registry
type Client struct {
	api          API
	instanceType types.InstanceType

	// waiter settings; zero delays keep the SDK defaults
	waitTimeout  time.Duration
	waitMinDelay time.Duration
	waitMaxDelay time.Duration

	mu  sync.Mutex
	ids map[string]string // name -> instance id, for instances created here
}

// NewClient creates an EC2 client authenticated with static credentials
func NewClient(ctx context.Context, opts Options) (*Client, error) {
	slog.Info("ec2_client_init", "region", opts.Region, "instance_type", opts.InstanceType)

	cfg, err := config.LoadDefaultConfig(ctx,
		config.WithRegion(opts.Region),
		config.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(
			opts.Credentials.AccessKeyID,
			opts.Credentials.SecretAccessKey,
			"",
		)),
	)
	if err != nil {
		slog.Error("aws_config_load_failed", "error", err)
		return nil, errors.Wrap(err, "failed to load AWS config")
	}

	api := ec2.NewFromConfig(cfg, func(o *ec2.Options) {
		if opts.Endpoint != "" {
			o.BaseEndpoint = aws.String(opts.Endpoint)
		}
	})

	client := NewWithAPI(api, opts.InstanceType)
	if opts.WaitTimeout > 0 {
		client.waitTimeout = opts.WaitTimeout
	}
	return client, nil
}

// NewWithAPI wraps an existing EC2 API implementation
func NewWithAPI(api API, instanceType string) *Client {
	return &Client{
		api:          api,
		instanceType: types.InstanceType(instanceType),
		waitTimeout:  DefaultWaitTimeout,
		ids:          make(map[string]string),
	}
}

// ListImageInstances returns the live instances of image keyed by Name tag
func (c *Client) ListImageInstances(ctx context.Context, image pool.ImageDetails) (map[string]pool.ExternalInstance, error) {
	filters := []types.Filter{{
		Name:   aws.String("instance-state-name"),
		Values: liveStates,
	}}
	if image.UseOriginal {
		filters = append(filters, types.Filter{Name: aws.String("tag:" + nameTag), Values: []string{image.SourceID}})
	} else {
		filters = append(filters, types.Filter{Name: aws.String("tag:" + ImageTag), Values: []string{image.SourceID}})
	}

	instances, err := c.describe(ctx, &ec2.DescribeInstancesInput{Filters: filters})
	if err != nil {
		slog.Error("ec2_list_failed", "image", image.SourceID, "error", err)
		return nil, errors.Wrap(err, "failed to list instances")
	}

	out := make(map[string]pool.ExternalInstance, len(instances))
	for _, inst := range instances {
		name := tagValue(inst.Tags, nameTag)
		if name == "" {
			continue
		}
		out[name] = pool.ExternalInstance{Name: name, Status: MapState(inst.State)}
	}

	slog.Info("ec2_list_complete", "image", image.SourceID, "instance_count", len(out))
	return out, nil
}

// CreateVM launches one instance from the image AMI and waits for EC2 to accept it
func (c *Client) CreateVM(ctx context.Context, image pool.ImageDetails, name string, userData []byte) error {
	input := &ec2.RunInstancesInput{
		ImageId:      aws.String(image.SourceID),
		InstanceType: c.instanceType,
		MinCount:     aws.Int32(1),
		MaxCount:     aws.Int32(1),
		TagSpecifications: []types.TagSpecification{{
			ResourceType: types.ResourceTypeInstance,
			Tags: []types.Tag{
				{Key: aws.String(nameTag), Value: aws.String(name)},
				{Key: aws.String(ImageTag), Value: aws.String(image.SourceID)},
			},
		}},
	}
	if len(userData) > 0 {
		input.UserData = aws.String(base64.StdEncoding.EncodeToString(userData))
	}

	out, err := c.api.RunInstances(ctx, input)
	if err != nil {
		slog.Error("ec2_run_instances_failed", "name", name, "ami", image.SourceID, "error", err)
		return errors.Wrap(err, "failed to run instance")
	}
	if len(out.Instances) == 0 || out.Instances[0].InstanceId == nil {
		return fmt.Errorf("run instances returned no instance for %s", name)
	}

	id := aws.ToString(out.Instances[0].InstanceId)
	c.mu.Lock()
	c.ids[name] = id
	c.mu.Unlock()

	slog.Info("ec2_instance_created", "name", name, "instance_id", id)
	return nil
}

// DeleteVM terminates the named instance and returns once EC2 reports it
// terminated. A missing instance is already deleted.
func (c *Client) DeleteVM(ctx context.Context, name string) error {
	return c.run(ctx, pool.OpDelete, name)
}

// StartVM powers on the named instance and waits until it is running
func (c *Client) StartVM(ctx context.Context, name string) error {
	return c.run(ctx, pool.OpStart, name)
}

// StopVM powers off the named instance and waits until it is stopped
func (c *Client) StopVM(ctx context.Context, name string) error {
	return c.run(ctx, pool.OpStop, name)
}

// run issues op and blocks until the instance reaches the op's target state
func (c *Client) run(ctx context.Context, op pool.Op, name string) error {
	handle, err := c.Begin(ctx, op, name)
	if err != nil || handle == "" {
		return err
	}

	_, id, _ := strings.Cut(handle, ":")
	start := time.Now()
	if err := c.wait(ctx, op, id); err != nil {
		slog.Error("ec2_wait_failed", "op", op, "name", name, "instance_id", id, "error", err)
		return errors.Wrapf(err, "waiting for %s of instance %s", op, id)
	}

	slog.Info("ec2_operation_completed", "op", op, "name", name, "instance_id", id,
		"duration_ms", time.Since(start).Milliseconds())
	return nil
}

// wait uses the SDK waiter matching op, bounded by ctx and the client wait timeout
func (c *Client) wait(ctx context.Context, op pool.Op, id string) error {
	input := &ec2.DescribeInstancesInput{InstanceIds: []string{id}}

	switch op {
	case pool.OpDelete:
		waiter := ec2.NewInstanceTerminatedWaiter(c.api, func(o *ec2.InstanceTerminatedWaiterOptions) {
			c.delays(&o.MinDelay, &o.MaxDelay)
		})
		err := waiter.Wait(ctx, input, c.waitTimeout)
		if isNotFound(err) {
			return nil
		}
		return err
	case pool.OpStop:
		waiter := ec2.NewInstanceStoppedWaiter(c.api, func(o *ec2.InstanceStoppedWaiterOptions) {
			c.delays(&o.MinDelay, &o.MaxDelay)
		})
		return waiter.Wait(ctx, input, c.waitTimeout)
	case pool.OpStart:
		waiter := ec2.NewInstanceRunningWaiter(c.api, func(o *ec2.InstanceRunningWaiterOptions) {
			c.delays(&o.MinDelay, &o.MaxDelay)
		})
		return waiter.Wait(ctx, input, c.waitTimeout)
	}
	return fmt.Errorf("unsupported operation %q", op)
}

func (c *Client) delays(minDelay, maxDelay *time.Duration) {
	if c.waitMinDelay > 0 {
		*minDelay = c.waitMinDelay
	}
	if c.waitMaxDelay > 0 {
		*maxDelay = c.waitMaxDelay
	}
}

// RestartVM reboots the named instance in place
func (c *Client) RestartVM(ctx context.Context, name string) error {
	inst, err := c.find(ctx, name)
	if err != nil {
		return err
	}

	id := aws.ToString(inst.InstanceId)
	if _, err := c.api.RebootInstances(ctx, &ec2.RebootInstancesInput{InstanceIds: []string{id}}); err != nil {
		slog.Error("ec2_reboot_failed", "name", name, "instance_id", id, "error", err)
		return errors.Wrap(err, "failed to reboot instance")
	}

	slog.Info("ec2_instance_rebooted", "name", name, "instance_id", id)
	return nil
}

// VMStatus describes the named instance and maps its EC2 state
func (c *Client) VMStatus(ctx context.Context, name string) (instance.Status, error) {
	inst, err := c.find(ctx, name)
	if err != nil {
		return instance.StatusUnknown, err
	}
	return MapState(inst.State), nil
}

// Begin issues op against the named instance and returns a handle of the form
// "<op>:<instance id>" for CheckAction. Deleting a missing instance returns an
// empty handle, meaning there is nothing to wait for.
func (c *Client) Begin(ctx context.Context, op pool.Op, name string) (string, error) {
	inst, err := c.find(ctx, name)
	if errors.Is(err, ErrInstanceNotFound) && op == pool.OpDelete {
		slog.Info("ec2_delete_already_gone", "name", name)
		return "", nil
	}
	if err != nil {
		return "", err
	}

	id := aws.ToString(inst.InstanceId)
	ids := []string{id}

	switch op {
	case pool.OpDelete:
		_, err = c.api.TerminateInstances(ctx, &ec2.TerminateInstancesInput{InstanceIds: ids})
	case pool.OpStart:
		_, err = c.api.StartInstances(ctx, &ec2.StartInstancesInput{InstanceIds: ids})
	case pool.OpStop:
		_, err = c.api.StopInstances(ctx, &ec2.StopInstancesInput{InstanceIds: ids})
	default:
		return "", fmt.Errorf("unsupported operation %q", op)
	}
	if err != nil {
		slog.Error("ec2_operation_failed", "op", op, "name", name, "instance_id", id, "error", err)
		return "", errors.Wrapf(err, "failed to %s instance", op)
	}

	if op == pool.OpDelete {
		c.forget(name)
	}

	slog.Info("ec2_operation_issued", "op", op, "name", name, "instance_id", id)
	return string(op) + ":" + id, nil
}

// CheckAction reports whether the operation behind handle has reached its target state
func (c *Client) CheckAction(ctx context.Context, handle string) (actions.Result, error) {
	opName, id, ok := strings.Cut(handle, ":")
	if !ok || id == "" {
		return actions.Result{}, fmt.Errorf("malformed action handle %q", handle)
	}
	op := pool.Op(opName)

	instances, err := c.describe(ctx, &ec2.DescribeInstancesInput{InstanceIds: []string{id}})
	if err != nil && !isNotFound(err) {
		return actions.Result{}, errors.Wrap(err, "failed to describe instance")
	}
	if len(instances) == 0 {
		if op == pool.OpDelete {
			return actions.Finished(), nil
		}
		return actions.Failed(fmt.Sprintf("instance %s no longer exists", id)), nil
	}

	var state types.InstanceStateName
	if instances[0].State != nil {
		state = instances[0].State.Name
	}
	return progress(op, state), nil
}

// progress maps an observed EC2 state onto the outcome of op
func progress(op pool.Op, state types.InstanceStateName) actions.Result {
	switch op {
	case pool.OpDelete:
		if state == types.InstanceStateNameTerminated {
			return actions.Finished()
		}
		return actions.Pending()

	case pool.OpStop:
		switch state {
		case types.InstanceStateNameStopped:
			return actions.Finished()
		case types.InstanceStateNameShuttingDown, types.InstanceStateNameTerminated:
			return actions.Failed(fmt.Sprintf("instance is %s", state))
		}
		return actions.Pending()

	case pool.OpStart:
		switch state {
		case types.InstanceStateNameRunning:
			return actions.Finished()
		case types.InstanceStateNameShuttingDown, types.InstanceStateNameTerminated:
			return actions.Failed(fmt.Sprintf("instance is %s", state))
		}
		return actions.Pending()
	}

	return actions.Failed(fmt.Sprintf("unsupported operation %q", op))
}

// MapState converts an EC2 instance state into an instance status
func MapState(state *types.InstanceState) instance.Status {
	if state == nil {
		return instance.StatusUnknown
	}
	switch state.Name {
	case types.InstanceStateNamePending:
		return instance.StatusStarting
	case types.InstanceStateNameRunning:
		return instance.StatusRunning
	case types.InstanceStateNameStopping, types.InstanceStateNameShuttingDown:
		return instance.StatusStopping
	case types.InstanceStateNameStopped, types.InstanceStateNameTerminated:
		return instance.StatusStopped
	default:
		return instance.StatusUnknown
	}
}

// find returns the live instance carrying name
func (c *Client) find(ctx context.Context, name string) (types.Instance, error) {
	c.mu.Lock()
	id, cached := c.ids[name]
	c.mu.Unlock()

	input := &ec2.DescribeInstancesInput{
		Filters: []types.Filter{
			{Name: aws.String("tag:" + nameTag), Values: []string{name}},
			{Name: aws.String("instance-state-name"), Values: liveStates},
		},
	}
	if cached {
		input = &ec2.DescribeInstancesInput{InstanceIds: []string{id}}
	}

	instances, err := c.describe(ctx, input)
	if err != nil && !isNotFound(err) {
		slog.Error("ec2_describe_failed", "name", name, "error", err)
		return types.Instance{}, errors.Wrap(err, "failed to describe instance")
	}

	for _, inst := range instances {
		if inst.State != nil && inst.State.Name == types.InstanceStateNameTerminated {
			continue
		}
		return inst, nil
	}

	if cached {
		c.forget(name)
	}
	return types.Instance{}, fmt.Errorf("%w: %s", ErrInstanceNotFound, name)
}

func (c *Client) describe(ctx context.Context, input *ec2.DescribeInstancesInput) ([]types.Instance, error) {
	var out []types.Instance
	paginator := ec2.NewDescribeInstancesPaginator(c.api, input)

	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, err
		}
		for _, reservation := range page.Reservations {
			out = append(out, reservation.Instances...)
		}
	}
	return out, nil
}

func (c *Client) forget(name string) {
	c.mu.Lock()
	delete(c.ids, name)
	c.mu.Unlock()
}

func isNotFound(err error) bool {
	var apiErr smithy.APIError
	return errors.As(err, &apiErr) && apiErr.ErrorCode() == "InvalidInstanceID.NotFound"
}

func tagValue(tags []types.Tag, key string) string {
	for _, tag := range tags {
		if aws.ToString(tag.Key) == key {
			return aws.ToString(tag.Value)
		}
	}
	return ""
}
