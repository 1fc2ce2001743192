package compute

import (
	"context"
	"encoding/base64"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
	"github.com/aws/aws-sdk-go-v2/service/ec2/types"
	"github.com/aws/smithy-go"
	"github.com/fly-io/vmpool/pkg/actions"
	"github.com/fly-io/vmpool/pkg/errors"
	"github.com/fly-io/vmpool/pkg/instance"
	"github.com/fly-io/vmpool/pkg/pool"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var _ pool.AsyncProvider = (*Client)(nil)

// fakeEC2 keeps instances in memory and answers the filters the client uses
type fakeEC2 struct {
	mu        sync.Mutex
	next      int
	instances map[string]types.Instance
	runInputs []*ec2.RunInstancesInput
	runErr    error
	stopErr   error

	// settle moves transitional states one step on after every describe
	settle bool
}

func newFakeEC2() *fakeEC2 {
	return &fakeEC2{instances: make(map[string]types.Instance)}
}

func (f *fakeEC2) add(name, image string, state types.InstanceStateName) string {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.next++
	id := fmt.Sprintf("i-%04d", f.next)
	tags := []types.Tag{{Key: aws.String(nameTag), Value: aws.String(name)}}
	if image != "" {
		tags = append(tags, types.Tag{Key: aws.String(ImageTag), Value: aws.String(image)})
	}
	f.instances[id] = types.Instance{
		InstanceId: aws.String(id),
		State:      &types.InstanceState{Name: state},
		Tags:       tags,
	}
	return id
}

func (f *fakeEC2) setState(id string, state types.InstanceStateName) {
	f.mu.Lock()
	defer f.mu.Unlock()
	inst := f.instances[id]
	inst.State = &types.InstanceState{Name: state}
	f.instances[id] = inst
}

func (f *fakeEC2) state(id string) types.InstanceStateName {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.instances[id].State.Name
}

func (f *fakeEC2) RunInstances(_ context.Context, in *ec2.RunInstancesInput, _ ...func(*ec2.Options)) (*ec2.RunInstancesOutput, error) {
	if f.runErr != nil {
		return nil, f.runErr
	}

	var name, image string
	for _, tag := range in.TagSpecifications[0].Tags {
		switch aws.ToString(tag.Key) {
		case nameTag:
			name = aws.ToString(tag.Value)
		case ImageTag:
			image = aws.ToString(tag.Value)
		}
	}
	id := f.add(name, image, types.InstanceStateNamePending)

	f.mu.Lock()
	f.runInputs = append(f.runInputs, in)
	inst := f.instances[id]
	f.mu.Unlock()

	return &ec2.RunInstancesOutput{Instances: []types.Instance{inst}}, nil
}

func (f *fakeEC2) DescribeInstances(_ context.Context, in *ec2.DescribeInstancesInput, _ ...func(*ec2.Options)) (*ec2.DescribeInstancesOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	var matched []types.Instance
	if len(in.InstanceIds) > 0 {
		for _, id := range in.InstanceIds {
			inst, ok := f.instances[id]
			if !ok {
				return nil, &smithy.GenericAPIError{Code: "InvalidInstanceID.NotFound", Message: id}
			}
			matched = append(matched, inst)
		}
	} else {
		for _, inst := range f.instances {
			if matchesFilters(inst, in.Filters) {
				matched = append(matched, inst)
			}
		}
	}

	if f.settle {
		for id, inst := range f.instances {
			if next, ok := settled[inst.State.Name]; ok {
				inst.State = &types.InstanceState{Name: next}
				f.instances[id] = inst
			}
		}
	}

	return &ec2.DescribeInstancesOutput{
		Reservations: []types.Reservation{{Instances: matched}},
	}, nil
}

var settled = map[types.InstanceStateName]types.InstanceStateName{
	types.InstanceStateNamePending:      types.InstanceStateNameRunning,
	types.InstanceStateNameStopping:     types.InstanceStateNameStopped,
	types.InstanceStateNameShuttingDown: types.InstanceStateNameTerminated,
}

// newFastClient returns a client whose waiters poll every millisecond
func newFastClient(api API) *Client {
	client := NewWithAPI(api, "t3.micro")
	client.waitMinDelay = time.Millisecond
	client.waitMaxDelay = 5 * time.Millisecond
	return client
}

func matchesFilters(inst types.Instance, filters []types.Filter) bool {
	for _, filter := range filters {
		var value string
		name := aws.ToString(filter.Name)
		switch {
		case name == "instance-state-name":
			value = string(inst.State.Name)
		case len(name) > 4 && name[:4] == "tag:":
			value = tagValue(inst.Tags, name[4:])
		default:
			return false
		}

		found := false
		for _, v := range filter.Values {
			if v == value {
				found = true
			}
		}
		if !found {
			return false
		}
	}
	return true
}

func (f *fakeEC2) TerminateInstances(_ context.Context, in *ec2.TerminateInstancesInput, _ ...func(*ec2.Options)) (*ec2.TerminateInstancesOutput, error) {
	for _, id := range in.InstanceIds {
		f.setState(id, types.InstanceStateNameShuttingDown)
	}
	return &ec2.TerminateInstancesOutput{}, nil
}

func (f *fakeEC2) StartInstances(_ context.Context, in *ec2.StartInstancesInput, _ ...func(*ec2.Options)) (*ec2.StartInstancesOutput, error) {
	for _, id := range in.InstanceIds {
		f.setState(id, types.InstanceStateNamePending)
	}
	return &ec2.StartInstancesOutput{}, nil
}

func (f *fakeEC2) StopInstances(_ context.Context, in *ec2.StopInstancesInput, _ ...func(*ec2.Options)) (*ec2.StopInstancesOutput, error) {
	if f.stopErr != nil {
		return nil, f.stopErr
	}
	for _, id := range in.InstanceIds {
		f.setState(id, types.InstanceStateNameStopping)
	}
	return &ec2.StopInstancesOutput{}, nil
}

func (f *fakeEC2) RebootInstances(_ context.Context, in *ec2.RebootInstancesInput, _ ...func(*ec2.Options)) (*ec2.RebootInstancesOutput, error) {
	return &ec2.RebootInstancesOutput{}, nil
}

func testImage() pool.ImageDetails {
	return pool.ImageDetails{SourceID: "ami-0abc", MaxInstances: 3, NamePrefix: "worker", ResourceGroup: "rg"}
}

func TestMapState(t *testing.T) {
	tests := []struct {
		state types.InstanceStateName
		want  instance.Status
	}{
		{types.InstanceStateNamePending, instance.StatusStarting},
		{types.InstanceStateNameRunning, instance.StatusRunning},
		{types.InstanceStateNameStopping, instance.StatusStopping},
		{types.InstanceStateNameShuttingDown, instance.StatusStopping},
		{types.InstanceStateNameStopped, instance.StatusStopped},
		{types.InstanceStateNameTerminated, instance.StatusStopped},
		{types.InstanceStateName("hibernating"), instance.StatusUnknown},
	}

	for _, tt := range tests {
		t.Run(string(tt.state), func(t *testing.T) {
			assert.Equal(t, tt.want, MapState(&types.InstanceState{Name: tt.state}))
		})
	}
	assert.Equal(t, instance.StatusUnknown, MapState(nil))
}

func TestCreateVMAndStatus(t *testing.T) {
	ctx := context.Background()
	api := newFakeEC2()
	client := NewWithAPI(api, "t3.micro")

	require.NoError(t, client.CreateVM(ctx, testImage(), "worker-1", []byte("#cloud-config")))

	require.Len(t, api.runInputs, 1)
	in := api.runInputs[0]
	assert.Equal(t, "ami-0abc", aws.ToString(in.ImageId))
	assert.Equal(t, types.InstanceType("t3.micro"), in.InstanceType)
	assert.Equal(t, int32(1), aws.ToInt32(in.MinCount))
	assert.Equal(t, int32(1), aws.ToInt32(in.MaxCount))
	assert.Equal(t, base64.StdEncoding.EncodeToString([]byte("#cloud-config")), aws.ToString(in.UserData))

	status, err := client.VMStatus(ctx, "worker-1")
	require.NoError(t, err)
	assert.Equal(t, instance.StatusStarting, status)
}

func TestCreateVMFailure(t *testing.T) {
	api := newFakeEC2()
	api.runErr = errors.New("InsufficientInstanceCapacity")
	client := NewWithAPI(api, "t3.micro")

	err := client.CreateVM(context.Background(), testImage(), "worker-1", nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "InsufficientInstanceCapacity")
}

func TestListImageInstances(t *testing.T) {
	api := newFakeEC2()
	api.add("worker-1", "ami-0abc", types.InstanceStateNameRunning)
	api.add("worker-2", "ami-0abc", types.InstanceStateNameStopped)
	api.add("worker-3", "ami-0abc", types.InstanceStateNameTerminated)
	api.add("other-1", "ami-other", types.InstanceStateNameRunning)
	api.add("db-primary", "", types.InstanceStateNameRunning)
	client := NewWithAPI(api, "t3.micro")

	got, err := client.ListImageInstances(context.Background(), testImage())
	require.NoError(t, err)
	assert.Equal(t, map[string]pool.ExternalInstance{
		"worker-1": {Name: "worker-1", Status: instance.StatusRunning},
		"worker-2": {Name: "worker-2", Status: instance.StatusStopped},
	}, got)

	pinned := pool.ImageDetails{SourceID: "db-primary", UseOriginal: true}
	got, err = client.ListImageInstances(context.Background(), pinned)
	require.NoError(t, err)
	assert.Equal(t, map[string]pool.ExternalInstance{
		"db-primary": {Name: "db-primary", Status: instance.StatusRunning},
	}, got)
}

func TestDeleteMissingInstanceSucceeds(t *testing.T) {
	client := NewWithAPI(newFakeEC2(), "t3.micro")

	require.NoError(t, client.DeleteVM(context.Background(), "worker-404"))

	handle, err := client.Begin(context.Background(), pool.OpDelete, "worker-404")
	require.NoError(t, err)
	assert.Empty(t, handle)
}

func TestOperationsOnMissingInstance(t *testing.T) {
	client := NewWithAPI(newFakeEC2(), "t3.micro")

	err := client.StopVM(context.Background(), "db-primary")
	require.ErrorIs(t, err, ErrInstanceNotFound)

	_, err = client.VMStatus(context.Background(), "db-primary")
	require.ErrorIs(t, err, ErrInstanceNotFound)

	err = client.RestartVM(context.Background(), "db-primary")
	require.ErrorIs(t, err, ErrInstanceNotFound)
}

func TestBeginAndCheckDelete(t *testing.T) {
	ctx := context.Background()
	api := newFakeEC2()
	id := api.add("worker-1", "ami-0abc", types.InstanceStateNameRunning)
	client := NewWithAPI(api, "t3.micro")

	handle, err := client.Begin(ctx, pool.OpDelete, "worker-1")
	require.NoError(t, err)
	assert.Equal(t, "delete:"+id, handle)

	result, err := client.CheckAction(ctx, handle)
	require.NoError(t, err)
	assert.Equal(t, actions.StatePending, result.State)

	api.setState(id, types.InstanceStateNameTerminated)
	result, err = client.CheckAction(ctx, handle)
	require.NoError(t, err)
	assert.Equal(t, actions.StateFinished, result.State)

	api.mu.Lock()
	delete(api.instances, id)
	api.mu.Unlock()
	result, err = client.CheckAction(ctx, handle)
	require.NoError(t, err)
	assert.Equal(t, actions.StateFinished, result.State, "a vanished instance is deleted")
}

func TestBeginAndCheckStopStart(t *testing.T) {
	ctx := context.Background()
	api := newFakeEC2()
	id := api.add("db-primary", "", types.InstanceStateNameRunning)
	client := NewWithAPI(api, "t3.micro")

	handle, err := client.Begin(ctx, pool.OpStop, "db-primary")
	require.NoError(t, err)
	assert.Equal(t, types.InstanceStateNameStopping, api.state(id))

	result, err := client.CheckAction(ctx, handle)
	require.NoError(t, err)
	assert.Equal(t, actions.StatePending, result.State)

	api.setState(id, types.InstanceStateNameStopped)
	result, err = client.CheckAction(ctx, handle)
	require.NoError(t, err)
	assert.Equal(t, actions.StateFinished, result.State)

	handle, err = client.Begin(ctx, pool.OpStart, "db-primary")
	require.NoError(t, err)
	assert.Equal(t, "start:"+id, handle)

	api.setState(id, types.InstanceStateNameTerminated)
	result, err = client.CheckAction(ctx, handle)
	require.NoError(t, err)
	assert.Equal(t, actions.StateFailed, result.State)
	assert.Contains(t, result.Detail, "terminated")
}

func TestBeginOperationFailure(t *testing.T) {
	api := newFakeEC2()
	api.add("db-primary", "", types.InstanceStateNameRunning)
	api.stopErr = errors.New("UnauthorizedOperation")
	client := NewWithAPI(api, "t3.micro")

	_, err := client.Begin(context.Background(), pool.OpStop, "db-primary")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to stop instance")
}

func TestCheckActionMalformedHandle(t *testing.T) {
	client := NewWithAPI(newFakeEC2(), "t3.micro")

	_, err := client.CheckAction(context.Background(), "no-separator")
	require.Error(t, err)
}

func TestProgress(t *testing.T) {
	tests := []struct {
		op    pool.Op
		state types.InstanceStateName
		want  actions.State
	}{
		{pool.OpDelete, types.InstanceStateNameShuttingDown, actions.StatePending},
		{pool.OpDelete, types.InstanceStateNameTerminated, actions.StateFinished},
		{pool.OpStop, types.InstanceStateNameRunning, actions.StatePending},
		{pool.OpStop, types.InstanceStateNameStopped, actions.StateFinished},
		{pool.OpStop, types.InstanceStateNameTerminated, actions.StateFailed},
		{pool.OpStart, types.InstanceStateNameStopped, actions.StatePending},
		{pool.OpStart, types.InstanceStateNameRunning, actions.StateFinished},
		{pool.OpStart, types.InstanceStateNameShuttingDown, actions.StateFailed},
		{pool.Op("resize"), types.InstanceStateNameRunning, actions.StateFailed},
	}

	for _, tt := range tests {
		t.Run(fmt.Sprintf("%s/%s", tt.op, tt.state), func(t *testing.T) {
			assert.Equal(t, tt.want, progress(tt.op, tt.state).State)
		})
	}
}

func TestDeleteVMWaitsForTermination(t *testing.T) {
	ctx := context.Background()
	api := newFakeEC2()
	api.settle = true
	id := api.add("worker-1", "ami-0abc", types.InstanceStateNameRunning)
	client := newFastClient(api)

	image := testImage()
	image.Credentials = pool.Credentials{AccessKeyID: "AKIATEST", SecretAccessKey: "secret"}
	reg, err := pool.New(ctx, pool.Config{
		Image:    image,
		Provider: client,
		IDs:      pool.IDFunc(func(context.Context) (int64, error) { return 2, nil }),
	})
	require.NoError(t, err)
	require.Equal(t, 1, reg.Len())

	require.NoError(t, reg.TerminateInstance(ctx, "worker-1"))
	assert.Equal(t, types.InstanceStateNameTerminated, api.state(id))
	assert.Equal(t, 0, reg.Len())

	result, err := pool.Reconcile(ctx, reg)
	require.NoError(t, err)
	assert.Empty(t, result.Added)
	assert.Equal(t, 0, reg.Len(), "a terminated instance is not adopted again")
	assert.True(t, reg.CanStartNewInstance())
}

func TestStopAndStartVMWaitForTargetState(t *testing.T) {
	ctx := context.Background()
	api := newFakeEC2()
	api.settle = true
	id := api.add("db-primary", "", types.InstanceStateNameRunning)
	client := newFastClient(api)

	require.NoError(t, client.StopVM(ctx, "db-primary"))
	assert.Equal(t, types.InstanceStateNameStopped, api.state(id))

	require.NoError(t, client.StartVM(ctx, "db-primary"))
	assert.Equal(t, types.InstanceStateNameRunning, api.state(id))

	status, err := client.VMStatus(ctx, "db-primary")
	require.NoError(t, err)
	assert.Equal(t, instance.StatusRunning, status)
}

func TestStopVMWaitIsBoundedByContext(t *testing.T) {
	api := newFakeEC2()
	id := api.add("db-primary", "", types.InstanceStateNameRunning)
	client := newFastClient(api)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	err := client.StopVM(ctx, "db-primary")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "waiting for stop")
	assert.Equal(t, types.InstanceStateNameStopping, api.state(id))
}
