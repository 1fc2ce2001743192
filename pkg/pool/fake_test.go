package pool

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fly-io/vmpool/pkg/actions"
	"github.com/fly-io/vmpool/pkg/instance"
)

var errBoom = errors.New("boom")

type fakeVM struct {
	image  string
	status instance.Status
}

// fakeProvider is an in-memory cloud. It implements both Provider and AsyncProvider.
type fakeProvider struct {
	mu sync.Mutex

	vms map[string]fakeVM

	listErr    error
	createErr  error
	deleteErr  error
	startErr   error
	stopErr    error
	restartErr error
	statusErr  error
	beginErr   error

	// inline makes Begin report operations as already complete
	inline  bool
	results map[string]actions.Result

	calls []string
}

func newFakeProvider() *fakeProvider {
	return &fakeProvider{
		vms:     make(map[string]fakeVM),
		results: make(map[string]actions.Result),
	}
}

func (f *fakeProvider) addVM(name, image string, status instance.Status) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.vms[name] = fakeVM{image: image, status: status}
}

func (f *fakeProvider) setStatus(name string, status instance.Status) {
	f.mu.Lock()
	defer f.mu.Unlock()
	vm := f.vms[name]
	vm.status = status
	f.vms[name] = vm
}

func (f *fakeProvider) record(call string) {
	f.calls = append(f.calls, call)
}

func (f *fakeProvider) Calls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

func (f *fakeProvider) ListImageInstances(_ context.Context, image ImageDetails) (map[string]ExternalInstance, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.listErr != nil {
		return nil, f.listErr
	}
	out := make(map[string]ExternalInstance)
	for name, vm := range f.vms {
		if image.UseOriginal && name != image.SourceID {
			continue
		}
		if !image.UseOriginal && vm.image != image.SourceID {
			continue
		}
		out[name] = ExternalInstance{Name: name, Status: vm.status}
	}
	return out, nil
}

func (f *fakeProvider) CreateVM(_ context.Context, image ImageDetails, name string, _ []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.record("create " + name)
	if f.createErr != nil {
		return f.createErr
	}
	f.vms[name] = fakeVM{image: image.SourceID, status: instance.StatusRunning}
	return nil
}

func (f *fakeProvider) DeleteVM(_ context.Context, name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.record("delete " + name)
	if f.deleteErr != nil {
		return f.deleteErr
	}
	delete(f.vms, name)
	return nil
}

func (f *fakeProvider) StartVM(_ context.Context, name string) error {
	return f.transition("start", name, f.startErr, instance.StatusRunning)
}

func (f *fakeProvider) StopVM(_ context.Context, name string) error {
	return f.transition("stop", name, f.stopErr, instance.StatusStopped)
}

func (f *fakeProvider) RestartVM(_ context.Context, name string) error {
	return f.transition("restart", name, f.restartErr, instance.StatusRunning)
}

func (f *fakeProvider) transition(op, name string, failure error, to instance.Status) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.record(op + " " + name)
	if failure != nil {
		return failure
	}
	vm, ok := f.vms[name]
	if !ok {
		return fmt.Errorf("vm %s not found", name)
	}
	vm.status = to
	f.vms[name] = vm
	return nil
}

func (f *fakeProvider) VMStatus(_ context.Context, name string) (instance.Status, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.statusErr != nil {
		return instance.StatusUnknown, f.statusErr
	}
	vm, ok := f.vms[name]
	if !ok {
		return instance.StatusUnknown, fmt.Errorf("vm %s not found", name)
	}
	return vm.status, nil
}

func (f *fakeProvider) Begin(_ context.Context, op Op, name string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.record("begin " + string(op) + " " + name)
	if f.beginErr != nil {
		return "", f.beginErr
	}
	if f.inline {
		return "", nil
	}
	handle := fmt.Sprintf("%s:%s", op, name)
	f.results[handle] = actions.Pending()
	return handle, nil
}

func (f *fakeProvider) CheckAction(_ context.Context, handle string) (actions.Result, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	result, ok := f.results[handle]
	if !ok {
		return actions.Result{}, fmt.Errorf("unknown handle %s", handle)
	}
	return result, nil
}

func (f *fakeProvider) resolve(handle string, result actions.Result) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.results[handle] = result
}

// syncProvider hides the AsyncProvider methods of the wrapped provider
type syncProvider struct {
	Provider
}

type fakeJournal struct {
	mu          sync.Mutex
	transitions []Transition
	err         error
}

func (j *fakeJournal) RecordTransition(_ context.Context, t Transition) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.err != nil {
		return j.err
	}
	j.transitions = append(j.transitions, t)
	return nil
}

func (j *fakeJournal) Transitions() []Transition {
	j.mu.Lock()
	defer j.mu.Unlock()
	return append([]Transition(nil), j.transitions...)
}

func sequentialIDs() IDProvider {
	var next atomic.Int64
	return IDFunc(func(context.Context) (int64, error) {
		return next.Add(1), nil
	})
}

func poolImage(max int) ImageDetails {
	return ImageDetails{
		SourceID:      "ami-0abc",
		MaxInstances:  max,
		NamePrefix:    "worker",
		ResourceGroup: "rg-test",
		Credentials:   Credentials{AccessKeyID: "AKIATEST", SecretAccessKey: "secret"},
	}
}

func pinnedImage(name string) ImageDetails {
	return ImageDetails{
		SourceID:      name,
		UseOriginal:   true,
		ResourceGroup: "rg-test",
		Credentials:   Credentials{AccessKeyID: "AKIATEST", SecretAccessKey: "secret"},
	}
}

var fixedNow = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

func testConfig(image ImageDetails, provider Provider) Config {
	return Config{
		Image:    image,
		Provider: provider,
		IDs:      sequentialIDs(),
		Now:      func() time.Time { return fixedNow },
	}
}

func instanceIDs(list []instance.Instance) []string {
	out := make([]string, 0, len(list))
	for _, inst := range list {
		out = append(out, inst.ID)
	}
	sort.Strings(out)
	return out
}
