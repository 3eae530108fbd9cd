package driver

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/AGPFMiner/progminer/cu"
	"github.com/AGPFMiner/progminer/types"
	"github.com/ethereum/go-ethereum/common"
)

// In-memory stand-ins for the accelerator API and the math library. The
// stream fakes record the pipelining contract: launching on a stream that
// still has a launch in flight bumps the stream's overlap counter.

type fakeAPI struct {
	mu      sync.Mutex
	props   map[int]cu.DeviceProps
	devices map[int]*fakeDevice

	// kernel, when set, is what every loaded module resolves to, so tests
	// can hook launches regardless of which device compiled.
	kernel *fakeKernel
}

func newFakeAPI(mem uint64, count int) *fakeAPI {
	a := &fakeAPI{props: make(map[int]cu.DeviceProps), devices: make(map[int]*fakeDevice)}
	for i := 0; i < count; i++ {
		a.props[i] = cu.DeviceProps{Name: fmt.Sprintf("FakeGPU-%d", i), Major: 6, Minor: 1, TotalGlobalMem: mem}
	}
	return a
}

func (a *fakeAPI) DeviceCount() (int, error) { return len(a.props), nil }

func (a *fakeAPI) DeviceProps(device int) (cu.DeviceProps, error) {
	return a.props[device], nil
}

func (a *fakeAPI) OpenDevice(device int, scheduleFlag uint) (cu.Device, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	dev := &fakeDevice{props: a.props[device], memory: make(map[cu.DevicePtr][]byte), kernel: a.kernel}
	a.devices[device] = dev
	return dev, nil
}

type fakeDevice struct {
	mu     sync.Mutex
	props  cu.DeviceProps
	nextPtr cu.DevicePtr
	memory map[cu.DevicePtr][]byte

	resets       int32
	dagGenerated int32
	htodCopies   [][2]interface{} // (ptr, len) pairs in copy order
	streams      []*fakeStream
	buffers      []*fakeBuffer
	loadedPTX    []byte
	kernel       *fakeKernel
}

func (d *fakeDevice) Props() cu.DeviceProps { return d.props }

func (d *fakeDevice) Reset() error {
	atomic.AddInt32(&d.resets, 1)
	return nil
}

func (d *fakeDevice) MallocDevice(bytes uint64) (cu.DevicePtr, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.nextPtr++
	d.memory[d.nextPtr] = make([]byte, bytes)
	return d.nextPtr, nil
}

func (d *fakeDevice) MemcpyHtoD(dst cu.DevicePtr, src []byte) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	copy(d.memory[dst], src)
	d.htodCopies = append(d.htodCopies, [2]interface{}{dst, len(src)})
	return nil
}

func (d *fakeDevice) MemcpyDtoH(dst []byte, src cu.DevicePtr) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	copy(dst, d.memory[src])
	return nil
}

func (d *fakeDevice) MallocResultBuffer() (cu.ResultBuffer, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	buf := &fakeBuffer{}
	d.buffers = append(d.buffers, buf)
	return buf, nil
}

func (d *fakeDevice) CreateStream() (cu.Stream, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	s := &fakeStream{id: len(d.streams)}
	d.streams = append(d.streams, s)
	return s, nil
}

func (d *fakeDevice) Synchronize() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, s := range d.streams {
		atomic.StoreInt32(&s.inFlight, 0)
	}
	return nil
}

func (d *fakeDevice) GenerateDAG(dag cu.DevicePtr, dagBytes uint64, light cu.DevicePtr,
	lightWords, gridSize, blockSize uint32, stream cu.Stream) error {
	atomic.AddInt32(&d.dagGenerated, 1)
	d.mu.Lock()
	defer d.mu.Unlock()
	// deterministic pattern so host round-trips are checkable
	mem := d.memory[dag]
	for i := range mem {
		mem[i] = byte(i * 7)
	}
	return nil
}

func (d *fakeDevice) LoadModule(ptx []byte) (cu.Module, error) {
	d.mu.Lock()
	d.loadedPTX = ptx
	d.mu.Unlock()
	return &fakeModule{kernel: d.kernel}, nil
}

type fakeBuffer struct {
	data cu.SearchResults
}

func (b *fakeBuffer) Data() *cu.SearchResults { return &b.data }

type fakeStream struct {
	id       int
	inFlight int32
	syncs    int32
	onSync   func(n int32)
	overlap  int32
}

func (s *fakeStream) Synchronize() error {
	atomic.StoreInt32(&s.inFlight, 0)
	n := atomic.AddInt32(&s.syncs, 1)
	if s.onSync != nil {
		s.onSync(n)
	}
	return nil
}

func (s *fakeStream) launch() {
	if atomic.AddInt32(&s.inFlight, 1) > 1 {
		atomic.AddInt32(&s.overlap, 1)
	}
}

type fakeModule struct {
	kernel *fakeKernel
}

func (m *fakeModule) Function(name string) (cu.Kernel, error) {
	if name != loweredSearchName {
		return nil, fmt.Errorf("unknown kernel symbol %q", name)
	}
	if m.kernel != nil {
		return m.kernel, nil
	}
	return &fakeKernel{}, nil
}

const loweredSearchName = "_Z14progpow_searchy7hash32_tyPK9dag_tP14search_resultsb"

type fakeKernel struct {
	mu       sync.Mutex
	launches []cu.LaunchArgs
	onLaunch func(n int, args cu.LaunchArgs)
}

func (k *fakeKernel) Launch(gridDim, blockDim uint32, stream cu.Stream, args cu.LaunchArgs) error {
	if fs, ok := stream.(*fakeStream); ok {
		fs.launch()
	}
	k.mu.Lock()
	k.launches = append(k.launches, args)
	n := len(k.launches)
	hook := k.onLaunch
	k.mu.Unlock()
	if hook != nil {
		hook(n, args)
	}
	return nil
}

func (k *fakeKernel) launchCount() int {
	k.mu.Lock()
	defer k.mu.Unlock()
	return len(k.launches)
}

type fakeToolchain struct {
	mu       sync.Mutex
	compiles []cu.CompileOptions
	sources  []string
}

func (tc *fakeToolchain) Compile(src string, opts cu.CompileOptions) (cu.CompileResult, error) {
	tc.mu.Lock()
	defer tc.mu.Unlock()
	tc.compiles = append(tc.compiles, opts)
	tc.sources = append(tc.sources, src)
	return cu.CompileResult{PTX: []byte("ptx"), Log: "ok", LoweredName: loweredSearchName}, nil
}

type fakeAux struct {
	dagSize   uint64
	cacheSize int
	evalFn    func(nonce uint64) (mix, value common.Hash)
}

func (a *fakeAux) LightCacheOfEpoch(epoch int) ([]byte, error) {
	size := a.cacheSize
	if size == 0 {
		size = 4096
	}
	cache := make([]byte, size)
	for i := range cache {
		cache[i] = byte(epoch)
	}
	return cache, nil
}

func (a *fakeAux) DagSizeOfHeight(height uint64) uint64 {
	if a.dagSize == 0 {
		return 1 << 20
	}
	return a.dagSize
}

func (a *fakeAux) Eval(epoch int, header common.Hash, nonce uint64) (common.Hash, common.Hash, error) {
	if a.evalFn != nil {
		mix, value := a.evalFn(nonce)
		return mix, value, nil
	}
	var worst common.Hash
	for i := range worst {
		worst[i] = 0xff
	}
	return common.Hash{}, worst, nil
}

func (a *fakeAux) KernelSource(height uint64) (string, error) {
	return fmt.Sprintf("// period %d\n", height/types.ProgPowPeriod), nil
}

type fakeFarm struct {
	work atomic.Value

	mu          sync.Mutex
	submissions []types.Solution
	failed      int32
}

func (f *fakeFarm) SetWork(w types.WorkPackage) { f.work.Store(w) }

func (f *fakeFarm) Work() types.WorkPackage {
	if w, ok := f.work.Load().(types.WorkPackage); ok {
		return w
	}
	return types.WorkPackage{}
}

func (f *fakeFarm) SubmitProof(sol types.Solution) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.submissions = append(f.submissions, sol)
}

func (f *fakeFarm) FailedSolution() {
	atomic.AddInt32(&f.failed, 1)
}

func (f *fakeFarm) solutions() []types.Solution {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]types.Solution, len(f.submissions))
	copy(out, f.submissions)
	return out
}
