package driver

import (
	"math/rand"
	"sync/atomic"
	"time"

	"github.com/AGPFMiner/progminer/cu"
	"github.com/AGPFMiner/progminer/ethash"
	"github.com/AGPFMiner/progminer/mining"
	"github.com/AGPFMiner/progminer/types"
	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	pkgerrors "github.com/pkg/errors"
	"go.uber.org/zap"
)

const (
	defaultBlockSize  = 512
	defaultGridSize   = 1024
	defaultNumStreams = 2

	// lightNodeBytes is the node granularity of the light cache.
	lightNodeBytes = 64

	noWorkPollDelay = 100 * time.Millisecond
)

//Config carries the per-farm device settings; no process-wide mutables.
type Config struct {
	BlockSize    uint32
	GridSize     uint32
	NumStreams   uint32
	ScheduleFlag uint
	NoEval       bool
	ExitOnError  bool
}

//Normalize fills defaults and rounds the block size up to a multiple of 8.
func (c *Config) Normalize() {
	if c.BlockSize == 0 {
		c.BlockSize = defaultBlockSize
	}
	c.BlockSize = ((c.BlockSize + 7) / 8) * 8
	if c.GridSize == 0 {
		c.GridSize = defaultGridSize
	}
	if c.NumStreams == 0 {
		c.NumStreams = defaultNumStreams
	}
}

//CUDAMiner drives one GPU: it owns the device context (cache, DAG, result
// buffers, streams, compiled kernel) and runs the pipelined search loop.
type CUDAMiner struct {
	index    int
	deviceID int

	farm      mining.FarmFace
	api       cu.API
	aux       ethash.Auxiliary
	builder   *kernelBuilder
	dagctl    *DagCoordinator
	cfg       Config
	logger    *zap.Logger

	dev       cu.Device
	searchBuf []cu.ResultBuffer
	streams   []cu.Stream
	kernel    cu.Kernel
	dagPtr    cu.DevicePtr
	dagBytes  uint64

	currentEpoch int

	currentHeader common.Hash
	currentTarget uint64
	currentNonce  uint64
	startingNonce uint64
	currentIndex  uint32

	hashCount uint64
	newWork   int32
	stopFlag  int32
	done      chan struct{}
}

//NewCUDAMiner wires one worker to its device and collaborators.
func NewCUDAMiner(args mining.WorkerArgs, farm mining.FarmFace, api cu.API,
	aux ethash.Auxiliary, toolchain cu.Toolchain, runtimeKernel []byte,
	dagctl *DagCoordinator, cfg Config) *CUDAMiner {

	cfg.Normalize()
	logger := args.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.With(zap.Int("miner", args.Index), zap.Int("device", args.Device))
	return &CUDAMiner{
		index:        args.Index,
		deviceID:     args.Device,
		farm:         farm,
		api:          api,
		aux:          aux,
		builder:      &kernelBuilder{aux: aux, toolchain: toolchain, runtime: runtimeKernel, logger: logger},
		dagctl:       dagctl,
		cfg:          cfg,
		logger:       logger,
		currentEpoch: -1,
		done:         make(chan struct{}),
	}
}

func (m *CUDAMiner) Index() int { return m.index }

func (m *CUDAMiner) HashCount() uint64 {
	return atomic.LoadUint64(&m.hashCount)
}

//Kick invalidates the current batch; the in-flight kernel still runs to
// completion and the loop exits after its drain.
func (m *CUDAMiner) Kick() {
	atomic.StoreInt32(&m.newWork, 1)
}

func (m *CUDAMiner) Start() {
	// a worker brought back up after Stop needs a clear flag and fresh done
	atomic.StoreInt32(&m.stopFlag, 0)
	m.done = make(chan struct{})
	go m.workLoop()
}

//Stop signals shutdown and waits for the loop to reset the device.
func (m *CUDAMiner) Stop() {
	atomic.StoreInt32(&m.stopFlag, 1)
	m.Kick()
	<-m.done
}

func (m *CUDAMiner) shouldStop() bool {
	return atomic.LoadInt32(&m.stopFlag) != 0
}

//workLoop is the outer dispatch: poll the farm's published work, reinit the
// device on epoch change, recompile on period change, then search.
func (m *CUDAMiner) workLoop() {
	defer close(m.done)
	defer m.resetDevice()

	// sentinel forcing the first iteration through the reinit branch
	current := types.WorkPackage{Header: common.HexToHash("0x01"), Epoch: -1}
	oldPeriodSeed := ^uint64(0)

	for !m.shouldStop() {
		w := m.farm.Work()
		periodSeed := w.Height / types.ProgPowPeriod

		if current.Header != w.Header || current.Epoch != w.Epoch || oldPeriodSeed != periodSeed {
			if w.Empty() {
				m.logger.Debug("No work")
				time.Sleep(noWorkPollDelay)
				continue
			}
			if current.Epoch != w.Epoch {
				if err := m.initEpoch(&w); err != nil {
					m.fail("Error CUDA mining", err)
					return
				}
			}
			if oldPeriodSeed != periodSeed {
				dagElms := m.aux.DagSizeOfHeight(w.Height) / (ethash.ProgPowLanes * ethash.ProgPowDagLoads * 4)
				kern, err := m.builder.build(m.dev, w.Height, dagElms)
				if err != nil {
					// Not fatal for the worker; warn and poll again.
					m.logger.Warn("Kernel compilation failed", zap.Error(err))
					time.Sleep(noWorkPollDelay)
					continue
				}
				m.kernel = kern
			}
			oldPeriodSeed = periodSeed
			current = w
		}

		upper64 := new(uint256.Int).Rsh(
			new(uint256.Int).SetBytes(current.Boundary[:]), 192).Uint64()
		startN := current.StartNonce
		if current.ExSizeBits >= 0 {
			// supports up to 2^Log2MaxMiners devices on one subscription
			startN = current.StartNonce |
				(uint64(m.index) << (64 - ethash.Log2MaxMiners - uint(current.ExSizeBits)))
		}
		if err := m.search(current.Header, upper64, current.ExSizeBits >= 0, startN, current); err != nil {
			m.fail("Error CUDA mining", err)
			return
		}
	}
}

// fail applies the error policy: fatal device errors abort the process,
// anything else ends the worker (or the process under exit-on-error).
func (m *CUDAMiner) fail(msg string, err error) {
	if cu.IsFatal(err) {
		m.logger.Fatal("Fatal GPU error", zap.Error(err))
	}
	if m.cfg.ExitOnError {
		m.logger.Fatal(msg, zap.Error(err))
	}
	m.logger.Warn(msg, zap.Error(err))
}

func (m *CUDAMiner) resetDevice() {
	if m.dev != nil {
		m.dev.Reset()
		m.dev = nil
		m.searchBuf = nil
		m.streams = nil
		m.kernel = nil
		m.dagPtr = 0
	}
}

//initEpoch rebuilds the device context for a new epoch: light cache, DAG,
// result buffers and streams. The previous context is torn down by a device
// reset first, so the allocations never accumulate across epochs.
func (m *CUDAMiner) initEpoch(w *types.WorkPackage) error {
	m.dagctl.WaitTurn(m.index)

	m.logger.Info("Initialising miner", zap.Int("epoch", w.Epoch))

	dagBytes := m.aux.DagSizeOfHeight(w.Height)
	props, err := m.api.DeviceProps(m.deviceID)
	if err != nil {
		return pkgerrors.Wrap(err, "device properties")
	}
	if props.TotalGlobalMem < dagBytes {
		return pkgerrors.Errorf("device %s has insufficient GPU memory: %d bytes found < %d bytes required",
			props.Name, props.TotalGlobalMem, dagBytes)
	}

	m.resetDevice()
	dev, err := m.api.OpenDevice(m.deviceID, m.cfg.ScheduleFlag)
	if err != nil {
		return pkgerrors.Wrap(err, "open device")
	}
	m.dev = dev
	m.logger.Info("Using device",
		zap.String("name", props.Name),
		zap.String("compute", props.ComputeCapability()))

	cache, err := m.aux.LightCacheOfEpoch(w.Epoch)
	if err != nil {
		return pkgerrors.Wrap(err, "light cache")
	}
	lightPtr, err := dev.MallocDevice(uint64(len(cache)))
	if err != nil {
		return err
	}
	if err := dev.MemcpyHtoD(lightPtr, cache); err != nil {
		return err
	}

	dagPtr, err := dev.MallocDevice(dagBytes)
	if err != nil {
		return err
	}

	m.searchBuf = make([]cu.ResultBuffer, m.cfg.NumStreams)
	m.streams = make([]cu.Stream, m.cfg.NumStreams)
	for i := range m.streams {
		if m.searchBuf[i], err = dev.MallocResultBuffer(); err != nil {
			return err
		}
		if m.streams[i], err = dev.CreateStream(); err != nil {
			return err
		}
	}

	m.currentHeader = common.Hash{}
	m.currentTarget = 0
	m.currentNonce = 0
	m.currentIndex = 0

	// Three ways to fill the DAG: generate locally, generate and share
	// through the host, or wait for the shared copy.
	switch {
	case m.dagctl.GeneratesLocally(m.deviceID):
		m.logger.Info("Generating DAG",
			zap.Uint64("dagBytes", dagBytes),
			zap.Uint32("gridSize", m.cfg.GridSize))
		lightWords := uint32(len(cache) / lightNodeBytes)
		if err := dev.GenerateDAG(dagPtr, dagBytes, lightPtr, lightWords,
			m.cfg.GridSize, m.cfg.BlockSize, m.streams[0]); err != nil {
			return err
		}
		m.logger.Info("Finished DAG")
		if m.dagctl.SharesToHost(m.deviceID) {
			m.logger.Info("Copying DAG to host")
			hostDAG := make([]byte, dagBytes)
			if err := dev.MemcpyDtoH(hostDAG, dagPtr); err != nil {
				return err
			}
			m.dagctl.PublishHostDAG(hostDAG)
		}
	default:
		hostDAG := m.dagctl.AwaitHostDAG()
		m.logger.Info("Copying DAG from host")
		if err := dev.MemcpyHtoD(dagPtr, hostDAG); err != nil {
			return err
		}
	}

	m.dagPtr = dagPtr
	m.dagBytes = dagBytes
	m.currentEpoch = w.Epoch
	m.dagctl.Done(m.index)
	return nil
}

//search enumerates nonces in batches across the stream pipeline until new
// work arrives or the miner stops. Buffer i is only touched once stream i
// has synchronized, and at most NumStreams launches are in flight.
func (m *CUDAMiner) search(header common.Hash, target uint64, ethStratum bool,
	startN uint64, w types.WorkPackage) error {

	initialize := false
	if header != m.currentHeader {
		m.currentHeader = header
		initialize = true
	}
	if target != m.currentTarget {
		m.currentTarget = target
		initialize = true
	}
	if ethStratum {
		if initialize {
			m.startingNonce = 0
			m.currentIndex = 0
			if err := m.resetBuffers(); err != nil {
				return err
			}
		}
		if m.startingNonce != startN {
			m.startingNonce = startN
			m.currentNonce = m.startingNonce
		}
	} else {
		if initialize {
			m.currentNonce = rand.Uint64()
			m.currentIndex = 0
			if err := m.resetBuffers(); err != nil {
				return err
			}
		}
	}

	numStreams := m.cfg.NumStreams
	batchSize := uint64(m.cfg.GridSize) * uint64(m.cfg.BlockSize)
	boundary := new(uint256.Int).SetBytes(w.Boundary[:])

	for {
		m.currentIndex++
		m.currentNonce += batchSize
		streamIndex := m.currentIndex % numStreams
		stream := m.streams[streamIndex]
		buffer := m.searchBuf[streamIndex]

		foundCount := 0
		var nonces [cu.SearchResultEntries]uint64
		var mixes [cu.SearchResultEntries]common.Hash
		nonceBase := m.currentNonce - uint64(numStreams)*batchSize

		if m.currentIndex >= numStreams {
			if err := stream.Synchronize(); err != nil {
				return err
			}
			data := buffer.Data()
			foundCount = int(data.Count)
			if foundCount > 0 {
				data.Count = 0
				if foundCount > cu.SearchResultEntries {
					foundCount = cu.SearchResultEntries
				}
				for j := 0; j < foundCount; j++ {
					nonces[j] = nonceBase + uint64(data.Results[j].Gid)
					if m.cfg.NoEval {
						mixes[j] = mixToHash(data.Results[j].Mix)
					}
				}
			}
		}

		if err := m.kernel.Launch(m.cfg.GridSize, m.cfg.BlockSize, stream, cu.LaunchArgs{
			StartNonce: m.currentNonce,
			Header:     header,
			Target:     target,
			DAG:        m.dagPtr,
			Results:    buffer,
		}); err != nil {
			return err
		}

		if m.currentIndex >= numStreams {
			if foundCount > 0 {
				stale := atomic.LoadInt32(&m.newWork) != 0
				for i := 0; i < foundCount; i++ {
					if m.cfg.NoEval {
						m.farm.SubmitProof(types.Solution{Nonce: nonces[i], MixHash: mixes[i], Work: w, Stale: stale})
						continue
					}
					mix, value, err := m.aux.Eval(w.Epoch, w.Header, nonces[i])
					if err == nil && new(uint256.Int).SetBytes(value[:]).Lt(boundary) {
						m.farm.SubmitProof(types.Solution{Nonce: nonces[i], MixHash: mix, Work: w, Stale: stale})
					} else {
						m.farm.FailedSolution()
						m.logger.Warn("GPU gave incorrect result", zap.Uint64("nonce", nonces[i]))
					}
				}
			}

			atomic.AddUint64(&m.hashCount, batchSize)

			if atomic.CompareAndSwapInt32(&m.newWork, 1, 0) {
				m.logger.Debug("Switching to new work")
				return nil
			}
			if m.shouldStop() {
				atomic.StoreInt32(&m.newWork, 0)
				return nil
			}
		}
	}
}

// resetBuffers waits out all in-flight launches and zeroes every result
// counter, so the restarted pipeline cannot drain stale candidates.
func (m *CUDAMiner) resetBuffers() error {
	if err := m.dev.Synchronize(); err != nil {
		return err
	}
	for _, buf := range m.searchBuf {
		buf.Data().Count = 0
	}
	return nil
}

// mixToHash reassembles the kernel's eight little-endian mix words.
func mixToHash(mix [8]uint32) (h common.Hash) {
	for i, w := range mix {
		h[i*4] = byte(w)
		h[i*4+1] = byte(w >> 8)
		h[i*4+2] = byte(w >> 16)
		h[i*4+3] = byte(w >> 24)
	}
	return
}
