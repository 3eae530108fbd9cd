package miner

import (
	j "encoding/json"
	"fmt"
	"net/http"
	"os"
	"os/exec"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/AGPFMiner/progminer/clients"
	"github.com/AGPFMiner/progminer/clients/stratum"
	"github.com/AGPFMiner/progminer/cu"
	"github.com/AGPFMiner/progminer/driver"
	"github.com/AGPFMiner/progminer/ethash"
	"github.com/AGPFMiner/progminer/mining"
	"github.com/AGPFMiner/progminer/types"
	"github.com/ethereum/go-ethereum/common/hexutil"

	"github.com/gorilla/mux"
	"github.com/gorilla/rpc"
	"github.com/gorilla/rpc/json"
	"github.com/jasonlvhit/gocron"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var atom = zap.NewAtomicLevel()
var logger *zap.Logger

func selectZapLevel(loglevel string) zapcore.Level {
	var level zapcore.Level
	switch loglevel {
	case "debug":
		level = zap.DebugLevel
	case "info":
		level = zap.InfoLevel
	case "error":
		level = zap.ErrorLevel
	default:
		level = zap.InfoLevel
	}
	return level
}

func initLogger(loglevel string) *zap.Logger {
	level := selectZapLevel(loglevel)
	encoderCfg := zap.NewProductionEncoderConfig()
	logger = zap.New(zapcore.NewCore(
		zapcore.NewJSONEncoder(encoderCfg),
		zapcore.Lock(os.Stdout),
		atom,
	))
	defer logger.Sync()
	atom.SetLevel(level)
	return logger
}

const (
	hashrateTickSeconds = 5
	reconnectDelay      = 5 * time.Second
	failoverThreshold   = 3
)

//Deps are the native collaborators a build provides: the accelerator API,
// the JIT toolchain, the ProgPoW math library and the runtime kernel text.
type Deps struct {
	API           cu.API
	Toolchain     cu.Toolchain
	Aux           ethash.Auxiliary
	RuntimeKernel []byte
}

//Miner do everything
type Miner struct {
	Pools []types.Endpoint

	Devices         []int
	BlockSize       uint
	GridSize        uint
	Streams         uint
	DagLoadMode     string
	DagCreateDevice int
	NoEval          bool
	ExitOnError     bool

	WorkTimeout    int64
	ReportHashrate bool

	WebEnable bool
	WebListen string

	RebootScript string
	LogLevel     string
	Version      string

	deps Deps
	farm *mining.Farm

	mu        sync.Mutex
	activeIdx int
	stopSig   chan bool
	failures  int32
	switches  int32
}

func (m *Miner) buildClient(ep types.Endpoint) clients.PoolClient {
	client := stratum.NewEthStratumClient(ep, stratum.Config{
		WorkTimeout:    time.Duration(m.WorkTimeout) * time.Second,
		SubmitHashrate: m.ReportHashrate,
		Version:        m.Version,
		Logger:         logger,
	})
	client.SetWorkReceivedCall(m.farm.SetWork)
	client.SetSolutionAcceptedCall(m.farm.SolutionAccepted)
	client.SetSolutionRejectedCall(m.farm.SolutionRejected)
	return client
}

//runPool owns the single active pool with failover: reconnect the active
// endpoint on loss, rotate to the next one after repeated failures.
func (m *Miner) runPool() {
	for {
		m.mu.Lock()
		ep := m.Pools[m.activeIdx]
		m.mu.Unlock()

		disc := make(chan struct{}, 1)
		client := m.buildClient(ep)
		client.SetConnectedCall(func() {
			atomic.StoreInt32(&m.failures, 0)
			logger.Info("Connected to pool", zap.String("pool", ep.Addr()))
		})
		client.SetDisconnectedCall(func() {
			select {
			case disc <- struct{}{}:
			default:
			}
		})
		m.farm.SetClient(client)
		client.Connect()

		select {
		case <-disc:
			client.Disconnect()
			if atomic.AddInt32(&m.failures, 1) >= failoverThreshold && len(m.Pools) > 1 {
				atomic.StoreInt32(&m.failures, 0)
				atomic.AddInt32(&m.switches, 1)
				m.mu.Lock()
				m.activeIdx = (m.activeIdx + 1) % len(m.Pools)
				next := m.Pools[m.activeIdx]
				m.mu.Unlock()
				logger.Warn("Failing over to next pool", zap.String("pool", next.Addr()))
			}
			time.Sleep(reconnectDelay)
		case <-m.stopSig:
			client.Disconnect()
			return
		}
	}
}

func (m *Miner) collectAndReport() {
	rate := m.farm.CollectHashRate()
	if client := m.farm.Client(); client != nil && m.ReportHashrate {
		client.SubmitHashrate(hexutil.EncodeUint64(uint64(rate)))
	}
}

//MinerMain starts the miner
func (m *Miner) MinerMain(deps Deps) error {
	logger := initLogger(m.LogLevel)
	m.deps = deps
	m.stopSig = make(chan bool)

	if deps.API == nil || deps.Toolchain == nil || deps.Aux == nil {
		return fmt.Errorf("this build carries no accelerator backend; rebuild with one registered")
	}
	if len(m.Pools) == 0 {
		return fmt.Errorf("no pools configured")
	}

	devices := m.Devices
	if len(devices) == 0 {
		count, err := deps.API.DeviceCount()
		if err != nil {
			return err
		}
		for i := 0; i < count; i++ {
			devices = append(devices, i)
		}
	}
	if len(devices) == 0 {
		return fmt.Errorf("no mining devices found")
	}
	if len(devices) > ethash.MaxMiners {
		devices = devices[:ethash.MaxMiners]
	}

	m.farm = mining.NewFarm(nil, logger)
	dagctl := driver.NewDagCoordinator(
		driver.ParseDagLoadMode(m.DagLoadMode), m.DagCreateDevice, len(devices), logger)
	cfg := driver.Config{
		BlockSize:   uint32(m.BlockSize),
		GridSize:    uint32(m.GridSize),
		NumStreams:  uint32(m.Streams),
		NoEval:      m.NoEval,
		ExitOnError: m.ExitOnError,
	}
	for i, dev := range devices {
		worker := driver.NewCUDAMiner(
			mining.WorkerArgs{Index: i, Device: dev, Logger: logger},
			m.farm, deps.API, deps.Aux, deps.Toolchain, deps.RuntimeKernel, dagctl, cfg)
		m.farm.AddWorker(worker)
	}

	go m.runPool()
	m.farm.Start()

	gocron.Every(hashrateTickSeconds).Seconds().Do(m.collectAndReport)
	go func() { <-gocron.Start() }()

	if !m.WebEnable {
		select {}
	}

	s := rpc.NewServer()
	s.RegisterCodec(json.NewCodec(), "application/json")
	s.RegisterCodec(json.NewCodec(), "application/json;charset=UTF-8")
	s.RegisterService(m, "miner")
	r := mux.NewRouter()
	r.Handle("/rpc", s)
	r.HandleFunc("/progminer/status", m.GetStatus)
	return http.ListenAndServe(m.WebListen, r)
}

//Stop winds the farm and the pool loop down.
func (m *Miner) Stop() {
	close(m.stopSig)
	m.farm.Stop()
	gocron.Clear()
}

type MinerRPCArgs struct {
	Who string
}

type Stat1Reply struct {
	Result []string
}

//GetStat1 renders the Claymore-compatible single-call statistics array.
func (m *Miner) GetStat1(r *http.Request, args *MinerRPCArgs, reply *Stat1Reply) error {
	stats := m.farm.Stats()
	accepted, rejected, _, _ := m.farm.Counters()

	rates := make([]string, 0, len(stats.DeviceRates))
	total := 0.0
	for _, dr := range stats.DeviceRates {
		rates = append(rates, fmt.Sprintf("%.0f", dr/1000))
		total += dr
	}

	m.mu.Lock()
	pool := m.Pools[m.activeIdx].Addr()
	m.mu.Unlock()

	reply.Result = []string{
		m.Version,
		fmt.Sprintf("%d", stats.UptimeSeconds/60),
		fmt.Sprintf("%.0f;%d;%d", total/1000, accepted, rejected),
		strings.Join(rates, ";"),
		"0;0;0",
		"off",
		"", // temperatures and fan speeds come from the external monitor
		pool,
		fmt.Sprintf("%d;%d;0;0", rejected, atomic.LoadInt32(&m.switches)),
	}
	return nil
}

type StatHRReply struct {
	Farm     types.FarmStates `json:"farm"`
	Accepted int32            `json:"accepted"`
	Rejected int32            `json:"rejected"`
	Failed   int32            `json:"failed"`
	Stale    int32            `json:"stale"`
}

func (m *Miner) GetStatHR(r *http.Request, args *MinerRPCArgs, reply *StatHRReply) error {
	reply.Farm = m.farm.Stats()
	reply.Accepted, reply.Rejected, reply.Failed, reply.Stale = m.farm.Counters()
	if client := m.farm.Client(); client != nil {
		pool := client.GetPoolStats()
		reply.Farm.Pool = &pool
	}
	return nil
}

type CtrlReply struct {
	OK bool
}

//Restart tears the workers down and brings them back up on the same pools.
func (m *Miner) Restart(r *http.Request, args *MinerRPCArgs, reply *CtrlReply) error {
	logger.Info("Miner restart requested")
	m.farm.Stop()
	m.farm.Start()
	reply.OK = true
	return nil
}

//Reboot runs the operator-configured reboot hook, if any.
func (m *Miner) Reboot(r *http.Request, args *MinerRPCArgs, reply *CtrlReply) error {
	if m.RebootScript == "" {
		return fmt.Errorf("no reboot script configured")
	}
	logger.Warn("Reboot requested", zap.String("script", m.RebootScript))
	reply.OK = true
	return exec.Command(m.RebootScript).Start()
}

func (m *Miner) GetStatus(w http.ResponseWriter, r *http.Request) {
	var reply StatHRReply
	m.GetStatHR(r, nil, &reply)
	w.Header().Set("Content-Type", "application/json")
	j.NewEncoder(w).Encode(&reply)
}

//Reload applies a changed configuration: log level immediately, pool list
// by restarting the pool loop.
func (m *Miner) Reload() {
	loglvl := selectZapLevel(m.LogLevel)
	atom.SetLevel(loglvl)
	if m.farm == nil {
		return
	}
	logger.Info("Reloading miner")

	m.mu.Lock()
	m.activeIdx = 0
	m.mu.Unlock()
	if client := m.farm.Client(); client != nil {
		client.Disconnect()
	}
}
