package stratum

import (
	"crypto/rand"
	"encoding/binary"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/AGPFMiner/progminer/clients"
	"github.com/AGPFMiner/progminer/ethash"
	"github.com/AGPFMiner/progminer/types"
	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"
)

const (
	responseTimeout  = 2 * time.Second
	hashrateDebounce = 100 * time.Millisecond
	minimumDiff      = 0.0001
)

// Config carries the knobs the supervisor sets on a pool client.
type Config struct {
	WorkTimeout    time.Duration
	SubmitHashrate bool
	Version        string
	Logger         *zap.Logger
}

// EthStratumClient talks one of the three stratum dialects to a pool. All
// protocol state is confined to a single event goroutine: socket reads,
// timer expiries and public API calls are posted onto the ops queue and run
// there serially, so handler ordering matches a single-threaded reactor.
type EthStratumClient struct {
	clients.BaseClient

	endpoint types.Endpoint
	dialect  types.Dialect
	cfg      Config
	logger   *zap.Logger

	ops chan func()

	conn  net.Conn
	codec *wireCodec

	connected  int32
	authorized int32
	linkGen    uint64 // bumped on every disconnect so stale handlers no-op

	worker string

	current            types.WorkPackage
	nextWorkDifficulty float64
	extraNonce         [8]byte
	extraNonceHexSize  int
	responsePending    bool
	stale              bool

	pendingMu    sync.Mutex
	pendingReads int

	workTimer     *time.Timer
	responseTimer *time.Timer
	hashrateTimer *time.Timer
	rate          string
	hashrateID    string

	accept, reject, staleShares int32
	lastAccept                  int64
}

// NewEthStratumClient builds a client for one endpoint. Connect starts it.
func NewEthStratumClient(ep types.Endpoint, cfg Config) *EthStratumClient {
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	if cfg.WorkTimeout == 0 {
		cfg.WorkTimeout = 180 * time.Second
	}
	var id [32]byte
	rand.Read(id[:])
	c := &EthStratumClient{
		endpoint:           ep,
		dialect:            ep.Dialect(),
		cfg:                cfg,
		logger:             cfg.Logger.With(zap.String("pool", ep.Addr()), zap.String("dialect", ep.Dialect().String())),
		ops:                make(chan func(), 64),
		nextWorkDifficulty: 1,
		hashrateID:         hex.EncodeToString(id[:]),
	}
	go c.loop()
	return c
}

func (c *EthStratumClient) loop() {
	for fn := range c.ops {
		fn()
	}
}

func (c *EthStratumClient) post(fn func()) {
	c.ops <- fn
}

func (c *EthStratumClient) IsConnected() bool {
	return atomic.LoadInt32(&c.connected) != 0
}

func (c *EthStratumClient) IsAuthorized() bool {
	return atomic.LoadInt32(&c.authorized) != 0
}

func (c *EthStratumClient) PoolConnectionStates() types.PoolConnectionStates {
	switch {
	case c.IsConnected() && c.IsAuthorized():
		return types.Alive
	case c.IsConnected():
		return types.NotReady
	default:
		return types.Dead
	}
}

func (c *EthStratumClient) GetPoolStats() (info types.PoolStates) {
	info.Status = c.PoolConnectionStates()
	info.User = c.endpoint.User
	info.PoolAddr = c.dialect.String() + "+tcp://" + c.endpoint.Addr()
	info.Accept = atomic.LoadInt32(&c.accept)
	info.Reject = atomic.LoadInt32(&c.reject)
	info.Stale = atomic.LoadInt32(&c.staleShares)
	info.LastAccepted = atomic.LoadInt64(&c.lastAccept)
	return
}

//Connect dials the pool and drives the subscribe/authorize chain. The
// outcome is reported through the connected/disconnected callbacks.
func (c *EthStratumClient) Connect() {
	c.post(c.doConnect)
}

//Disconnect tears the connection down and fires the disconnected callback.
func (c *EthStratumClient) Disconnect() {
	c.post(func() { c.disconnect() })
}

func (c *EthStratumClient) doConnect() {
	if c.IsConnected() {
		return
	}
	atomic.StoreInt32(&c.authorized, 0)

	conn, err := dialPool(&c.endpoint, c.logger)
	if err != nil {
		c.logger.Warn("Pool connection failed", zap.Error(err))
		c.NotifyDisconnected()
		return
	}

	c.conn = conn
	c.codec = newWireCodec(conn, c.dialect == types.DialectEthProxy, c.logger)
	c.current = types.WorkPackage{}
	c.responsePending = false
	c.stale = false
	atomic.StoreInt32(&c.connected, 1)
	c.NotifyConnected()

	c.resetWorkTimeout()

	switch c.dialect {
	case types.DialectStratum:
		atomic.StoreInt32(&c.authorized, 1)
		c.send(&request{ID: 1, Method: "mining.subscribe", Params: []interface{}{}})

	case types.DialectEthProxy:
		user := c.endpoint.User
		if p := strings.Index(user, "."); p >= 0 {
			c.worker = user[p+1:]
			user = user[:p]
		} else {
			c.worker = ""
		}
		params := []interface{}{user}
		if c.endpoint.Email != "" {
			params = append(params, c.endpoint.Email)
		}
		c.send(&request{ID: 1, Worker: c.worker, Method: "eth_submitLogin", Params: params})

	case types.DialectEthereumStratum:
		atomic.StoreInt32(&c.authorized, 1)
		c.send(&request{ID: 1, Method: "mining.subscribe",
			Params: []interface{}{"progminer/" + c.cfg.Version, "EthereumStratum/1.0.0"}})
	}
}

func (c *EthStratumClient) disconnect() {
	if !c.IsConnected() {
		return
	}
	c.linkGen++
	stopTimer(c.workTimer)
	stopTimer(c.responseTimer)
	stopTimer(c.hashrateTimer)
	c.responsePending = false

	atomic.StoreInt32(&c.connected, 0)
	atomic.StoreInt32(&c.authorized, 0)
	if c.conn != nil {
		c.conn.Close()
		c.conn = nil
	}
	c.NotifyDisconnected()
}

func stopTimer(t *time.Timer) {
	if t != nil {
		t.Stop()
	}
}

// afterOnLink arms a timer whose handler runs on the event goroutine and
// only while the connection it was armed on is still the live one.
func (c *EthStratumClient) afterOnLink(d time.Duration, fn func()) *time.Timer {
	gen := c.linkGen
	return time.AfterFunc(d, func() {
		c.post(func() {
			if c.IsConnected() && c.linkGen == gen {
				fn()
			}
		})
	})
}

func (c *EthStratumClient) resetWorkTimeout() {
	stopTimer(c.workTimer)
	c.workTimer = c.afterOnLink(c.cfg.WorkTimeout, func() {
		c.logger.Warn("No new work received within timeout",
			zap.Duration("timeout", c.cfg.WorkTimeout))
		c.disconnect()
	})
}

// write sends one request without scheduling a read (hashrate path).
func (c *EthStratumClient) write(frame []byte) {
	if c.conn == nil {
		return
	}
	if err := writeFrame(c.conn, frame); err != nil {
		c.logger.Warn("Handle response failed", zap.Error(err))
	}
}

// send writes a request and makes sure a read is outstanding for the reply.
func (c *EthStratumClient) send(r *request) {
	frame, err := r.marshal()
	if err != nil {
		c.logger.Error("Request marshal failed", zap.Error(err))
		return
	}
	c.write(frame)
	c.readline()
}

// readline keeps at most one read-until-newline outstanding. The guard is a
// mutex plus counter so overlapping completions cannot double-schedule.
func (c *EthStratumClient) readline() {
	c.pendingMu.Lock()
	if c.pendingReads == 0 {
		c.pendingReads++
		go c.readOne(c.codec)
	}
	c.pendingMu.Unlock()
}

func (c *EthStratumClient) readOne(codec *wireCodec) {
	line, ok, err := codec.readFrame()
	c.post(func() {
		c.pendingMu.Lock()
		if c.pendingReads > 0 {
			c.pendingReads--
		}
		c.pendingMu.Unlock()

		if err != nil {
			// Reads cancelled by a deliberate disconnect complete with a
			// closed-connection error and are swallowed here.
			if c.IsConnected() && c.codec == codec {
				c.logger.Warn("Read response failed", zap.Error(err))
				c.disconnect()
			}
			return
		}
		if ok {
			if resp, perr := parseResponse(line); perr != nil {
				c.logger.Warn("Parse response failed", zap.Error(perr))
			} else {
				c.processResponse(resp)
			}
		}
		if c.IsConnected() {
			c.readline()
		}
	})
}

func (c *EthStratumClient) processResponse(resp *response) {
	if msg, ok := resp.errString(); ok {
		c.logger.Info("Pool error", zap.String("message", msg))
	}

	switch resp.msgID() {
	case 1:
		if c.dialect == types.DialectEthereumStratum {
			c.nextWorkDifficulty = 1
			if params, ok := array(resp.Result); ok {
				c.processExtranonce(argString(params, 1))
			}
			c.send(&request{ID: 2, Method: "mining.extranonce.subscribe", Params: []interface{}{}})
		}
		if c.dialect != types.DialectEthProxy {
			c.logger.Info("Subscribed to stratum server")
			c.send(&request{ID: 3, Method: "mining.authorize",
				Params: []interface{}{c.endpoint.User, c.endpoint.Pass}})
		} else {
			atomic.StoreInt32(&c.authorized, 1)
			// Not strictly required but it speeds up initialization.
			c.send(&request{ID: 5, Method: "eth_getWork", Params: []interface{}{}})
		}

	case 2:
		// nothing to do

	case 3:
		if !resp.resultBool() {
			atomic.StoreInt32(&c.authorized, 0)
			c.logger.Warn("Worker not authorized", zap.String("user", c.endpoint.User))
			c.disconnect()
			return
		}
		atomic.StoreInt32(&c.authorized, 1)
		c.logger.Info("Authorized worker", zap.String("user", c.endpoint.User))

	case 4:
		stopTimer(c.responseTimer)
		c.responsePending = false
		if resp.resultBool() {
			atomic.AddInt32(&c.accept, 1)
			atomic.StoreInt64(&c.lastAccept, time.Now().Unix())
			if c.stale {
				atomic.AddInt32(&c.staleShares, 1)
			}
			c.NotifySolutionAccepted(c.stale)
		} else {
			atomic.AddInt32(&c.reject, 1)
			c.NotifySolutionRejected(c.stale)
		}

	default:
		c.processNotification(resp)
	}
}

func (c *EthStratumClient) processNotification(resp *response) {
	var method string
	var workattr json.RawMessage

	if c.dialect != types.DialectEthProxy {
		method = resp.Method
		workattr = resp.Params
	} else {
		// ethproxy pushes work as a bare result (and the id=5 reply lands
		// here too); everything is a notify.
		method = "mining.notify"
		workattr = resp.Result
	}

	switch {
	case method == "mining.notify":
		params, ok := array(workattr)
		if !ok {
			return
		}
		job := argString(params, 0)
		if c.responsePending {
			c.stale = true
		}
		if c.dialect == types.DialectEthereumStratum {
			c.notifyEthereumStratum(job, params)
		} else {
			c.notifyStratum(job, params)
		}

	case method == "mining.set_difficulty" && c.dialect == types.DialectEthereumStratum:
		if params, ok := array(resp.Params); ok {
			c.nextWorkDifficulty = argFloat(params, 0, 1)
			if c.nextWorkDifficulty <= minimumDiff {
				c.nextWorkDifficulty = minimumDiff
			}
			c.logger.Info("Difficulty set", zap.Float64("difficulty", c.nextWorkDifficulty))
		}

	case method == "mining.set_extranonce" && c.dialect == types.DialectEthereumStratum:
		if params, ok := array(resp.Params); ok {
			c.processExtranonce(argString(params, 0))
		}

	case method == "client.get_version":
		frame, err := json.Marshal(&versionReply{ID: resp.msgID(), Result: c.cfg.Version})
		if err == nil {
			c.write(append(frame, '\n'))
			c.readline()
		}
	}
}

func (c *EthStratumClient) notifyEthereumStratum(job string, params []interface{}) {
	sSeedHash := argString(params, 1)
	sHeaderHash := argString(params, 2)
	height := argUint64(params, 3)

	if sHeaderHash == "" || sSeedHash == "" {
		return
	}
	header := common.HexToHash(sHeaderHash)
	if header == c.current.Header {
		return
	}
	c.resetWorkTimeout()

	w := types.WorkPackage{
		Header:     header,
		SeedHash:   common.HexToHash(sSeedHash),
		Epoch:      ethash.ToEpoch(common.HexToHash(sSeedHash)),
		Height:     height,
		Boundary:   DiffToTarget(c.nextWorkDifficulty),
		StartNonce: binary.BigEndian.Uint64(c.extraNonce[:]),
		ExSizeBits: c.extraNonceHexSize * 4,
		JobLen:     len(job),
	}
	// The job id is stored right-padded to 32 bytes; JobLen recovers the
	// original on submission.
	if len(job) < 64 {
		w.Job = job + strings.Repeat("0", 64-len(job))
	} else {
		w.Job = job
	}
	c.current = w
	c.NotifyWorkReceived(w)
}

func (c *EthStratumClient) notifyStratum(job string, params []interface{}) {
	index := 1
	if c.dialect == types.DialectEthProxy {
		index = 0
	}
	sHeaderHash := argString(params, index)
	sSeedHash := argString(params, index+1)
	sShareTarget := padShareTarget(argString(params, index+2))
	height := argUint64(params, index+3)

	if sHeaderHash == "" || sSeedHash == "" || sShareTarget == "" {
		return
	}
	header := common.HexToHash(sHeaderHash)
	if header == c.current.Header {
		return
	}
	c.resetWorkTimeout()

	w := types.WorkPackage{
		Header:     header,
		SeedHash:   common.HexToHash(sSeedHash),
		Epoch:      ethash.ToEpoch(common.HexToHash(sSeedHash)),
		Boundary:   common.HexToHash(sShareTarget),
		Height:     height,
		Job:        job,
		JobLen:     len(job),
		ExSizeBits: -1,
	}
	c.current = w
	c.NotifyWorkReceived(w)
}

func (c *EthStratumClient) processExtranonce(enonce string) {
	enonce = strings.TrimPrefix(enonce, "0x")
	c.extraNonceHexSize = len(enonce)

	c.logger.Info("Extranonce set", zap.String("extranonce", enonce))

	for len(enonce) < 16 {
		enonce += "0"
	}
	b, err := hex.DecodeString(enonce)
	if err != nil || len(b) != 8 {
		c.logger.Warn("Invalid extranonce from pool", zap.String("extranonce", enonce))
		return
	}
	copy(c.extraNonce[:], b)
}

//SubmitSolution reports a candidate to the pool with the dialect's submit
// payload and arms the response timer.
func (c *EthStratumClient) SubmitSolution(sol types.Solution) {
	c.post(func() {
		if !c.IsConnected() {
			return
		}
		stopTimer(c.responseTimer)

		nonceHex := fmt.Sprintf("%016x", sol.Nonce)
		var req *request
		switch c.dialect {
		case types.DialectStratum:
			req = &request{ID: 4, Method: "mining.submit", Params: []interface{}{
				c.endpoint.User,
				sol.Work.Job,
				"0x" + nonceHex,
				"0x" + hex.EncodeToString(sol.Work.Header[:]),
				"0x" + hex.EncodeToString(sol.MixHash[:]),
			}}
		case types.DialectEthProxy:
			req = &request{ID: 4, Worker: c.worker, Method: "eth_submitWork", Params: []interface{}{
				"0x" + nonceHex,
				"0x" + hex.EncodeToString(sol.Work.Header[:]),
				"0x" + hex.EncodeToString(sol.MixHash[:]),
			}}
		case types.DialectEthereumStratum:
			job := sol.Work.Job
			if sol.Work.JobLen <= len(job) {
				job = job[:sol.Work.JobLen]
			}
			req = &request{ID: 4, Method: "mining.submit", Params: []interface{}{
				c.endpoint.User,
				job,
				nonceHex[c.extraNonceHexSize:16],
			}}
		}

		c.stale = sol.Stale
		c.send(req)
		c.responsePending = true
		c.responseTimer = c.afterOnLink(responseTimeout, func() {
			c.logger.Warn("No response received in 2 seconds")
			c.disconnect()
		})
	})
}

//SubmitHashrate coalesces hashrate reports with a trailing debounce before
// writing the eth_submitHashrate notification.
func (c *EthStratumClient) SubmitHashrate(rate string) {
	c.post(func() {
		if !c.cfg.SubmitHashrate || !c.IsConnected() {
			return
		}
		c.rate = rate
		stopTimer(c.hashrateTimer)
		c.hashrateTimer = c.afterOnLink(hashrateDebounce, func() {
			frame, err := json.Marshal(&hashrateRequest{
				ID:      6,
				JSONRPC: "2.0",
				Method:  "eth_submitHashrate",
				Params:  []interface{}{c.rate, "0x" + c.hashrateID},
			})
			if err == nil {
				c.write(append(frame, '\n'))
			}
		})
	})
}
