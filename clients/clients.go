//Package clients provides the capability interface between the farm and a
// pool client implementation, plus the shared callback plumbing.
package clients

import "github.com/AGPFMiner/progminer/types"

//WorkReceivedCall is invoked on the client's event goroutine whenever the
// pool announces a work package that differs from the current one.
type WorkReceivedCall func(work types.WorkPackage)

//SolutionStateCall is invoked when the pool answers a submission. The
// argument reports whether the submitted solution was known stale.
type SolutionStateCall func(stale bool)

//ConnectionStateCall is invoked on connection establishment or loss.
type ConnectionStateCall func()

// PoolClient is what the farm supervisor consumes. Implementations own
// their socket and timers. The callback setters are not synchronized with
// the client's event goroutine; the other methods are safe to call from any
// goroutine.
type PoolClient interface {
	Connect()
	Disconnect()
	IsConnected() bool
	IsAuthorized() bool

	SubmitSolution(sol types.Solution)
	SubmitHashrate(rate string)

	SetConnectedCall(call ConnectionStateCall)
	SetDisconnectedCall(call ConnectionStateCall)
	SetWorkReceivedCall(call WorkReceivedCall)
	SetSolutionAcceptedCall(call SolutionStateCall)
	SetSolutionRejectedCall(call SolutionStateCall)

	PoolConnectionStates() types.PoolConnectionStates
	GetPoolStats() types.PoolStates
}

//BaseClient implements the callback bookkeeping shared by client
// implementations.
type BaseClient struct {
	connectedCall        ConnectionStateCall
	disconnectedCall     ConnectionStateCall
	workReceivedCall     WorkReceivedCall
	solutionAcceptedCall SolutionStateCall
	solutionRejectedCall SolutionStateCall
}

func (bc *BaseClient) SetConnectedCall(call ConnectionStateCall)    { bc.connectedCall = call }
func (bc *BaseClient) SetDisconnectedCall(call ConnectionStateCall) { bc.disconnectedCall = call }
func (bc *BaseClient) SetWorkReceivedCall(call WorkReceivedCall)    { bc.workReceivedCall = call }
func (bc *BaseClient) SetSolutionAcceptedCall(call SolutionStateCall) {
	bc.solutionAcceptedCall = call
}
func (bc *BaseClient) SetSolutionRejectedCall(call SolutionStateCall) {
	bc.solutionRejectedCall = call
}

//NotifyConnected runs the registered connected callback, if any.
func (bc *BaseClient) NotifyConnected() {
	if bc.connectedCall != nil {
		bc.connectedCall()
	}
}

func (bc *BaseClient) NotifyDisconnected() {
	if bc.disconnectedCall != nil {
		bc.disconnectedCall()
	}
}

func (bc *BaseClient) NotifyWorkReceived(work types.WorkPackage) {
	if bc.workReceivedCall != nil {
		bc.workReceivedCall(work)
	}
}

func (bc *BaseClient) NotifySolutionAccepted(stale bool) {
	if bc.solutionAcceptedCall != nil {
		bc.solutionAcceptedCall(stale)
	}
}

func (bc *BaseClient) NotifySolutionRejected(stale bool) {
	if bc.solutionRejectedCall != nil {
		bc.solutionRejectedCall(stale)
	}
}
