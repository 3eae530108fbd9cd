package driver

import (
	"github.com/AGPFMiner/progminer/cu"
	"github.com/AGPFMiner/progminer/ethash"
	"github.com/AGPFMiner/progminer/types"
	pkgerrors "github.com/pkg/errors"
	"go.uber.org/zap"
)

//kernelBuilder produces the period-specialized search kernel: the math
// library's generated source plus the fixed runtime tail, compiled for the
// device's architecture with the DAG element count baked in as a macro.
type kernelBuilder struct {
	aux       ethash.Auxiliary
	toolchain cu.Toolchain
	runtime   []byte
	logger    *zap.Logger
}

func (kb *kernelBuilder) build(dev cu.Device, height, dagElms uint64) (cu.Kernel, error) {
	src, err := kb.aux.KernelSource(height)
	if err != nil {
		return nil, pkgerrors.Wrap(err, "kernel source")
	}
	text := src + string(kb.runtime)

	res, err := kb.toolchain.Compile(text, cu.CompileOptions{
		Arch:        dev.Props(),
		DagElements: dagElms,
		LineInfo:    true,
	})
	if res.Log != "" {
		kb.logger.Debug("Compile log", zap.String("log", res.Log))
	}
	if err != nil {
		return nil, pkgerrors.Wrap(err, "kernel compile")
	}

	mod, err := dev.LoadModule(res.PTX)
	if err != nil {
		return nil, pkgerrors.Wrap(err, "module load")
	}
	kern, err := mod.Function(res.LoweredName)
	if err != nil {
		return nil, pkgerrors.Wrap(err, "kernel lookup")
	}
	kb.logger.Debug("done compiling", zap.Uint64("period", height/types.ProgPowPeriod))
	return kern, nil
}
