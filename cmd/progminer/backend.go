package main

import "github.com/AGPFMiner/progminer/miner"

// registeredDeps is populated by an accelerator backend build: the cgo
// bindings against the vendor driver, JIT compiler and ProgPoW library
// register themselves here under their build tag. The default build carries
// none, and MinerMain reports that at startup instead of mining.
var registeredDeps miner.Deps

func backendDeps() miner.Deps { return registeredDeps }
