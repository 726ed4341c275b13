package rpcproxy

// SynthesisBuilds returns how many adapters have been built in this process.
func SynthesisBuilds() int64 {
	return synthesisBuilds.Load()
}
