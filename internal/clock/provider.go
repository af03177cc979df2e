package clock

import (
	"crypto/rand"
	"encoding/binary"
	"sync"
)

// RandomnessBundle is the opaque output of consuming one VRF seed: a
// derived PRNG plus the raw 32 bytes the caller can use as a fork-point
// commitment. The VRF coordinator itself lives outside this process; this
// type only carries whatever 256-bit value the coordinator handed back.
type RandomnessBundle struct {
	Seed [32]byte
	RNG  *Randomness
}

// Provider supplies monotonic time plus randomness, either VRF-derived (when
// the caller has fed it a coordinator seed) or a local PCG fallback seeded
// from crypto/rand. Every
// timeline fork and saboteur jitter draws from here so that a missing VRF
// feed is visible to the Mode Supervisor rather than silently degrading to
// unseeded math/rand.
type Provider struct {
	Clock Clock

	mu           sync.Mutex
	vrfConsumed  bool
	fallbackSeed int64
	fallback     *Randomness
}

// NewProvider creates a Provider backed by clk. The fallback PRNG is seeded
// from crypto/rand at construction so VRF-less operation is still
// unpredictable, just not externally verifiable.
func NewProvider(clk Clock) *Provider {
	var seedBuf [8]byte
	_, _ = rand.Read(seedBuf[:])
	seed := int64(binary.BigEndian.Uint64(seedBuf[:]))
	return &Provider{
		Clock:        clk,
		fallbackSeed: seed,
		fallback:     NewRandomness(seed),
	}
}

// Now returns the underlying Clock (not a time value).
func (p *Provider) Now() Clock { return p.Clock }

// Uniform returns a uniform float64 in [0, 1) from the fallback generator,
// for call sites that need quick jitter without a committed VRF seed.
func (p *Provider) Uniform() float64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.fallback.Float64()
}

// ConsumeVRF derives a RandomnessBundle from an externally supplied 256-bit
// seed (e.g. a Chainlink VRF coordinator response). The seed is opaque to
// this package; it only needs to look like 32 bytes of entropy. Once called
// at least once, VRFAvailable reports true for the remainder of the process.
func (p *Provider) ConsumeVRF(seed [32]byte) RandomnessBundle {
	p.mu.Lock()
	p.vrfConsumed = true
	p.mu.Unlock()

	asInt64 := int64(binary.BigEndian.Uint64(seed[:8]))
	return RandomnessBundle{
		Seed: seed,
		RNG:  NewRandomness(asInt64),
	}
}

// VRFAvailable reports whether ConsumeVRF has ever been called. Operations
// gated on real VRF randomness (global timeline forking, sabotage jitter,
// quantum-decay scheduling) must treat a false result as a reason to cap the
// operating mode at Mode 1.
func (p *Provider) VRFAvailable() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.vrfConsumed
}

// FallbackRandomness returns the process-wide CSPRNG-seeded generator used
// whenever no VRF seed has been supplied for an operation.
func (p *Provider) FallbackRandomness() *Randomness {
	return p.fallback
}
