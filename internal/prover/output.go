package prover

import "OpenProver/internal/proofservice"

// Output is the result of a successful prove call. It is either Local, with
// the proof bytes in hand, or Remote, with handles to proofs kept by the
// service. Use a type switch to tell them apart.
type Output interface {
	isOutput()
}

// Local carries a materialised proof and its public output.
type Local struct {
	Proof  []byte
	Output []byte
}

// Remote lists the ids of proofs stored by the service, in input order.
type Remote struct {
	ProofIDs []proofservice.ProofID
}

func (Local) isOutput()  {}
func (Remote) isOutput() {}
