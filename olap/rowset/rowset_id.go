package rowset

import (
	"encoding/hex"
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/atomic"
)

// ID globally identifies one rowset. It combines the per-process backend UID
// with a monotonic sequence number, so two processes can never mint the same
// id even after restarts. Comparable by value; usable as a map key.
type ID struct {
	BackendUID uuid.UUID
	Seq        uint64
}

func (id ID) String() string {
	return fmt.Sprintf("%s-%d", hex.EncodeToString(id.BackendUID[:]), id.Seq)
}

func (id ID) IsZero() bool {
	return id == ID{}
}

// IDGenerator mints rowset ids for this process.
type IDGenerator struct {
	backendUID uuid.UUID
	next       atomic.Uint64
}

func NewIDGenerator() *IDGenerator {
	return &IDGenerator{backendUID: uuid.New()}
}

func (g *IDGenerator) NextID() ID {
	return ID{BackendUID: g.backendUID, Seq: g.next.Inc()}
}
