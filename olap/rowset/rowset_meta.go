package rowset

import (
	"encoding/json"

	"github.com/google/uuid"
	"github.com/pingcap/errors"
)

// State is the lifecycle state of a rowset's metadata record.
type State int

const (
	StatePending State = iota
	StateCommitted
	StateVisible
)

func (s State) String() string {
	switch s {
	case StatePending:
		return "PENDING"
	case StateCommitted:
		return "COMMITTED"
	case StateVisible:
		return "VISIBLE"
	}
	return "UNKNOWN"
}

// Type selects the rowset storage format. BETA is the supported format; ALPHA
// only survives for reading legacy configurations.
type Type int

const (
	TypeAlpha Type = iota
	TypeBeta
)

func (t Type) String() string {
	if t == TypeAlpha {
		return "ALPHA"
	}
	return "BETA"
}

// Version is a closed version range [Start, End] covered by a rowset.
type Version struct {
	Start int64 `json:"start"`
	End   int64 `json:"end"`
}

func (v Version) Contains(other Version) bool {
	return v.Start <= other.Start && other.End <= v.End
}

// Meta is the persistent metadata record of one rowset. Immutable once the
// rowset is written, except for the State transition PENDING -> COMMITTED ->
// VISIBLE.
type Meta struct {
	RowsetID     ID        `json:"rowset_id"`
	TabletID     int64     `json:"tablet_id"`
	TabletUID    uuid.UUID `json:"tablet_uid"`
	TxnID        int64     `json:"txn_id"`
	Version      Version   `json:"version"`
	State        State     `json:"state"`
	NumRows      int64     `json:"num_rows"`
	DataSize     int64     `json:"data_size"`
	NumSegments  int64     `json:"num_segments"`
	CreationTime int64     `json:"creation_time"`
	IsLocal      bool      `json:"is_local"`
}

func (m *Meta) Marshal() ([]byte, error) {
	data, err := json.Marshal(m)
	return data, errors.Trace(err)
}

func (m *Meta) Unmarshal(data []byte) error {
	return errors.Trace(json.Unmarshal(data, m))
}
